package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"market-data-pipeline/internal/bootstrap"
	"market-data-pipeline/internal/livefeed"
	"market-data-pipeline/internal/observability"
	"market-data-pipeline/internal/storage"
)

// runFeed starts the feed worker under supervision and serves health,
// metrics and the current snapshot until interrupted.
func (a *app) runFeed(ctx context.Context) error {
	ticks, cleanup, err := bootstrap.TickStore(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("open tick store: %w", err)
	}
	defer cleanup()

	spawner, err := a.newSpawner(ticks)
	if err != nil {
		return err
	}

	sup, err := livefeed.NewSupervisor(livefeed.SupervisorOptions{
		Spawner:         spawner,
		Store:           ticks,
		WriteInterval:   a.cfg.Feed.WriteInterval,
		StaleFactor:     a.cfg.Feed.StaleFactor,
		StartupCheck:    a.cfg.Feed.StartupCheck,
		RestartCooldown: a.cfg.Feed.RestartDelay,
		Logger:          a.logger,
	})
	if err != nil {
		return err
	}

	if !sup.Start() {
		return errors.New("feed worker failed to start")
	}
	defer sup.Stop()

	if !sup.WaitForData(ctx, *waitTimeout) {
		a.logger.Warnf("no feed data within %v, continuing under watch", *waitTimeout)
	}

	srv := &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           feedMux(sup),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Infof("starting HTTP server on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Errorf("HTTP server error: %v", err)
		}
	}()

	sup.Watch(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warnf("HTTP shutdown: %v", err)
	}
	a.logger.Info("feed stopped")
	return nil
}

func (a *app) newSpawner(ticks storage.TickStore) (livefeed.Spawner, error) {
	if !a.cfg.Feed.InProcess {
		args := []string{}
		if *configPath != "" {
			args = append(args, "-config", *configPath)
		}
		return &livefeed.ProcessSpawner{
			Path:        a.cfg.Feed.WorkerBinary,
			Args:        args,
			GracePeriod: a.cfg.Feed.GracePeriod,
			Logger:      a.logger,
		}, nil
	}

	src, err := bootstrap.TickSource(a.cfg, a.logger)
	if err != nil {
		return nil, err
	}
	worker, err := livefeed.NewWorker(livefeed.WorkerOptions{
		Source:         src,
		Store:          ticks,
		Instruments:    a.cfg.DomainInstruments(),
		WriteInterval:  a.cfg.Feed.WriteInterval,
		InitialBackoff: a.cfg.Feed.InitialBackoff,
		MaxBackoff:     a.cfg.Feed.MaxBackoff,
		Logger:         a.logger,
	})
	if err != nil {
		return nil, err
	}
	return &livefeed.InProcessSpawner{Run: worker.Run, GracePeriod: a.cfg.Feed.GracePeriod}, nil
}

// feedMux serves /health (503 when the snapshot is stale), /metrics and
// /snapshot.
func feedMux(sup *livefeed.Supervisor) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !sup.Running() || !sup.IsFresh(sup.StaleAfter()) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("stale"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.Handle("/metrics", observability.Handler())

	mux.HandleFunc("/snapshot", func(w http.ResponseWriter, r *http.Request) {
		snap, ok := sup.GetSnapshot()
		if !ok {
			http.Error(w, "no snapshot", http.StatusNotFound)
			return
		}
		data, err := storage.EncodeSnapshot(snap)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})

	return mux
}
