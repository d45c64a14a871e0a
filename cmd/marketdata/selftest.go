package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"market-data-pipeline/internal/bootstrap"
	"market-data-pipeline/internal/domain"
	"market-data-pipeline/internal/historical"
	"market-data-pipeline/internal/livefeed"
	"market-data-pipeline/internal/processor"
	"market-data-pipeline/internal/source/stub"
	"market-data-pipeline/internal/storage"
	"market-data-pipeline/internal/storage/file"
	"market-data-pipeline/internal/storage/memory"
)

// check is one self-test step.
type check struct {
	name string
	run  func(ctx context.Context) error
}

// runSelftest exercises the processor, the stores, the historical manager and
// the live feed against synthetic data, then lists the configured store.
func (a *app) runSelftest(ctx context.Context) error {
	session, err := a.cfg.DomainSession()
	if err != nil {
		return err
	}

	checks := selfChecks(session)
	checks = append(checks, check{name: "list configured store", run: func(ctx context.Context) error {
		store, cleanup, err := bootstrap.CandleStore(ctx, a.cfg, session, false)
		if err != nil {
			return err
		}
		defer cleanup()
		keys, err := store.List(ctx)
		if err != nil {
			return err
		}
		for _, k := range keys {
			a.logger.Infof("  - %s (%s)", k.Symbol, k.Timeframe)
		}
		return nil
	}})

	failed := runChecks(ctx, checks, a.logger)
	if failed > 0 {
		return fmt.Errorf("%d of %d self-test checks failed", failed, len(checks))
	}
	a.logger.Infof("all %d self-test checks passed", len(checks))
	return nil
}

func runChecks(ctx context.Context, checks []check, logger logrus.FieldLogger) int {
	failed := 0
	for i, c := range checks {
		if err := c.run(ctx); err != nil {
			logger.Errorf("check %d %s: FAIL: %v", i+1, c.name, err)
			failed++
			continue
		}
		logger.Infof("check %d %s: ok", i+1, c.name)
	}
	return failed
}

// syntheticDay returns a full session of one-minute candles on day.
func syntheticDay(session domain.Session, day time.Time) []domain.Candle {
	open := session.OpenOn(day)
	n := int(session.CloseOn(day).Sub(open) / time.Minute)
	out := make([]domain.Candle, n)
	base := decimal.NewFromInt(19500)
	for i := 0; i < n; i++ {
		p := base.Add(decimal.NewFromInt(int64(i % 40)))
		out[i] = domain.Candle{
			Timestamp: open.Add(time.Duration(i) * time.Minute),
			Open:      p,
			High:      p.Add(decimal.NewFromInt(5)),
			Low:       p.Sub(decimal.NewFromInt(5)),
			Close:     p.Add(decimal.NewFromInt(1)),
			Volume:    1000,
		}
	}
	return out
}

func selfChecks(session domain.Session) []check {
	quiet := logrus.New()
	quiet.SetFormatter(logrus.StandardLogger().Formatter)
	quiet.SetLevel(logrus.WarnLevel)

	proc := processor.New(processor.Options{Session: session, Logger: quiet})
	day := time.Date(2024, 1, 15, 0, 0, 0, 0, session.Loc())
	series := syntheticDay(session, day)

	return []check{
		{name: "validate sample candle", run: func(context.Context) error {
			c, err := domain.NewCandle(time.Now(),
				decimal.NewFromInt(19500), decimal.NewFromInt(19550),
				decimal.NewFromInt(19480), decimal.NewFromInt(19520), 1000000)
			if err != nil {
				return err
			}
			return proc.Check([]domain.Candle{c})
		}},
		{name: "resample session to 30min", run: func(context.Context) error {
			out, err := proc.Resample(series, domain.ThirtyMinute)
			if err != nil {
				return err
			}
			if len(out) != 13 {
				return fmt.Errorf("got %d thirty-minute candles, want 13", len(out))
			}
			again, err := proc.Resample(out, domain.ThirtyMinute)
			if err != nil {
				return err
			}
			if len(again) != len(out) {
				return fmt.Errorf("resample is not idempotent: %d != %d", len(again), len(out))
			}
			return nil
		}},
		{name: "file candle store round trip", run: func(ctx context.Context) error {
			dir, err := os.MkdirTemp("", "marketdata-selftest-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(dir)

			store, err := file.NewCandleStore(dir, session.Loc())
			if err != nil {
				return err
			}
			key := storage.SeriesKey{Symbol: "NIFTY", Timeframe: domain.OneMinute}
			if err := store.Save(ctx, key, series); err != nil {
				return err
			}
			loaded, err := store.Load(ctx, key)
			if err != nil {
				return err
			}
			if len(loaded) != len(series) || !loaded[0].Equal(series[0]) {
				return fmt.Errorf("round trip mismatch: %d rows", len(loaded))
			}
			return nil
		}},
		{name: "late-start backfill", run: func(ctx context.Context) error {
			src := stub.NewCandleSource()
			src.Add("NIFTY", domain.OneMinute, series...)
			store := memory.NewCandleStore()
			key := storage.SeriesKey{Symbol: "NIFTY", Timeframe: domain.OneMinute}
			if err := store.Save(ctx, key, syntheticDay(session, day.AddDate(0, 0, -3))); err != nil {
				return err
			}

			now := session.OpenOn(day).Add(4*time.Hour + 30*time.Minute) // 13:45
			mgr, err := historical.New(historical.Options{
				Source:      src,
				Store:       store,
				Processor:   proc,
				Instruments: []domain.Instrument{{Symbol: "NIFTY", Token: "99926000"}},
				Now:         func() time.Time { return now },
				Logger:      quiet,
			})
			if err != nil {
				return err
			}

			res, err := mgr.UpdateIntraday(ctx, "NIFTY", "", true)
			if err != nil {
				return err
			}
			if res.Mode != historical.ModeBackfill || res.Window == nil {
				return fmt.Errorf("expected a backfill, got %s", res.Mode)
			}
			if got := res.Window.End.Format("15:04"); got != "13:15" {
				return fmt.Errorf("window end %s, want 13:15", got)
			}
			return res.Resample.Err()
		}},
		{name: "live feed snapshot", run: func(ctx context.Context) error {
			ticks := []domain.Tick{{
				Symbol:    "NIFTY",
				LastPrice: decimal.NewFromInt(19520),
				Volume:    1,
			}}
			store := memory.NewTickStore()
			worker, err := livefeed.NewWorker(livefeed.WorkerOptions{
				Source:        stub.NewTickSource(ticks, stub.WithHoldOpen()),
				Store:         store,
				Instruments:   []domain.Instrument{{Symbol: "NIFTY", Token: "99926000"}},
				WriteInterval: 50 * time.Millisecond,
				Logger:        quiet,
			})
			if err != nil {
				return err
			}
			sup, err := livefeed.NewSupervisor(livefeed.SupervisorOptions{
				Spawner:       &livefeed.InProcessSpawner{Run: worker.Run},
				Store:         store,
				WriteInterval: 50 * time.Millisecond,
				StartupCheck:  50 * time.Millisecond,
				PollInterval:  20 * time.Millisecond,
				Logger:        quiet,
			})
			if err != nil {
				return err
			}
			if !sup.Start() {
				return fmt.Errorf("worker did not start")
			}
			defer sup.Stop()

			if !sup.WaitForData(ctx, 5*time.Second) {
				return fmt.Errorf("no snapshot within 5s")
			}
			price, ok := sup.GetPrice("NIFTY")
			if !ok || !price.Equal(decimal.NewFromInt(19520)) {
				return fmt.Errorf("price %s, want 19520", price)
			}
			return nil
		}},
	}
}
