// Package livefeed keeps a Tick Snapshot current. A Worker holds the tick
// source connection and rewrites the snapshot on a timer. A Supervisor runs
// the worker through a Spawner, serves reads from the snapshot and restarts
// the worker when the snapshot goes stale.
package livefeed

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"market-data-pipeline/internal/domain"
	"market-data-pipeline/internal/observability"
	"market-data-pipeline/internal/source"
	"market-data-pipeline/internal/storage"
)

// Worker defaults.
const (
	DefaultWriteInterval  = 2 * time.Second
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second

	finalWriteTimeout = 5 * time.Second
)

var errStreamEnded = errors.New("tick stream ended")

// WorkerOptions contains configuration for creating a Worker.
type WorkerOptions struct {
	Source      source.TickSource
	Store       storage.TickStore
	Instruments []domain.Instrument

	WriteInterval  time.Duration // snapshot cadence, default 2s
	InitialBackoff time.Duration // first reconnect delay, default 1s
	MaxBackoff     time.Duration // reconnect delay cap, default 30s
	Now            func() time.Time
	Logger         logrus.FieldLogger
}

// Worker streams ticks for a fixed instrument list and publishes the latest
// entry per symbol as a Tick Snapshot. It reconnects forever and stops only
// when its context is cancelled.
type Worker struct {
	source      source.TickSource
	store       storage.TickStore
	instruments []domain.Instrument

	writeInterval  time.Duration
	initialBackoff time.Duration
	maxBackoff     time.Duration
	now            func() time.Time
	logger         logrus.FieldLogger

	mu        sync.Mutex
	latest    map[string]domain.TickEntry
	dirty     bool
	connected bool
}

// NewWorker creates a Worker. Source, Store and at least one instrument are required.
func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Source == nil {
		return nil, errors.New("livefeed: tick source is required")
	}
	if opts.Store == nil {
		return nil, errors.New("livefeed: tick store is required")
	}
	if len(opts.Instruments) == 0 {
		return nil, errors.New("livefeed: no instruments to subscribe")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	w := &Worker{
		source:         opts.Source,
		store:          opts.Store,
		instruments:    append([]domain.Instrument(nil), opts.Instruments...),
		writeInterval:  opts.WriteInterval,
		initialBackoff: opts.InitialBackoff,
		maxBackoff:     opts.MaxBackoff,
		now:            opts.Now,
		logger:         logger.WithField("component", "livefeed_worker"),
		latest:         make(map[string]domain.TickEntry),
	}
	if w.writeInterval <= 0 {
		w.writeInterval = DefaultWriteInterval
	}
	if w.initialBackoff <= 0 {
		w.initialBackoff = DefaultInitialBackoff
	}
	if w.maxBackoff <= 0 {
		w.maxBackoff = DefaultMaxBackoff
	}
	if w.now == nil {
		w.now = time.Now
	}
	return w, nil
}

// Run blocks until ctx is cancelled. On exit it writes a final snapshot when
// any tick has been received. It returns nil on cancellation.
func (w *Worker) Run(ctx context.Context) error {
	logger := w.logger.WithField("worker", uuid.NewString())
	logger.Infof("starting feed worker for %d instruments", len(w.instruments))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.writeLoop(ctx, logger)
	}()

	w.connectLoop(ctx, logger)
	wg.Wait()

	writeCtx, cancel := context.WithTimeout(context.Background(), finalWriteTimeout)
	defer cancel()
	if err := w.flush(writeCtx, true); err != nil {
		logger.Errorf("final snapshot write failed: %v", err)
	}
	logger.Info("feed worker stopped")
	return nil
}

// Snapshot returns the in-memory state as it would be written now.
func (w *Worker) Snapshot() *domain.TickSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

func (w *Worker) connectLoop(ctx context.Context, logger logrus.FieldLogger) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.initialBackoff
	b.MaxInterval = w.maxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		received, err := w.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if received > 0 {
			b.Reset()
		}

		delay := b.NextBackOff()
		observability.RecordReconnect()
		logger.Warnf("tick stream down after %d ticks: %v; reconnecting in %v", received, err, delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// session runs one connection until the stream ends or ctx is cancelled.
func (w *Worker) session(ctx context.Context) (int, error) {
	ticks, err := w.source.Subscribe(ctx, w.instruments)
	if err != nil {
		return 0, err
	}
	w.setConnected(true)
	defer w.setConnected(false)

	received := 0
	for {
		select {
		case <-ctx.Done():
			return received, ctx.Err()
		case tick, ok := <-ticks:
			if !ok {
				return received, errStreamEnded
			}
			received++
			w.record(tick)
		}
	}
}

func (w *Worker) setConnected(v bool) {
	w.mu.Lock()
	w.connected = v
	w.mu.Unlock()
}

func (w *Worker) record(tick domain.Tick) {
	observability.RecordTick()

	w.mu.Lock()
	w.latest[tick.Symbol] = domain.EntryFromTick(tick)
	w.dirty = true
	w.mu.Unlock()
}

func (w *Worker) writeLoop(ctx context.Context, logger logrus.FieldLogger) {
	ticker := time.NewTicker(w.writeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.flush(ctx, false); err != nil {
				logger.Errorf("snapshot write failed: %v", err)
			}
		}
	}
}

// flush rewrites the snapshot on every tick of the write loop while a stream
// is connected, so CapturedAt tracks worker liveness even when the market is
// quiet. While disconnected it writes only new ticks, or everything held when
// force is set.
func (w *Worker) flush(ctx context.Context, force bool) error {
	w.mu.Lock()
	if !w.connected && (len(w.latest) == 0 || (!w.dirty && !force)) {
		w.mu.Unlock()
		return nil
	}
	snap := w.snapshotLocked()
	w.dirty = false
	w.mu.Unlock()

	err := w.store.Write(ctx, snap)
	observability.RecordSnapshotWrite(err)
	if err != nil {
		w.mu.Lock()
		w.dirty = true
		w.mu.Unlock()
	}
	return err
}

func (w *Worker) snapshotLocked() *domain.TickSnapshot {
	snap := &domain.TickSnapshot{
		CapturedAt: w.now(),
		Entries:    make([]domain.TickEntry, 0, len(w.latest)),
	}
	for _, e := range w.latest {
		snap.Entries = append(snap.Entries, e)
	}
	sort.Slice(snap.Entries, func(i, j int) bool {
		return snap.Entries[i].Symbol < snap.Entries[j].Symbol
	})
	return snap
}
