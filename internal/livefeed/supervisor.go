package livefeed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"market-data-pipeline/internal/domain"
	"market-data-pipeline/internal/observability"
	"market-data-pipeline/internal/storage"
)

// Supervisor defaults.
const (
	DefaultStaleFactor  = 5
	DefaultStartupCheck = 2 * time.Second
	DefaultPollInterval = time.Second
	DefaultRestartDelay = time.Second
)

// SupervisorOptions contains configuration for creating a Supervisor.
type SupervisorOptions struct {
	Spawner Spawner
	Store   storage.TickStore // read side of the worker's snapshot

	// WriteInterval is the worker's snapshot cadence.
	WriteInterval time.Duration
	// StaleFactor times WriteInterval is the age at which the snapshot is
	// considered stale by WaitForData and Watch.
	StaleFactor int
	// StartupCheck is how long Start waits before checking the worker is still alive.
	StartupCheck time.Duration
	// PollInterval paces WaitForData and Watch.
	PollInterval time.Duration
	// RestartCooldown separates stopping the old worker from spawning the new one.
	RestartCooldown time.Duration

	Now    func() time.Time
	Logger logrus.FieldLogger
}

// Supervisor owns the worker lifecycle and serves snapshot reads. Reads never
// return errors; an absent or unreadable snapshot reads as "no data".
type Supervisor struct {
	spawner       Spawner
	store         storage.TickStore
	writeInterval time.Duration
	staleFactor   int
	startupCheck  time.Duration
	pollInterval  time.Duration
	cooldown      time.Duration
	now           func() time.Time
	logger        logrus.FieldLogger

	// lifecycle serializes Start, Stop and Restart.
	lifecycle sync.Mutex

	mu        sync.Mutex
	handle    Handle
	startedAt time.Time
}

// NewSupervisor creates a Supervisor. Spawner and Store are required.
func NewSupervisor(opts SupervisorOptions) (*Supervisor, error) {
	if opts.Spawner == nil {
		return nil, errors.New("livefeed: spawner is required")
	}
	if opts.Store == nil {
		return nil, errors.New("livefeed: tick store is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s := &Supervisor{
		spawner:       opts.Spawner,
		store:         opts.Store,
		writeInterval: opts.WriteInterval,
		staleFactor:   opts.StaleFactor,
		startupCheck:  opts.StartupCheck,
		pollInterval:  opts.PollInterval,
		cooldown:      opts.RestartCooldown,
		now:           opts.Now,
		logger:        logger.WithField("component", "livefeed_supervisor"),
	}
	if s.writeInterval <= 0 {
		s.writeInterval = DefaultWriteInterval
	}
	if s.staleFactor <= 0 {
		s.staleFactor = DefaultStaleFactor
	}
	if s.startupCheck <= 0 {
		s.startupCheck = DefaultStartupCheck
	}
	if s.pollInterval <= 0 {
		s.pollInterval = DefaultPollInterval
	}
	if s.cooldown <= 0 {
		s.cooldown = DefaultRestartDelay
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// StaleAfter is the snapshot age beyond which data is considered stale.
func (s *Supervisor) StaleAfter() time.Duration {
	return time.Duration(s.staleFactor) * s.writeInterval
}

// Start launches the worker unless one is already running. It reports false
// when the worker could not be spawned or exited during the startup check.
func (s *Supervisor) Start() bool {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.start()
}

func (s *Supervisor) start() bool {
	if s.Running() {
		s.logger.Warn("worker already running")
		return true
	}

	h, err := s.spawner.Spawn()
	if err != nil {
		s.logger.Errorf("failed to spawn worker: %v", err)
		return false
	}

	select {
	case <-h.Done():
		s.logger.Errorf("worker exited immediately: %v", h.Err())
		return false
	case <-time.After(s.startupCheck):
	}

	s.mu.Lock()
	s.handle = h
	s.startedAt = s.now()
	s.mu.Unlock()

	observability.SetWorkerRunning(true)
	s.logger.Info("worker running")
	return true
}

// Stop stops the worker. It reports true when no worker remains.
func (s *Supervisor) Stop() bool {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.stop()
}

func (s *Supervisor) stop() bool {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()

	if h == nil {
		return true
	}

	if err := h.Stop(); err != nil {
		s.logger.Errorf("failed to stop worker: %v", err)
		return false
	}

	s.mu.Lock()
	s.handle = nil
	s.mu.Unlock()

	observability.SetWorkerRunning(false)
	s.logger.Info("worker stopped")
	return true
}

// Restart stops the current worker and starts a new one.
func (s *Supervisor) Restart() bool {
	return s.restart("manual")
}

func (s *Supervisor) restart(reason string) bool {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	observability.RecordRestart(reason)
	s.logger.WithField("reason", reason).Info("restarting worker")
	if !s.stop() {
		return false
	}
	time.Sleep(s.cooldown)
	return s.start()
}

// Running reports whether a started worker has not exited.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()

	if h == nil {
		return false
	}
	select {
	case <-h.Done():
		return false
	default:
		return true
	}
}

// GetSnapshot returns the current snapshot, or false when none is readable.
func (s *Supervisor) GetSnapshot() (*domain.TickSnapshot, bool) {
	snap, err := s.store.Read(context.Background())
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warnf("snapshot unreadable: %v", err)
		}
		return nil, false
	}
	return snap, true
}

// GetPrice returns the last traded price for symbol. An empty symbol selects
// the first entry of the snapshot.
func (s *Supervisor) GetPrice(symbol string) (decimal.Decimal, bool) {
	snap, ok := s.GetSnapshot()
	if !ok || len(snap.Entries) == 0 {
		return decimal.Decimal{}, false
	}
	if symbol == "" {
		return snap.Entries[0].LastPrice, true
	}
	return snap.Price(symbol)
}

// IsFresh reports whether the snapshot was captured within maxAge.
func (s *Supervisor) IsFresh(maxAge time.Duration) bool {
	snap, ok := s.GetSnapshot()
	if !ok {
		return false
	}
	age := snap.Age(s.now())
	observability.UpdateSnapshotAge(age.Seconds())
	return age <= maxAge
}

// WaitForData polls until the snapshot holds fresh entries, timeout elapses
// or ctx is done.
func (s *Supervisor) WaitForData(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		if s.hasFreshData() {
			s.logger.Infof("feed data available after %v", time.Since(start).Round(time.Millisecond))
			return true
		}
		select {
		case <-ctx.Done():
			s.logger.Warnf("no feed data after %v", timeout)
			return false
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) hasFreshData() bool {
	snap, ok := s.GetSnapshot()
	return ok && len(snap.Entries) > 0 && snap.Age(s.now()) <= s.StaleAfter()
}

// Watch restarts the worker when it has exited or its snapshot is older than
// StaleAfter. Workers younger than StaleAfter are not judged on staleness.
// Watch returns when ctx is done and leaves a stopped supervisor alone.
func (s *Supervisor) Watch(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.check()
		}
	}
}

func (s *Supervisor) check() {
	s.mu.Lock()
	h, startedAt := s.handle, s.startedAt
	s.mu.Unlock()

	if h == nil {
		return
	}

	select {
	case <-h.Done():
		s.logger.Warnf("worker exited: %v", h.Err())
		s.restart("exited")
		return
	default:
	}

	now := s.now()
	if now.Sub(startedAt) < s.StaleAfter() {
		return
	}

	snap, ok := s.GetSnapshot()
	if !ok {
		s.restart("stale")
		return
	}
	age := snap.Age(now)
	observability.UpdateSnapshotAge(age.Seconds())
	if age > s.StaleAfter() {
		s.logger.Warnf("snapshot is %v old", age.Round(time.Millisecond))
		s.restart("stale")
	}
}
