// Package historical keeps persisted OHLCV series current: first-time fetches,
// incremental updates, late-start intraday backfills and resampling of
// one-minute data into coarser timeframes.
package historical

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"market-data-pipeline/internal/domain"
	"market-data-pipeline/internal/observability"
	"market-data-pipeline/internal/processor"
	"market-data-pipeline/internal/source"
	"market-data-pipeline/internal/storage"
)

// Defaults for Options.
const (
	DefaultCacheTTL     = 300 * time.Second
	DefaultMinUpdateAge = time.Minute
)

// Manager coordinates the candle source, the candle store and the processor.
// Work on one (symbol, timeframe) is serialized; different keys run in parallel.
type Manager struct {
	source      source.CandleSource
	store       storage.CandleStore
	processor   *processor.Processor
	instruments map[string]domain.Instrument

	cacheTTL     time.Duration
	backfillStep time.Duration
	minUpdateAge time.Duration
	now          func() time.Time

	locks  *keyLocks
	states *stateTable
	logger logrus.FieldLogger
}

// Options contains configuration for creating a Manager.
type Options struct {
	Source    source.CandleSource
	Store     storage.CandleStore
	Processor *processor.Processor // optional, a default-session processor is created

	// Instruments resolves tokens for calls that pass an empty token.
	Instruments []domain.Instrument

	CacheTTL     time.Duration    // default 300s
	BackfillStep time.Duration    // default 1h
	MinUpdateAge time.Duration    // default 1m
	Now          func() time.Time // default time.Now
	Logger       logrus.FieldLogger
}

// New creates a Manager. Source and Store are required.
func New(opts Options) (*Manager, error) {
	if opts.Source == nil {
		return nil, &ConfigurationError{Reason: "candle source is required"}
	}
	if opts.Store == nil {
		return nil, &ConfigurationError{Reason: "candle store is required"}
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	proc := opts.Processor
	if proc == nil {
		proc = processor.New(processor.Options{Now: now, Logger: logger})
	}

	m := &Manager{
		source:       opts.Source,
		store:        opts.Store,
		processor:    proc,
		instruments:  make(map[string]domain.Instrument, len(opts.Instruments)),
		cacheTTL:     opts.CacheTTL,
		backfillStep: opts.BackfillStep,
		minUpdateAge: opts.MinUpdateAge,
		now:          now,
		locks:        newKeyLocks(),
		states:       newStateTable(),
		logger:       logger.WithField("component", "historical"),
	}
	if m.cacheTTL <= 0 {
		m.cacheTTL = DefaultCacheTTL
	}
	if m.backfillStep <= 0 {
		m.backfillStep = DefaultBackfillStep
	}
	if m.minUpdateAge <= 0 {
		m.minUpdateAge = DefaultMinUpdateAge
	}
	for _, inst := range opts.Instruments {
		m.instruments[strings.ToUpper(inst.Symbol)] = inst
	}
	return m, nil
}

// State returns the current lifecycle state for (symbol, tf).
func (m *Manager) State(symbol string, tf domain.Timeframe) State {
	return m.states.get(storage.SeriesKey{Symbol: symbol, Timeframe: tf})
}

// Fetch returns the cleaned candles for [from, to] from the candle source.
// Failures are returned as *source.SourceError and are not retried here.
func (m *Manager) Fetch(ctx context.Context, symbol, token string, tf domain.Timeframe, from, to time.Time) ([]domain.Candle, error) {
	key, inst, err := m.resolve(symbol, token, tf)
	if err != nil {
		return nil, err
	}

	unlock := m.locks.lock(key)
	defer unlock()

	return m.fetchLocked(ctx, key, inst, from, to)
}

// Persist overwrites the stored series for (symbol, tf) with series.
func (m *Manager) Persist(ctx context.Context, series []domain.Candle, symbol string, tf domain.Timeframe) error {
	key, _, err := m.resolveKey(symbol, tf)
	if err != nil {
		return err
	}

	unlock := m.locks.lock(key)
	defer unlock()

	return m.persistLocked(ctx, key, series)
}

// Load returns the stored series for (symbol, tf), served from the cache
// while the entry is fresh. storage.ErrNotFound is returned when nothing is stored.
func (m *Manager) Load(ctx context.Context, symbol string, tf domain.Timeframe) ([]domain.Candle, error) {
	key, _, err := m.resolveKey(symbol, tf)
	if err != nil {
		return nil, err
	}

	if cached, ok := m.processor.GetCached(key.Name()); ok {
		if series, ok := cached.([]domain.Candle); ok {
			return cloneSeries(series), nil
		}
	}

	series, found, err := m.loadStored(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, storage.ErrNotFound
	}

	m.processor.Cache(key.Name(), cloneSeries(series), m.cacheTTL)
	return series, nil
}

// Update brings (symbol, tf) up to now. With nothing stored it fetches the
// timeframe's maximum lookback. Otherwise it fetches from the last stored
// timestamp, keeps only newer candles and merges them in. It is a no-op when
// the newest candle is younger than MinUpdateAge.
func (m *Manager) Update(ctx context.Context, symbol, token string, tf domain.Timeframe) ([]domain.Candle, error) {
	key, inst, err := m.resolve(symbol, token, tf)
	if err != nil {
		return nil, err
	}

	unlock := m.locks.lock(key)
	defer unlock()

	return m.updateLocked(ctx, key, inst)
}

func (m *Manager) updateLocked(ctx context.Context, key storage.SeriesKey, inst domain.Instrument) ([]domain.Candle, error) {
	logger := m.logger.WithFields(logrus.Fields{"symbol": key.Symbol, "timeframe": key.Timeframe})

	existing, found, err := m.loadStored(ctx, key)
	if err != nil {
		return nil, err
	}

	now := m.now()
	last, hasLast := domain.LastTimestamp(existing)
	if !found || !hasLast {
		from := now.AddDate(0, 0, -key.Timeframe.LookbackDays())
		logger.Infof("no stored data, fetching %d days", key.Timeframe.LookbackDays())

		fresh, err := m.fetchLocked(ctx, key, inst, from, now)
		if err != nil {
			return nil, err
		}
		if err := m.persistLocked(ctx, key, fresh); err != nil {
			return nil, err
		}
		return fresh, nil
	}

	if now.Sub(last) < m.minUpdateAge {
		logger.Debugf("last candle at %s is recent, skipping update", last.Format(time.RFC3339))
		return existing, nil
	}

	fetched, err := m.fetchLocked(ctx, key, inst, last, now)
	if err != nil {
		return nil, err
	}

	newer := fetched[:0]
	for _, c := range fetched {
		if c.Timestamp.After(last) {
			newer = append(newer, c)
		}
	}
	if len(newer) == 0 {
		logger.Debug("no new candles")
		return existing, nil
	}

	merged := m.processor.Merge(existing, newer)
	if err := m.persistLocked(ctx, key, merged); err != nil {
		return nil, err
	}
	logger.Infof("added %d candles", len(newer))
	return merged, nil
}

// UpdateIntraday keeps the one-minute series for symbol current for today.
//
// With nothing stored it performs a first-time fetch. When the newest stored
// candle is from today it runs an incremental update, or returns the stored
// series untouched outside session hours. Otherwise, if
// autoBackfill is set, it backfills [session open, last complete boundary],
// re-derives every coarser intraday timeframe and, during the session,
// continues with an incremental update to now.
func (m *Manager) UpdateIntraday(ctx context.Context, symbol, token string, autoBackfill bool) (*IntradayResult, error) {
	key, inst, err := m.resolve(symbol, token, domain.OneMinute)
	if err != nil {
		return nil, err
	}

	existing, found, err := m.loadLocked(ctx, key)
	if err != nil {
		return nil, err
	}

	now := m.now()
	session := m.processor.Session()
	last, hasLast := domain.LastTimestamp(existing)

	if !found || !hasLast {
		series, err := m.Update(ctx, inst.Symbol, inst.Token, domain.OneMinute)
		if err != nil {
			return nil, err
		}
		return &IntradayResult{Mode: ModeInitial, Series: series}, nil
	}

	if session.SameDay(last, now) || !autoBackfill {
		if !session.Within(now) {
			m.logger.WithField("symbol", inst.Symbol).Info("outside session hours, skipping intraday update")
			return &IntradayResult{Mode: ModeSkipped, Series: existing}, nil
		}
		series, err := m.Update(ctx, inst.Symbol, inst.Token, domain.OneMinute)
		if err != nil {
			return nil, err
		}
		return &IntradayResult{Mode: ModeIncremental, Series: series}, nil
	}

	window := ComputeBackfillWindow(inst.Symbol, now, session, m.backfillStep)
	result := &IntradayResult{Mode: ModeBackfill, Window: &window, Series: existing}

	logger := m.logger.WithFields(logrus.Fields{
		"symbol":       inst.Symbol,
		"window_start": window.Start.Format(time.RFC3339),
		"window_end":   window.End.Format(time.RFC3339),
	})

	if !window.Empty() {
		logger.Info("late start detected, backfilling session")
		series, err := m.Backfill(ctx, inst.Symbol, inst.Token, window.Start, window.End)
		observability.RecordBackfill(err)
		if err != nil {
			return nil, err
		}
		result.Series = series
		result.Resample = m.ResampleAll(ctx, inst.Symbol, series)
	} else {
		logger.Debug("backfill window is empty")
	}

	if !session.Within(now) || !now.After(window.End) {
		return result, nil
	}

	series, err := m.Update(ctx, inst.Symbol, inst.Token, domain.OneMinute)
	if err != nil {
		return result, err
	}
	result.Series = series
	return result, nil
}

// Backfill fetches one-minute candles for [start, end], merges them with the
// stored series and persists the result. Stored candles win on overlap.
func (m *Manager) Backfill(ctx context.Context, symbol, token string, start, end time.Time) ([]domain.Candle, error) {
	key, inst, err := m.resolve(symbol, token, domain.OneMinute)
	if err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, &ConfigurationError{Symbol: symbol, Reason: "backfill end is before start"}
	}

	unlock := m.locks.lock(key)
	defer unlock()

	fetched, err := m.fetchLocked(ctx, key, inst, start, end)
	if err != nil {
		return nil, err
	}

	existing, _, err := m.loadStored(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(fetched) == 0 {
		m.logger.WithField("symbol", inst.Symbol).Warn("backfill returned no candles")
		return existing, nil
	}

	merged := m.processor.Merge(existing, fetched)
	if err := m.persistLocked(ctx, key, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// ResampleAll derives each of tfs (every intraday timeframe when none are
// given) from oneMinute and persists it. Each timeframe succeeds or fails on
// its own. Once ctx is done the remaining timeframes are reported with the
// context error and not attempted.
func (m *Manager) ResampleAll(ctx context.Context, symbol string, oneMinute []domain.Candle, tfs ...domain.Timeframe) ResampleReport {
	if len(tfs) == 0 {
		tfs = domain.IntradayTimeframes()
	}

	report := ResampleReport{Results: make([]ResampleResult, 0, len(tfs))}
	for _, tf := range tfs {
		res := ResampleResult{Timeframe: tf}
		if err := ctx.Err(); err != nil {
			res.Err = err
			report.Results = append(report.Results, res)
			continue
		}

		res.Candles, res.Err = m.resampleOne(ctx, symbol, oneMinute, tf)
		observability.RecordResample(string(tf), res.Err)
		if res.Err != nil {
			m.logger.WithFields(logrus.Fields{"symbol": symbol, "timeframe": tf}).
				Warnf("resample failed: %v", res.Err)
		}
		report.Results = append(report.Results, res)
	}
	return report
}

func (m *Manager) resampleOne(ctx context.Context, symbol string, oneMinute []domain.Candle, tf domain.Timeframe) (int, error) {
	key, _, err := m.resolveKey(symbol, tf)
	if err != nil {
		return 0, err
	}

	resampled, err := m.processor.Resample(oneMinute, tf)
	if err != nil {
		return 0, err
	}
	if len(resampled) == 0 {
		return 0, nil
	}

	unlock := m.locks.lock(key)
	defer unlock()

	if err := m.persistLocked(ctx, key, resampled); err != nil {
		return 0, err
	}
	return len(resampled), nil
}

// InitializeInstrument performs a first-time fetch for every timeframe in tfs
// (all timeframes when none are given) that has nothing stored yet. The
// result maps each timeframe to its error, nil on success or when skipped.
func (m *Manager) InitializeInstrument(ctx context.Context, symbol, token string, tfs ...domain.Timeframe) map[domain.Timeframe]error {
	if len(tfs) == 0 {
		tfs = domain.AllTimeframes()
	}

	results := make(map[domain.Timeframe]error, len(tfs))
	for _, tf := range tfs {
		if err := ctx.Err(); err != nil {
			results[tf] = err
			continue
		}

		key, inst, err := m.resolve(symbol, token, tf)
		if err != nil {
			results[tf] = err
			continue
		}

		results[tf] = func() error {
			unlock := m.locks.lock(key)
			defer unlock()

			existing, found, err := m.loadStored(ctx, key)
			if err != nil {
				return err
			}
			if found && len(existing) > 0 {
				m.logger.WithFields(logrus.Fields{"symbol": inst.Symbol, "timeframe": tf}).
					Debug("already initialized")
				return nil
			}
			_, err = m.updateLocked(ctx, key, inst)
			return err
		}()
	}
	return results
}

// ListAvailable returns every stored series key.
func (m *Manager) ListAvailable(ctx context.Context) ([]storage.SeriesKey, error) {
	keys, err := m.store.List(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "list", Err: err}
	}
	return keys, nil
}

// resolve validates inputs and fills the instrument token and exchange.
func (m *Manager) resolve(symbol, token string, tf domain.Timeframe) (storage.SeriesKey, domain.Instrument, error) {
	key, inst, err := m.resolveKey(symbol, tf)
	if err != nil {
		return key, inst, err
	}
	if token != "" {
		inst.Token = token
	}
	if inst.Token == "" {
		return key, inst, &ConfigurationError{Symbol: inst.Symbol, Reason: "no instrument token"}
	}
	return key, inst, nil
}

func (m *Manager) resolveKey(symbol string, tf domain.Timeframe) (storage.SeriesKey, domain.Instrument, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return storage.SeriesKey{}, domain.Instrument{}, &ConfigurationError{Reason: "symbol is required"}
	}
	if !tf.Valid() {
		return storage.SeriesKey{}, domain.Instrument{}, &ConfigurationError{
			Symbol: symbol,
			Reason: fmt.Sprintf("unknown timeframe %q", tf),
		}
	}

	inst, ok := m.instruments[strings.ToUpper(symbol)]
	if !ok {
		inst = domain.Instrument{Symbol: symbol}
	}
	if inst.Exchange == "" {
		inst.Exchange = domain.DefaultExchange
	}
	return storage.SeriesKey{Symbol: inst.Symbol, Timeframe: tf}, inst, nil
}

// fetchLocked calls the source and cleans the result. Caller holds the key lock.
func (m *Manager) fetchLocked(ctx context.Context, key storage.SeriesKey, inst domain.Instrument, from, to time.Time) ([]domain.Candle, error) {
	m.states.set(key, StateFetching)

	start := time.Now()
	candles, err := m.source.FetchCandles(ctx, source.Request{
		Symbol:    inst.Symbol,
		Token:     inst.Token,
		Exchange:  inst.Exchange,
		Timeframe: key.Timeframe,
		From:      from,
		To:        to,
	})
	observability.RecordFetch(string(key.Timeframe), len(candles), time.Since(start).Seconds(), err)
	if err != nil {
		m.states.set(key, StateFailed)
		var srcErr *source.SourceError
		if errors.As(err, &srcErr) {
			return nil, err
		}
		return nil, &source.SourceError{Op: "fetch", Symbol: inst.Symbol, Timeframe: key.Timeframe, Err: err}
	}

	m.states.set(key, StateIdle)
	return m.processor.Clean(candles), nil
}

// persistLocked validates and writes series. Caller holds the key lock.
func (m *Manager) persistLocked(ctx context.Context, key storage.SeriesKey, series []domain.Candle) error {
	logger := m.logger.WithFields(logrus.Fields{"symbol": key.Symbol, "timeframe": key.Timeframe})

	m.states.set(key, StateValidating)
	if err := m.processor.Check(series); err != nil {
		m.states.set(key, StateFailed)
		observability.RecordValidationError(string(key.Timeframe))
		logger.Warnf("rejecting series: %v", err)
		return err
	}

	m.states.set(key, StatePersisting)
	start := time.Now()
	err := m.store.Save(ctx, key, series)
	observability.RecordPersist(string(key.Timeframe), time.Since(start).Seconds(), err)
	m.processor.Invalidate(key.Name())
	if err != nil {
		m.states.set(key, StateFailed)
		return &PersistenceError{Op: "save", Key: key, Err: err}
	}

	m.states.set(key, StateIdle)
	observability.MarkUpdated(float64(m.now().Unix()))
	logger.Debugf("persisted %d candles", len(series))
	return nil
}

// loadLocked reads the stored series under the key lock.
func (m *Manager) loadLocked(ctx context.Context, key storage.SeriesKey) ([]domain.Candle, bool, error) {
	unlock := m.locks.lock(key)
	defer unlock()
	return m.loadStored(ctx, key)
}

// loadStored reads the stored series. found is false when nothing is stored.
func (m *Manager) loadStored(ctx context.Context, key storage.SeriesKey) ([]domain.Candle, bool, error) {
	series, err := m.store.Load(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &PersistenceError{Op: "load", Key: key, Err: err}
	}
	return series, true, nil
}

func cloneSeries(series []domain.Candle) []domain.Candle {
	out := make([]domain.Candle, len(series))
	copy(out, series)
	return out
}
