// Package stub provides in-memory candle and tick sources for tests and the
// self-test mode.
package stub

import (
	"context"
	"errors"
	"sync"
	"time"

	"market-data-pipeline/internal/domain"
	"market-data-pipeline/internal/source"
)

// CandleSource returns fixed in-memory candles for testing.
// Implements source.CandleSource.
type CandleSource struct {
	mu       sync.Mutex
	series   map[string][]domain.Candle // keyed by symbol|timeframe
	err      error
	requests []source.Request
}

// NewCandleSource creates an empty stub candle source.
func NewCandleSource() *CandleSource {
	return &CandleSource{series: make(map[string][]domain.Candle)}
}

func stubKey(symbol string, tf domain.Timeframe) string {
	return symbol + "|" + string(tf)
}

// Add appends candles served for (symbol, tf).
func (s *CandleSource) Add(symbol string, tf domain.Timeframe, candles ...domain.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := stubKey(symbol, tf)
	s.series[k] = append(s.series[k], candles...)
}

// FailWith makes every following fetch return err. Nil restores normal behaviour.
func (s *CandleSource) FailWith(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Requests returns the requests received so far.
func (s *CandleSource) Requests() []source.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]source.Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// FetchCandles returns stored candles with From <= ts <= To, in insertion order.
func (s *CandleSource) FetchCandles(ctx context.Context, req source.Request) ([]domain.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}

	var result []domain.Candle
	for _, c := range s.series[stubKey(req.Symbol, req.Timeframe)] {
		if c.Timestamp.Before(req.From) || c.Timestamp.After(req.To) {
			continue
		}
		result = append(result, c)
	}
	return result, nil
}

// TickSource replays a fixed tick list on every subscription.
// Implements source.TickSource.
type TickSource struct {
	mu         sync.Mutex
	ticks      []domain.Tick
	interval   time.Duration
	holdOpen   bool
	failFirst  int
	subscribes int
}

// TickSourceOption configures TickSource.
type TickSourceOption func(*TickSource)

// WithInterval delays each tick by d.
func WithInterval(d time.Duration) TickSourceOption {
	return func(s *TickSource) { s.interval = d }
}

// WithHoldOpen keeps the channel open after the last tick until ctx ends.
func WithHoldOpen() TickSourceOption {
	return func(s *TickSource) { s.holdOpen = true }
}

// WithFailFirst makes the first n Subscribe calls fail.
func WithFailFirst(n int) TickSourceOption {
	return func(s *TickSource) { s.failFirst = n }
}

// NewTickSource creates a stub tick source replaying ticks.
func NewTickSource(ticks []domain.Tick, opts ...TickSourceOption) *TickSource {
	s := &TickSource{ticks: ticks}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ErrSubscribe is returned by Subscribe while WithFailFirst attempts remain.
var ErrSubscribe = errors.New("stub: subscribe refused")

// Subscribes returns how many times Subscribe was called.
func (s *TickSource) Subscribes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribes
}

// Subscribe streams the tick list for the requested instruments.
func (s *TickSource) Subscribe(ctx context.Context, instruments []domain.Instrument) (<-chan domain.Tick, error) {
	s.mu.Lock()
	s.subscribes++
	fail := s.subscribes <= s.failFirst
	s.mu.Unlock()

	if fail {
		return nil, ErrSubscribe
	}

	wanted := make(map[string]struct{}, len(instruments))
	for _, inst := range instruments {
		wanted[inst.Symbol] = struct{}{}
	}

	out := make(chan domain.Tick)
	go func() {
		defer close(out)
		for _, tick := range s.ticks {
			if _, ok := wanted[tick.Symbol]; !ok {
				continue
			}
			if s.interval > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.interval):
				}
			}
			select {
			case <-ctx.Done():
				return
			case out <- tick:
			}
		}
		if s.holdOpen {
			<-ctx.Done()
		}
	}()
	return out, nil
}

// Compile-time interface checks.
var (
	_ source.CandleSource = (*CandleSource)(nil)
	_ source.TickSource   = (*TickSource)(nil)
)
