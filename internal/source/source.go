// Package source defines the external capabilities the pipeline consumes:
// a candle source for historical OHLCV data and a tick source for live
// quotes. The broker client behind them is not part of this module.
package source

import (
	"context"
	"fmt"
	"time"

	"market-data-pipeline/internal/domain"
)

// Request describes one historical candle query. From and To are inclusive.
type Request struct {
	Symbol    string
	Token     string
	Exchange  string
	Timeframe domain.Timeframe
	From      time.Time
	To        time.Time
}

// CandleSource provides historical candles from an external broker.
type CandleSource interface {
	// FetchCandles returns candles for req. Rows may be unordered or contain
	// duplicates; callers clean the result.
	FetchCandles(ctx context.Context, req Request) ([]domain.Candle, error)
}

// TickSource provides a live tick stream.
type TickSource interface {
	// Subscribe opens one connection for instruments. The channel is closed
	// when the connection ends or ctx is cancelled.
	Subscribe(ctx context.Context, instruments []domain.Instrument) (<-chan domain.Tick, error)
}

// SourceError reports a failed call to an external source. It is retryable:
// the caller may repeat the same operation later.
type SourceError struct {
	Op        string
	Symbol    string
	Timeframe domain.Timeframe
	Err       error
}

func (e *SourceError) Error() string {
	if e.Timeframe != "" {
		return fmt.Sprintf("source %s %s %s: %v", e.Op, e.Symbol, e.Timeframe, e.Err)
	}
	return fmt.Sprintf("source %s %s: %v", e.Op, e.Symbol, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// Retryable is always true for source failures.
func (e *SourceError) Retryable() bool {
	return true
}
