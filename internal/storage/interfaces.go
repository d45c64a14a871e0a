package storage

import (
	"context"
	"fmt"
	"strings"

	"market-data-pipeline/internal/domain"
)

// SeriesKey identifies one durable candle series.
type SeriesKey struct {
	Symbol    string
	Timeframe domain.Timeframe
}

// Name returns the "<SYMBOL>_<TIMEFRAME>" unit name used by file and cache keys.
func (k SeriesKey) Name() string {
	return k.Symbol + "_" + string(k.Timeframe)
}

func (k SeriesKey) String() string {
	return k.Name()
}

// ParseSeriesName splits a "<SYMBOL>_<TIMEFRAME>" unit name. Symbols may
// themselves contain underscores; the timeframe suffix is matched first.
func ParseSeriesName(name string) (SeriesKey, bool) {
	for _, tf := range domain.AllTimeframes() {
		suffix := "_" + string(tf)
		if strings.HasSuffix(name, suffix) && len(name) > len(suffix) {
			return SeriesKey{Symbol: strings.TrimSuffix(name, suffix), Timeframe: tf}, true
		}
	}
	return SeriesKey{}, false
}

// CandleStore persists one ordered candle series per (symbol, timeframe).
type CandleStore interface {
	// Save replaces the stored series for key. Readers observe either the
	// previous series or the new one, never a mix.
	Save(ctx context.Context, key SeriesKey, series []domain.Candle) error

	// Load returns the stored series ordered by timestamp ASC.
	// Returns ErrNotFound if nothing is stored for key.
	Load(ctx context.Context, key SeriesKey) ([]domain.Candle, error)

	// List returns every stored series key.
	List(ctx context.Context) ([]SeriesKey, error)
}

// TickStore holds the single latest tick snapshot.
type TickStore interface {
	// Write replaces the snapshot as a whole.
	Write(ctx context.Context, snap *domain.TickSnapshot) error

	// Read returns the latest snapshot. Returns ErrNotFound if none was written.
	Read(ctx context.Context) (*domain.TickSnapshot, error)
}

// ValidateSeries checks key and ordering before a Save. Backends call it so
// invalid input is rejected without touching the previous series.
func ValidateSeries(key SeriesKey, series []domain.Candle) error {
	if key.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidInput)
	}
	if !key.Timeframe.Valid() {
		return fmt.Errorf("%w: unknown timeframe %q", ErrInvalidInput, key.Timeframe)
	}
	for i, c := range series {
		if err := c.Check(); err != nil {
			return fmt.Errorf("%w: row %d: %v", ErrInvalidInput, i, err)
		}
		if i > 0 && !series[i-1].Timestamp.Before(c.Timestamp) {
			return fmt.Errorf("%w: row %d: timestamps not strictly increasing", ErrInvalidInput, i)
		}
	}
	return nil
}
