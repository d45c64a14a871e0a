package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV aggregate. Identity within a store is
// (symbol, timeframe, Timestamp).
type Candle struct {
	Timestamp time.Time       // bucket start
	Open      decimal.Decimal // first traded price in bucket
	High      decimal.Decimal // highest traded price in bucket
	Low       decimal.Decimal // lowest traded price in bucket
	Close     decimal.Decimal // last traded price in bucket
	Volume    int64           // traded quantity
}

// Candle construction errors.
var (
	ErrMissingTimestamp = errors.New("candle timestamp is zero")
	ErrInvalidOHLC      = errors.New("candle violates low <= open,close <= high")
	ErrNegativeVolume   = errors.New("candle volume is negative")
)

// NewCandle builds a candle and enforces the OHLC and volume invariants.
func NewCandle(ts time.Time, open, high, low, close decimal.Decimal, volume int64) (Candle, error) {
	c := Candle{Timestamp: ts, Open: open, High: high, Low: low, Close: close, Volume: volume}
	if err := c.Check(); err != nil {
		return Candle{}, err
	}
	return c, nil
}

// MustCandle is NewCandle for literals in tests and fixtures. Panics on invalid input.
func MustCandle(ts time.Time, open, high, low, close float64, volume int64) Candle {
	c, err := NewCandle(ts,
		decimal.NewFromFloat(open), decimal.NewFromFloat(high),
		decimal.NewFromFloat(low), decimal.NewFromFloat(close), volume)
	if err != nil {
		panic(fmt.Sprintf("invalid candle at %s: %v", ts, err))
	}
	return c
}

// Check reports the first invariant the candle violates, or nil.
func (c Candle) Check() error {
	if c.Timestamp.IsZero() {
		return ErrMissingTimestamp
	}
	if c.High.LessThan(c.Low) ||
		c.High.LessThan(c.Open) || c.High.LessThan(c.Close) ||
		c.Low.GreaterThan(c.Open) || c.Low.GreaterThan(c.Close) {
		return ErrInvalidOHLC
	}
	if c.Volume < 0 {
		return ErrNegativeVolume
	}
	return nil
}

// Equal compares all fields, using decimal equality for prices.
func (c Candle) Equal(o Candle) bool {
	return c.Timestamp.Equal(o.Timestamp) &&
		c.Open.Equal(o.Open) && c.High.Equal(o.High) &&
		c.Low.Equal(o.Low) && c.Close.Equal(o.Close) &&
		c.Volume == o.Volume
}

// LastTimestamp returns the timestamp of the newest candle in an ascending series.
func LastTimestamp(series []Candle) (time.Time, bool) {
	if len(series) == 0 {
		return time.Time{}, false
	}
	return series[len(series)-1].Timestamp, true
}
