package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tick is one real-time update for an instrument as delivered by the tick source.
type Tick struct {
	Symbol       string
	Token        string
	LastPrice    decimal.Decimal
	Open         decimal.Decimal
	High         decimal.Decimal
	Low          decimal.Decimal
	Close        decimal.Decimal
	Volume       int64
	ExchangeTime time.Time
}

// TickEntry is the latest known state of one instrument inside a snapshot.
type TickEntry struct {
	Symbol       string
	LastPrice    decimal.Decimal
	Open         decimal.Decimal
	High         decimal.Decimal
	Low          decimal.Decimal
	Close        decimal.Decimal
	Volume       int64
	ExchangeTime time.Time
}

// TickSnapshot is the whole-document state written by the feed worker.
// It is replaced on every write cycle, never appended to.
type TickSnapshot struct {
	CapturedAt time.Time
	Entries    []TickEntry
}

// EntryFromTick copies the snapshot-relevant fields of a tick.
func EntryFromTick(t Tick) TickEntry {
	return TickEntry{
		Symbol:       t.Symbol,
		LastPrice:    t.LastPrice,
		Open:         t.Open,
		High:         t.High,
		Low:          t.Low,
		Close:        t.Close,
		Volume:       t.Volume,
		ExchangeTime: t.ExchangeTime,
	}
}

// Age returns how long ago the snapshot was captured relative to now.
func (s *TickSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.CapturedAt)
}

// Price returns the last traded price for symbol.
func (s *TickSnapshot) Price(symbol string) (decimal.Decimal, bool) {
	for _, e := range s.Entries {
		if e.Symbol == symbol {
			return e.LastPrice, true
		}
	}
	return decimal.Decimal{}, false
}
