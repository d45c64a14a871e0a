package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"market-data-pipeline/internal/domain"
)

// snapshotDoc is the tick snapshot wire document shared by the file and
// redis tick stores:
//
//	{"timestamp": "...", "data": [{"trading_symbol": "NIFTY", "last_traded_price": 21500.35, ...}]}
type snapshotDoc struct {
	Timestamp string          `json:"timestamp"`
	Data      []snapshotEntry `json:"data"`
}

type snapshotEntry struct {
	TradingSymbol     string      `json:"trading_symbol"`
	LastTradedPrice   json.Number `json:"last_traded_price"`
	Open              json.Number `json:"open"`
	High              json.Number `json:"high"`
	Low               json.Number `json:"low"`
	Close             json.Number `json:"close"`
	Volume            int64       `json:"volume"`
	ExchangeTimestamp string      `json:"exchange_timestamp,omitempty"`
}

// EncodeSnapshot renders a snapshot as its wire document.
func EncodeSnapshot(snap *domain.TickSnapshot) ([]byte, error) {
	if snap == nil {
		return nil, fmt.Errorf("%w: nil snapshot", ErrInvalidInput)
	}

	doc := snapshotDoc{
		Timestamp: snap.CapturedAt.Format(time.RFC3339Nano),
		Data:      make([]snapshotEntry, 0, len(snap.Entries)),
	}
	for _, e := range snap.Entries {
		entry := snapshotEntry{
			TradingSymbol:   e.Symbol,
			LastTradedPrice: number(e.LastPrice),
			Open:            number(e.Open),
			High:            number(e.High),
			Low:             number(e.Low),
			Close:           number(e.Close),
			Volume:          e.Volume,
		}
		if !e.ExchangeTime.IsZero() {
			entry.ExchangeTimestamp = e.ExchangeTime.Format(time.RFC3339Nano)
		}
		doc.Data = append(doc.Data, entry)
	}

	return json.Marshal(doc)
}

// DecodeSnapshot parses a wire document. Malformed input wraps ErrCorrupt.
func DecodeSnapshot(data []byte) (*domain.TickSnapshot, error) {
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode snapshot: %v", ErrCorrupt, err)
	}

	captured, err := time.Parse(time.RFC3339Nano, doc.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot timestamp: %v", ErrCorrupt, err)
	}

	snap := &domain.TickSnapshot{
		CapturedAt: captured,
		Entries:    make([]domain.TickEntry, 0, len(doc.Data)),
	}
	for _, e := range doc.Data {
		entry := domain.TickEntry{
			Symbol: e.TradingSymbol,
			Volume: e.Volume,
		}
		fields := []struct {
			dst *decimal.Decimal
			src json.Number
		}{
			{&entry.LastPrice, e.LastTradedPrice},
			{&entry.Open, e.Open},
			{&entry.High, e.High},
			{&entry.Low, e.Low},
			{&entry.Close, e.Close},
		}
		for _, f := range fields {
			if f.src == "" {
				continue
			}
			v, err := decimal.NewFromString(f.src.String())
			if err != nil {
				return nil, fmt.Errorf("%w: %s price: %v", ErrCorrupt, e.TradingSymbol, err)
			}
			*f.dst = v
		}
		if e.ExchangeTimestamp != "" {
			ts, err := time.Parse(time.RFC3339Nano, e.ExchangeTimestamp)
			if err != nil {
				return nil, fmt.Errorf("%w: %s exchange timestamp: %v", ErrCorrupt, e.TradingSymbol, err)
			}
			entry.ExchangeTime = ts
		}
		snap.Entries = append(snap.Entries, entry)
	}

	return snap, nil
}

func number(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}
