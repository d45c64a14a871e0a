package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"market-data-pipeline/internal/domain"
	"market-data-pipeline/internal/storage"
)

func TestCandleStore_SaveAndLoad(t *testing.T) {
	store := NewCandleStore()
	ctx := context.Background()
	key := storage.SeriesKey{Symbol: "NIFTY", Timeframe: domain.OneMinute}
	ts := time.Date(2024, 1, 15, 9, 15, 0, 0, time.UTC)

	series := []domain.Candle{
		domain.MustCandle(ts, 100, 101, 99, 100.5, 10),
		domain.MustCandle(ts.Add(time.Minute), 100.5, 102, 100, 101, 12),
	}

	if err := store.Save(ctx, key, series); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Mutating the caller's slice must not affect the store.
	series[0].Volume = 999

	got, err := store.Load(ctx, key)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 candles, got %d", len(got))
	}
	if got[0].Volume != 10 {
		t.Errorf("Expected stored volume 10, got %d", got[0].Volume)
	}
}

func TestCandleStore_Overwrite(t *testing.T) {
	store := NewCandleStore()
	ctx := context.Background()
	key := storage.SeriesKey{Symbol: "NIFTY", Timeframe: domain.FiveMinute}
	ts := time.Date(2024, 1, 15, 9, 15, 0, 0, time.UTC)

	_ = store.Save(ctx, key, []domain.Candle{domain.MustCandle(ts, 1, 1, 1, 1, 1)})
	_ = store.Save(ctx, key, []domain.Candle{
		domain.MustCandle(ts, 2, 2, 2, 2, 2),
		domain.MustCandle(ts.Add(5*time.Minute), 3, 3, 3, 3, 3),
	})

	got, _ := store.Load(ctx, key)
	if len(got) != 2 || got[0].Volume != 2 {
		t.Errorf("Expected overwritten series, got %+v", got)
	}
}

func TestCandleStore_NotFound(t *testing.T) {
	store := NewCandleStore()

	_, err := store.Load(context.Background(), storage.SeriesKey{Symbol: "NIFTY", Timeframe: domain.OneDay})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestCandleStore_InvalidInput(t *testing.T) {
	store := NewCandleStore()
	ts := time.Date(2024, 1, 15, 9, 15, 0, 0, time.UTC)
	dup := []domain.Candle{
		domain.MustCandle(ts, 1, 1, 1, 1, 1),
		domain.MustCandle(ts, 1, 1, 1, 1, 1),
	}

	err := store.Save(context.Background(), storage.SeriesKey{Symbol: "NIFTY", Timeframe: domain.OneMinute}, dup)
	if !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for duplicate timestamps, got %v", err)
	}
}

func TestCandleStore_List(t *testing.T) {
	store := NewCandleStore()
	ctx := context.Background()

	_ = store.Save(ctx, storage.SeriesKey{Symbol: "NIFTY", Timeframe: domain.OneMinute}, nil)
	_ = store.Save(ctx, storage.SeriesKey{Symbol: "BANKNIFTY", Timeframe: domain.OneMinute}, nil)

	keys, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 2 || keys[0].Symbol != "BANKNIFTY" {
		t.Errorf("Expected sorted keys, got %v", keys)
	}
}
