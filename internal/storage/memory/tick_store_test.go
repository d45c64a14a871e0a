package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"market-data-pipeline/internal/domain"
	"market-data-pipeline/internal/storage"
)

func TestTickStore_WriteRead(t *testing.T) {
	store := NewTickStore()
	ctx := context.Background()

	if _, err := store.Read(ctx); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound before first write, got %v", err)
	}

	snap := &domain.TickSnapshot{
		CapturedAt: time.Now(),
		Entries:    []domain.TickEntry{{Symbol: "NIFTY", LastPrice: decimal.NewFromInt(21500)}},
	}
	if err := store.Write(ctx, snap); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	snap.Entries[0].Symbol = "MUTATED"

	got, err := store.Read(ctx)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if _, ok := got.Price("NIFTY"); !ok {
		t.Errorf("Expected NIFTY entry, got %+v", got.Entries)
	}
}

func TestTickStore_NilSnapshot(t *testing.T) {
	store := NewTickStore()

	if err := store.Write(context.Background(), nil); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
}
