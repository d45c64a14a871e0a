package file

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-data-pipeline/internal/domain"
	"market-data-pipeline/internal/storage"
)

func snapshot(n int) *domain.TickSnapshot {
	entries := make([]domain.TickEntry, 0, 3)
	for _, sym := range []string{"NIFTY", "BANKNIFTY", "SENSEX"} {
		entries = append(entries, domain.TickEntry{
			Symbol:    sym,
			LastPrice: decimal.NewFromInt(int64(n)),
			Volume:    int64(n),
		})
	}
	return &domain.TickSnapshot{
		CapturedAt: time.Date(2024, 1, 15, 4, 30, 0, 0, time.UTC).Add(time.Duration(n) * time.Second),
		Entries:    entries,
	}
}

func TestTickStore_ReadMissing(t *testing.T) {
	store := NewTickStore(filepath.Join(t.TempDir(), "ticks.json"))

	_, err := store.Read(context.Background())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTickStore_WriteRead(t *testing.T) {
	store := NewTickStore(filepath.Join(t.TempDir(), "live", "ticks.json"))
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, snapshot(1)))
	require.NoError(t, store.Write(ctx, snapshot(2)))

	got, err := store.Read(ctx)
	require.NoError(t, err)
	require.Len(t, got.Entries, 3)
	price, ok := got.Price("SENSEX")
	require.True(t, ok)
	assert.True(t, price.Equal(decimal.NewFromInt(2)))
}

// Concurrent readers must only ever observe complete documents.
func TestTickStore_ConcurrentReadWrite(t *testing.T) {
	store := NewTickStore(filepath.Join(t.TempDir(), "ticks.json"))
	ctx := context.Background()
	require.NoError(t, store.Write(ctx, snapshot(0)))

	const writes = 200
	var wg sync.WaitGroup
	errs := make(chan error, 4)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= writes; i++ {
			if err := store.Write(ctx, snapshot(i)); err != nil {
				errs <- err
				return
			}
		}
	}()

	for r := 0; r < 3; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < writes; i++ {
				snap, err := store.Read(ctx)
				if err != nil {
					errs <- err
					return
				}
				if len(snap.Entries) != 3 {
					errs <- fmt.Errorf("partial snapshot with %d entries", len(snap.Entries))
					return
				}
				first := snap.Entries[0].Volume
				for _, e := range snap.Entries {
					if e.Volume != first {
						errs <- fmt.Errorf("mixed snapshot: %d vs %d", e.Volume, first)
						return
					}
				}
			}
		}()
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}
