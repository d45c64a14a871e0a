package memory

import (
	"context"
	"sort"
	"sync"

	"market-data-pipeline/internal/domain"
	"market-data-pipeline/internal/storage"
)

// CandleStore is an in-memory implementation of storage.CandleStore.
type CandleStore struct {
	mu   sync.RWMutex
	data map[storage.SeriesKey][]domain.Candle
}

// NewCandleStore creates a new in-memory candle store.
func NewCandleStore() *CandleStore {
	return &CandleStore{
		data: make(map[storage.SeriesKey][]domain.Candle),
	}
}

// Compile-time interface check.
var _ storage.CandleStore = (*CandleStore)(nil)

// Save replaces the series for key with a copy of series.
func (s *CandleStore) Save(_ context.Context, key storage.SeriesKey, series []domain.Candle) error {
	if err := storage.ValidateSeries(key, series); err != nil {
		return err
	}

	seriesCopy := make([]domain.Candle, len(series))
	copy(seriesCopy, series)

	s.mu.Lock()
	s.data[key] = seriesCopy
	s.mu.Unlock()
	return nil
}

// Load returns a copy of the stored series.
func (s *CandleStore) Load(_ context.Context, key storage.SeriesKey) ([]domain.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	series, ok := s.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	result := make([]domain.Candle, len(series))
	copy(result, series)
	return result, nil
}

// List returns every stored key sorted by name.
func (s *CandleStore) List(_ context.Context) ([]storage.SeriesKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]storage.SeriesKey, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].Name() < keys[j].Name()
	})
	return keys, nil
}
