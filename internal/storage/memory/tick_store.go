package memory

import (
	"context"
	"sync"

	"market-data-pipeline/internal/domain"
	"market-data-pipeline/internal/storage"
)

// TickStore is an in-memory implementation of storage.TickStore.
type TickStore struct {
	mu   sync.RWMutex
	snap *domain.TickSnapshot
}

// NewTickStore creates an empty in-memory tick store.
func NewTickStore() *TickStore {
	return &TickStore{}
}

// Compile-time interface check.
var _ storage.TickStore = (*TickStore)(nil)

// Write replaces the held snapshot with a copy of snap.
func (s *TickStore) Write(_ context.Context, snap *domain.TickSnapshot) error {
	if snap == nil {
		return storage.ErrInvalidInput
	}
	c := cloneSnapshot(snap)

	s.mu.Lock()
	s.snap = c
	s.mu.Unlock()
	return nil
}

// Read returns a copy of the held snapshot.
func (s *TickStore) Read(_ context.Context) (*domain.TickSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.snap == nil {
		return nil, storage.ErrNotFound
	}
	return cloneSnapshot(s.snap), nil
}

func cloneSnapshot(snap *domain.TickSnapshot) *domain.TickSnapshot {
	entries := make([]domain.TickEntry, len(snap.Entries))
	copy(entries, snap.Entries)
	return &domain.TickSnapshot{CapturedAt: snap.CapturedAt, Entries: entries}
}
