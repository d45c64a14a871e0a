package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"market-data-pipeline/internal/domain"
	"market-data-pipeline/internal/storage"
)

// TickStore implements storage.TickStore as a single JSON document on disk.
// The feed worker is the only writer; any number of processes may read.
type TickStore struct {
	path string
}

// NewTickStore creates a TickStore writing to path.
func NewTickStore(path string) *TickStore {
	return &TickStore{path: path}
}

// Compile-time interface check.
var _ storage.TickStore = (*TickStore)(nil)

// Path returns the snapshot file path.
func (s *TickStore) Path() string {
	return s.path
}

// Write replaces the snapshot document atomically.
func (s *TickStore) Write(ctx context.Context, snap *domain.TickSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := storage.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	return WriteAtomic(s.path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// Read loads the snapshot. A missing file is storage.ErrNotFound.
func (s *TickStore) Read(ctx context.Context) (*domain.TickSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return storage.DecodeSnapshot(data)
}
