package storage

import "errors"

// Storage errors shared by all backends.
var (
	// ErrNotFound is returned when a requested series or snapshot does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned when input validation fails before any write.
	ErrInvalidInput = errors.New("invalid input")

	// ErrCorrupt is returned when persisted data cannot be decoded.
	ErrCorrupt = errors.New("corrupt stored data")
)
