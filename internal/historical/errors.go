package historical

import (
	"fmt"

	"market-data-pipeline/internal/storage"
)

// ConfigurationError reports a problem the operator must fix, such as an
// unknown symbol or a missing instrument token. It is fatal to the call only.
type ConfigurationError struct {
	Symbol string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Symbol == "" {
		return "configuration: " + e.Reason
	}
	return fmt.Sprintf("configuration: %s: %s", e.Symbol, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// PersistenceError reports a candle store failure. The operation may be
// retried once the store is writable again.
type PersistenceError struct {
	Op  string // "load" or "save"
	Key storage.SeriesKey
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
