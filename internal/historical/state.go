package historical

import (
	"sync"

	"market-data-pipeline/internal/storage"
)

// State is the lifecycle position of one (symbol, timeframe) unit of work.
type State string

// Unit-of-work states.
const (
	StateIdle       State = "idle"
	StateFetching   State = "fetching"
	StateValidating State = "validating"
	StatePersisting State = "persisting"
	StateFailed     State = "failed"
)

// keyLocks serializes work per series key. Different keys never contend.
type keyLocks struct {
	mu    sync.Mutex
	locks map[storage.SeriesKey]*sync.Mutex
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[storage.SeriesKey]*sync.Mutex)}
}

// lock acquires the mutex for key and returns its release func.
func (l *keyLocks) lock(key storage.SeriesKey) func() {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// stateTable tracks the current State per key.
type stateTable struct {
	mu     sync.RWMutex
	states map[storage.SeriesKey]State
}

func newStateTable() *stateTable {
	return &stateTable{states: make(map[storage.SeriesKey]State)}
}

func (t *stateTable) set(key storage.SeriesKey, s State) {
	t.mu.Lock()
	t.states[key] = s
	t.mu.Unlock()
}

func (t *stateTable) get(key storage.SeriesKey) State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.states[key]; ok {
		return s
	}
	return StateIdle
}
