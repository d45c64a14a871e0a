package processor

import (
	"sync"
	"time"

	"market-data-pipeline/internal/observability"
)

type cacheEntry struct {
	payload   any
	expiresAt time.Time
}

// Cache is a process-local TTL cache. TTL is measured from insertion and
// expired entries are evicted when read.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

// NewCache creates a cache using now as its clock (time.Now when nil).
func NewCache(now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{
		entries: make(map[string]cacheEntry),
		now:     now,
	}
}

// Set stores payload under key, replacing any previous entry.
func (c *Cache) Set(key string, payload any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = cacheEntry{payload: payload, expiresAt: c.now().Add(ttl)}
}

// Get returns the payload for key. An entry is absent once now > expiresAt.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		observability.RecordCacheLookup("miss")
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		observability.RecordCacheLookup("expired")
		return nil, false
	}
	observability.RecordCacheLookup("hit")
	return e.payload, true
}

// Invalidate removes key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// Purge evicts expired entries and returns how many were removed.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
