package processor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"market-data-pipeline/internal/domain"
	"market-data-pipeline/internal/storage/file"
)

// cacheDocument is the on-disk form of the cache. Only candle-series payloads
// are written; other payload types live in memory only.
type cacheDocument struct {
	SavedAt time.Time        `json:"saved_at"`
	Entries []cacheFileEntry `json:"entries"`
}

type cacheFileEntry struct {
	Key       string        `json:"key"`
	ExpiresAt time.Time     `json:"expires_at"`
	Candles   []cacheCandle `json:"candles"`
}

type cacheCandle struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    int64           `json:"volume"`
}

// SaveFile writes every unexpired candle-series entry to path, replacing the
// file atomically. It returns the number of entries written.
func (c *Cache) SaveFile(path string) (int, error) {
	c.mu.Lock()
	now := c.now()
	doc := cacheDocument{SavedAt: now}
	for key, e := range c.entries {
		series, ok := e.payload.([]domain.Candle)
		if !ok || now.After(e.expiresAt) {
			continue
		}
		entry := cacheFileEntry{Key: key, ExpiresAt: e.expiresAt, Candles: make([]cacheCandle, len(series))}
		for i, cd := range series {
			entry.Candles[i] = cacheCandle(cd)
		}
		doc.Entries = append(doc.Entries, entry)
	}
	c.mu.Unlock()

	err := file.WriteAtomic(path, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(doc)
	})
	if err != nil {
		return 0, fmt.Errorf("save cache: %w", err)
	}
	return len(doc.Entries), nil
}

// LoadFile merges entries from a file written by SaveFile, skipping those
// already expired. A missing file loads nothing.
func (c *Cache) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load cache: %w", err)
	}

	var doc cacheDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("decode cache %s: %w", path, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	loaded := 0
	for _, entry := range doc.Entries {
		if now.After(entry.ExpiresAt) {
			continue
		}
		series := make([]domain.Candle, len(entry.Candles))
		for i, cd := range entry.Candles {
			series[i] = domain.Candle(cd)
		}
		c.entries[entry.Key] = cacheEntry{payload: series, expiresAt: entry.ExpiresAt}
		loaded++
	}
	return loaded, nil
}
