// Package redis implements the tick snapshot store on Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"market-data-pipeline/internal/domain"
	"market-data-pipeline/internal/storage"
)

// DefaultKey is the key holding the snapshot document.
const DefaultKey = "market_data:ticks:latest"

// NewClient connects to addr, which is either host:port or a redis:// URL, and pings it.
func NewClient(ctx context.Context, addr string) (*goredis.Client, error) {
	var opts *goredis.Options
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		parsed, err := goredis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &goredis.Options{Addr: addr}
	}

	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// TickStore implements storage.TickStore with one Redis string key. A SET
// replaces the whole document, so readers never see a partial snapshot.
type TickStore struct {
	client goredis.Cmdable
	key    string
	ttl    time.Duration
}

// Options configures a TickStore.
type Options struct {
	Key string        // defaults to DefaultKey
	TTL time.Duration // expiry of the key after each write; zero keeps it forever
}

// NewTickStore creates a TickStore on client.
func NewTickStore(client goredis.Cmdable, opts Options) *TickStore {
	key := opts.Key
	if key == "" {
		key = DefaultKey
	}
	return &TickStore{client: client, key: key, ttl: opts.TTL}
}

// Compile-time interface check.
var _ storage.TickStore = (*TickStore)(nil)

// Write replaces the snapshot document.
func (s *TickStore) Write(ctx context.Context, snap *domain.TickSnapshot) error {
	data, err := storage.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("set snapshot: %w", err)
	}
	return nil
}

// Read fetches and decodes the snapshot. A missing key is storage.ErrNotFound.
func (s *TickStore) Read(ctx context.Context) (*domain.TickSnapshot, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return storage.DecodeSnapshot(data)
}
