// Package bootstrap builds stores and sources from configuration for the
// command binaries.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"market-data-pipeline/internal/config"
	"market-data-pipeline/internal/domain"
	"market-data-pipeline/internal/source"
	"market-data-pipeline/internal/source/httpsource"
	"market-data-pipeline/internal/storage"
	chstore "market-data-pipeline/internal/storage/clickhouse"
	"market-data-pipeline/internal/storage/file"
	"market-data-pipeline/internal/storage/memory"
	"market-data-pipeline/internal/storage/migrations"
	pgstore "market-data-pipeline/internal/storage/postgres"
	redisstore "market-data-pipeline/internal/storage/redis"
	"market-data-pipeline/internal/tickfeed"
)

// CandleStore opens the configured candle store. When migrate is set the
// embedded schema is applied for database backends. The returned cleanup
// releases connections and is never nil.
func CandleStore(ctx context.Context, cfg *config.Config, session domain.Session, migrate bool) (storage.CandleStore, func(), error) {
	loc := session.Loc()

	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return memory.NewCandleStore(), func() {}, nil

	case config.BackendFile:
		store, err := file.NewCandleStore(cfg.Storage.DataDir, loc)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil

	case config.BackendPostgres:
		pool, err := pgstore.NewPool(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if migrate {
			if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("postgres migrations: %w", err)
			}
		}
		return pgstore.NewCandleStore(pool, loc), pool.Close, nil

	case config.BackendClickhouse:
		var (
			conn *chstore.Conn
			err  error
		)
		if migrate {
			conn, err = migrations.RunClickhouseMigrations(ctx, cfg.Storage.ClickhouseDSN)
		} else {
			conn, err = chstore.NewConn(ctx, cfg.Storage.ClickhouseDSN)
		}
		if err != nil {
			return nil, nil, err
		}
		return chstore.NewCandleStore(conn, loc), func() { conn.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

// TickStore opens the configured Tick Snapshot store.
func TickStore(ctx context.Context, cfg *config.Config) (storage.TickStore, func(), error) {
	switch cfg.Ticks.Backend {
	case config.BackendMemory:
		return memory.NewTickStore(), func() {}, nil

	case config.BackendFile:
		return file.NewTickStore(cfg.Ticks.Path), func() {}, nil

	case config.BackendRedis:
		client, err := redisstore.NewClient(ctx, cfg.Ticks.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		store := redisstore.NewTickStore(client, redisstore.Options{
			Key: cfg.Ticks.RedisKey,
			TTL: cfg.Ticks.RedisTTL,
		})
		return store, func() { client.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown ticks backend %q", cfg.Ticks.Backend)
}

// CandleSource builds the HTTP candle source.
func CandleSource(cfg *config.Config, session domain.Session) (source.CandleSource, error) {
	if cfg.CandleSource.Endpoint == "" {
		return nil, fmt.Errorf("candle_source.endpoint is required")
	}
	return httpsource.New(cfg.CandleSource.Endpoint,
		httpsource.WithAPIKey(cfg.CandleSource.APIKey),
		httpsource.WithTimeout(cfg.CandleSource.Timeout),
		httpsource.WithMaxRetries(cfg.CandleSource.MaxRetries),
		httpsource.WithLocation(session.Loc()),
	), nil
}

// TickSource builds the websocket tick source.
func TickSource(cfg *config.Config, logger logrus.FieldLogger) (source.TickSource, error) {
	if cfg.Feed.Endpoint == "" {
		return nil, fmt.Errorf("feed.endpoint is required")
	}

	header := http.Header{}
	if cfg.Feed.APIKey != "" {
		header.Set("Authorization", "Bearer "+cfg.Feed.APIKey)
	}

	wsCfg := tickfeed.DefaultConfig()
	if cfg.Feed.Mode != "" {
		wsCfg.Mode = cfg.Feed.Mode
	}
	return tickfeed.New(tickfeed.Options{
		Endpoint: cfg.Feed.Endpoint,
		Header:   header,
		Config:   &wsCfg,
		Logger:   logger,
	}), nil
}
