// Package postgres implements the candle store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ApplicationName is reported to the server in pg_stat_activity.
const ApplicationName = "market-data-pipeline"

// Pool is the pgx pool shared by the candle store and migrations.
type Pool struct {
	*pgxpool.Pool
}

// NewPool opens a pool for dsn. Sessions run in UTC so timestamptz values
// round-trip without the server's zone leaking in; pool sizing from the DSN
// (pool_max_conns and friends) takes precedence over the defaults here.
func NewPool(ctx context.Context, dsn string) (*Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	params := cfg.ConnConfig.RuntimeParams
	if params["application_name"] == "" {
		params["application_name"] = ApplicationName
	}
	params["timezone"] = "UTC"
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}

	pgPool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	pool := &Pool{Pool: pgPool}
	if err := pool.Healthy(ctx); err != nil {
		pgPool.Close()
		return nil, err
	}
	return pool, nil
}

// Healthy pings the server through a pooled connection.
func (p *Pool) Healthy(ctx context.Context) error {
	if err := p.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres %s: %w", p.Config().ConnConfig.Host, err)
	}
	return nil
}

// Close releases every pooled connection.
func (p *Pool) Close() {
	p.Pool.Close()
}
