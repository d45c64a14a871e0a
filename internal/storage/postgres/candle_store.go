package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"market-data-pipeline/internal/domain"
	"market-data-pipeline/internal/storage"
)

// CandleStore implements storage.CandleStore using PostgreSQL.
// Save replaces a series inside one transaction, so readers see either the
// previous rows or the new ones.
type CandleStore struct {
	pool *Pool
	loc  *time.Location
}

// NewCandleStore creates a new CandleStore. Loaded timestamps are converted
// to loc (UTC when nil).
func NewCandleStore(pool *Pool, loc *time.Location) *CandleStore {
	if loc == nil {
		loc = time.UTC
	}
	return &CandleStore{pool: pool, loc: loc}
}

// Compile-time interface check.
var _ storage.CandleStore = (*CandleStore)(nil)

// Save replaces all rows for key.
func (s *CandleStore) Save(ctx context.Context, key storage.SeriesKey, series []domain.Candle) error {
	if err := storage.ValidateSeries(key, series); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		DELETE FROM candles WHERE symbol = $1 AND timeframe = $2
	`, key.Symbol, string(key.Timeframe)); err != nil {
		return fmt.Errorf("delete candles: %w", err)
	}

	query := `
		INSERT INTO candles (symbol, timeframe, ts, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4::text::numeric, $5::text::numeric, $6::text::numeric, $7::text::numeric, $8)
	`

	batch := &pgx.Batch{}
	for _, c := range series {
		batch.Queue(query,
			key.Symbol,
			string(key.Timeframe),
			c.Timestamp,
			c.Open.String(),
			c.High.String(),
			c.Low.String(),
			c.Close.String(),
			c.Volume,
		)
	}

	if batch.Len() > 0 {
		results := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := results.Exec(); err != nil {
				results.Close()
				return fmt.Errorf("insert candle row %d: %w", i, err)
			}
		}
		if err := results.Close(); err != nil {
			return fmt.Errorf("close batch: %w", err)
		}
	}

	// Empty series still leave a marker so Load distinguishes "empty" from "absent".
	if _, err := tx.Exec(ctx, `
		INSERT INTO candle_series (symbol, timeframe, row_count, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (symbol, timeframe) DO UPDATE
		SET row_count = EXCLUDED.row_count, updated_at = EXCLUDED.updated_at
	`, key.Symbol, string(key.Timeframe), len(series)); err != nil {
		return fmt.Errorf("upsert series marker: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// Load retrieves the series for key ordered by timestamp ASC.
func (s *CandleStore) Load(ctx context.Context, key storage.SeriesKey) ([]domain.Candle, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM candle_series WHERE symbol = $1 AND timeframe = $2)
	`, key.Symbol, string(key.Timeframe)).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check series marker: %w", err)
	}
	if !exists {
		return nil, storage.ErrNotFound
	}

	rows, err := tx.Query(ctx, `
		SELECT ts, open::text, high::text, low::text, close::text, volume
		FROM candles
		WHERE symbol = $1 AND timeframe = $2
		ORDER BY ts ASC
	`, key.Symbol, string(key.Timeframe))
	if err != nil {
		return nil, fmt.Errorf("get candles: %w", err)
	}
	defer rows.Close()

	return s.scanCandles(rows)
}

// List returns all stored series keys.
func (s *CandleStore) List(ctx context.Context) ([]storage.SeriesKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT symbol, timeframe FROM candle_series ORDER BY symbol ASC, timeframe ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list series: %w", err)
	}
	defer rows.Close()

	var keys []storage.SeriesKey
	for rows.Next() {
		var symbol, tf string
		if err := rows.Scan(&symbol, &tf); err != nil {
			return nil, fmt.Errorf("scan series row: %w", err)
		}
		keys = append(keys, storage.SeriesKey{Symbol: symbol, Timeframe: domain.Timeframe(tf)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate series rows: %w", err)
	}
	return keys, nil
}

// scanCandles scans multiple rows into a candle series.
func (s *CandleStore) scanCandles(rows pgx.Rows) ([]domain.Candle, error) {
	var series []domain.Candle

	for rows.Next() {
		var (
			c                      domain.Candle
			open, high, low, close string
		)
		if err := rows.Scan(&c.Timestamp, &open, &high, &low, &close, &c.Volume); err != nil {
			return nil, fmt.Errorf("scan candle row: %w", err)
		}

		prices := []struct {
			dst *decimal.Decimal
			src string
		}{{&c.Open, open}, {&c.High, high}, {&c.Low, low}, {&c.Close, close}}
		for _, p := range prices {
			v, err := decimal.NewFromString(p.src)
			if err != nil {
				return nil, fmt.Errorf("%w: numeric %q: %v", storage.ErrCorrupt, p.src, err)
			}
			*p.dst = v
		}
		c.Timestamp = c.Timestamp.In(s.loc)

		series = append(series, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candle rows: %w", err)
	}

	return series, nil
}
