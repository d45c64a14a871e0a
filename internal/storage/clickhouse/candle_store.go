package clickhouse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"market-data-pipeline/internal/domain"
	"market-data-pipeline/internal/storage"
)

// CandleStore implements storage.CandleStore using ClickHouse.
//
// MergeTree tables cannot replace rows in place, so every Save writes its rows
// under a fresh generation number and then commits that generation in
// candle_generations. Load reads only the newest committed generation, which
// makes a replace atomic for readers. Generations older than the previous one
// are dropped with a lightweight delete after each commit.
type CandleStore struct {
	conn *Conn
	loc  *time.Location

	mu      sync.Mutex
	lastGen uint64
}

// NewCandleStore creates a new CandleStore.
func NewCandleStore(conn *Conn, loc *time.Location) *CandleStore {
	if loc == nil {
		loc = time.UTC
	}
	return &CandleStore{conn: conn, loc: loc}
}

// Compile-time interface check.
var _ storage.CandleStore = (*CandleStore)(nil)

// Save writes series as a new generation for key and commits it.
func (s *CandleStore) Save(ctx context.Context, key storage.SeriesKey, series []domain.Candle) error {
	if err := storage.ValidateSeries(key, series); err != nil {
		return err
	}

	prev, _, err := s.latestGeneration(ctx, key)
	if err != nil {
		return err
	}
	gen := s.nextGeneration()

	if len(series) > 0 {
		batch, err := s.conn.PrepareBatch(ctx, `
			INSERT INTO candles (
				symbol, timeframe, generation, ts, open, high, low, close, volume
			)
		`)
		if err != nil {
			return fmt.Errorf("prepare batch: %w", err)
		}

		for _, c := range series {
			err = batch.Append(
				key.Symbol, string(key.Timeframe), gen, c.Timestamp.UTC(),
				c.Open, c.High, c.Low, c.Close, c.Volume,
			)
			if err != nil {
				return fmt.Errorf("append to batch: %w", err)
			}
		}

		if err := batch.Send(); err != nil {
			return fmt.Errorf("send batch: %w", err)
		}
	}

	if err := s.conn.Exec(ctx, `
		INSERT INTO candle_generations (symbol, timeframe, generation, row_count)
		VALUES (?, ?, ?, ?)
	`, key.Symbol, string(key.Timeframe), gen, uint64(len(series))); err != nil {
		return fmt.Errorf("commit generation: %w", err)
	}

	if prev > 0 {
		// Keep the previous generation for readers that resolved it just before the commit.
		if err := s.pruneBelow(ctx, key, prev); err != nil {
			return err
		}
	}

	return nil
}

// pruneBelow drops candle rows and generation markers older than gen.
func (s *CandleStore) pruneBelow(ctx context.Context, key storage.SeriesKey, gen uint64) error {
	for _, table := range []string{"candles", "candle_generations"} {
		err := s.conn.Exec(ctx,
			"DELETE FROM "+table+" WHERE symbol = ? AND timeframe = ? AND generation < ?",
			key.Symbol, string(key.Timeframe), gen)
		if err != nil {
			return fmt.Errorf("prune %s: %w", table, err)
		}
	}
	return nil
}

// Load retrieves the newest committed generation for key.
func (s *CandleStore) Load(ctx context.Context, key storage.SeriesKey) ([]domain.Candle, error) {
	gen, ok, err := s.latestGeneration(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, storage.ErrNotFound
	}

	rows, err := s.conn.Query(ctx, `
		SELECT ts, open, high, low, close, volume
		FROM candles
		WHERE symbol = ? AND timeframe = ? AND generation = ?
		ORDER BY ts ASC
	`, key.Symbol, string(key.Timeframe), gen)
	if err != nil {
		return nil, fmt.Errorf("query candles: %w", err)
	}
	defer rows.Close()

	return s.scanCandles(rows)
}

// List returns every key with a committed generation.
func (s *CandleStore) List(ctx context.Context) ([]storage.SeriesKey, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT DISTINCT symbol, timeframe
		FROM candle_generations
		ORDER BY symbol ASC, timeframe ASC
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

// latestGeneration returns the newest committed generation for key.
func (s *CandleStore) latestGeneration(ctx context.Context, key storage.SeriesKey) (uint64, bool, error) {
	var (
		count uint64
		gen   uint64
	)
	err := s.conn.QueryRow(ctx, `
		SELECT count(), max(generation)
		FROM candle_generations
		WHERE symbol = ? AND timeframe = ?
	`, key.Symbol, string(key.Timeframe)).Scan(&count, &gen)
	if err != nil {
		return 0, false, fmt.Errorf("query generation: %w", err)
	}
	return gen, count > 0, nil
}

// nextGeneration returns a strictly increasing generation number.
func (s *CandleStore) nextGeneration() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	gen := uint64(time.Now().UnixNano())
	if gen <= s.lastGen {
		gen = s.lastGen + 1
	}
	s.lastGen = gen
	return gen
}

// scanCandles scans multiple rows into a series.
func (s *CandleStore) scanCandles(rows chRows) ([]domain.Candle, error) {
	var series []domain.Candle

	for rows.Next() {
		var (
			c                      domain.Candle
			open, high, low, close decimal.Decimal
		)
		if err := rows.Scan(&c.Timestamp, &open, &high, &low, &close, &c.Volume); err != nil {
			return nil, fmt.Errorf("scan candle row: %w", err)
		}
		c.Timestamp = c.Timestamp.In(s.loc)
		c.Open, c.High, c.Low, c.Close = open, high, low, close
		series = append(series, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candle rows: %w", err)
	}

	return series, nil
}
