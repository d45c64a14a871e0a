package file

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"market-data-pipeline/internal/domain"
	"market-data-pipeline/internal/storage"
)

// TimestampLayout is the CSV timestamp format, written in the store's location.
const TimestampLayout = "2006-01-02 15:04:05"

var csvHeader = []string{"timestamp", "open", "high", "low", "close", "volume"}

// CandleStore implements storage.CandleStore as one CSV file per series:
// <dir>/<SYMBOL>_<TIMEFRAME>/<SYMBOL>_<TIMEFRAME>.csv
type CandleStore struct {
	dir string
	loc *time.Location
}

// NewCandleStore creates a CandleStore rooted at dir. Timestamps are written
// and parsed in loc (UTC when nil).
func NewCandleStore(dir string, loc *time.Location) (*CandleStore, error) {
	if loc == nil {
		loc = time.UTC
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return &CandleStore{dir: dir, loc: loc}, nil
}

// Compile-time interface check.
var _ storage.CandleStore = (*CandleStore)(nil)

// Path returns the CSV path for key.
func (s *CandleStore) Path(key storage.SeriesKey) string {
	name := key.Name()
	return filepath.Join(s.dir, name, name+".csv")
}

// Save replaces the CSV for key via temp file and rename.
func (s *CandleStore) Save(ctx context.Context, key storage.SeriesKey, series []domain.Candle) error {
	if err := storage.ValidateSeries(key, series); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return WriteAtomic(s.Path(key), func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write(csvHeader); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
		for _, c := range series {
			record := []string{
				c.Timestamp.In(s.loc).Format(TimestampLayout),
				c.Open.String(),
				c.High.String(),
				c.Low.String(),
				c.Close.String(),
				strconv.FormatInt(c.Volume, 10),
			}
			if err := cw.Write(record); err != nil {
				return fmt.Errorf("write candle row: %w", err)
			}
		}
		cw.Flush()
		return cw.Error()
	})
}

// Load reads the CSV for key. Returns storage.ErrNotFound if it does not exist.
func (s *CandleStore) Load(ctx context.Context, key storage.SeriesKey) ([]domain.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(s.Path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(csvHeader)
	r.ReuseRecord = true

	if _, err := r.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s header: %v", storage.ErrCorrupt, key, err)
	}

	var series []domain.Candle
	for line := 2; ; line++ {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s line %d: %v", storage.ErrCorrupt, key, line, err)
		}
		c, err := s.parseRecord(record)
		if err != nil {
			return nil, fmt.Errorf("%w: %s line %d: %v", storage.ErrCorrupt, key, line, err)
		}
		series = append(series, c)
	}

	return series, nil
}

// List walks the data directory and returns keys that have a CSV file.
func (s *CandleStore) List(ctx context.Context) ([]storage.SeriesKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read data directory: %w", err)
	}

	var keys []storage.SeriesKey
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		key, ok := storage.ParseSeriesName(entry.Name())
		if !ok {
			continue
		}
		if _, err := os.Stat(s.Path(key)); err != nil {
			continue
		}
		keys = append(keys, key)
	}

	sort.Slice(keys, func(i, j int) bool {
		return keys[i].Name() < keys[j].Name()
	})
	return keys, nil
}

func (s *CandleStore) parseRecord(record []string) (domain.Candle, error) {
	ts, err := s.parseTimestamp(record[0])
	if err != nil {
		return domain.Candle{}, err
	}

	var prices [4]decimal.Decimal
	for i := range prices {
		prices[i], err = decimal.NewFromString(record[i+1])
		if err != nil {
			return domain.Candle{}, fmt.Errorf("column %s: %w", csvHeader[i+1], err)
		}
	}

	volume, err := strconv.ParseInt(record[5], 10, 64)
	if err != nil {
		// Volumes written by other tools may carry a fractional part.
		f, ferr := decimal.NewFromString(record[5])
		if ferr != nil {
			return domain.Candle{}, fmt.Errorf("column volume: %w", err)
		}
		volume = f.IntPart()
	}

	return domain.Candle{
		Timestamp: ts,
		Open:      prices[0],
		High:      prices[1],
		Low:       prices[2],
		Close:     prices[3],
		Volume:    volume,
	}, nil
}

func (s *CandleStore) parseTimestamp(v string) (time.Time, error) {
	if ts, err := time.ParseInLocation(TimestampLayout, v, s.loc); err == nil {
		return ts, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05-07:00"} {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts.In(s.loc), nil
		}
	}
	return time.Time{}, fmt.Errorf("column timestamp: unrecognized %q", v)
}
