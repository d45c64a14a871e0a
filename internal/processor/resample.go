package processor

import (
	"fmt"
	"time"

	"market-data-pipeline/internal/domain"
)

// Resample aggregates a fine-grained series into target buckets.
//
// Bucket alignment: floor(time_since_local_midnight / step) * step, so
// five-minute buckets start at :00, :05, :10 and hourly buckets at :00.
// Aggregation per bucket:
//   - open = first row, close = last row
//   - high = MAX(high), low = MIN(low)
//   - volume = SUM(volume)
//
// Candles after session close are dropped first. A trailing partial bucket is
// kept; callers that need complete buckets only must drop the last row.
func (p *Processor) Resample(series []domain.Candle, target domain.Timeframe) ([]domain.Candle, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("resample: unsupported timeframe %q", target)
	}

	rows := p.FilterSessionHours(p.Clean(series))
	if len(rows) == 0 {
		return nil, nil
	}

	step := target.Duration()
	loc := p.session.Loc()

	result := make([]domain.Candle, 0, len(rows)/2+1)
	var cur domain.Candle
	open := false

	for _, c := range rows {
		start := bucketStart(c.Timestamp, step, loc)
		if open && cur.Timestamp.Equal(start) {
			if c.High.GreaterThan(cur.High) {
				cur.High = c.High
			}
			if c.Low.LessThan(cur.Low) {
				cur.Low = c.Low
			}
			cur.Close = c.Close
			cur.Volume += c.Volume
			continue
		}
		if open {
			result = append(result, cur)
		}
		cur = domain.Candle{
			Timestamp: start,
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
		}
		open = true
	}
	if open {
		result = append(result, cur)
	}

	p.logger.Debugf("resampled %d rows to %d %s candles", len(rows), len(result), target)
	return result, nil
}

func bucketStart(ts time.Time, step time.Duration, loc *time.Location) time.Time {
	lt := ts.In(loc)
	midnight := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
	return midnight.Add(lt.Sub(midnight).Truncate(step))
}
