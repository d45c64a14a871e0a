package processor

import (
	"sort"

	"market-data-pipeline/internal/domain"
)

// Clean drops rows with missing fields, removes duplicate timestamps keeping
// the first occurrence, and sorts ascending. The input is not modified.
func (p *Processor) Clean(series []domain.Candle) []domain.Candle {
	if len(series) == 0 {
		return nil
	}

	seen := make(map[int64]struct{}, len(series))
	result := make([]domain.Candle, 0, len(series))
	for _, c := range series {
		if missingFields(c) {
			continue
		}
		key := c.Timestamp.UnixNano()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, c)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})

	if dropped := len(series) - len(result); dropped > 0 {
		p.logger.Debugf("clean dropped %d of %d rows", dropped, len(series))
	}
	return result
}

// Merge combines a stored series with newly fetched candles using the Clean
// rule, so on overlapping timestamps the existing row wins.
func (p *Processor) Merge(existing, incoming []domain.Candle) []domain.Candle {
	combined := make([]domain.Candle, 0, len(existing)+len(incoming))
	combined = append(combined, existing...)
	combined = append(combined, incoming...)
	return p.Clean(combined)
}
