package processor

import "market-data-pipeline/internal/domain"

// FilterSessionHours drops candles whose local time of day is strictly after
// session close. A candle exactly at close is kept. Pre-open candles are kept.
func (p *Processor) FilterSessionHours(series []domain.Candle) []domain.Candle {
	result := make([]domain.Candle, 0, len(series))
	for _, c := range series {
		if p.session.AfterClose(c.Timestamp) {
			continue
		}
		result = append(result, c)
	}

	if removed := len(series) - len(result); removed > 0 {
		p.logger.Debugf("filtered %d candles after session close (%s)", removed, p.session.Close)
	}
	return result
}
