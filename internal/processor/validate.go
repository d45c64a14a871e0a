package processor

import (
	"fmt"
	"time"

	"market-data-pipeline/internal/domain"
)

// ValidationError reports malformed candle data. The data is rejected, never coerced.
type ValidationError struct {
	Index     int       // offending row, -1 for whole-series problems
	Timestamp time.Time // offending row timestamp, zero when unknown
	Reason    string
	Err       error
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return "invalid candle series: " + e.Reason
	}
	return fmt.Sprintf("invalid candle at row %d (%s): %s",
		e.Index, e.Timestamp.Format(time.RFC3339), e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Validate reports whether series is non-empty, has every field present,
// satisfies the OHLC invariants and has strictly increasing timestamps. It never fails; callers decide remediation.
func (p *Processor) Validate(series []domain.Candle) bool {
	if err := p.Check(series); err != nil {
		p.logger.Warnf("validation failed: %v", err)
		return false
	}
	return true
}

// Check is Validate with the reason attached.
func (p *Processor) Check(series []domain.Candle) error {
	if len(series) == 0 {
		return &ValidationError{Index: -1, Reason: "series is empty"}
	}
	for i, c := range series {
		if missingFields(c) {
			return &ValidationError{Index: i, Timestamp: c.Timestamp, Reason: "missing required field"}
		}
		if err := c.Check(); err != nil {
			return &ValidationError{Index: i, Timestamp: c.Timestamp, Reason: err.Error(), Err: err}
		}
		if i > 0 && !series[i-1].Timestamp.Before(c.Timestamp) {
			return &ValidationError{Index: i, Timestamp: c.Timestamp, Reason: "timestamp not after previous row"}
		}
	}
	return nil
}

// missingFields treats a zero timestamp or a zero price as an absent value.
// Sources decode JSON null prices to zero.
func missingFields(c domain.Candle) bool {
	return c.Timestamp.IsZero() ||
		c.Open.IsZero() || c.High.IsZero() || c.Low.IsZero() || c.Close.IsZero()
}
