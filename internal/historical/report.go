package historical

import (
	"errors"
	"fmt"

	"market-data-pipeline/internal/domain"
)

// ResampleResult is the outcome for one target timeframe.
type ResampleResult struct {
	Timeframe domain.Timeframe
	Candles   int
	Err       error
}

// ResampleReport collects per-timeframe outcomes. One failed timeframe does
// not affect the others.
type ResampleReport struct {
	Results []ResampleResult
}

// OK reports whether every timeframe succeeded.
func (r ResampleReport) OK() bool {
	for _, res := range r.Results {
		if res.Err != nil {
			return false
		}
	}
	return true
}

// Failed returns the timeframes that did not persist.
func (r ResampleReport) Failed() []domain.Timeframe {
	var out []domain.Timeframe
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res.Timeframe)
		}
	}
	return out
}

// Err joins all per-timeframe errors, or returns nil.
func (r ResampleReport) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.Timeframe, res.Err))
		}
	}
	return errors.Join(errs...)
}

// IntradayMode tells which path UpdateIntraday took.
type IntradayMode string

// Intraday update paths.
const (
	ModeInitial     IntradayMode = "initial"     // nothing stored, fresh lookback fetch
	ModeIncremental IntradayMode = "incremental" // stored data is from today
	ModeBackfill    IntradayMode = "backfill"    // late start, session window fetched
	ModeSkipped     IntradayMode = "skipped"     // outside session hours, stored series returned
)

// IntradayResult describes one UpdateIntraday run.
type IntradayResult struct {
	Mode IntradayMode

	// Window is set for ModeBackfill.
	Window *domain.BackfillWindow

	// Series is the one-minute series after the run.
	Series []domain.Candle

	// Resample is populated when a backfill re-derived coarser timeframes.
	Resample ResampleReport
}
