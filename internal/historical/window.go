package historical

import (
	"time"

	"market-data-pipeline/internal/domain"
)

// DefaultBackfillStep is the width of the session-anchored windows used to
// find the last complete boundary.
const DefaultBackfillStep = time.Hour

// ComputeBackfillWindow returns today's late-start window for symbol:
// [session open, min(last complete boundary, session close)].
//
// The last complete boundary is the start of the most recent step-wide window
// counted from session open, so with a one-hour step 13:45 maps to 13:15 and
// 15:20 maps to 15:15. After close the upper bound is the close itself.
// Before open the window is empty.
func ComputeBackfillWindow(symbol string, now time.Time, session domain.Session, step time.Duration) domain.BackfillWindow {
	if step <= 0 {
		step = DefaultBackfillStep
	}

	open := session.OpenOn(now)
	closeAt := session.CloseOn(now)
	w := domain.BackfillWindow{Symbol: symbol, Start: open, End: open}

	switch {
	case now.Before(open):
		return w
	case session.AfterClose(now):
		w.End = closeAt
	default:
		w.End = open.Add(now.Sub(open).Truncate(step))
		if w.End.After(closeAt) {
			w.End = closeAt
		}
	}
	return w
}
