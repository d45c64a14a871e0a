package domain

import "time"

// BackfillWindow describes a detected gap in a one-minute series.
// It is consumed once by the backfill algorithm.
type BackfillWindow struct {
	Symbol string
	Start  time.Time
	End    time.Time
}

// Empty reports whether the window covers no time.
func (w BackfillWindow) Empty() bool {
	return !w.End.After(w.Start)
}
