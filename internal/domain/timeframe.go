package domain

import (
	"fmt"
	"strings"
	"time"
)

// Timeframe is the aggregation interval of a candle series.
// Values match the broker interval names and the on-disk unit names.
type Timeframe string

// Supported timeframes.
const (
	OneMinute     Timeframe = "ONE_MINUTE"
	ThreeMinute   Timeframe = "THREE_MINUTE"
	FiveMinute    Timeframe = "FIVE_MINUTE"
	TenMinute     Timeframe = "TEN_MINUTE"
	FifteenMinute Timeframe = "FIFTEEN_MINUTE"
	ThirtyMinute  Timeframe = "THIRTY_MINUTE"
	OneHour       Timeframe = "ONE_HOUR"
	OneDay        Timeframe = "ONE_DAY"
)

type timeframeInfo struct {
	duration     time.Duration
	lookbackDays int // broker limit for a single first-time fetch
	alias        string
}

var timeframes = map[Timeframe]timeframeInfo{
	OneMinute:     {time.Minute, 30, "1min"},
	ThreeMinute:   {3 * time.Minute, 60, "3min"},
	FiveMinute:    {5 * time.Minute, 100, "5min"},
	TenMinute:     {10 * time.Minute, 100, "10min"},
	FifteenMinute: {15 * time.Minute, 100, "15min"},
	ThirtyMinute:  {30 * time.Minute, 100, "30min"},
	OneHour:       {time.Hour, 365, "1H"},
	OneDay:        {24 * time.Hour, 2000, "1D"},
}

// AllTimeframes returns every supported timeframe from finest to coarsest.
func AllTimeframes() []Timeframe {
	return []Timeframe{OneMinute, ThreeMinute, FiveMinute, TenMinute, FifteenMinute, ThirtyMinute, OneHour, OneDay}
}

// IntradayTimeframes returns the coarser intraday timeframes derived from
// one-minute data after a backfill.
func IntradayTimeframes() []Timeframe {
	return []Timeframe{ThreeMinute, FiveMinute, TenMinute, FifteenMinute, ThirtyMinute, OneHour}
}

// ParseTimeframe accepts the canonical name ("FIVE_MINUTE") or the short
// alias ("5min", "1H"). Matching is case-insensitive.
func ParseTimeframe(s string) (Timeframe, error) {
	s = strings.TrimSpace(s)
	for tf, info := range timeframes {
		if strings.EqualFold(s, string(tf)) || strings.EqualFold(s, info.alias) {
			return tf, nil
		}
	}
	return "", fmt.Errorf("unknown timeframe %q", s)
}

// Valid reports whether tf is a supported timeframe.
func (tf Timeframe) Valid() bool {
	_, ok := timeframes[tf]
	return ok
}

// Duration returns the bucket length. Zero for unknown timeframes.
func (tf Timeframe) Duration() time.Duration {
	return timeframes[tf].duration
}

// LookbackDays returns the default history depth for a first-time fetch.
func (tf Timeframe) LookbackDays() int {
	if info, ok := timeframes[tf]; ok {
		return info.lookbackDays
	}
	return 5
}

// Alias returns the short form, e.g. "5min".
func (tf Timeframe) Alias() string {
	return timeframes[tf].alias
}

func (tf Timeframe) String() string {
	return string(tf)
}
