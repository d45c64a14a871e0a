package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeframe(t *testing.T) {
	tests := map[string]Timeframe{
		"ONE_MINUTE":  OneMinute,
		"five_minute": FiveMinute,
		"5min":        FiveMinute,
		"1H":          OneHour,
		"1h":          OneHour,
		" 1D ":        OneDay,
	}
	for in, want := range tests {
		got, err := ParseTimeframe(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseTimeframe("2min")
	assert.Error(t, err)
}

func TestTimeframeProperties(t *testing.T) {
	assert.Equal(t, 30*time.Minute, ThirtyMinute.Duration())
	assert.Equal(t, 30, OneMinute.LookbackDays())
	assert.Equal(t, 2000, OneDay.LookbackDays())
	assert.Equal(t, 5, Timeframe("WEEKLY").LookbackDays())
	assert.False(t, Timeframe("WEEKLY").Valid())
	assert.Equal(t, "15min", FifteenMinute.Alias())

	all := AllTimeframes()
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Duration(), all[i].Duration())
	}
	assert.NotContains(t, IntradayTimeframes(), OneMinute)
	assert.NotContains(t, IntradayTimeframes(), OneDay)
}
