package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSession(t *testing.T) {
	s, err := NewSession("UTC", "09:15", "15:30")
	require.NoError(t, err)
	assert.Equal(t, ClockTime{Hour: 9, Minute: 15}, s.Open)

	_, err = NewSession("UTC", "15:30", "09:15")
	assert.Error(t, err)

	_, err = NewSession("Nowhere/City", "09:15", "15:30")
	assert.Error(t, err)

	_, err = NewSession("UTC", "9am", "15:30")
	assert.Error(t, err)
}

func TestSession_AfterClose(t *testing.T) {
	s := DefaultSession()
	day := func(h, m, sec, ns int) time.Time {
		return time.Date(2024, 1, 15, h, m, sec, ns, s.Loc())
	}

	assert.False(t, s.AfterClose(day(15, 29, 59, 0)))
	assert.False(t, s.AfterClose(day(15, 30, 0, 0)))
	assert.True(t, s.AfterClose(day(15, 30, 0, 1)))
	assert.True(t, s.AfterClose(day(15, 30, 1, 0)))
	assert.True(t, s.AfterClose(day(15, 31, 0, 0)))
}

func TestSession_Within(t *testing.T) {
	s := DefaultSession()
	monday := time.Date(2024, 1, 15, 10, 0, 0, 0, s.Loc())
	saturday := time.Date(2024, 1, 13, 10, 0, 0, 0, s.Loc())

	assert.True(t, s.Within(monday))
	assert.False(t, s.Within(saturday))
	assert.False(t, s.Within(time.Date(2024, 1, 15, 9, 14, 0, 0, s.Loc())))
	assert.True(t, s.Within(time.Date(2024, 1, 15, 9, 15, 0, 0, s.Loc())))
}

func TestSession_OpenCloseOn(t *testing.T) {
	s := DefaultSession()
	// 20:00 UTC on the 15th is 01:30 IST on the 16th.
	utc := time.Date(2024, 1, 15, 20, 0, 0, 0, time.UTC)

	open := s.OpenOn(utc)
	assert.Equal(t, 16, open.Day())
	assert.Equal(t, 9, open.Hour())
	assert.True(t, s.SameDay(utc, open))
	assert.Equal(t, "15:30", s.Close.String())
}
