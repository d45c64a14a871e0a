package domain

import (
	"fmt"
	"time"
)

// Default NSE cash session.
const (
	DefaultSessionTimezone = "Asia/Kolkata"
	DefaultSessionOpen     = "09:15"
	DefaultSessionClose    = "15:30"
)

// ClockTime is a wall-clock time of day with second precision.
type ClockTime struct {
	Hour, Minute, Second int
}

// ParseClockTime parses "HH:MM" or "HH:MM:SS".
func ParseClockTime(s string) (ClockTime, error) {
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return ClockTime{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}, nil
		}
	}
	return ClockTime{}, fmt.Errorf("invalid clock time %q", s)
}

// Seconds returns the offset from midnight in seconds.
func (c ClockTime) Seconds() int {
	return c.Hour*3600 + c.Minute*60 + c.Second
}

func (c ClockTime) String() string {
	if c.Second != 0 {
		return fmt.Sprintf("%02d:%02d:%02d", c.Hour, c.Minute, c.Second)
	}
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// Session holds the trading-day bounds in the exchange's location.
type Session struct {
	Location *time.Location
	Open     ClockTime
	Close    ClockTime
}

// NewSession builds a session from a timezone name and "HH:MM" bounds.
func NewSession(tz, open, close string) (Session, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Session{}, fmt.Errorf("load session timezone: %w", err)
	}
	o, err := ParseClockTime(open)
	if err != nil {
		return Session{}, err
	}
	c, err := ParseClockTime(close)
	if err != nil {
		return Session{}, err
	}
	if c.Seconds() <= o.Seconds() {
		return Session{}, fmt.Errorf("session close %s is not after open %s", c, o)
	}
	return Session{Location: loc, Open: o, Close: c}, nil
}

// DefaultSession returns the NSE session. Falls back to a fixed +05:30 zone
// when the tz database is unavailable.
func DefaultSession() Session {
	s, err := NewSession(DefaultSessionTimezone, DefaultSessionOpen, DefaultSessionClose)
	if err != nil {
		return Session{
			Location: time.FixedZone("IST", 5*3600+30*60),
			Open:     ClockTime{Hour: 9, Minute: 15},
			Close:    ClockTime{Hour: 15, Minute: 30},
		}
	}
	return s
}

// Loc returns the session location, defaulting to UTC.
func (s Session) Loc() *time.Location {
	if s.Location == nil {
		return time.UTC
	}
	return s.Location
}

// OpenOn returns the session open on the calendar day of t.
func (s Session) OpenOn(t time.Time) time.Time {
	return s.at(t, s.Open)
}

// CloseOn returns the session close on the calendar day of t.
func (s Session) CloseOn(t time.Time) time.Time {
	return s.at(t, s.Close)
}

func (s Session) at(t time.Time, c ClockTime) time.Time {
	lt := t.In(s.Loc())
	return time.Date(lt.Year(), lt.Month(), lt.Day(), c.Hour, c.Minute, c.Second, 0, s.Loc())
}

// SameDay reports whether a and b fall on the same calendar day in the session location.
func (s Session) SameDay(a, b time.Time) bool {
	ay, am, ad := a.In(s.Loc()).Date()
	by, bm, bd := b.In(s.Loc()).Date()
	return ay == by && am == bm && ad == bd
}

// AfterClose reports whether t's local time of day is strictly after close.
func (s Session) AfterClose(t time.Time) bool {
	return secondsOfDay(t.In(s.Loc())) > s.Close.Seconds() ||
		(secondsOfDay(t.In(s.Loc())) == s.Close.Seconds() && t.Nanosecond() > 0)
}

// Within reports whether t is inside [open, close] on a weekday.
func (s Session) Within(t time.Time) bool {
	lt := t.In(s.Loc())
	if lt.Weekday() == time.Saturday || lt.Weekday() == time.Sunday {
		return false
	}
	return !lt.Before(s.OpenOn(lt)) && !s.AfterClose(lt)
}

func secondsOfDay(t time.Time) int {
	return t.Hour()*3600 + t.Minute()*60 + t.Second()
}
