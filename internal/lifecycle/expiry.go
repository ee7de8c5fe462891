// Package lifecycle derives signal expiry instants and runs the sweep
// that cancels signals past them.
//
// All expiry arithmetic happens on the America/New_York wall clock; the
// market day closes at 16:45 NY regardless of the server's zone or DST.
package lifecycle

import (
	"fmt"
	"time"

	"signalwatch/pkg/types"
)

const (
	closeHour   = 16
	closeMinute = 45
)

// ComputeExpiry resolves an expiry type to a concrete instant.
//
//   - day_end:   today 16:45 NY, or tomorrow if already past.
//   - week_end:  the upcoming Friday 16:45 NY.
//   - month_end: the last weekday of the month, 16:45 NY.
//   - custom:    the supplied instant, required.
//   - no_expiry: nil.
func ComputeExpiry(typ types.ExpiryType, now time.Time, loc *time.Location, custom *time.Time) (*time.Time, error) {
	ny := now.In(loc)

	switch typ {
	case types.ExpiryNone:
		return nil, nil

	case types.ExpiryCustom:
		if custom == nil {
			return nil, fmt.Errorf("custom expiry requires a time")
		}
		t := *custom
		return &t, nil

	case types.ExpiryDayEnd:
		t := closeAt(ny, loc)
		if !t.After(now) {
			t = closeAt(ny.AddDate(0, 0, 1), loc)
		}
		return &t, nil

	case types.ExpiryWeekEnd:
		t := closeAt(ny, loc)
		for t.In(loc).Weekday() != time.Friday || !t.After(now) {
			t = closeAt(t.In(loc).AddDate(0, 0, 1), loc)
		}
		return &t, nil

	case types.ExpiryMonthEnd:
		t := lastWeekdayClose(ny, loc)
		if !t.After(now) {
			t = lastWeekdayClose(ny.AddDate(0, 1, -ny.Day()+1), loc)
		}
		return &t, nil
	}
	return nil, fmt.Errorf("unknown expiry type %q", typ)
}

// closeAt returns 16:45 NY on the given day. Constructing from calendar
// components keeps it correct across DST switches.
func closeAt(day time.Time, loc *time.Location) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), closeHour, closeMinute, 0, 0, loc)
}

// lastWeekdayClose returns 16:45 NY on the last Mon–Fri day of t's month.
func lastWeekdayClose(t time.Time, loc *time.Location) time.Time {
	last := time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, loc)
	for last.Weekday() == time.Saturday || last.Weekday() == time.Sunday {
		last = last.AddDate(0, 0, -1)
	}
	return closeAt(last, loc)
}

// ParseExpiryType canonicalizes operator input.
func ParseExpiryType(s string) (types.ExpiryType, error) {
	switch types.ExpiryType(s) {
	case types.ExpiryDayEnd, types.ExpiryWeekEnd, types.ExpiryMonthEnd, types.ExpiryNone, types.ExpiryCustom:
		return types.ExpiryType(s), nil
	}
	return "", fmt.Errorf("unknown expiry type %q", s)
}
