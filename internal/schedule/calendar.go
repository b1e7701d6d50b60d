// SPDX-License-Identifier: Apache-2.0

// Package schedule derives concrete on-call assignments from rotation
// layers, manual overrides, and layer priorities.
//
// calendar.go holds the timezone-correct day-boundary and date-key helpers
// everything else builds on. All functions are pure.
package schedule

import (
	"fmt"
	"time"
)

// LoadLocation resolves an IANA timezone name, treating the empty string as
// UTC. Weekday and hour restriction checks are always evaluated in the
// schedule's own timezone, never the process-local one.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule timezone %q: %w", name, err)
	}
	return loc, nil
}

// DayWindow returns the [start, end) of the calendar day containing t in
// loc. The end is the start of the next day, so DST transitions yield 23-
// or 25-hour windows rather than a fixed 24h offset.
func DayWindow(t time.Time, loc *time.Location) (time.Time, time.Time) {
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

// DateKey formats t as a yyyy-mm-dd key in loc.
func DateKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

// maxTime returns the later of a and b.
func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// minTime returns the earlier of a and b.
func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
