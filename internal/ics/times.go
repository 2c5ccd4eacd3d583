package ics

import (
	"strings"
	"time"
)

const (
	layoutDate  = "20060102"
	layoutLocal = "20060102T150405"
	layoutUTC   = "20060102T150405Z"
)

// ParseDateTime converts a raw ICS date-time value into an absolute
// timestamp. dateOnly marks values whose property carried VALUE=DATE.
// loc is the fixed service timezone used for local (non-UTC) values;
// per-event TZID parameters are stripped, not honored — calendars mixing
// source timezones are interpreted in loc.
//
// All-day values normalize to local noon of the calendar date, which
// keeps the date stable under timezone shifts. ok is false for empty or
// unparseable input; callers drop the event rather than fail the parse.
func ParseDateTime(raw string, dateOnly bool, loc *time.Location) (t time.Time, allDay bool, ok bool) {
	v := strings.TrimSpace(raw)

	// Tolerate values that still carry their parameter prefix, e.g.
	// "TZID=Europe/Rome:20250115T090000" or "VALUE=DATE:20250115".
	if i := strings.LastIndexByte(v, ':'); i >= 0 {
		if strings.Contains(v[:i], "VALUE=DATE") {
			dateOnly = true
		}
		v = v[i+1:]
	}
	if v == "" {
		return time.Time{}, false, false
	}
	if loc == nil {
		loc = time.Local
	}

	if dateOnly || len(v) == 8 {
		d, err := time.ParseInLocation(layoutDate, v, loc)
		if err != nil {
			return time.Time{}, false, false
		}
		noon := time.Date(d.Year(), d.Month(), d.Day(), 12, 0, 0, 0, loc)
		return noon, true, true
	}

	if len(v) >= 15 && strings.HasSuffix(v, "Z") {
		t, err := time.Parse(layoutUTC, v)
		if err != nil {
			return time.Time{}, false, false
		}
		return t.In(loc), false, true
	}

	t2, err := time.ParseInLocation(layoutLocal, v, loc)
	if err != nil {
		return time.Time{}, false, false
	}
	return t2, false, true
}
