package ics

import (
	"io"
	"strings"
)

// RawEvent is one VEVENT's properties as read from the feed, before
// date-time normalization and recurrence expansion. Values keep their
// original encoding (escapes unresolved, date-times as strings). A
// RawEvent lives only for the duration of one rebuild pass.
type RawEvent struct {
	Start         string
	StartDateOnly bool
	End           string
	EndDateOnly   bool

	Summary     string
	Description string
	UID         string

	RRule   string
	ExDates []string
	RDates  []string
}

// EventScanner streams VEVENT records out of an ICS property stream.
// It keeps exactly one record in flight, so arbitrarily large calendars
// can be scanned in constant memory.
type EventScanner struct {
	lr *LineReader
}

func NewEventScanner(r io.Reader) *EventScanner {
	return &EventScanner{lr: NewLineReader(r)}
}

// Err reports the first underlying read error, if any.
func (s *EventScanner) Err() error {
	return s.lr.Err()
}

// Next returns the next complete VEVENT. Records missing DTSTART are
// dropped and scanning continues. ok is false at end of stream.
func (s *EventScanner) Next() (RawEvent, bool) {
	var (
		ev     RawEvent
		inside bool
		nested int // depth of sub-components (VALARM) inside the event
	)
	for {
		line, more := s.lr.Next()
		if !more {
			return RawEvent{}, false
		}

		switch line.Name {
		case "BEGIN":
			if strings.EqualFold(line.Value, "VEVENT") {
				ev = RawEvent{}
				inside = true
				nested = 0
			} else if inside {
				nested++
			}
			continue
		case "END":
			if !strings.EqualFold(line.Value, "VEVENT") {
				if inside && nested > 0 {
					nested--
				}
				continue
			}
			if !inside {
				continue
			}
			inside = false
			if ev.Start == "" {
				// No DTSTART: unschedulable, skip it.
				continue
			}
			return ev, true
		}

		if !inside || nested > 0 {
			continue
		}

		switch line.Name {
		case "DTSTART":
			ev.Start = line.Value
			ev.StartDateOnly = line.HasParam("VALUE=DATE")
		case "DTEND":
			ev.End = line.Value
			ev.EndDateOnly = line.HasParam("VALUE=DATE")
		case "SUMMARY":
			ev.Summary = line.Value
		case "DESCRIPTION":
			ev.Description = line.Value
		case "UID":
			ev.UID = line.Value
		case "RRULE":
			ev.RRule = line.Value
		case "EXDATE":
			ev.ExDates = append(ev.ExDates, splitDateList(line.Value)...)
		case "RDATE":
			ev.RDates = append(ev.RDates, splitDateList(line.Value)...)
		}
		// Anything else (LOCATION, STATUS, VALARM contents...) is ignored.
	}
}

// splitDateList splits a comma-separated EXDATE/RDATE value, dropping
// empty entries.
func splitDateList(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
