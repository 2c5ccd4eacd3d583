package ics

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/teambition/rrule-go"

	appLog "classcal/internal/log"
	"classcal/internal/model"
)

// Expand turns one RawEvent into zero or more concrete occurrences
// inside [rangeStart, rangeEnd). Non-recurring events yield at most one
// occurrence; RRULE-bearing events are expanded with EXDATE exclusions
// and RDATE additions applied, both range bounds inclusive for the rule
// enumeration so boundary instances stay visible.
//
// A malformed RRULE never fails the rebuild: the event degrades to its
// single master occurrence, range-checked like a non-recurring one.
func Expand(ev RawEvent, rangeStart, rangeEnd time.Time, loc *time.Location) []model.Occurrence {
	start, allDay, ok := ParseDateTime(ev.Start, ev.StartDateOnly, loc)
	if !ok {
		return nil
	}

	end := start
	if ev.End != "" {
		if e, _, eok := ParseDateTime(ev.End, ev.EndDateOnly, loc); eok && !e.Before(start) {
			end = e
		}
	}

	if ev.RRule == "" {
		return expandSingle(ev, start, end, allDay, rangeStart, rangeEnd)
	}
	return expandRecurring(ev, start, end, allDay, rangeStart, rangeEnd, loc)
}

func expandSingle(ev RawEvent, start, end time.Time, allDay bool, rangeStart, rangeEnd time.Time) []model.Occurrence {
	if !inRange(start, allDay, rangeStart, rangeEnd) {
		return nil
	}
	return []model.Occurrence{newOccurrence(ev, eventID(ev), start, end, allDay, false)}
}

func expandRecurring(ev RawEvent, start, end time.Time, allDay bool, rangeStart, rangeEnd time.Time, loc *time.Location) []model.Occurrence {
	r, err := rrule.StrToRRule(ev.RRule)
	if err != nil {
		appLog.Error("rrule parse failed, degrading to single occurrence", err, "uid", ev.UID, "rrule", ev.RRule)
		return expandSingle(ev, start, end, allDay, rangeStart, rangeEnd)
	}
	r.DTStart(start)

	var set rrule.Set
	set.RRule(r)
	for _, raw := range ev.ExDates {
		if ex, _, ok := ParseDateTime(raw, allDay, loc); ok {
			set.ExDate(ex)
		}
	}
	for _, raw := range ev.RDates {
		if rd, _, ok := ParseDateTime(raw, allDay, loc); ok {
			set.RDate(rd)
		}
	}

	dur := end.Sub(start)
	base := eventID(ev)
	instants := set.Between(rangeStart, rangeEnd, true)

	out := make([]model.Occurrence, 0, len(instants))
	for _, inst := range instants {
		// Pin the wall-clock time to the master DTSTART's. Recurrence
		// engines can drift across DST transitions; the schedule's
		// wall-clock time is what the feed means.
		inst = inst.In(loc)
		occStart := time.Date(inst.Year(), inst.Month(), inst.Day(),
			start.Hour(), start.Minute(), start.Second(), 0, loc)

		occEnd := occStart
		if !allDay {
			occEnd = occStart.Add(dur)
		}

		id := base + "-" + occStart.Format(layoutLocal)
		out = append(out, newOccurrence(ev, id, occStart, occEnd, allDay, true))
	}
	return out
}

// inRange applies the half-open [rangeStart, rangeEnd) membership test.
// All-day events compare calendar dates, not instants, so an all-day
// event on the window's first day is included no matter the window's
// time-of-day bounds.
func inRange(start time.Time, allDay bool, rangeStart, rangeEnd time.Time) bool {
	if allDay {
		d := dateOf(start)
		return !d.Before(dateOf(rangeStart)) && d.Before(dateOf(rangeEnd))
	}
	return !start.Before(rangeStart) && start.Before(rangeEnd)
}

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// eventID returns the event's UID, or a synthetic ID derived from the
// record's content. The fallback must be stable across rebuilds of an
// unchanged feed: downstream diffing keys on the ID, so a fresh random
// value would make every rebuild look like new events.
func eventID(ev RawEvent) string {
	if ev.UID != "" {
		return ev.UID
	}
	sum := sha256.Sum256([]byte(ev.Start + "|" + ev.Summary + "|" + ev.Description))
	return "gen-" + hex.EncodeToString(sum[:8])
}

// newOccurrence is the single place occurrence text is unescaped.
func newOccurrence(ev RawEvent, id string, start, end time.Time, allDay, recurring bool) model.Occurrence {
	return model.Occurrence{
		ID:          id,
		Summary:     UnescapeText(ev.Summary),
		Description: UnescapeText(ev.Description),
		Start:       start,
		End:         end,
		AllDay:      allDay,
		Recurring:   recurring,
	}
}
