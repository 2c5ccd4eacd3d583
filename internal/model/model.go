// Package model holds the types shared between the ingest pipeline, the
// cache and the HTTP layer.
package model

import "time"

// Occurrence is one concrete, schedulable instance of a calendar event,
// produced by recurrence expansion. Occurrences are immutable once built;
// summary and description have had their ICS text escapes resolved.
type Occurrence struct {
	// ID is the event UID, or UID plus instance timestamp for expanded
	// recurring instances, or a synthetic value when the source carried
	// no UID at all.
	ID string `json:"id"`

	Summary     string `json:"summary"`
	Description string `json:"description"`

	// Start and End are absolute timestamps in the service timezone.
	// For all-day occurrences Start == End == local noon of the day.
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	AllDay    bool `json:"all_day"`
	Recurring bool `json:"recurring"`
}

// Date returns the occurrence's calendar date in its own location.
func (o Occurrence) Date() string {
	return o.Start.Format("2006-01-02")
}

// Snapshot is the atomic unit of published cache state. A snapshot is
// never mutated after publication; the cache swaps whole snapshots and
// readers keep whichever one they obtained.
type Snapshot struct {
	// Recent holds the occurrences of the rebuild window (today through
	// today+N days), ordered by start time.
	Recent []Occurrence

	// TodayBySection indexes the build day's occurrences by extracted
	// section token. Every occurrence in a bucket is also present in
	// Recent.
	TodayBySection map[string][]Occurrence

	// BuiltAt is when the rebuild published this snapshot.
	BuiltAt time.Time

	// BuiltForDay is the calendar date (YYYY-MM-DD) the section index
	// was computed for.
	BuiltForDay string
}
