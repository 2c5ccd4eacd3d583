// Package cache owns the in-memory calendar snapshot: it runs the full
// download → scan → expand → index rebuild pipeline and serves queries
// from an atomically swapped, immutable snapshot.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"classcal/internal/extract"
	"classcal/internal/ics"
	appLog "classcal/internal/log"
	"classcal/internal/model"
)

// Source delivers one complete ICS payload per call. The store does not
// care how it was obtained; retries and timeouts are the source's
// business.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

type State string

const (
	StateBuilding State = "building"
	StateReady    State = "ready"
	StateError    State = "error"
)

// ErrNotReady is returned by queries before the first successful
// rebuild. It is distinct from an empty result: callers should retry,
// not conclude there are no events.
var ErrNotReady = errors.New("cache: no snapshot built yet")

// ErrRebuildInFlight is returned when a rebuild is requested while one
// is already running. The request is dropped, never queued.
var ErrRebuildInFlight = errors.New("cache: rebuild already in flight")

// Options configures a Store. Zero values fall back to the defaults
// noted per field.
type Options struct {
	Source     Source
	Location   *time.Location // service timezone; time.Local if nil
	WindowDays int            // days ahead of today to expand; default 3
	StaleAfter time.Duration  // snapshot age that triggers refresh; default 15m
}

// Store coordinates a single rebuild pipeline with any number of
// concurrent readers. Readers never block and never observe a half-built
// snapshot: publication is one pointer swap. At most one rebuild runs at
// a time; the gate is shared by manual, periodic and staleness-triggered
// rebuilds.
type Store struct {
	src        Source
	loc        *time.Location
	windowDays int
	staleAfter time.Duration

	snap       atomic.Pointer[model.Snapshot]
	rebuilding atomic.Bool

	mu      sync.Mutex
	lastErr error
}

func New(opts Options) *Store {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	days := opts.WindowDays
	if days <= 0 {
		days = 3
	}
	stale := opts.StaleAfter
	if stale <= 0 {
		stale = 15 * time.Minute
	}
	return &Store{
		src:        opts.Source,
		loc:        loc,
		windowDays: days,
		staleAfter: stale,
	}
}

// Rebuild runs one full pipeline pass and publishes the result. If a
// rebuild is already running the call returns ErrRebuildInFlight without
// doing anything. On failure the previous snapshot, if any, stays live.
func (s *Store) Rebuild(ctx context.Context) error {
	if !s.rebuilding.CompareAndSwap(false, true) {
		return ErrRebuildInFlight
	}
	defer s.rebuilding.Store(false)

	started := time.Now()
	snap, err := s.build(ctx)
	if err != nil {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		appLog.Error("rebuild failed", err)
		return err
	}

	s.snap.Store(snap)
	s.mu.Lock()
	s.lastErr = nil
	s.mu.Unlock()

	appLog.Info("rebuild complete",
		"occurrences", len(snap.Recent),
		"sections", len(snap.TodayBySection),
		"day", snap.BuiltForDay,
		"took", time.Since(started).Round(time.Millisecond),
	)
	return nil
}

// build produces a complete snapshot or nothing. Individual bad records
// are skipped inside the scanner and expander; only source
// unavailability or a mid-stream read failure aborts the pass.
func (s *Store) build(ctx context.Context) (*model.Snapshot, error) {
	rc, err := s.src.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("source unavailable: %w", err)
	}
	defer rc.Close()

	now := time.Now().In(s.loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	rangeStart := today
	rangeEnd := today.AddDate(0, 0, s.windowDays)

	sc := ics.NewEventScanner(rc)
	var recent []model.Occurrence
	for {
		ev, ok := sc.Next()
		if !ok {
			break
		}
		recent = append(recent, ics.Expand(ev, rangeStart, rangeEnd, s.loc)...)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading feed: %w", err)
	}

	sort.SliceStable(recent, func(i, j int) bool {
		if recent[i].Start.Equal(recent[j].Start) {
			return recent[i].ID < recent[j].ID
		}
		return recent[i].Start.Before(recent[j].Start)
	})

	todayStr := today.Format("2006-01-02")
	index := make(map[string][]model.Occurrence)
	for _, occ := range recent {
		if occ.Date() != todayStr {
			continue
		}
		for _, tok := range extract.SectionTokens(occ.Summary + " " + occ.Description) {
			index[tok] = append(index[tok], occ)
		}
	}

	return &model.Snapshot{
		Recent:         recent,
		TodayBySection: index,
		BuiltAt:        time.Now(),
		BuiltForDay:    todayStr,
	}, nil
}

// Snapshot returns the current snapshot, or ErrNotReady before the
// first successful rebuild. Serving the (possibly stale) snapshot also
// arms at most one background refresh.
func (s *Store) Snapshot() (*model.Snapshot, error) {
	snap := s.snap.Load()
	if snap == nil {
		return nil, ErrNotReady
	}
	s.refreshIfStale(snap)
	return snap, nil
}

// QueryBySection returns today's indexed occurrences for the given
// section token. An unknown section is an empty result, not an error.
func (s *Store) QueryBySection(section string) ([]model.Occurrence, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	return snap.TodayBySection[section], nil
}

// QueryBySectionAndDate is the legacy filter: exact calendar-date match
// on start plus a case-insensitive substring match of section against
// the occurrence text. Looser than the indexed path on purpose.
func (s *Store) QueryBySectionAndDate(section, date string) ([]model.Occurrence, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(section)
	var out []model.Occurrence
	for _, occ := range snap.Recent {
		if occ.Date() != date {
			continue
		}
		if !strings.Contains(strings.ToLower(occ.Summary+" "+occ.Description), needle) {
			continue
		}
		out = append(out, occ)
	}
	return out, nil
}

// Status reports the store's lifecycle state and the size of the
// current snapshot. A failed rebuild reports StateError even while the
// previous snapshot remains queryable.
func (s *Store) Status() (State, int) {
	snap := s.snap.Load()

	s.mu.Lock()
	failed := s.lastErr != nil
	s.mu.Unlock()

	switch {
	case failed:
		if snap != nil {
			return StateError, len(snap.Recent)
		}
		return StateError, 0
	case snap == nil:
		return StateBuilding, 0
	default:
		return StateReady, len(snap.Recent)
	}
}

// refreshIfStale fires one asynchronous rebuild when the served
// snapshot has passed the staleness threshold. The caller's request is
// never blocked; rebuild failures are logged and swallowed. The shared
// gate guarantees that concurrent stale reads arm a single rebuild.
func (s *Store) refreshIfStale(snap *model.Snapshot) {
	if time.Since(snap.BuiltAt) <= s.staleAfter {
		return
	}
	go func() {
		err := s.Rebuild(context.Background())
		if err != nil && !errors.Is(err, ErrRebuildInFlight) {
			appLog.Error("stale refresh failed", err)
		}
	}()
}
