package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeSource serves a fixed payload and counts opens. An optional delay
// simulates a slow download; failing makes Open error.
type fakeSource struct {
	mu      sync.Mutex
	payload string
	failing bool
	delay   time.Duration
	opens   atomic.Int32
}

func (f *fakeSource) Open(ctx context.Context) (io.ReadCloser, error) {
	f.opens.Add(1)
	f.mu.Lock()
	payload, failing, delay := f.payload, f.failing, f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failing {
		return nil, errors.New("connection refused")
	}
	return io.NopCloser(strings.NewReader(payload)), nil
}

func (f *fakeSource) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

// calendarForToday builds a feed with one timed event this morning and
// one event tomorrow, so rebuilds always find them inside the window.
func calendarForToday(t *testing.T) string {
	t.Helper()
	now := time.Now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 9, 0, 0, 0, time.Local)
	tomorrow := today.AddDate(0, 0, 1)

	const layout = "20060102T150405"
	return fmt.Sprintf(`BEGIN:VCALENDAR
BEGIN:VEVENT
UID:today-1
DTSTART:%s
DTEND:%s
SUMMARY:CLASSE 3B PROF. ROSSI ASSENTE
END:VEVENT
BEGIN:VEVENT
UID:tomorrow-1
DTSTART:%s
SUMMARY:CLASSE 5A USCITA ANTICIPATA
END:VEVENT
END:VCALENDAR
`,
		today.Format(layout),
		today.Add(time.Hour).Format(layout),
		tomorrow.Format(layout),
	)
}

func newTestStore(t *testing.T, src Source) *Store {
	t.Helper()
	return New(Options{
		Source:     src,
		Location:   time.Local,
		WindowDays: 3,
		StaleAfter: time.Hour,
	})
}

func TestQueriesBeforeFirstBuild(t *testing.T) {
	store := newTestStore(t, &fakeSource{payload: "BEGIN:VCALENDAR\nEND:VCALENDAR\n"})

	if _, err := store.Snapshot(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Snapshot err = %v, want ErrNotReady", err)
	}
	if _, err := store.QueryBySection("3B"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("QueryBySection err = %v, want ErrNotReady", err)
	}
	if state, n := store.Status(); state != StateBuilding || n != 0 {
		t.Fatalf("status = %v/%d, want building/0", state, n)
	}
}

func TestRebuildAndQueries(t *testing.T) {
	src := &fakeSource{payload: calendarForToday(t)}
	store := newTestStore(t, src)

	if err := store.Rebuild(context.Background()); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	snap, err := store.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Recent) != 2 {
		t.Fatalf("recent = %d occurrences, want 2", len(snap.Recent))
	}
	if snap.Recent[0].ID != "today-1" {
		t.Fatalf("recent not sorted by start: %v", snap.Recent[0].ID)
	}

	// Today's index carries only today's occurrence, under every token.
	for _, tok := range []string{"CLASSE", "3B", "ROSSI"} {
		occs, err := store.QueryBySection(tok)
		if err != nil {
			t.Fatalf("query %s: %v", tok, err)
		}
		if len(occs) != 1 || occs[0].ID != "today-1" {
			t.Fatalf("section %s = %+v", tok, occs)
		}
	}

	// Tomorrow's event is in the window but not in today's index.
	if occs, _ := store.QueryBySection("5A"); len(occs) != 0 {
		t.Fatalf("tomorrow leaked into today's index: %+v", occs)
	}

	// Unknown section: empty, never an error.
	if occs, err := store.QueryBySection("9Z"); err != nil || len(occs) != 0 {
		t.Fatalf("unknown section: occs=%v err=%v", occs, err)
	}

	if state, n := store.Status(); state != StateReady || n != 2 {
		t.Fatalf("status = %v/%d, want ready/2", state, n)
	}
}

func TestQueryBySectionAndDateSubstring(t *testing.T) {
	src := &fakeSource{payload: calendarForToday(t)}
	store := newTestStore(t, src)
	if err := store.Rebuild(context.Background()); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	tomorrow := time.Now().AddDate(0, 0, 1).Format("2006-01-02")

	// Substring match, case-insensitive, against tomorrow's event.
	occs, err := store.QueryBySectionAndDate("5a", tomorrow)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(occs) != 1 || occs[0].ID != "tomorrow-1" {
		t.Fatalf("got %+v", occs)
	}

	// Same section on the wrong date: empty.
	if occs, _ := store.QueryBySectionAndDate("5a", time.Now().Format("2006-01-02")); len(occs) != 0 {
		t.Fatalf("got %+v", occs)
	}
}

func TestRebuildIdempotent(t *testing.T) {
	src := &fakeSource{payload: calendarForToday(t)}
	store := newTestStore(t, src)

	if err := store.Rebuild(context.Background()); err != nil {
		t.Fatalf("first rebuild: %v", err)
	}
	first, _ := store.Snapshot()

	if err := store.Rebuild(context.Background()); err != nil {
		t.Fatalf("second rebuild: %v", err)
	}
	second, _ := store.Snapshot()

	if len(first.Recent) != len(second.Recent) {
		t.Fatalf("occurrence counts differ: %d vs %d", len(first.Recent), len(second.Recent))
	}
	for i := range first.Recent {
		a, b := first.Recent[i], second.Recent[i]
		if a.ID != b.ID || !a.Start.Equal(b.Start) || !a.End.Equal(b.End) {
			t.Fatalf("occurrence %d differs: %+v vs %+v", i, a, b)
		}
	}
}

func TestRebuildIdempotentWithoutUID(t *testing.T) {
	now := time.Now()
	start := time.Date(now.Year(), now.Month(), now.Day(), 9, 0, 0, 0, time.Local)
	payload := fmt.Sprintf(`BEGIN:VCALENDAR
BEGIN:VEVENT
DTSTART:%s
SUMMARY:CLASSE 4C INGRESSO POSTICIPATO
END:VEVENT
END:VCALENDAR
`, start.Format("20060102T150405"))

	src := &fakeSource{payload: payload}
	store := newTestStore(t, src)

	if err := store.Rebuild(context.Background()); err != nil {
		t.Fatalf("first rebuild: %v", err)
	}
	first, _ := store.Snapshot()

	if err := store.Rebuild(context.Background()); err != nil {
		t.Fatalf("second rebuild: %v", err)
	}
	second, _ := store.Snapshot()

	if len(first.Recent) != 1 || len(second.Recent) != 1 {
		t.Fatalf("occurrence counts = %d and %d, want 1 and 1", len(first.Recent), len(second.Recent))
	}
	if first.Recent[0].ID != second.Recent[0].ID {
		t.Fatalf("IDs differ across identical rebuilds: %q vs %q",
			first.Recent[0].ID, second.Recent[0].ID)
	}
}

func TestFailedRebuildKeepsPreviousSnapshot(t *testing.T) {
	src := &fakeSource{payload: calendarForToday(t)}
	store := newTestStore(t, src)

	if err := store.Rebuild(context.Background()); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	src.setFailing(true)
	if err := store.Rebuild(context.Background()); err == nil {
		t.Fatal("expected rebuild failure")
	}

	snap, err := store.Snapshot()
	if err != nil {
		t.Fatalf("previous snapshot gone: %v", err)
	}
	if len(snap.Recent) != 2 {
		t.Fatalf("recent = %d", len(snap.Recent))
	}
	if state, n := store.Status(); state != StateError || n != 2 {
		t.Fatalf("status = %v/%d, want error/2", state, n)
	}

	// Recovery clears the error state.
	src.setFailing(false)
	if err := store.Rebuild(context.Background()); err != nil {
		t.Fatalf("recovery rebuild: %v", err)
	}
	if state, _ := store.Status(); state != StateReady {
		t.Fatalf("state = %v, want ready", state)
	}
}

func TestRebuildGateDropsConcurrentRequests(t *testing.T) {
	src := &fakeSource{payload: calendarForToday(t), delay: 100 * time.Millisecond}
	store := newTestStore(t, src)

	errCh := make(chan error, 1)
	go func() { errCh <- store.Rebuild(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	if err := store.Rebuild(context.Background()); !errors.Is(err, ErrRebuildInFlight) {
		t.Fatalf("concurrent rebuild err = %v, want ErrRebuildInFlight", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("primary rebuild: %v", err)
	}
	if got := src.opens.Load(); got != 1 {
		t.Fatalf("source opened %d times, want 1", got)
	}
}

func TestStaleSnapshotArmsSingleBackgroundRebuild(t *testing.T) {
	src := &fakeSource{payload: calendarForToday(t), delay: 80 * time.Millisecond}
	store := New(Options{
		Source:     src,
		Location:   time.Local,
		WindowDays: 3,
		StaleAfter: time.Nanosecond,
	})

	if err := store.Rebuild(context.Background()); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if got := src.opens.Load(); got != 1 {
		t.Fatalf("opens = %d", got)
	}

	// Both reads see a stale snapshot; the gate must collapse them into
	// one background rebuild.
	if _, err := store.Snapshot(); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := store.Snapshot(); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if got := src.opens.Load(); got != 2 {
		t.Fatalf("source opened %d times, want 2 (one rebuild + one refresh)", got)
	}
}
