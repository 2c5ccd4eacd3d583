package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"classcal/internal/model"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreAddAndQuery(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sub, err := s.Add(ctx, ChannelMobilePush, "tok-1", "3B")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if sub.ID == "" {
		t.Fatal("missing id")
	}

	got, err := s.BySection(ctx, "3B")
	if err != nil {
		t.Fatalf("by section: %v", err)
	}
	if len(got) != 1 || got[0].Token != "tok-1" {
		t.Fatalf("got %+v", got)
	}

	if got, _ := s.BySection(ctx, "5A"); len(got) != 0 {
		t.Fatalf("unexpected subscriptions: %+v", got)
	}
}

func TestStoreAddIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first, err := s.Add(ctx, ChannelWebPush, "tok-1", "3B")
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Add(ctx, ChannelWebPush, "tok-1", "3B")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Fatalf("duplicate subscription created: %q vs %q", first.ID, second.ID)
	}

	all, err := s.All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d subscriptions, want 1", len(all))
	}
}

func TestStoreRejectsInvalidInput(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.Add(ctx, ChannelKind("smoke-signal"), "tok", "3B"); err == nil {
		t.Fatal("unknown channel accepted")
	}
	if _, err := s.Add(ctx, ChannelMobilePush, "", "3B"); err == nil {
		t.Fatal("empty token accepted")
	}
	if _, err := s.Add(ctx, ChannelMobilePush, "tok", ""); err == nil {
		t.Fatal("empty section accepted")
	}
}

func TestStoreRemove(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sub, err := s.Add(ctx, ChannelMobilePush, "tok-1", "3B")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(ctx, sub.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got, _ := s.BySection(ctx, "3B"); len(got) != 0 {
		t.Fatalf("subscription survived delete: %+v", got)
	}
	// Unknown id is a no-op.
	if err := s.Remove(ctx, "missing"); err != nil {
		t.Fatalf("remove missing: %v", err)
	}
}

func snapshotWith(day string, occs ...model.Occurrence) *model.Snapshot {
	return &model.Snapshot{
		Recent:      occs,
		BuiltAt:     time.Now(),
		BuiltForDay: day,
	}
}

func occurrenceOn(day, id, summary string) model.Occurrence {
	start, _ := time.ParseInLocation("2006-01-02 15:04", day+" 09:00", time.Local)
	return model.Occurrence{ID: id, Summary: summary, Start: start, End: start.Add(time.Hour)}
}

func TestDigestTokens(t *testing.T) {
	day := "2025-01-15"
	snap := snapshotWith(day,
		occurrenceOn(day, "a", "CLASSE 3B PROF. ROSSI ASSENTE"),
		occurrenceOn("2025-01-16", "b", "CLASSE 5A"),
	)

	entries := Digest(snap)
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want only the build day's", len(entries))
	}
	e := entries[0]
	if e.Class != "3B" {
		t.Fatalf("class = %q", e.Class)
	}
	if len(e.Professors) != 1 || e.Professors[0] != "ROSSI" {
		t.Fatalf("professors = %v", e.Professors)
	}
	if len(e.Tokens) == 0 {
		t.Fatal("no tokens")
	}
}

// recordingSender captures sent entries.
type recordingSender struct {
	mu   sync.Mutex
	sent []string // "section->occurrence id"
}

func (r *recordingSender) Send(_ context.Context, sub Subscription, entry Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sub.Section+"->"+entry.Occurrence.ID)
	return nil
}

func TestWatcherSendsOnlyNewOccurrences(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	if _, err := s.Add(ctx, ChannelMobilePush, "tok-1", "3B"); err != nil {
		t.Fatal(err)
	}

	sender := &recordingSender{}
	w := NewWatcher(s, sender)

	day := "2025-01-15"
	snap := snapshotWith(day, occurrenceOn(day, "a", "CLASSE 3B PROF. ROSSI ASSENTE"))

	if sent := w.Check(ctx, snap); sent != 1 {
		t.Fatalf("sent = %d, want 1", sent)
	}
	// Unchanged snapshot: nothing new.
	if sent := w.Check(ctx, snap); sent != 0 {
		t.Fatalf("re-check sent = %d, want 0", sent)
	}

	// A new occurrence for the same day goes out, the old one does not.
	grown := snapshotWith(day,
		occurrenceOn(day, "a", "CLASSE 3B PROF. ROSSI ASSENTE"),
		occurrenceOn(day, "b", "CLASSE 3B RIENTRO"),
	)
	if sent := w.Check(ctx, grown); sent != 1 {
		t.Fatalf("grown check sent = %d, want 1", sent)
	}

	if len(sender.sent) != 2 || sender.sent[0] != "3B->a" || sender.sent[1] != "3B->b" {
		t.Fatalf("sent log = %v", sender.sent)
	}
}

func TestWatcherResetsOnNewDay(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	if _, err := s.Add(ctx, ChannelMobilePush, "tok-1", "3B"); err != nil {
		t.Fatal(err)
	}

	w := NewWatcher(s, &recordingSender{})

	first := snapshotWith("2025-01-15", occurrenceOn("2025-01-15", "a", "CLASSE 3B"))
	if sent := w.Check(ctx, first); sent != 1 {
		t.Fatalf("sent = %d", sent)
	}

	// Same occurrence id on a later day counts as new again.
	next := snapshotWith("2025-01-16", occurrenceOn("2025-01-16", "a", "CLASSE 3B"))
	if sent := w.Check(ctx, next); sent != 1 {
		t.Fatalf("sent after day change = %d, want 1", sent)
	}
}

func TestWatcherSkipsUnroutableEntries(t *testing.T) {
	s := testStore(t)
	w := NewWatcher(s, &recordingSender{})

	day := "2025-01-15"
	snap := snapshotWith(day, occurrenceOn(day, "a", "ASSEMBLEA DI ISTITUTO"))
	if sent := w.Check(context.Background(), snap); sent != 0 {
		t.Fatalf("sent = %d, want 0 (no CLASSE marker)", sent)
	}
}
