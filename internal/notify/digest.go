package notify

import (
	"context"

	"classcal/internal/extract"
	appLog "classcal/internal/log"
	"classcal/internal/model"
)

// Entry is one occurrence of the day together with the routing tokens
// derived from its text. Class comes from the exact "CLASSE <token>"
// marker and is what subscriptions match against; Tokens is the broad
// index used by the query path.
type Entry struct {
	Occurrence model.Occurrence `json:"occurrence"`
	Class      string           `json:"class,omitempty"`
	Professors []string         `json:"professors,omitempty"`
	Tokens     []string         `json:"tokens,omitempty"`
}

// Digest derives entries for every occurrence of the snapshot's build
// day.
func Digest(snap *model.Snapshot) []Entry {
	var out []Entry
	for _, occ := range snap.Recent {
		if occ.Date() != snap.BuiltForDay {
			continue
		}
		text := occ.Summary + " " + occ.Description
		out = append(out, Entry{
			Occurrence: occ,
			Class:      extract.ClassFromSummary(occ.Summary),
			Professors: extract.Professors(text),
			Tokens:     extract.SectionTokens(text),
		})
	}
	return out
}

// Sender delivers one matched entry to one subscription. Real backends
// (APNs, FCM, web push) implement this outside the core.
type Sender interface {
	Send(ctx context.Context, sub Subscription, entry Entry) error
}

// LogSender is the no-delivery Sender: it records what would have been
// sent.
type LogSender struct{}

func (LogSender) Send(_ context.Context, sub Subscription, entry Entry) error {
	appLog.Info("notification",
		"channel", string(sub.Channel),
		"section", sub.Section,
		"occurrence", entry.Occurrence.ID,
		"summary", entry.Occurrence.Summary,
	)
	return nil
}

// Watcher diffs successive snapshots of the same day and routes the new
// occurrences to matching subscriptions. Seen state is in-memory only;
// a restart may re-announce the current day, which delivery layers are
// expected to tolerate.
type Watcher struct {
	store  *Store
	sender Sender

	seenDay string
	seen    map[string]struct{}
}

func NewWatcher(store *Store, sender Sender) *Watcher {
	if sender == nil {
		sender = LogSender{}
	}
	return &Watcher{store: store, sender: sender, seen: make(map[string]struct{})}
}

// Check examines a freshly built snapshot, sends entries not seen
// before for the snapshot's day, and returns how many were sent. Send
// failures are logged per entry and do not stop the sweep.
func (w *Watcher) Check(ctx context.Context, snap *model.Snapshot) int {
	if snap == nil {
		return 0
	}
	if snap.BuiltForDay != w.seenDay {
		w.seenDay = snap.BuiltForDay
		w.seen = make(map[string]struct{})
	}

	sent := 0
	for _, entry := range Digest(snap) {
		id := entry.Occurrence.ID
		if _, ok := w.seen[id]; ok {
			continue
		}
		w.seen[id] = struct{}{}

		if entry.Class == "" {
			continue
		}
		subs, err := w.store.BySection(ctx, entry.Class)
		if err != nil {
			appLog.Error("subscription lookup failed", err, "section", entry.Class)
			continue
		}
		for _, sub := range subs {
			if err := w.sender.Send(ctx, sub, entry); err != nil {
				appLog.Error("notification send failed", err, "subscription", sub.ID)
				continue
			}
			sent++
		}
	}
	return sent
}
