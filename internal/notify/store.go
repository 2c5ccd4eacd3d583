// Package notify holds the core's boundary with the delivery layer: a
// sqlite-backed subscription store, per-day digests of occurrences with
// their extracted routing tokens, and new-since-last-check diffing.
// Actual delivery backends live outside this repository; the only
// Sender shipped here logs.
package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // register "sqlite" driver
)

// ChannelKind tags the recipient channel a subscription belongs to.
// Delivery code switches on the tag instead of sniffing token shapes.
type ChannelKind string

const (
	ChannelMobilePush ChannelKind = "push"
	ChannelWebPush    ChannelKind = "webpush"
)

func (k ChannelKind) Valid() bool {
	return k == ChannelMobilePush || k == ChannelWebPush
}

// Subscription maps a recipient token to the class section it wants
// notifications for.
type Subscription struct {
	ID      string      `json:"id"`
	Channel ChannelKind `json:"channel"`
	Token   string      `json:"token"`
	Section string      `json:"section"`
	Created time.Time   `json:"created"`
}

// Store persists subscriptions in sqlite.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and migrates) the subscription database at path.
// ":memory:" works for tests.
func OpenStore(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("notify: empty database path")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; serialize through a single connection.
	db.SetMaxOpenConns(1)

	const schema = `
CREATE TABLE IF NOT EXISTS subscriptions (
	id         TEXT PRIMARY KEY,
	channel    TEXT NOT NULL,
	token      TEXT NOT NULL,
	section    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	UNIQUE (channel, token, section)
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_section ON subscriptions(section);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("notify: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Add inserts a subscription, generating its ID. Re-subscribing the
// same (channel, token, section) is idempotent and returns the existing
// row.
func (s *Store) Add(ctx context.Context, channel ChannelKind, token, section string) (Subscription, error) {
	if !channel.Valid() {
		return Subscription{}, fmt.Errorf("notify: unknown channel %q", channel)
	}
	if token == "" || section == "" {
		return Subscription{}, errors.New("notify: token and section are required")
	}

	sub := Subscription{
		ID:      uuid.NewString(),
		Channel: channel,
		Token:   token,
		Section: section,
		Created: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (id, channel, token, section, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (channel, token, section) DO NOTHING`,
		sub.ID, string(sub.Channel), sub.Token, sub.Section, sub.Created)
	if err != nil {
		return Subscription{}, err
	}

	// Either our row or the pre-existing one.
	row := s.db.QueryRowContext(ctx,
		`SELECT id, channel, token, section, created_at FROM subscriptions
		 WHERE channel = ? AND token = ? AND section = ?`,
		string(channel), token, section)
	return scanSubscription(row)
}

// Remove deletes a subscription by ID. Removing an unknown ID is not an
// error.
func (s *Store) Remove(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	return err
}

// BySection returns the subscriptions routed to an exact section token.
func (s *Store) BySection(ctx context.Context, section string) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel, token, section, created_at FROM subscriptions
		 WHERE section = ? ORDER BY created_at`, section)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

// All returns every subscription, oldest first.
func (s *Store) All(ctx context.Context) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel, token, section, created_at FROM subscriptions ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(r rowScanner) (Subscription, error) {
	var sub Subscription
	var channel string
	if err := r.Scan(&sub.ID, &channel, &sub.Token, &sub.Section, &sub.Created); err != nil {
		return Subscription{}, err
	}
	sub.Channel = ChannelKind(channel)
	return sub, nil
}

func collectSubscriptions(rows *sql.Rows) ([]Subscription, error) {
	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}
