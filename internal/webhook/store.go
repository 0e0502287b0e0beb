// Package webhook evaluates subscription predicates over the live
// event stream and delivers HMAC-signed HTTP POSTs with persisted,
// bounded retries.
package webhook

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Delivery statuses.
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
	StatusGivingUp  = "giving_up"
)

// ErrNotFound is returned for unknown subscription or delivery ids.
var ErrNotFound = errors.New("webhook: not found")

// Subscription is one configured webhook receiver.
type Subscription struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	URL        string          `json:"url"`
	Secret     string          `json:"-"`
	Conditions json.RawMessage `json:"conditions"`
	Enabled    bool            `json:"enabled"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Delivery is one outbound POST and its retry state. The payload is
// persisted alongside the bookkeeping so a crash mid-dispatch can
// resume it.
type Delivery struct {
	ID             string     `json:"id"`
	SubscriptionID string     `json:"subscription_id"`
	Payload        []byte     `json:"-"`
	PayloadHash    string     `json:"payload_hash"`
	Attempt        int        `json:"attempt"`
	Status         string     `json:"status"`
	NextAttemptAt  *time.Time `json:"next_attempt_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Store persists subscriptions and deliveries on the shared database.
type Store struct {
	db *sql.DB
}

// NewStore runs migrations and returns a Store.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS webhook_subscriptions (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	url        TEXT NOT NULL,
	secret     TEXT NOT NULL,
	conditions TEXT NOT NULL DEFAULT '{}',
	enabled    INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
	id              TEXT PRIMARY KEY,
	subscription_id TEXT NOT NULL,
	payload         BLOB NOT NULL,
	payload_hash    TEXT NOT NULL,
	attempt         INTEGER NOT NULL DEFAULT 1,
	status          TEXT NOT NULL DEFAULT 'pending',
	next_attempt_at TEXT,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deliveries_pending
	ON webhook_deliveries(status, subscription_id);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate webhook schema: %w", err)
	}
	return nil
}

// CreateSubscription inserts a new subscription, assigning a UUIDv7 id
// when none is provided.
func (s *Store) CreateSubscription(sub *Subscription) error {
	if sub.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate subscription id: %w", err)
		}
		sub.ID = id.String()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	if len(sub.Conditions) == 0 {
		sub.Conditions = json.RawMessage(`{}`)
	}

	_, err := s.db.Exec(`
INSERT INTO webhook_subscriptions (id, name, url, secret, conditions, enabled, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.Name, sub.URL, sub.Secret, string(sub.Conditions),
		boolInt(sub.Enabled), sub.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

// UpdateSubscription rewrites a subscription's mutable columns.
func (s *Store) UpdateSubscription(sub *Subscription) error {
	res, err := s.db.Exec(`
UPDATE webhook_subscriptions
SET name = ?, url = ?, secret = ?, conditions = ?, enabled = ?
WHERE id = ?`,
		sub.Name, sub.URL, sub.Secret, string(sub.Conditions),
		boolInt(sub.Enabled), sub.ID)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSubscription removes a subscription and its delivery history.
func (s *Store) DeleteSubscription(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM webhook_deliveries WHERE subscription_id = ?`, id); err != nil {
		return fmt.Errorf("delete deliveries: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM webhook_subscriptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// GetSubscription returns one subscription by id.
func (s *Store) GetSubscription(id string) (Subscription, error) {
	row := s.db.QueryRow(`
SELECT id, name, url, secret, conditions, enabled, created_at
FROM webhook_subscriptions WHERE id = ?`, id)
	return scanSubscription(row)
}

// ListSubscriptions returns all subscriptions, enabled or not.
func (s *Store) ListSubscriptions() ([]Subscription, error) {
	rows, err := s.db.Query(`
SELECT id, name, url, secret, conditions, enabled, created_at
FROM webhook_subscriptions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

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

// InsertDelivery persists a fresh pending delivery before the first
// attempt goes out.
func (s *Store) InsertDelivery(d *Delivery) error {
	if d.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate delivery id: %w", err)
		}
		d.ID = id.String()
	}
	if d.Status == "" {
		d.Status = StatusPending
	}
	if d.Attempt == 0 {
		d.Attempt = 1
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(`
INSERT INTO webhook_deliveries
	(id, subscription_id, payload, payload_hash, attempt, status, next_attempt_at, last_error, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.SubscriptionID, d.Payload, d.PayloadHash, d.Attempt, d.Status,
		nullableTime(d.NextAttemptAt), d.LastError, d.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

// UpdateDelivery persists a state transition.
func (s *Store) UpdateDelivery(d *Delivery) error {
	res, err := s.db.Exec(`
UPDATE webhook_deliveries
SET attempt = ?, status = ?, next_attempt_at = ?, last_error = ?
WHERE id = ?`,
		d.Attempt, d.Status, nullableTime(d.NextAttemptAt), d.LastError, d.ID)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PendingDeliveries returns non-terminal deliveries, oldest first.
// Used at startup to resume rows a crash left behind.
func (s *Store) PendingDeliveries() ([]Delivery, error) {
	rows, err := s.db.Query(`
SELECT id, subscription_id, payload, payload_hash, attempt, status, next_attempt_at, last_error, created_at
FROM webhook_deliveries WHERE status = ? ORDER BY created_at`, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("list pending deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var d Delivery
		var next sql.NullString
		var created string
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.Payload, &d.PayloadHash,
			&d.Attempt, &d.Status, &next, &d.LastError, &created); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		if next.Valid {
			if t, err := time.Parse(time.RFC3339Nano, next.String); err == nil {
				d.NextAttemptAt = &t
			}
		}
		d.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetDelivery returns one delivery row by id.
func (s *Store) GetDelivery(id string) (Delivery, error) {
	var d Delivery
	var next sql.NullString
	var created string
	err := s.db.QueryRow(`
SELECT id, subscription_id, payload, payload_hash, attempt, status, next_attempt_at, last_error, created_at
FROM webhook_deliveries WHERE id = ?`, id).
		Scan(&d.ID, &d.SubscriptionID, &d.Payload, &d.PayloadHash,
			&d.Attempt, &d.Status, &next, &d.LastError, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Delivery{}, ErrNotFound
	}
	if err != nil {
		return Delivery{}, fmt.Errorf("scan delivery: %w", err)
	}
	if next.Valid {
		if t, err := time.Parse(time.RFC3339Nano, next.String); err == nil {
			d.NextAttemptAt = &t
		}
	}
	d.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return d, nil
}

func scanSubscription(row interface{ Scan(...any) error }) (Subscription, error) {
	var sub Subscription
	var conditions string
	var enabled int
	var created string
	err := row.Scan(&sub.ID, &sub.Name, &sub.URL, &sub.Secret, &conditions, &enabled, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	if err != nil {
		return Subscription{}, fmt.Errorf("scan subscription: %w", err)
	}
	sub.Conditions = json.RawMessage(conditions)
	sub.Enabled = enabled != 0
	sub.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return sub, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}
