// Package devicestore persists paired devices and their Web Push
// subscription endpoints in a local SQLite database, so pairing survives
// a daemon restart without re-scanning a QR code.
package devicestore

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id          TEXT PRIMARY KEY,
	label       TEXT NOT NULL DEFAULT '',
	paired_at   INTEGER NOT NULL,
	last_seen_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS push_subscriptions (
	device_id TEXT NOT NULL,
	endpoint  TEXT NOT NULL,
	p256dh    TEXT NOT NULL,
	auth      TEXT NOT NULL,
	PRIMARY KEY (device_id, endpoint)
);
`

// Device is one paired client.
type Device struct {
	ID         string
	Label      string
	PairedAt   time.Time
	LastSeenAt time.Time
}

// Subscription is one browser Web Push endpoint tied to a device.
type Subscription struct {
	DeviceID string
	Endpoint string
	P256dh   string
	Auth     string
}

// Store wraps a *sql.DB opened against the pure-Go SQLite driver.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates (if needed) and opens the SQLite database at path.
func Open(logger *slog.Logger, path string) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate device store: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertDevice records a pairing, or bumps LastSeenAt for a returning
// device.
func (s *Store) UpsertDevice(id, label string) error {
	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT INTO devices (id, label, paired_at, last_seen_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_seen_at = excluded.last_seen_at
	`, id, label, now, now)
	return err
}

// Touch updates a device's last-seen timestamp.
func (s *Store) Touch(id string) error {
	_, err := s.db.Exec(`UPDATE devices SET last_seen_at = ? WHERE id = ?`, time.Now().Unix(), id)
	return err
}

// Devices lists every paired device.
func (s *Store) Devices() ([]Device, error) {
	rows, err := s.db.Query(`SELECT id, label, paired_at, last_seen_at FROM devices ORDER BY paired_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var d Device
		var pairedAt, lastSeenAt int64
		if err := rows.Scan(&d.ID, &d.Label, &pairedAt, &lastSeenAt); err != nil {
			return nil, err
		}
		d.PairedAt = time.Unix(pairedAt, 0)
		d.LastSeenAt = time.Unix(lastSeenAt, 0)
		out = append(out, d)
	}
	return out, rows.Err()
}

// RemoveDevice deletes a device and its push subscriptions.
func (s *Store) RemoveDevice(id string) error {
	if _, err := s.db.Exec(`DELETE FROM push_subscriptions WHERE device_id = ?`, id); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM devices WHERE id = ?`, id)
	return err
}

// SaveSubscription records a device's Web Push endpoint, replacing any
// prior registration for the same (device, endpoint) pair.
func (s *Store) SaveSubscription(sub Subscription) error {
	_, err := s.db.Exec(`
		INSERT INTO push_subscriptions (device_id, endpoint, p256dh, auth) VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id, endpoint) DO UPDATE SET p256dh = excluded.p256dh, auth = excluded.auth
	`, sub.DeviceID, sub.Endpoint, sub.P256dh, sub.Auth)
	return err
}

// Subscriptions lists every saved Web Push endpoint across all devices.
func (s *Store) Subscriptions() ([]Subscription, error) {
	rows, err := s.db.Query(`SELECT device_id, endpoint, p256dh, auth FROM push_subscriptions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(&sub.DeviceID, &sub.Endpoint, &sub.P256dh, &sub.Auth); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}
