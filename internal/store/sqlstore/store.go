// Package sqlstore is the SQL implementation of store.Store. It speaks
// Postgres in production and SQLite for local development and tests; the
// schema and placeholders are adjusted per driver.
package sqlstore

import (
	"database/sql"
	"fmt"
	"strings"
)

type SQLStore struct {
	db         *sql.DB
	driverName string
}

func New(db *sql.DB, driverName string) (*SQLStore, error) {
	s := &SQLStore{db: db, driverName: driverName}
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Migrate creates the schema if it does not exist.
func (s *SQLStore) Migrate() error {
	query := schema
	if s.driverName == "postgres" {
		query = strings.ReplaceAll(query, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY")
		query = strings.ReplaceAll(query, "BLOB", "BYTEA")
		query = strings.ReplaceAll(query, "DATETIME", "TIMESTAMPTZ")
	}
	_, err := s.db.Exec(query)
	return err
}

// rebind converts ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driverName != "postgres" {
		return query
	}
	n := strings.Count(query, "?")
	for i := 1; i <= n; i++ {
		query = strings.Replace(query, "?", fmt.Sprintf("$%d", i), 1)
	}
	return query
}

const schema = `
CREATE TABLE IF NOT EXISTS key_bundles (
	username TEXT PRIMARY KEY,
	current_version INTEGER NOT NULL,
	fingerprint TEXT NOT NULL,
	identity_key BLOB NOT NULL,
	signed_prekey BLOB,
	prekeys TEXT NOT NULL,
	kyber_key BLOB,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS key_bundle_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL,
	version INTEGER NOT NULL,
	fingerprint TEXT NOT NULL,
	uploaded_at DATETIME NOT NULL,
	upload_source TEXT NOT NULL,
	prekey_count INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_key_history_user ON key_bundle_history (username, id);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	author TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS message_recipients (
	message_id TEXT NOT NULL,
	recipient TEXT NOT NULL,
	ciphertext BLOB NOT NULL,
	key_version INTEGER NOT NULL,
	delivery_status TEXT NOT NULL DEFAULT 'pending',
	delivery_attempts INTEGER NOT NULL DEFAULT 0,
	delivered_at DATETIME,
	PRIMARY KEY (message_id, recipient),
	FOREIGN KEY (message_id) REFERENCES messages(id)
);

CREATE INDEX IF NOT EXISTS idx_recipients_undelivered ON message_recipients (recipient, delivery_status);

CREATE TABLE IF NOT EXISTS reencryption_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT NOT NULL,
	recipient TEXT NOT NULL,
	from_version INTEGER NOT NULL,
	to_version INTEGER NOT NULL,
	applied_at DATETIME NOT NULL,
	applied_by TEXT NOT NULL,
	success BOOLEAN NOT NULL
);

CREATE TABLE IF NOT EXISTS key_change_notifications (
	id TEXT PRIMARY KEY,
	recipient_username TEXT NOT NULL,
	sender_username TEXT NOT NULL,
	old_version INTEGER NOT NULL,
	new_version INTEGER NOT NULL,
	old_fingerprint TEXT NOT NULL,
	new_fingerprint TEXT NOT NULL,
	affected_count INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	created_at DATETIME NOT NULL,
	sent_at DATETIME,
	acknowledged_at DATETIME,
	reencrypted_at DATETIME,
	expires_at DATETIME NOT NULL,
	send_attempts INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_notifications_sender ON key_change_notifications (sender_username, status, created_at);

CREATE TABLE IF NOT EXISTS notification_messages (
	notification_id TEXT NOT NULL,
	message_id TEXT NOT NULL,
	PRIMARY KEY (notification_id, message_id)
);

CREATE TABLE IF NOT EXISTS notification_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	notification_id TEXT NOT NULL,
	action TEXT NOT NULL,
	details TEXT,
	at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS user_phones (
	username TEXT PRIMARY KEY,
	phone_e164 TEXT NOT NULL,
	verified BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS attachments (
	id TEXT PRIMARY KEY,
	message_id TEXT,
	uploader TEXT NOT NULL,
	storage_key TEXT NOT NULL,
	file_size INTEGER NOT NULL,
	created_at DATETIME NOT NULL
);
`
