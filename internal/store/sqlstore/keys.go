package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"gitlab.com/secp/services/keysync/internal/models"
	"gitlab.com/secp/services/keysync/internal/store"
)

func (s *SQLStore) GetKeyBundle(ctx context.Context, username string) (*models.KeyBundle, error) {
	b := &models.KeyBundle{}
	var prekeys string
	query := s.rebind(`
		SELECT username, current_version, fingerprint, identity_key, signed_prekey, prekeys, kyber_key, created_at, updated_at
		FROM key_bundles
		WHERE username = ?`)
	err := s.db.QueryRowContext(ctx, query, username).Scan(
		&b.Username, &b.CurrentVersion, &b.Fingerprint, &b.IdentityKey,
		&b.SignedPreKey, &prekeys, &b.KyberKey, &b.CreatedAt, &b.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.GetKeyBundle")
	}
	if err := json.Unmarshal([]byte(prekeys), &b.PreKeys); err != nil {
		return nil, errors.Wrap(err, "sqlstore.GetKeyBundle: decode prekeys")
	}
	return b, nil
}

func (s *SQLStore) InsertKeyBundle(ctx context.Context, b *models.KeyBundle, h *models.KeyHistoryEntry) error {
	prekeys, err := json.Marshal(b.PreKeys)
	if err != nil {
		return errors.Wrap(err, "sqlstore.InsertKeyBundle: encode prekeys")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlstore.InsertKeyBundle: begin")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO key_bundles (username, current_version, fingerprint, identity_key, signed_prekey, prekeys, kyber_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		b.Username, b.CurrentVersion, b.Fingerprint, b.IdentityKey,
		b.SignedPreKey, string(prekeys), b.KyberKey, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return store.ErrDuplicate
		}
		return errors.Wrap(err, "sqlstore.InsertKeyBundle: insert")
	}

	if err := s.insertHistoryTx(ctx, tx, h); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "sqlstore.InsertKeyBundle: commit")
}

func (s *SQLStore) UpdateKeyBundleCAS(ctx context.Context, b *models.KeyBundle, expectVersion int, h *models.KeyHistoryEntry) error {
	prekeys, err := json.Marshal(b.PreKeys)
	if err != nil {
		return errors.Wrap(err, "sqlstore.UpdateKeyBundleCAS: encode prekeys")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlstore.UpdateKeyBundleCAS: begin")
	}
	defer tx.Rollback()

	// The WHERE clause on current_version is the compare-and-set: a
	// concurrent upload that already bumped the version makes this a
	// zero-row update and the caller retries from a fresh read.
	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE key_bundles
		SET current_version = ?, fingerprint = ?, identity_key = ?, signed_prekey = ?, prekeys = ?, kyber_key = ?, updated_at = ?
		WHERE username = ? AND current_version = ?`),
		b.CurrentVersion, b.Fingerprint, b.IdentityKey, b.SignedPreKey,
		string(prekeys), b.KyberKey, b.UpdatedAt, b.Username, expectVersion,
	)
	if err != nil {
		return errors.Wrap(err, "sqlstore.UpdateKeyBundleCAS: update")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "sqlstore.UpdateKeyBundleCAS: rows affected")
	}
	if rows == 0 {
		return store.ErrConflict
	}

	if err := s.insertHistoryTx(ctx, tx, h); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "sqlstore.UpdateKeyBundleCAS: commit")
}

func (s *SQLStore) insertHistoryTx(ctx context.Context, tx *sql.Tx, h *models.KeyHistoryEntry) error {
	_, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO key_bundle_history (username, version, fingerprint, uploaded_at, upload_source, prekey_count)
		VALUES (?, ?, ?, ?, ?, ?)`),
		h.Username, h.Version, h.Fingerprint, h.UploadedAt, h.Source, h.PreKeyCount,
	)
	return errors.Wrap(err, "sqlstore.insertHistory")
}

func (s *SQLStore) KeyHistory(ctx context.Context, username string) ([]*models.KeyHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, username, version, fingerprint, uploaded_at, upload_source, prekey_count
		FROM key_bundle_history
		WHERE username = ?
		ORDER BY id ASC`), username)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.KeyHistory")
	}
	defer rows.Close()

	var out []*models.KeyHistoryEntry
	for rows.Next() {
		h := &models.KeyHistoryEntry{}
		if err := rows.Scan(&h.ID, &h.Username, &h.Version, &h.Fingerprint, &h.UploadedAt, &h.Source, &h.PreKeyCount); err != nil {
			return nil, errors.Wrap(err, "sqlstore.KeyHistory: scan")
		}
		out = append(out, h)
	}
	return out, errors.Wrap(rows.Err(), "sqlstore.KeyHistory: rows")
}

// isDuplicate matches unique-violation errors from both drivers.
func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite3
		strings.Contains(msg, "duplicate key value") // postgres 23505
}
