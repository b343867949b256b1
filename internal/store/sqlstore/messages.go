package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"gitlab.com/secp/services/keysync/internal/models"
	"gitlab.com/secp/services/keysync/internal/store"
)

func (s *SQLStore) InsertMessage(ctx context.Context, m *models.EncryptedMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlstore.InsertMessage: begin")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO messages (id, author, created_at) VALUES (?, ?, ?)`),
		m.ID.String(), m.Author, m.CreatedAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return store.ErrDuplicate
		}
		return errors.Wrap(err, "sqlstore.InsertMessage: insert message")
	}

	for _, r := range m.Recipients {
		_, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO message_recipients (message_id, recipient, ciphertext, key_version, delivery_status, delivery_attempts)
			VALUES (?, ?, ?, ?, ?, 0)`),
			m.ID.String(), r.Recipient, r.Ciphertext, r.KeyVersion, string(models.DeliveryPending),
		)
		if err != nil {
			return errors.Wrap(err, "sqlstore.InsertMessage: insert recipient")
		}
	}
	return errors.Wrap(tx.Commit(), "sqlstore.InsertMessage: commit")
}

func (s *SQLStore) GetMessage(ctx context.Context, id uuid.UUID) (*models.EncryptedMessage, error) {
	m := &models.EncryptedMessage{}
	var rawID string
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, author, created_at FROM messages WHERE id = ?`), id.String(),
	).Scan(&rawID, &m.Author, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.GetMessage")
	}
	m.ID, err = uuid.Parse(rawID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.GetMessage: parse id")
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT message_id, recipient, ciphertext, key_version, delivery_status, delivery_attempts, delivered_at
		FROM message_recipients
		WHERE message_id = ?
		ORDER BY recipient ASC`), id.String())
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.GetMessage: recipients")
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		m.Recipients = append(m.Recipients, r)
	}
	return m, errors.Wrap(rows.Err(), "sqlstore.GetMessage: rows")
}

func (s *SQLStore) GetRecipient(ctx context.Context, id uuid.UUID, recipient string) (*models.MessageRecipient, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT message_id, recipient, ciphertext, key_version, delivery_status, delivery_attempts, delivered_at
		FROM message_recipients
		WHERE message_id = ? AND recipient = ?`), id.String(), recipient)

	r, err := scanRecipient(row)
	if err == store.ErrNotFound {
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecipient(row rowScanner) (*models.MessageRecipient, error) {
	r := &models.MessageRecipient{}
	var rawID, status string
	var deliveredAt sql.NullTime
	err := row.Scan(&rawID, &r.Recipient, &r.Ciphertext, &r.KeyVersion, &status, &r.DeliveryAttempts, &deliveredAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.scanRecipient")
	}
	r.MessageID, err = uuid.Parse(rawID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.scanRecipient: parse id")
	}
	r.Status = models.DeliveryStatus(status)
	if deliveredAt.Valid {
		t := deliveredAt.Time
		r.DeliveredAt = &t
	}
	return r, nil
}

func (s *SQLStore) MarkDelivered(ctx context.Context, id uuid.UUID, recipient string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE message_recipients
		SET delivery_status = ?, delivered_at = ?, delivery_attempts = delivery_attempts + 1
		WHERE message_id = ? AND recipient = ? AND delivery_status <> ?`),
		string(models.DeliveryDelivered), now, id.String(), recipient, string(models.DeliveryDelivered),
	)
	if err != nil {
		return false, errors.Wrap(err, "sqlstore.MarkDelivered")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "sqlstore.MarkDelivered: rows affected")
	}
	if rows > 0 {
		return false, nil
	}

	// Zero rows: either the slot is already delivered (no-op) or it does
	// not exist.
	r, err := s.GetRecipient(ctx, id, recipient)
	if err != nil {
		return false, err
	}
	if r.Status == models.DeliveryDelivered {
		return true, nil
	}
	return false, errors.New("sqlstore.MarkDelivered: row vanished mid-update")
}

func (s *SQLStore) ApplyReencryption(ctx context.Context, id uuid.UUID, recipient string, ciphertext []byte, newVersion int, now time.Time) (*models.ReencryptionRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.ApplyReencryption: begin")
	}
	defer tx.Rollback()

	var author string
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT author FROM messages WHERE id = ?`), id.String()).Scan(&author)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.ApplyReencryption: author")
	}

	var fromVersion int
	var status string
	err = tx.QueryRowContext(ctx, s.rebind(`
		SELECT key_version, delivery_status FROM message_recipients
		WHERE message_id = ? AND recipient = ?`), id.String(), recipient,
	).Scan(&fromVersion, &status)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.ApplyReencryption: current row")
	}

	// At-least-once pulls mean senders resubmit; an identical version
	// already pending is a safe no-op, not an error.
	if fromVersion == newVersion && models.DeliveryStatus(status) == models.DeliveryPending {
		return nil, nil
	}

	// Field-scoped update: only this recipient's row is touched, sibling
	// recipients of the same message keep their state.
	_, err = tx.ExecContext(ctx, s.rebind(`
		UPDATE message_recipients
		SET ciphertext = ?, key_version = ?, delivery_status = ?
		WHERE message_id = ? AND recipient = ?`),
		ciphertext, newVersion, string(models.DeliveryPending), id.String(), recipient,
	)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.ApplyReencryption: update")
	}

	rec := &models.ReencryptionRecord{
		MessageID:   id,
		Recipient:   recipient,
		FromVersion: fromVersion,
		ToVersion:   newVersion,
		AppliedAt:   now,
		AppliedBy:   author,
		Success:     true,
	}
	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO reencryption_history (message_id, recipient, from_version, to_version, applied_at, applied_by, success)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		id.String(), recipient, rec.FromVersion, rec.ToVersion, rec.AppliedAt, rec.AppliedBy, rec.Success,
	)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.ApplyReencryption: audit")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "sqlstore.ApplyReencryption: commit")
	}
	return rec, nil
}

func (s *SQLStore) ReencryptionHistory(ctx context.Context, id uuid.UUID) ([]*models.ReencryptionRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, message_id, recipient, from_version, to_version, applied_at, applied_by, success
		FROM reencryption_history
		WHERE message_id = ?
		ORDER BY id ASC`), id.String())
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.ReencryptionHistory")
	}
	defer rows.Close()

	var out []*models.ReencryptionRecord
	for rows.Next() {
		rec := &models.ReencryptionRecord{}
		var rawID string
		if err := rows.Scan(&rec.ID, &rawID, &rec.Recipient, &rec.FromVersion, &rec.ToVersion, &rec.AppliedAt, &rec.AppliedBy, &rec.Success); err != nil {
			return nil, errors.Wrap(err, "sqlstore.ReencryptionHistory: scan")
		}
		rec.MessageID, err = uuid.Parse(rawID)
		if err != nil {
			return nil, errors.Wrap(err, "sqlstore.ReencryptionHistory: parse id")
		}
		out = append(out, rec)
	}
	return out, errors.Wrap(rows.Err(), "sqlstore.ReencryptionHistory: rows")
}

func (s *SQLStore) ListUndelivered(ctx context.Context, recipient string, excludeVersion int, afterMessageID string, limit int) ([]store.UndeliveredMessage, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT mr.message_id, m.author
		FROM message_recipients mr
		JOIN messages m ON m.id = mr.message_id
		WHERE mr.recipient = ?
		  AND mr.delivery_status IN (?, ?)
		  AND mr.key_version <> ?
		  AND mr.message_id > ?
		ORDER BY mr.message_id ASC
		LIMIT ?`),
		recipient, string(models.DeliveryPending), string(models.DeliveryFailed),
		excludeVersion, afterMessageID, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.ListUndelivered")
	}
	defer rows.Close()

	var out []store.UndeliveredMessage
	for rows.Next() {
		var rawID, author string
		if err := rows.Scan(&rawID, &author); err != nil {
			return nil, errors.Wrap(err, "sqlstore.ListUndelivered: scan")
		}
		id, err := uuid.Parse(rawID)
		if err != nil {
			return nil, errors.Wrap(err, "sqlstore.ListUndelivered: parse id")
		}
		out = append(out, store.UndeliveredMessage{MessageID: id, Author: author})
	}
	return out, errors.Wrap(rows.Err(), "sqlstore.ListUndelivered: rows")
}
