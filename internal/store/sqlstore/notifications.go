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

func (s *SQLStore) CreateNotificationGroup(ctx context.Context, n *models.KeyChangeNotification) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlstore.CreateNotificationGroup: begin")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO key_change_notifications
			(id, recipient_username, sender_username, old_version, new_version, old_fingerprint, new_fingerprint,
			 affected_count, status, created_at, expires_at, send_attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`),
		n.ID.String(), n.RecipientUsername, n.SenderUsername, n.OldVersion, n.NewVersion,
		n.OldFingerprint, n.NewFingerprint, n.AffectedCount, string(n.Status), n.CreatedAt, n.ExpiresAt,
	)
	if err != nil {
		return errors.Wrap(err, "sqlstore.CreateNotificationGroup: insert notification")
	}

	for _, msgID := range n.AffectedMessages {
		_, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO notification_messages (notification_id, message_id) VALUES (?, ?)`),
			n.ID.String(), msgID.String(),
		)
		if err != nil {
			return errors.Wrap(err, "sqlstore.CreateNotificationGroup: insert affected id")
		}

		// The flip only applies to rows that are still undelivered; a
		// delivery that raced in keeps its terminal state.
		_, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE message_recipients
			SET delivery_status = ?
			WHERE message_id = ? AND recipient = ? AND delivery_status IN (?, ?)`),
			string(models.DeliveryNeedsReencrypt), msgID.String(), n.RecipientUsername,
			string(models.DeliveryPending), string(models.DeliveryFailed),
		)
		if err != nil {
			return errors.Wrap(err, "sqlstore.CreateNotificationGroup: flip status")
		}
	}

	if err := s.appendLogTx(ctx, tx, n.ID, "created", "", n.CreatedAt); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "sqlstore.CreateNotificationGroup: commit")
}

const notificationColumns = `
	id, recipient_username, sender_username, old_version, new_version, old_fingerprint, new_fingerprint,
	affected_count, status, created_at, sent_at, acknowledged_at, reencrypted_at, expires_at, send_attempts`

func (s *SQLStore) GetNotification(ctx context.Context, id uuid.UUID) (*models.KeyChangeNotification, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT`+notificationColumns+`
		FROM key_change_notifications WHERE id = ?`), id.String())

	n, err := scanNotification(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadNotificationDetails(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

func scanNotification(row rowScanner) (*models.KeyChangeNotification, error) {
	n := &models.KeyChangeNotification{}
	var rawID, status string
	var sentAt, ackedAt, reencAt sql.NullTime
	err := row.Scan(&rawID, &n.RecipientUsername, &n.SenderUsername, &n.OldVersion, &n.NewVersion,
		&n.OldFingerprint, &n.NewFingerprint, &n.AffectedCount, &status, &n.CreatedAt,
		&sentAt, &ackedAt, &reencAt, &n.ExpiresAt, &n.SendAttempts)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.scanNotification")
	}
	n.ID, err = uuid.Parse(rawID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.scanNotification: parse id")
	}
	n.Status = models.NotificationStatus(status)
	if sentAt.Valid {
		t := sentAt.Time
		n.SentAt = &t
	}
	if ackedAt.Valid {
		t := ackedAt.Time
		n.AcknowledgedAt = &t
	}
	if reencAt.Valid {
		t := reencAt.Time
		n.ReencryptedAt = &t
	}
	return n, nil
}

func (s *SQLStore) loadNotificationDetails(ctx context.Context, n *models.KeyChangeNotification) error {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT message_id FROM notification_messages WHERE notification_id = ? ORDER BY message_id ASC`),
		n.ID.String())
	if err != nil {
		return errors.Wrap(err, "sqlstore.loadNotificationDetails: ids")
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return errors.Wrap(err, "sqlstore.loadNotificationDetails: scan id")
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return errors.Wrap(err, "sqlstore.loadNotificationDetails: parse id")
		}
		n.AffectedMessages = append(n.AffectedMessages, id)
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "sqlstore.loadNotificationDetails: rows")
	}

	logRows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, notification_id, action, COALESCE(details, ''), at
		FROM notification_log WHERE notification_id = ? ORDER BY id ASC`),
		n.ID.String())
	if err != nil {
		return errors.Wrap(err, "sqlstore.loadNotificationDetails: log")
	}
	defer logRows.Close()
	for logRows.Next() {
		entry := models.NotificationLog{}
		var raw string
		if err := logRows.Scan(&entry.ID, &raw, &entry.Action, &entry.Details, &entry.At); err != nil {
			return errors.Wrap(err, "sqlstore.loadNotificationDetails: scan log")
		}
		entry.NotificationID = n.ID
		n.ProcessingLog = append(n.ProcessingLog, entry)
	}
	return errors.Wrap(logRows.Err(), "sqlstore.loadNotificationDetails: log rows")
}

func (s *SQLStore) PullNotifications(ctx context.Context, sender string, now time.Time) ([]*models.KeyChangeNotification, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.PullNotifications: begin")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, s.rebind(`
		SELECT`+notificationColumns+`
		FROM key_change_notifications
		WHERE sender_username = ? AND status IN (?, ?) AND expires_at > ?
		ORDER BY created_at ASC`),
		sender, string(models.NotificationPending), string(models.NotificationSent), now,
	)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.PullNotifications: select")
	}

	var candidates []*models.KeyChangeNotification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, n)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errors.Wrap(err, "sqlstore.PullNotifications: rows")
	}
	rows.Close()

	var out []*models.KeyChangeNotification
	for _, n := range candidates {
		sent, err := s.markSentTx(ctx, tx, n.ID, now)
		if err != nil {
			return nil, err
		}
		if !sent {
			// A concurrent acknowledgement moved the row past sent between
			// the select and here; it is no longer pullable.
			continue
		}
		if err := s.appendLogTx(ctx, tx, n.ID, "pulled", "", now); err != nil {
			return nil, err
		}
		if n.SentAt == nil {
			t := now
			n.SentAt = &t
		}
		n.Status = models.NotificationSent
		n.SendAttempts++
		out = append(out, n)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "sqlstore.PullNotifications: commit")
	}

	// Affected ids load outside the pull transaction; they are immutable
	// once the notification exists.
	for _, n := range out {
		if err := s.loadNotificationDetails(ctx, n); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// markSentTx flips one pulled notification to sent. The status guard
// makes it a compare-and-set like TransitionNotification: under
// read-committed a row can reach a later status between the pull select
// and this update, and must not be dragged back to sent.
func (s *SQLStore) markSentTx(ctx context.Context, tx *sql.Tx, id uuid.UUID, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE key_change_notifications
		SET status = ?, sent_at = COALESCE(sent_at, ?), send_attempts = send_attempts + 1
		WHERE id = ? AND status IN (?, ?)`),
		string(models.NotificationSent), now, id.String(),
		string(models.NotificationPending), string(models.NotificationSent),
	)
	if err != nil {
		return false, errors.Wrap(err, "sqlstore.markSent")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "sqlstore.markSent: rows affected")
	}
	return rows > 0, nil
}

func (s *SQLStore) TransitionNotification(ctx context.Context, id uuid.UUID, from, to models.NotificationStatus, at time.Time, logAction, details string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlstore.TransitionNotification: begin")
	}
	defer tx.Rollback()

	var stampCol string
	switch to {
	case models.NotificationSent:
		stampCol = "sent_at"
	case models.NotificationAcknowledged:
		stampCol = "acknowledged_at"
	case models.NotificationReencrypted:
		stampCol = "reencrypted_at"
	}

	query := `UPDATE key_change_notifications SET status = ?`
	args := []interface{}{string(to)}
	if stampCol != "" {
		query += `, ` + stampCol + ` = COALESCE(` + stampCol + `, ?)`
		args = append(args, at)
	}
	query += ` WHERE id = ? AND status = ?`
	args = append(args, id.String(), string(from))

	res, err := tx.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return errors.Wrap(err, "sqlstore.TransitionNotification: update")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "sqlstore.TransitionNotification: rows affected")
	}
	if rows == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, s.rebind(`
			SELECT COUNT(1) FROM key_change_notifications WHERE id = ?`), id.String()).Scan(&exists)
		if err != nil {
			return errors.Wrap(err, "sqlstore.TransitionNotification: existence check")
		}
		if exists == 0 {
			return store.ErrNotFound
		}
		return store.ErrConflict
	}

	if err := s.appendLogTx(ctx, tx, id, logAction, details, at); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "sqlstore.TransitionNotification: commit")
}

func (s *SQLStore) appendLogTx(ctx context.Context, tx *sql.Tx, id uuid.UUID, action, details string, at time.Time) error {
	_, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO notification_log (notification_id, action, details, at) VALUES (?, ?, ?, ?)`),
		id.String(), action, details, at,
	)
	return errors.Wrap(err, "sqlstore.appendLog")
}
