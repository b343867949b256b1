package sqlstore

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"gitlab.com/secp/services/keysync/internal/models"
	"gitlab.com/secp/services/keysync/internal/store"
)

func (s *SQLStore) GetUserPhone(ctx context.Context, username string) (*models.UserPhone, error) {
	p := &models.UserPhone{}
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT username, phone_e164, verified FROM user_phones WHERE username = ?`), username,
	).Scan(&p.Username, &p.PhoneE164, &p.Verified)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.GetUserPhone")
	}
	return p, nil
}

func (s *SQLStore) InsertAttachment(ctx context.Context, a *models.Attachment) error {
	var msgID interface{}
	if a.MessageID != nil {
		msgID = a.MessageID.String()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO attachments (id, message_id, uploader, storage_key, file_size, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		a.ID.String(), msgID, a.Uploader, a.StorageKey, a.FileSize, a.CreatedAt,
	)
	return errors.Wrap(err, "sqlstore.InsertAttachment")
}

func (s *SQLStore) GetAttachment(ctx context.Context, id uuid.UUID) (*models.Attachment, error) {
	a := &models.Attachment{}
	var rawID string
	var msgID sql.NullString
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, message_id, uploader, storage_key, file_size, created_at
		FROM attachments WHERE id = ?`), id.String(),
	).Scan(&rawID, &msgID, &a.Uploader, &a.StorageKey, &a.FileSize, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.GetAttachment")
	}
	a.ID, err = uuid.Parse(rawID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.GetAttachment: parse id")
	}
	if msgID.Valid {
		parsed, err := uuid.Parse(msgID.String)
		if err != nil {
			return nil, errors.Wrap(err, "sqlstore.GetAttachment: parse message id")
		}
		a.MessageID = &parsed
	}
	return a, nil
}
