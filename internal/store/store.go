// Package store defines the durable-store contract the services run over.
// The SQL implementation lives in store/sqlstore.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"gitlab.com/secp/services/keysync/internal/models"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrDuplicate = errors.New("store: duplicate key")
	// ErrConflict means a compare-and-set update observed a version other
	// than the one it expected. Callers retry with a fresh read.
	ErrConflict = errors.New("store: version conflict")
)

// UndeliveredMessage is one rotation-scan hit: an undelivered ciphertext
// for the rotated recipient, tagged with its author for grouping.
type UndeliveredMessage struct {
	MessageID uuid.UUID
	Author    string
}

type Store interface {
	// Key bundles.
	GetKeyBundle(ctx context.Context, username string) (*models.KeyBundle, error)
	// InsertKeyBundle creates the first bundle for a user; ErrDuplicate if
	// a concurrent first upload won.
	InsertKeyBundle(ctx context.Context, b *models.KeyBundle, h *models.KeyHistoryEntry) error
	// UpdateKeyBundleCAS replaces the bundle iff the stored version still
	// equals expectVersion, appending the history entry in the same
	// transaction. ErrConflict if the expectation fails.
	UpdateKeyBundleCAS(ctx context.Context, b *models.KeyBundle, expectVersion int, h *models.KeyHistoryEntry) error
	KeyHistory(ctx context.Context, username string) ([]*models.KeyHistoryEntry, error)

	// Delivery ledger.
	InsertMessage(ctx context.Context, m *models.EncryptedMessage) error
	GetMessage(ctx context.Context, id uuid.UUID) (*models.EncryptedMessage, error)
	GetRecipient(ctx context.Context, id uuid.UUID, recipient string) (*models.MessageRecipient, error)
	// MarkDelivered is idempotent; alreadyDelivered reports a repeat call.
	MarkDelivered(ctx context.Context, id uuid.UUID, recipient string, now time.Time) (alreadyDelivered bool, err error)
	// ApplyReencryption updates exactly one recipient row and appends an
	// audit record. A repeat submission for a version already in effect
	// with status pending returns (nil, nil) without touching the row.
	ApplyReencryption(ctx context.Context, id uuid.UUID, recipient string, ciphertext []byte, newVersion int, now time.Time) (*models.ReencryptionRecord, error)
	ReencryptionHistory(ctx context.Context, id uuid.UUID) ([]*models.ReencryptionRecord, error)

	// Rotation scan, keyset-paged by message id.
	ListUndelivered(ctx context.Context, recipient string, excludeVersion int, afterMessageID string, limit int) ([]UndeliveredMessage, error)

	// Notification queue.
	// CreateNotificationGroup inserts the notification, its affected
	// message ids, and flips those ledger rows to needs_reencrypt, as one
	// transaction.
	CreateNotificationGroup(ctx context.Context, n *models.KeyChangeNotification) error
	GetNotification(ctx context.Context, id uuid.UUID) (*models.KeyChangeNotification, error)
	// PullNotifications returns non-expired pending/sent notifications for
	// the sender (createdAt ascending) and transitions each to sent.
	PullNotifications(ctx context.Context, sender string, now time.Time) ([]*models.KeyChangeNotification, error)
	// TransitionNotification moves id from -> to iff the stored status is
	// still from; ErrConflict otherwise. A log entry is appended.
	TransitionNotification(ctx context.Context, id uuid.UUID, from, to models.NotificationStatus, at time.Time, logAction, details string) error

	// Collaborator-maintained contact info.
	GetUserPhone(ctx context.Context, username string) (*models.UserPhone, error)

	// Attachment metadata.
	InsertAttachment(ctx context.Context, a *models.Attachment) error
	GetAttachment(ctx context.Context, id uuid.UUID) (*models.Attachment, error)
}
