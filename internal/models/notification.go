package models

import (
	"time"

	"github.com/google/uuid"
)

// NotificationStatus is the stored lifecycle state of a re-encryption
// notification. Transitions are forward-only:
//
//	pending -> sent -> acknowledged -> reencrypted | failed
//
// "expired" is never stored; it is a read-time view (EffectiveStatus) of
// any non-terminal notification whose deadline has passed.
type NotificationStatus string

const (
	NotificationPending      NotificationStatus = "pending"
	NotificationSent         NotificationStatus = "sent"
	NotificationAcknowledged NotificationStatus = "acknowledged"
	NotificationReencrypted  NotificationStatus = "reencrypted"
	NotificationFailed       NotificationStatus = "failed"
	NotificationExpired      NotificationStatus = "expired"
)

// Terminal reports whether s admits no further transitions.
func (s NotificationStatus) Terminal() bool {
	return s == NotificationReencrypted || s == NotificationFailed || s == NotificationExpired
}

// KeyChangeNotification tells one sender that a recipient's key rotated
// underneath some of their undelivered messages. One row per
// (rotated recipient, affected sender) pair per rotation event.
type KeyChangeNotification struct {
	ID                uuid.UUID          `json:"id"`
	RecipientUsername string             `json:"recipient_username"`
	SenderUsername    string             `json:"sender_username"`
	OldVersion        int                `json:"old_version"`
	NewVersion        int                `json:"new_version"`
	OldFingerprint    string             `json:"old_fingerprint"`
	NewFingerprint    string             `json:"new_fingerprint"`
	AffectedMessages  []uuid.UUID        `json:"affected_message_ids"`
	AffectedCount     int                `json:"affected_message_count"`
	Status            NotificationStatus `json:"status"`
	CreatedAt         time.Time          `json:"created_at"`
	SentAt            *time.Time         `json:"sent_at,omitempty"`
	AcknowledgedAt    *time.Time         `json:"acknowledged_at,omitempty"`
	ReencryptedAt     *time.Time         `json:"reencrypted_at,omitempty"`
	ExpiresAt         time.Time          `json:"expires_at"`
	SendAttempts      int                `json:"send_attempts"`
	ProcessingLog     []NotificationLog  `json:"processing_log,omitempty"`
}

// NotificationLog is one append-only processing-log entry.
type NotificationLog struct {
	ID             int64     `json:"id"`
	NotificationID uuid.UUID `json:"notification_id"`
	Action         string    `json:"action"`
	Details        string    `json:"details,omitempty"`
	At             time.Time `json:"at"`
}

// EffectiveStatus is the status a reader should see at time now: the
// stored status unless the notification is non-terminal and past its
// deadline, in which case it reads as expired.
func (n *KeyChangeNotification) EffectiveStatus(now time.Time) NotificationStatus {
	if !n.Status.Terminal() && now.After(n.ExpiresAt) {
		return NotificationExpired
	}
	return n.Status
}
