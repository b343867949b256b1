package models

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus is the per-recipient state of one ciphertext.
type DeliveryStatus string

const (
	DeliveryPending        DeliveryStatus = "pending"
	DeliveryNeedsReencrypt DeliveryStatus = "needs_reencrypt"
	DeliveryDelivered      DeliveryStatus = "delivered"
	DeliveryFailed         DeliveryStatus = "failed"
)

// KeyBundle is a user's current public key material plus the version
// bookkeeping used to detect rotation. The material itself is opaque to
// this service; only the identity key's fingerprint is ever computed from
// it.
type KeyBundle struct {
	Username       string    `json:"username"` // canonical, lower-cased
	CurrentVersion int       `json:"current_version"`
	Fingerprint    string    `json:"identity_key_fingerprint"`
	IdentityKey    []byte    `json:"identity_key"`
	SignedPreKey   []byte    `json:"signed_prekey"`
	PreKeys        [][]byte  `json:"prekeys"`
	KyberKey       []byte    `json:"kyber_key,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// KeyHistoryEntry is one append-only record of a bundle upload.
type KeyHistoryEntry struct {
	ID          int64     `json:"id"`
	Username    string    `json:"username"`
	Version     int       `json:"version"`
	Fingerprint string    `json:"fingerprint"`
	UploadedAt  time.Time `json:"uploaded_at"`
	Source      string    `json:"upload_source"`
	PreKeyCount int       `json:"prekey_count"`
}

// EncryptedMessage is the message envelope; per-recipient delivery state
// lives in Recipients.
type EncryptedMessage struct {
	ID         uuid.UUID           `json:"id"`
	Author     string              `json:"author"`
	CreatedAt  time.Time           `json:"created_at"`
	Recipients []*MessageRecipient `json:"recipients,omitempty"`
}

// MessageRecipient is one row of the delivery ledger: which key version
// the stored ciphertext targets and where delivery stands for that
// recipient. Mutations are field-scoped so concurrent updates for sibling
// recipients of the same message never clobber each other.
type MessageRecipient struct {
	MessageID        uuid.UUID      `json:"message_id"`
	Recipient        string         `json:"recipient"`
	Ciphertext       []byte         `json:"ciphertext,omitempty"`
	KeyVersion       int            `json:"encrypted_for_key_version"`
	Status           DeliveryStatus `json:"delivery_status"`
	DeliveryAttempts int            `json:"delivery_attempts"`
	DeliveredAt      *time.Time     `json:"delivered_at,omitempty"`
}

// ReencryptionRecord is one append-only audit entry for a re-encryption
// applied to a (message, recipient) slot.
type ReencryptionRecord struct {
	ID          int64     `json:"id"`
	MessageID   uuid.UUID `json:"message_id"`
	Recipient   string    `json:"recipient"`
	FromVersion int       `json:"from_version"`
	ToVersion   int       `json:"to_version"`
	AppliedAt   time.Time `json:"at"`
	AppliedBy   string    `json:"by"`
	Success     bool      `json:"success"`
}

// UserPhone maps a username to a verified phone number for SMS nudges.
// Rows are maintained by the account subsystem; this service only reads
// them.
type UserPhone struct {
	Username  string `json:"username"`
	PhoneE164 string `json:"phone_e164"`
	Verified  bool   `json:"verified"`
}

// Attachment is the metadata row for an encrypted blob held in object
// storage. The blob is ciphertext produced on the client.
type Attachment struct {
	ID         uuid.UUID  `json:"id"`
	MessageID  *uuid.UUID `json:"message_id,omitempty"`
	Uploader   string     `json:"uploader"`
	StorageKey string     `json:"storage_key"`
	FileSize   int64      `json:"file_size"`
	CreatedAt  time.Time  `json:"created_at"`
}
