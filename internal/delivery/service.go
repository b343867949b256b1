// Package delivery exposes the delivery-ledger operations: recording new
// encrypted messages, applying sender re-encryptions, confirming receipt,
// and the admin diagnosis view.
package delivery

import (
	"context"
	"time"

	"github.com/google/uuid"

	"gitlab.com/secp/services/keysync/internal/keys"
	"gitlab.com/secp/services/keysync/internal/models"
	"gitlab.com/secp/services/keysync/internal/store"
	"gitlab.com/secp/services/keysync/pkg/apperr"
	"gitlab.com/secp/services/keysync/pkg/logger"
)

type Service struct {
	store store.Store
	log   *logger.Logger
}

func NewService(st store.Store, log *logger.Logger) *Service {
	return &Service{store: st, log: log}
}

// RecipientPayload is one recipient's ciphertext and the key version it
// was encrypted for, as supplied by the authoring client.
type RecipientPayload struct {
	Recipient  string `json:"recipient"`
	Ciphertext []byte `json:"ciphertext"`
	KeyVersion int    `json:"key_version"`
}

// CreateMessage records a freshly sent message. This is the surface the
// feed/authoring subsystem calls; each recipient slot starts pending.
func (s *Service) CreateMessage(ctx context.Context, author string, payloads []RecipientPayload) (*models.EncryptedMessage, error) {
	author = keys.Canonical(author)
	if author == "" {
		return nil, apperr.ErrEmptyUsername
	}
	if len(payloads) == 0 {
		return nil, apperr.Invalid("message needs at least one recipient")
	}

	m := &models.EncryptedMessage{
		ID:        uuid.New(),
		Author:    author,
		CreatedAt: time.Now().UTC(),
	}
	seen := make(map[string]bool, len(payloads))
	for _, p := range payloads {
		r := keys.Canonical(p.Recipient)
		if r == "" {
			return nil, apperr.ErrEmptyUsername
		}
		if seen[r] {
			return nil, apperr.Invalid("duplicate recipient " + r)
		}
		seen[r] = true
		if len(p.Ciphertext) == 0 {
			return nil, apperr.Invalid("empty ciphertext for recipient " + r)
		}
		if p.KeyVersion < 1 {
			return nil, apperr.Invalid("key version must be >= 1")
		}
		m.Recipients = append(m.Recipients, &models.MessageRecipient{
			MessageID:  m.ID,
			Recipient:  r,
			Ciphertext: p.Ciphertext,
			KeyVersion: p.KeyVersion,
			Status:     models.DeliveryPending,
		})
	}

	if err := s.store.InsertMessage(ctx, m); err != nil {
		return nil, apperr.Unavailable("message store write failed", err)
	}
	s.log.Debug("message recorded", "id", m.ID, "author", author, "recipients", len(m.Recipients))
	return m, nil
}

// FetchCiphertext returns one recipient's slot, ciphertext included.
func (s *Service) FetchCiphertext(ctx context.Context, messageID uuid.UUID, recipient string) (*models.MessageRecipient, error) {
	slot, err := s.store.GetRecipient(ctx, messageID, keys.Canonical(recipient))
	if err == store.ErrNotFound {
		return nil, apperr.ErrRecipientNotFound
	}
	if err != nil {
		return nil, apperr.Unavailable("ledger read failed", err)
	}
	return slot, nil
}

// MarkDelivered records the recipient-side confirmation that the message
// was fetched and decrypted. Terminal and idempotent: repeats are no-ops.
// Delivered slots are skipped by all future rotation scans.
func (s *Service) MarkDelivered(ctx context.Context, messageID uuid.UUID, recipient string) error {
	recipient = keys.Canonical(recipient)
	already, err := s.store.MarkDelivered(ctx, messageID, recipient, time.Now().UTC())
	if err == store.ErrNotFound {
		return apperr.ErrMessageNotFound
	}
	if err != nil {
		return apperr.Unavailable("ledger write failed", err)
	}
	if already {
		s.log.Debug("duplicate delivery confirmation", "id", messageID, "recipient", recipient)
	}
	return nil
}

// ApplyReencryption installs a sender's freshly re-encrypted ciphertext
// for one recipient: new version, status back to pending, audit record
// appended. Only that recipient's slot is touched. Resubmitting the same
// (message, recipient, version) is a safe no-op; at-least-once pulls make
// repeats normal, not exceptional.
func (s *Service) ApplyReencryption(ctx context.Context, messageID uuid.UUID, recipient string, ciphertext []byte, newVersion int) error {
	recipient = keys.Canonical(recipient)
	if len(ciphertext) == 0 {
		return apperr.Invalid("empty ciphertext")
	}
	if newVersion < 1 {
		return apperr.Invalid("key version must be >= 1")
	}

	rec, err := s.store.ApplyReencryption(ctx, messageID, recipient, ciphertext, newVersion, time.Now().UTC())
	if err == store.ErrNotFound {
		return apperr.ErrRecipientNotFound
	}
	if err != nil {
		return apperr.Unavailable("ledger write failed", err)
	}
	if rec == nil {
		s.log.Debug("re-encryption resubmission ignored", "id", messageID, "recipient", recipient, "version", newVersion)
		return nil
	}
	s.log.Info("re-encryption applied",
		"id", messageID, "recipient", recipient,
		"from_version", rec.FromVersion, "to_version", rec.ToVersion,
	)
	return nil
}

// RecipientDiagnosis is the admin per-recipient view of one message.
type RecipientDiagnosis struct {
	Recipient           string                `json:"recipient"`
	EncryptedForVersion int                   `json:"encrypted_for_version"`
	CurrentVersion      int                   `json:"current_version"`
	VersionMatch        bool                  `json:"version_match"`
	DeliveryStatus      models.DeliveryStatus `json:"delivery_status"`
	Recommendation      string                `json:"recommendation"`
}

type MessageDiagnosis struct {
	MessageID  uuid.UUID                    `json:"message_id"`
	Author     string                       `json:"author"`
	CreatedAt  time.Time                    `json:"created_at"`
	Recipients []RecipientDiagnosis         `json:"recipients"`
	History    []*models.ReencryptionRecord `json:"reencryption_history"`
}

// Diagnose explains, per recipient, whether the stored ciphertext is
// still decryptable against the recipient's current key version and what
// to do about it.
func (s *Service) Diagnose(ctx context.Context, messageID uuid.UUID) (*MessageDiagnosis, error) {
	m, err := s.store.GetMessage(ctx, messageID)
	if err == store.ErrNotFound {
		return nil, apperr.ErrMessageNotFound
	}
	if err != nil {
		return nil, apperr.Unavailable("message read failed", err)
	}

	diag := &MessageDiagnosis{MessageID: m.ID, Author: m.Author, CreatedAt: m.CreatedAt}
	for _, slot := range m.Recipients {
		d := RecipientDiagnosis{
			Recipient:           slot.Recipient,
			EncryptedForVersion: slot.KeyVersion,
			DeliveryStatus:      slot.Status,
		}
		bundle, err := s.store.GetKeyBundle(ctx, slot.Recipient)
		switch {
		case err == store.ErrNotFound:
			d.Recommendation = "recipient has no key bundle; cannot be delivered"
		case err != nil:
			return nil, apperr.Unavailable("key store read failed", err)
		default:
			d.CurrentVersion = bundle.CurrentVersion
			d.VersionMatch = bundle.CurrentVersion == slot.KeyVersion
			d.Recommendation = recommend(slot.Status, d.VersionMatch)
		}
		diag.Recipients = append(diag.Recipients, d)
	}

	history, err := s.store.ReencryptionHistory(ctx, messageID)
	if err != nil {
		return nil, apperr.Unavailable("audit read failed", err)
	}
	diag.History = history
	return diag, nil
}

func recommend(status models.DeliveryStatus, versionMatch bool) string {
	switch {
	case status == models.DeliveryDelivered:
		return "delivered; no action"
	case versionMatch && status == models.DeliveryPending:
		return "decryptable; awaiting fetch"
	case versionMatch && status == models.DeliveryNeedsReencrypt:
		return "version already matches; re-encryption pending confirmation"
	case !versionMatch && status == models.DeliveryNeedsReencrypt:
		return "awaiting sender re-encryption"
	case !versionMatch:
		return "version mismatch; force re-encryption if no notification is in flight"
	default:
		return "no action"
	}
}
