// Package rotation owns the notify -> re-encrypt -> redeliver workflow:
// scanning the delivery ledger when a recipient's key rotates, creating
// per-sender notifications, and walking each notification through its
// forward-only lifecycle.
package rotation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"gitlab.com/secp/services/keysync/internal/keys"
	"gitlab.com/secp/services/keysync/internal/models"
	"gitlab.com/secp/services/keysync/internal/store"
	"gitlab.com/secp/services/keysync/pkg/apperr"
	"gitlab.com/secp/services/keysync/pkg/logger"
)

// Pusher delivers a freshly created notification to a live session.
// Returns false when the sender has no session; polling picks it up then.
type Pusher interface {
	Push(username string, n *models.KeyChangeNotification) bool
}

// Alerter nudges an offline sender out-of-band (SMS). Best-effort.
type Alerter interface {
	SendRotationNudge(ctx context.Context, username string, affectedMessages int) error
}

// PresenceChecker reports whether a sender has a live session anywhere,
// including sessions held by other instances of this service.
type PresenceChecker interface {
	IsOnline(ctx context.Context, username string) bool
}

type Service struct {
	store     store.Store
	log       *logger.Logger
	ttl       time.Duration
	batchSize int

	pusher   Pusher          // optional
	alerter  Alerter         // optional
	presence PresenceChecker // optional
}

func NewService(st store.Store, log *logger.Logger, ttlDays, batchSize int) *Service {
	if ttlDays <= 0 {
		ttlDays = 30
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Service{
		store:     st,
		log:       log,
		ttl:       time.Duration(ttlDays) * 24 * time.Hour,
		batchSize: batchSize,
	}
}

// SetPusher, SetAlerter and SetPresence attach the optional delivery
// paths after construction; wiring order in main would otherwise be
// circular.
func (s *Service) SetPusher(p Pusher)            { s.pusher = p }
func (s *Service) SetAlerter(a Alerter)          { s.alerter = a }
func (s *Service) SetPresence(p PresenceChecker) { s.presence = p }

// NotifyRotation scans the undelivered ledger rows addressed to the
// rotated recipient, groups them by author, and creates one notification
// per affected author. Each author group commits in its own transaction
// together with the needs_reencrypt flips for its messages, so a crash
// mid-scan leaves completed groups consistent and the rerun is safe.
//
// The scan is keyset-paged in batches of batchSize rather than unbounded;
// a recipient with a huge backlog costs many small reads, not one giant
// one.
func (s *Service) NotifyRotation(ctx context.Context, recipient string, oldVersion, newVersion int, oldFingerprint, newFingerprint string) error {
	recipient = keys.Canonical(recipient)

	byAuthor := make(map[string][]uuid.UUID)
	after := ""
	for {
		page, err := s.store.ListUndelivered(ctx, recipient, newVersion, after, s.batchSize)
		if err != nil {
			return apperr.Unavailable("ledger scan failed", err)
		}
		for _, hit := range page {
			byAuthor[hit.Author] = append(byAuthor[hit.Author], hit.MessageID)
		}
		if len(page) < s.batchSize {
			break
		}
		after = page[len(page)-1].MessageID.String()
	}

	if len(byAuthor) == 0 {
		s.log.Debug("rotation affected no undelivered messages", "recipient", recipient, "new_version", newVersion)
		return nil
	}

	// Deterministic creation order keeps retries and tests stable.
	authors := make([]string, 0, len(byAuthor))
	for a := range byAuthor {
		authors = append(authors, a)
	}
	sort.Strings(authors)

	now := time.Now().UTC()
	for _, author := range authors {
		msgIDs := byAuthor[author]
		n := &models.KeyChangeNotification{
			ID:                uuid.New(),
			RecipientUsername: recipient,
			SenderUsername:    author,
			OldVersion:        oldVersion,
			NewVersion:        newVersion,
			OldFingerprint:    oldFingerprint,
			NewFingerprint:    newFingerprint,
			AffectedMessages:  msgIDs,
			AffectedCount:     len(msgIDs),
			Status:            models.NotificationPending,
			CreatedAt:         now,
			ExpiresAt:         now.Add(s.ttl),
		}
		if err := s.store.CreateNotificationGroup(ctx, n); err != nil {
			return apperr.Unavailable(fmt.Sprintf("notification creation failed for sender %s", author), err)
		}
		s.log.Info("re-encryption notification created",
			"recipient", recipient, "sender", author,
			"affected", len(msgIDs), "new_version", newVersion,
		)
		s.deliverBestEffort(ctx, n)
	}
	return nil
}

// deliverBestEffort pushes to a live session when one exists, otherwise
// optionally nudges by SMS. Polling remains the source of truth either
// way; failures here are logged and dropped.
func (s *Service) deliverBestEffort(ctx context.Context, n *models.KeyChangeNotification) {
	if s.pusher != nil && s.pusher.Push(n.SenderUsername, n) {
		return
	}
	// A session on another instance will see the notification on its next
	// poll; the nudge is only for senders with no session anywhere.
	if s.presence != nil && s.presence.IsOnline(ctx, n.SenderUsername) {
		return
	}
	if s.alerter != nil {
		if err := s.alerter.SendRotationNudge(ctx, n.SenderUsername, n.AffectedCount); err != nil {
			s.log.Warn("sms nudge failed", "sender", n.SenderUsername, "err", err)
		}
	}
}

// PullPending returns every pullable notification for the sender, oldest
// rotation first, transitioning each to sent. Delivery is at-least-once:
// until the sender acknowledges, the same notifications come back on the
// next poll.
func (s *Service) PullPending(ctx context.Context, sender string) ([]*models.KeyChangeNotification, error) {
	out, err := s.store.PullNotifications(ctx, keys.Canonical(sender), time.Now().UTC())
	if err != nil {
		return nil, apperr.Unavailable("notification pull failed", err)
	}
	return out, nil
}

// Get returns one notification with its effective (lazily expired) status.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.KeyChangeNotification, error) {
	n, err := s.store.GetNotification(ctx, id)
	if err == store.ErrNotFound {
		return nil, apperr.ErrNotificationNotFound
	}
	if err != nil {
		return nil, apperr.Unavailable("notification read failed", err)
	}
	n.Status = n.EffectiveStatus(time.Now().UTC())
	return n, nil
}

// Acknowledge records the sender's outcome for a pulled notification.
// success walks sent -> acknowledged -> reencrypted; failure walks
// sent -> acknowledged -> failed. Both hops land in the processing log.
// The call is safely re-runnable: a retry that finds the row already
// acknowledged (a crash landed between the hops) resumes at the second
// hop instead of failing on the first.
func (s *Service) Acknowledge(ctx context.Context, id uuid.UUID, success bool, details string) error {
	n, err := s.store.GetNotification(ctx, id)
	if err == store.ErrNotFound {
		return apperr.ErrNotificationNotFound
	}
	if err != nil {
		return apperr.Unavailable("notification read failed", err)
	}

	now := time.Now().UTC()
	eff := n.EffectiveStatus(now)
	switch {
	case eff == models.NotificationExpired:
		return apperr.ErrNotificationExpired
	case eff.Terminal():
		return apperr.ErrNotificationTerminal
	case eff == models.NotificationPending:
		return apperr.Conflict("notification has not been pulled yet")
	}

	if eff == models.NotificationSent {
		if err := s.store.TransitionNotification(ctx, id, models.NotificationSent, models.NotificationAcknowledged, now, "acknowledged", details); err != nil {
			return translateTransitionErr(err)
		}
	}

	final := models.NotificationReencrypted
	action := "reencrypted"
	if !success {
		final = models.NotificationFailed
		action = "reencryption_failed"
	}
	if err := s.store.TransitionNotification(ctx, id, models.NotificationAcknowledged, final, now, action, details); err != nil {
		return translateTransitionErr(err)
	}

	s.log.Info("notification acknowledged", "id", id, "success", success)
	return nil
}

func translateTransitionErr(err error) error {
	switch err {
	case store.ErrNotFound:
		return apperr.ErrNotificationNotFound
	case store.ErrConflict:
		return apperr.ErrNotificationTerminal
	default:
		return apperr.Unavailable("notification update failed", err)
	}
}

// ForceReencryption is the admin escape hatch: it fabricates a
// notification for one (message, recipient) slot as if a rotation had
// just been detected, regardless of whether versions currently differ.
func (s *Service) ForceReencryption(ctx context.Context, messageID uuid.UUID, recipient, reason string) (*models.KeyChangeNotification, error) {
	recipient = keys.Canonical(recipient)

	msg, err := s.store.GetMessage(ctx, messageID)
	if err == store.ErrNotFound {
		return nil, apperr.ErrMessageNotFound
	}
	if err != nil {
		return nil, apperr.Unavailable("message read failed", err)
	}

	slot, err := s.store.GetRecipient(ctx, messageID, recipient)
	if err == store.ErrNotFound {
		return nil, apperr.ErrRecipientNotFound
	}
	if err != nil {
		return nil, apperr.Unavailable("recipient read failed", err)
	}

	bundle, err := s.store.GetKeyBundle(ctx, recipient)
	if err == store.ErrNotFound {
		return nil, apperr.ErrBundleNotFound
	}
	if err != nil {
		return nil, apperr.Unavailable("key store read failed", err)
	}

	// Best effort: recover the fingerprint the ciphertext was produced
	// against from the upload history.
	oldFingerprint := ""
	if history, err := s.store.KeyHistory(ctx, recipient); err == nil {
		for _, h := range history {
			if h.Version == slot.KeyVersion {
				oldFingerprint = h.Fingerprint
			}
		}
	}

	now := time.Now().UTC()
	n := &models.KeyChangeNotification{
		ID:                uuid.New(),
		RecipientUsername: recipient,
		SenderUsername:    msg.Author,
		OldVersion:        slot.KeyVersion,
		NewVersion:        bundle.CurrentVersion,
		OldFingerprint:    oldFingerprint,
		NewFingerprint:    bundle.Fingerprint,
		AffectedMessages:  []uuid.UUID{messageID},
		AffectedCount:     1,
		Status:            models.NotificationPending,
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.ttl),
	}
	if err := s.store.CreateNotificationGroup(ctx, n); err != nil {
		return nil, apperr.Unavailable("notification creation failed", err)
	}

	s.log.Warn("re-encryption forced by admin",
		"message_id", messageID, "recipient", recipient, "sender", msg.Author, "reason", reason,
	)
	s.deliverBestEffort(ctx, n)
	return n, nil
}
