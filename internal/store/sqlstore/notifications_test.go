package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/secp/services/keysync/internal/models"
	"gitlab.com/secp/services/keysync/internal/store"
)

func seedNotification(t *testing.T, st *SQLStore, sender string, affected []uuid.UUID, expiresAt time.Time) *models.KeyChangeNotification {
	t.Helper()
	n := &models.KeyChangeNotification{
		ID:                uuid.New(),
		RecipientUsername: "bob",
		SenderUsername:    sender,
		OldVersion:        1,
		NewVersion:        2,
		OldFingerprint:    "fp-old",
		NewFingerprint:    "fp-new",
		AffectedMessages:  affected,
		AffectedCount:     len(affected),
		Status:            models.NotificationPending,
		CreatedAt:         time.Now().UTC(),
		ExpiresAt:         expiresAt,
	}
	require.NoError(t, st.CreateNotificationGroup(context.Background(), n))
	return n
}

func TestCreateNotificationGroup(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	pending := seedMessage(t, st, "alice", map[string]int{"bob": 1})
	delivered := seedMessage(t, st, "alice", map[string]int{"bob": 1})
	_, err := st.MarkDelivered(ctx, delivered, "bob", now)
	require.NoError(t, err)

	n := seedNotification(t, st, "alice", []uuid.UUID{pending, delivered}, now.Add(time.Hour))

	t.Run("undelivered rows flip to needs_reencrypt", func(t *testing.T) {
		r, err := st.GetRecipient(ctx, pending, "bob")
		require.NoError(t, err)
		assert.Equal(t, models.DeliveryNeedsReencrypt, r.Status)
	})

	t.Run("delivered rows keep their terminal state", func(t *testing.T) {
		r, err := st.GetRecipient(ctx, delivered, "bob")
		require.NoError(t, err)
		assert.Equal(t, models.DeliveryDelivered, r.Status)
	})

	t.Run("read back with details", func(t *testing.T) {
		got, err := st.GetNotification(ctx, n.ID)
		require.NoError(t, err)
		assert.Equal(t, models.NotificationPending, got.Status)
		assert.Len(t, got.AffectedMessages, 2)
		require.Len(t, got.ProcessingLog, 1)
		assert.Equal(t, "created", got.ProcessingLog[0].Action)
	})
}

func TestPullNotifications(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	msg := seedMessage(t, st, "alice", map[string]int{"bob": 1})
	n := seedNotification(t, st, "alice", []uuid.UUID{msg}, now.Add(time.Hour))
	seedNotification(t, st, "carol", []uuid.UUID{}, now.Add(time.Hour))

	out, err := st.PullNotifications(ctx, "alice", now)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, n.ID, out[0].ID)
	assert.Equal(t, models.NotificationSent, out[0].Status)
	assert.Equal(t, 1, out[0].SendAttempts)
	require.NotNil(t, out[0].SentAt)

	t.Run("unacknowledged notifications come back on the next pull", func(t *testing.T) {
		again, err := st.PullNotifications(ctx, "alice", now.Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, again, 1)
		assert.Equal(t, 2, again[0].SendAttempts)
		// sent_at records the first send only.
		assert.Equal(t, out[0].SentAt.Unix(), again[0].SentAt.Unix())
	})

	t.Run("expired notifications are not pullable", func(t *testing.T) {
		expired := seedNotification(t, st, "dave", []uuid.UUID{}, now.Add(-time.Hour))
		out, err := st.PullNotifications(ctx, "dave", now)
		require.NoError(t, err)
		assert.Empty(t, out)

		got, err := st.GetNotification(ctx, expired.ID)
		require.NoError(t, err)
		assert.Equal(t, models.NotificationPending, got.Status)
		assert.Equal(t, models.NotificationExpired, got.EffectiveStatus(now))
	})
}

func TestPullNotificationsOldestRotationFirst(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Inserted newest-first so storage order and creation order disagree.
	newer := &models.KeyChangeNotification{
		ID: uuid.New(), RecipientUsername: "bob", SenderUsername: "alice",
		OldVersion: 2, NewVersion: 3,
		Status: models.NotificationPending, CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, st.CreateNotificationGroup(ctx, newer))
	older := &models.KeyChangeNotification{
		ID: uuid.New(), RecipientUsername: "bob", SenderUsername: "alice",
		OldVersion: 1, NewVersion: 2,
		Status: models.NotificationPending, CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, st.CreateNotificationGroup(ctx, older))

	out, err := st.PullNotifications(ctx, "alice", now)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, older.ID, out[0].ID)
	assert.Equal(t, newer.ID, out[1].ID)
}

func TestMarkSentDoesNotResurrectTerminalRows(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	n := seedNotification(t, st, "alice", []uuid.UUID{}, now.Add(time.Hour))
	_, err := st.PullNotifications(ctx, "alice", now)
	require.NoError(t, err)
	require.NoError(t, st.TransitionNotification(ctx, n.ID, models.NotificationSent, models.NotificationAcknowledged, now, "acknowledged", ""))
	require.NoError(t, st.TransitionNotification(ctx, n.ID, models.NotificationAcknowledged, models.NotificationReencrypted, now, "reencrypted", ""))

	tx, err := st.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	sent, err := st.markSentTx(ctx, tx, n.ID, now)
	require.NoError(t, err)
	assert.False(t, sent, "terminal row is past sent")
	require.NoError(t, tx.Commit())

	got, err := st.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NotificationReencrypted, got.Status)
	assert.Equal(t, 1, got.SendAttempts)
}

func TestTransitionNotification(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	n := seedNotification(t, st, "alice", []uuid.UUID{}, now.Add(time.Hour))
	_, err := st.PullNotifications(ctx, "alice", now)
	require.NoError(t, err)

	t.Run("wrong from-status conflicts", func(t *testing.T) {
		err := st.TransitionNotification(ctx, n.ID, models.NotificationPending, models.NotificationAcknowledged, now, "acknowledged", "")
		assert.Equal(t, store.ErrConflict, err)
	})

	t.Run("matching from-status transitions and stamps", func(t *testing.T) {
		require.NoError(t, st.TransitionNotification(ctx, n.ID, models.NotificationSent, models.NotificationAcknowledged, now, "acknowledged", "client ok"))
		require.NoError(t, st.TransitionNotification(ctx, n.ID, models.NotificationAcknowledged, models.NotificationReencrypted, now, "reencrypted", ""))

		got, err := st.GetNotification(ctx, n.ID)
		require.NoError(t, err)
		assert.Equal(t, models.NotificationReencrypted, got.Status)
		assert.NotNil(t, got.AcknowledgedAt)
		assert.NotNil(t, got.ReencryptedAt)

		actions := make([]string, 0, len(got.ProcessingLog))
		for _, entry := range got.ProcessingLog {
			actions = append(actions, entry.Action)
		}
		assert.Equal(t, []string{"created", "pulled", "acknowledged", "reencrypted"}, actions)
	})

	t.Run("stale repeat of an earlier hop conflicts", func(t *testing.T) {
		err := st.TransitionNotification(ctx, n.ID, models.NotificationSent, models.NotificationAcknowledged, now, "acknowledged", "")
		assert.Equal(t, store.ErrConflict, err)
	})

	t.Run("unknown id is not found", func(t *testing.T) {
		err := st.TransitionNotification(ctx, uuid.New(), models.NotificationSent, models.NotificationAcknowledged, now, "acknowledged", "")
		assert.Equal(t, store.ErrNotFound, err)
	})
}
