package delivery

import (
	"context"
	"database/sql"
	"testing"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/secp/services/keysync/internal/keys"
	"gitlab.com/secp/services/keysync/internal/models"
	"gitlab.com/secp/services/keysync/internal/store"
	"gitlab.com/secp/services/keysync/internal/store/sqlstore"
	"gitlab.com/secp/services/keysync/pkg/apperr"
	"gitlab.com/secp/services/keysync/pkg/logger"
)

func newTestService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st, err := sqlstore.New(db, "sqlite3")
	require.NoError(t, err)
	return NewService(st, logger.Nop()), st
}

func TestCreateMessage(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	m, err := svc.CreateMessage(ctx, "Alice", []RecipientPayload{
		{Recipient: "Bob", Ciphertext: []byte("ct-bob"), KeyVersion: 1},
		{Recipient: "carol", Ciphertext: []byte("ct-carol"), KeyVersion: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", m.Author)
	require.Len(t, m.Recipients, 2)

	stored, err := st.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	for _, r := range stored.Recipients {
		assert.Equal(t, models.DeliveryPending, r.Status)
	}
}

func TestCreateMessageValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		author   string
		payloads []RecipientPayload
	}{
		{"empty author", "", []RecipientPayload{{Recipient: "bob", Ciphertext: []byte("ct"), KeyVersion: 1}}},
		{"no recipients", "alice", nil},
		{"empty recipient", "alice", []RecipientPayload{{Recipient: " ", Ciphertext: []byte("ct"), KeyVersion: 1}}},
		{"duplicate recipient", "alice", []RecipientPayload{
			{Recipient: "bob", Ciphertext: []byte("ct"), KeyVersion: 1},
			{Recipient: "Bob", Ciphertext: []byte("ct"), KeyVersion: 1},
		}},
		{"empty ciphertext", "alice", []RecipientPayload{{Recipient: "bob", KeyVersion: 1}}},
		{"zero key version", "alice", []RecipientPayload{{Recipient: "bob", Ciphertext: []byte("ct")}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateMessage(ctx, tc.author, tc.payloads)
			require.Error(t, err)
			assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))
		})
	}
}

func TestMarkDeliveredIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	m, err := svc.CreateMessage(ctx, "alice", []RecipientPayload{
		{Recipient: "bob", Ciphertext: []byte("ct"), KeyVersion: 1},
	})
	require.NoError(t, err)

	require.NoError(t, svc.MarkDelivered(ctx, m.ID, "Bob"))
	require.NoError(t, svc.MarkDelivered(ctx, m.ID, "bob"), "repeat confirmation succeeds")

	err = svc.MarkDelivered(ctx, uuid.New(), "bob")
	assert.ErrorIs(t, err, apperr.ErrMessageNotFound)
}

func TestApplyReencryption(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	m, err := svc.CreateMessage(ctx, "alice", []RecipientPayload{
		{Recipient: "bob", Ciphertext: []byte("ct-v1"), KeyVersion: 1},
	})
	require.NoError(t, err)

	t.Run("validation", func(t *testing.T) {
		err := svc.ApplyReencryption(ctx, m.ID, "bob", nil, 2)
		assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))

		err = svc.ApplyReencryption(ctx, m.ID, "bob", []byte("ct"), 0)
		assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))
	})

	require.NoError(t, svc.ApplyReencryption(ctx, m.ID, "Bob", []byte("ct-v2"), 2))

	slot, err := svc.FetchCiphertext(ctx, m.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, []byte("ct-v2"), slot.Ciphertext)
	assert.Equal(t, 2, slot.KeyVersion)

	t.Run("resubmission is accepted silently", func(t *testing.T) {
		require.NoError(t, svc.ApplyReencryption(ctx, m.ID, "bob", []byte("ct-v2-retry"), 2))

		slot, err := svc.FetchCiphertext(ctx, m.ID, "bob")
		require.NoError(t, err)
		assert.Equal(t, []byte("ct-v2"), slot.Ciphertext, "first submission stays in place")

		history, err := st.ReencryptionHistory(ctx, m.ID)
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})

	t.Run("unknown slot", func(t *testing.T) {
		err := svc.ApplyReencryption(ctx, m.ID, "mallory", []byte("ct"), 2)
		assert.ErrorIs(t, err, apperr.ErrRecipientNotFound)
	})
}

func TestDiagnose(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	keysSvc := keys.NewService(st, logger.Nop())
	_, _, err := keysSvc.Upload(ctx, "bob", &keys.BundleUpload{
		IdentityKey: []byte("id-v1"), PreKeys: [][]byte{[]byte("pk")},
	}, "test")
	require.NoError(t, err)
	_, _, err = keysSvc.Upload(ctx, "bob", &keys.BundleUpload{
		IdentityKey: []byte("id-v2"), PreKeys: [][]byte{[]byte("pk")},
	}, "test")
	require.NoError(t, err)

	m, err := svc.CreateMessage(ctx, "alice", []RecipientPayload{
		{Recipient: "bob", Ciphertext: []byte("ct"), KeyVersion: 1},
		{Recipient: "carol", Ciphertext: []byte("ct"), KeyVersion: 1},
	})
	require.NoError(t, err)

	diag, err := svc.Diagnose(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", diag.Author)
	require.Len(t, diag.Recipients, 2)

	byName := map[string]RecipientDiagnosis{}
	for _, r := range diag.Recipients {
		byName[r.Recipient] = r
	}

	bob := byName["bob"]
	assert.Equal(t, 1, bob.EncryptedForVersion)
	assert.Equal(t, 2, bob.CurrentVersion)
	assert.False(t, bob.VersionMatch)
	assert.Contains(t, bob.Recommendation, "force re-encryption")

	carol := byName["carol"]
	assert.Equal(t, 0, carol.CurrentVersion)
	assert.Contains(t, carol.Recommendation, "no key bundle")

	_, err = svc.Diagnose(ctx, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrMessageNotFound)
}
