package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/secp/services/keysync/internal/models"
	"gitlab.com/secp/services/keysync/internal/store"
)

func TestInsertKeyBundle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	seedBundle(t, st, "alice", 1, "fp-a1")

	b, err := st.GetKeyBundle(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", b.Username)
	assert.Equal(t, 1, b.CurrentVersion)
	assert.Equal(t, "fp-a1", b.Fingerprint)
	assert.Len(t, b.PreKeys, 1)

	_, err = st.GetKeyBundle(ctx, "nobody")
	assert.Equal(t, store.ErrNotFound, err)
}

func TestInsertKeyBundleDuplicate(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedBundle(t, st, "alice", 1, "fp-a1")

	err := st.InsertKeyBundle(ctx, &models.KeyBundle{
		Username:       "alice",
		CurrentVersion: 1,
		Fingerprint:    "fp-a2",
		IdentityKey:    []byte("other"),
		PreKeys:        [][]byte{[]byte("pk")},
		CreatedAt:      now,
		UpdatedAt:      now,
	}, &models.KeyHistoryEntry{Username: "alice", Version: 1, Fingerprint: "fp-a2", UploadedAt: now, Source: "test"})
	assert.Equal(t, store.ErrDuplicate, err)
}

func TestUpdateKeyBundleCAS(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedBundle(t, st, "alice", 1, "fp-a1")

	next := &models.KeyBundle{
		Username:       "alice",
		CurrentVersion: 2,
		Fingerprint:    "fp-a2",
		IdentityKey:    []byte("rotated"),
		PreKeys:        [][]byte{[]byte("pk")},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	h := &models.KeyHistoryEntry{Username: "alice", Version: 2, Fingerprint: "fp-a2", UploadedAt: now, Source: "test"}

	t.Run("stale expectation conflicts", func(t *testing.T) {
		err := st.UpdateKeyBundleCAS(ctx, next, 5, h)
		assert.Equal(t, store.ErrConflict, err)
	})

	t.Run("matching expectation wins", func(t *testing.T) {
		require.NoError(t, st.UpdateKeyBundleCAS(ctx, next, 1, h))

		b, err := st.GetKeyBundle(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, 2, b.CurrentVersion)
		assert.Equal(t, "fp-a2", b.Fingerprint)
	})

	t.Run("history has one row per version", func(t *testing.T) {
		history, err := st.KeyHistory(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, 1, history[0].Version)
		assert.Equal(t, 2, history[1].Version)
	})
}
