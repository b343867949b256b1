package sqlstore

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"gitlab.com/secp/services/keysync/internal/models"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st, err := New(db, "sqlite3")
	require.NoError(t, err)
	return st
}

func seedBundle(t *testing.T, st *SQLStore, username string, version int, fp string) {
	t.Helper()
	now := time.Now().UTC()
	err := st.InsertKeyBundle(context.Background(), &models.KeyBundle{
		Username:       username,
		CurrentVersion: 1,
		Fingerprint:    fp,
		IdentityKey:    []byte(username + "-identity"),
		PreKeys:        [][]byte{[]byte("pk1")},
		CreatedAt:      now,
		UpdatedAt:      now,
	}, &models.KeyHistoryEntry{
		Username: username, Version: 1, Fingerprint: fp, UploadedAt: now, Source: "test", PreKeyCount: 1,
	})
	require.NoError(t, err)

	for v := 2; v <= version; v++ {
		b := &models.KeyBundle{
			Username:       username,
			CurrentVersion: v,
			Fingerprint:    fp,
			IdentityKey:    []byte(username + "-identity"),
			PreKeys:        [][]byte{[]byte("pk1")},
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		h := &models.KeyHistoryEntry{
			Username: username, Version: v, Fingerprint: fp, UploadedAt: now, Source: "test", PreKeyCount: 1,
		}
		require.NoError(t, st.UpdateKeyBundleCAS(context.Background(), b, v-1, h))
	}
}

func seedMessage(t *testing.T, st *SQLStore, author string, recipients map[string]int) uuid.UUID {
	t.Helper()
	m := &models.EncryptedMessage{
		ID:        uuid.New(),
		Author:    author,
		CreatedAt: time.Now().UTC(),
	}
	for r, v := range recipients {
		m.Recipients = append(m.Recipients, &models.MessageRecipient{
			MessageID:  m.ID,
			Recipient:  r,
			Ciphertext: []byte("ciphertext-for-" + r),
			KeyVersion: v,
			Status:     models.DeliveryPending,
		})
	}
	require.NoError(t, st.InsertMessage(context.Background(), m))
	return m.ID
}
