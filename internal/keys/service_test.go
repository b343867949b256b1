package keys

import (
	"context"
	"database/sql"
	"testing"

	"github.com/cloudflare/circl/kem/kyber/kyber1024"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func bundle(identity string) *BundleUpload {
	return &BundleUpload{
		IdentityKey:  []byte(identity),
		SignedPreKey: []byte("spk"),
		PreKeys:      [][]byte{[]byte("pk1"), []byte("pk2")},
	}
}

func TestUploadFirstBundle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	res, event, err := svc.Upload(ctx, "Alice", bundle("id-a"), "test")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Version)
	assert.False(t, res.Changed)
	assert.Nil(t, event, "first upload is not a rotation")

	b, err := svc.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", b.Username, "username stored canonical")
	assert.Equal(t, Fingerprint([]byte("id-a")), b.Fingerprint)
}

func TestUploadIdenticalKeepsVersion(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Upload(ctx, "alice", bundle("id-a"), "test")
	require.NoError(t, err)

	// Same identity key, refreshed prekeys.
	refreshed := bundle("id-a")
	refreshed.PreKeys = [][]byte{[]byte("pk3")}

	res, event, err := svc.Upload(ctx, "alice", refreshed, "test")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Version)
	assert.False(t, res.Changed)
	assert.Nil(t, event)

	b, err := svc.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, b.PreKeys, 1, "prekeys refreshed in place")
}

func TestUploadRotationBumpsVersion(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Upload(ctx, "alice", bundle("id-a"), "test")
	require.NoError(t, err)

	res, event, err := svc.Upload(ctx, "alice", bundle("id-a-rotated"), "test")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Version)
	assert.True(t, res.Changed)

	require.NotNil(t, event)
	assert.Equal(t, "alice", event.Username)
	assert.Equal(t, 1, event.OldVersion)
	assert.Equal(t, 2, event.NewVersion)
	assert.Equal(t, Fingerprint([]byte("id-a")), event.OldFingerprint)
	assert.Equal(t, Fingerprint([]byte("id-a-rotated")), event.NewFingerprint)
}

func TestUploadValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	t.Run("empty username", func(t *testing.T) {
		_, _, err := svc.Upload(ctx, "   ", bundle("id"), "test")
		assert.ErrorIs(t, err, apperr.ErrEmptyUsername)
	})

	t.Run("missing identity key", func(t *testing.T) {
		b := bundle("id")
		b.IdentityKey = nil
		_, _, err := svc.Upload(ctx, "alice", b, "test")
		assert.ErrorIs(t, err, apperr.ErrEmptyIdentityKey)
	})

	t.Run("no prekeys", func(t *testing.T) {
		b := bundle("id")
		b.PreKeys = nil
		_, _, err := svc.Upload(ctx, "alice", b, "test")
		assert.ErrorIs(t, err, apperr.ErrNoPreKeys)
	})

	t.Run("kyber key of the wrong size", func(t *testing.T) {
		b := bundle("id")
		b.KyberKey = []byte("too short")
		_, _, err := svc.Upload(ctx, "alice", b, "test")
		assert.ErrorIs(t, err, apperr.ErrBadKyberKey)
	})

	t.Run("kyber key of the right size", func(t *testing.T) {
		b := bundle("id")
		b.KyberKey = make([]byte, kyber1024.PublicKeySize)
		_, _, err := svc.Upload(ctx, "alice", b, "test")
		assert.NoError(t, err)
	})
}

// flakyStore injects CAS conflicts to exercise the retry loop.
type flakyStore struct {
	store.Store
	conflicts int
}

func (f *flakyStore) UpdateKeyBundleCAS(ctx context.Context, b *models.KeyBundle, expectVersion int, h *models.KeyHistoryEntry) error {
	if f.conflicts > 0 {
		f.conflicts--
		return store.ErrConflict
	}
	return f.Store.UpdateKeyBundleCAS(ctx, b, expectVersion, h)
}

func TestUploadRetriesVersionRace(t *testing.T) {
	_, st := newTestService(t)
	ctx := context.Background()

	flaky := &flakyStore{Store: st, conflicts: 1}
	svc := NewService(flaky, logger.Nop())

	_, _, err := svc.Upload(ctx, "alice", bundle("id-a"), "test")
	require.NoError(t, err)

	res, _, err := svc.Upload(ctx, "alice", bundle("id-a-rotated"), "test")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Version)
	assert.Equal(t, 0, flaky.conflicts, "conflict consumed by the retry loop")
}

func TestUploadGivesUpAfterRepeatedConflicts(t *testing.T) {
	_, st := newTestService(t)
	ctx := context.Background()

	flaky := &flakyStore{Store: st, conflicts: 100}
	svc := NewService(flaky, logger.Nop())

	_, _, err := svc.Upload(ctx, "alice", bundle("id-a"), "test")
	require.NoError(t, err)

	_, _, err = svc.Upload(ctx, "alice", bundle("id-a-rotated"), "test")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInternal, apperr.CodeOf(err))
}

func TestDiagnose(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Upload(ctx, "alice", bundle("id-a"), "initial")
	require.NoError(t, err)
	_, _, err = svc.Upload(ctx, "alice", bundle("id-a-rotated"), "rotation")
	require.NoError(t, err)

	diag, err := svc.Diagnose(ctx, "Alice")
	require.NoError(t, err)
	assert.Equal(t, 2, diag.CurrentVersion)
	require.Len(t, diag.History, 2)
	assert.Equal(t, "initial", diag.History[0].Source)
	assert.Equal(t, "rotation", diag.History[1].Source)

	_, err = svc.Diagnose(ctx, "nobody")
	assert.ErrorIs(t, err, apperr.ErrBundleNotFound)
}
