// Package keys is the key bundle registry: it stores each user's current
// public key material, assigns monotonically increasing versions, and
// detects rotation by fingerprint comparison. Key material is opaque here;
// nothing in this service can decrypt anything.
package keys

import (
	"context"
	"strings"
	"time"

	"github.com/cloudflare/circl/kem/kyber/kyber1024"

	"gitlab.com/secp/services/keysync/internal/models"
	"gitlab.com/secp/services/keysync/internal/store"
	"gitlab.com/secp/services/keysync/pkg/apperr"
	"gitlab.com/secp/services/keysync/pkg/logger"
)

// casRetries bounds internal retries when two uploads for the same user
// race on version assignment. The conflict is resolved here, never
// surfaced to the client.
const casRetries = 3

type Service struct {
	store store.Store
	log   *logger.Logger
}

func NewService(st store.Store, log *logger.Logger) *Service {
	return &Service{store: st, log: log}
}

// BundleUpload is the client-supplied key material for one upload.
type BundleUpload struct {
	IdentityKey  []byte   `json:"identity_key"`
	SignedPreKey []byte   `json:"signed_prekey"`
	PreKeys      [][]byte `json:"prekeys"`
	KyberKey     []byte   `json:"kyber_key,omitempty"`
}

type UploadResult struct {
	Version int  `json:"version"`
	Changed bool `json:"changed"`
}

// RotationEvent describes a detected key rotation, handed to the detector.
type RotationEvent struct {
	Username       string
	OldVersion     int
	NewVersion     int
	OldFingerprint string
	NewFingerprint string
}

// Canonical lower-cases a username so lookups never need case-insensitive
// matching. All entry points normalize before touching the store.
func Canonical(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func validateBundle(b *BundleUpload) error {
	if len(b.IdentityKey) == 0 {
		return apperr.ErrEmptyIdentityKey
	}
	if len(b.PreKeys) == 0 {
		return apperr.ErrNoPreKeys
	}
	if len(b.KyberKey) > 0 && len(b.KyberKey) != kyber1024.PublicKeySize {
		return apperr.ErrBadKyberKey
	}
	return nil
}

// Upload stores a key bundle and reports whether it constitutes a
// rotation. Re-uploading identical identity key material keeps the version
// and reports changed=false; the first upload is version 1 and also not a
// change. Version assignment is compare-and-set so concurrent uploads for
// one user can never both claim the same new version.
func (s *Service) Upload(ctx context.Context, username string, b *BundleUpload, source string) (*UploadResult, *RotationEvent, error) {
	username = Canonical(username)
	if username == "" {
		return nil, nil, apperr.ErrEmptyUsername
	}
	if err := validateBundle(b); err != nil {
		return nil, nil, err
	}

	newFp := Fingerprint(b.IdentityKey)
	now := time.Now().UTC()

	for attempt := 0; attempt < casRetries; attempt++ {
		prior, err := s.store.GetKeyBundle(ctx, username)
		if err != nil && err != store.ErrNotFound {
			return nil, nil, apperr.Unavailable("key store read failed", err)
		}

		if prior == nil {
			bundle := &models.KeyBundle{
				Username:       username,
				CurrentVersion: 1,
				Fingerprint:    newFp,
				IdentityKey:    b.IdentityKey,
				SignedPreKey:   b.SignedPreKey,
				PreKeys:        b.PreKeys,
				KyberKey:       b.KyberKey,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			err := s.store.InsertKeyBundle(ctx, bundle, historyEntry(username, 1, newFp, source, len(b.PreKeys), now))
			if err == store.ErrDuplicate {
				// Lost the first-upload race; re-read and go through the
				// update path.
				continue
			}
			if err != nil {
				return nil, nil, apperr.Unavailable("key store write failed", err)
			}
			return &UploadResult{Version: 1, Changed: false}, nil, nil
		}

		changed := prior.Fingerprint != newFp
		version := prior.CurrentVersion
		if changed {
			version = prior.CurrentVersion + 1
		}

		bundle := &models.KeyBundle{
			Username:       username,
			CurrentVersion: version,
			Fingerprint:    newFp,
			IdentityKey:    b.IdentityKey,
			SignedPreKey:   b.SignedPreKey,
			PreKeys:        b.PreKeys,
			KyberKey:       b.KyberKey,
			CreatedAt:      prior.CreatedAt,
			UpdatedAt:      now,
		}
		err = s.store.UpdateKeyBundleCAS(ctx, bundle, prior.CurrentVersion, historyEntry(username, version, newFp, source, len(b.PreKeys), now))
		if err == store.ErrConflict {
			s.log.Debug("key upload lost version race, retrying", "username", username, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, nil, apperr.Unavailable("key store write failed", err)
		}

		if !changed {
			return &UploadResult{Version: version, Changed: false}, nil, nil
		}
		return &UploadResult{Version: version, Changed: true}, &RotationEvent{
			Username:       username,
			OldVersion:     prior.CurrentVersion,
			NewVersion:     version,
			OldFingerprint: prior.Fingerprint,
			NewFingerprint: newFp,
		}, nil
	}

	return nil, nil, apperr.Internal("key upload retries exhausted", store.ErrConflict)
}

func historyEntry(username string, version int, fp, source string, prekeys int, at time.Time) *models.KeyHistoryEntry {
	return &models.KeyHistoryEntry{
		Username:    username,
		Version:     version,
		Fingerprint: fp,
		UploadedAt:  at,
		Source:      source,
		PreKeyCount: prekeys,
	}
}

// Get returns the public bundle fields for a user, history excluded.
func (s *Service) Get(ctx context.Context, username string) (*models.KeyBundle, error) {
	b, err := s.store.GetKeyBundle(ctx, Canonical(username))
	if err == store.ErrNotFound {
		return nil, apperr.ErrBundleNotFound
	}
	if err != nil {
		return nil, apperr.Unavailable("key store read failed", err)
	}
	return b, nil
}

// KeyDiagnosis is the admin view of a user's key state.
type KeyDiagnosis struct {
	Username       string                    `json:"username"`
	CurrentVersion int                       `json:"current_version"`
	Fingerprint    string                    `json:"fingerprint"`
	History        []*models.KeyHistoryEntry `json:"history"`
}

// Diagnose returns version, fingerprint and the full upload history.
func (s *Service) Diagnose(ctx context.Context, username string) (*KeyDiagnosis, error) {
	username = Canonical(username)
	b, err := s.Get(ctx, username)
	if err != nil {
		return nil, err
	}
	history, err := s.store.KeyHistory(ctx, username)
	if err != nil {
		return nil, apperr.Unavailable("key history read failed", err)
	}
	return &KeyDiagnosis{
		Username:       b.Username,
		CurrentVersion: b.CurrentVersion,
		Fingerprint:    b.Fingerprint,
		History:        history,
	}, nil
}
