// Package attachments hands out pre-signed S3 URLs for encrypted media
// blobs attached to direct messages. Blobs are ciphertext produced on the
// client; this service moves bytes it cannot read.
package attachments

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"gitlab.com/secp/services/keysync/config"
	"gitlab.com/secp/services/keysync/internal/keys"
	"gitlab.com/secp/services/keysync/internal/models"
	"gitlab.com/secp/services/keysync/internal/store"
	"gitlab.com/secp/services/keysync/pkg/apperr"
	"gitlab.com/secp/services/keysync/pkg/logger"
)

const (
	uploadURLTTL   = 15 * time.Minute
	downloadURLTTL = time.Hour
	maxBlobSize    = 64 << 20 // 64 MiB
)

type Service struct {
	client *minio.Client
	bucket string
	store  store.Store
	log    *logger.Logger
}

// NewService returns nil when S3 is disabled in config; the API then
// rejects attachment calls with a clear error instead of half-working.
func NewService(cfg *config.Config, st store.Store, log *logger.Logger) (*Service, error) {
	if !cfg.S3.Enabled {
		return nil, nil
	}

	client, err := minio.New(cfg.S3.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3.AccessKey, cfg.S3.SecretKey, ""),
		Secure: cfg.S3.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	s := &Service{client: client, bucket: cfg.S3.Bucket, store: st, log: log}
	if err := s.ensureBucket(context.Background(), cfg.S3.Region); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket: %w", err)
	}
	return s, nil
}

func (s *Service) ensureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
			return err
		}
		s.log.Info("created attachment bucket", "bucket", s.bucket)
	}
	return nil
}

type UploadGrant struct {
	AttachmentID uuid.UUID `json:"attachment_id"`
	UploadURL    string    `json:"upload_url"`
	StorageKey   string    `json:"storage_key"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type DownloadGrant struct {
	DownloadURL string    `json:"download_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// GrantUpload records the attachment metadata and returns a pre-signed
// PUT URL for the encrypted blob.
func (s *Service) GrantUpload(ctx context.Context, uploader string, messageID *uuid.UUID, fileSize int64) (*UploadGrant, error) {
	uploader = keys.Canonical(uploader)
	if uploader == "" {
		return nil, apperr.ErrEmptyUsername
	}
	if fileSize <= 0 || fileSize > maxBlobSize {
		return nil, apperr.Invalid(fmt.Sprintf("file size must be 1..%d bytes", maxBlobSize))
	}

	id := uuid.New()
	storageKey := fmt.Sprintf("attachments/%s/%s", uploader, id.String())

	presigned, err := s.client.PresignedPutObject(ctx, s.bucket, storageKey, uploadURLTTL)
	if err != nil {
		return nil, apperr.Unavailable("failed to presign upload", err)
	}

	a := &models.Attachment{
		ID:         id,
		MessageID:  messageID,
		Uploader:   uploader,
		StorageKey: storageKey,
		FileSize:   fileSize,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.InsertAttachment(ctx, a); err != nil {
		return nil, apperr.Unavailable("attachment store write failed", err)
	}

	return &UploadGrant{
		AttachmentID: id,
		UploadURL:    presigned.String(),
		StorageKey:   storageKey,
		ExpiresAt:    time.Now().Add(uploadURLTTL),
	}, nil
}

// GrantDownload returns a pre-signed GET URL for a stored blob.
func (s *Service) GrantDownload(ctx context.Context, attachmentID uuid.UUID) (*DownloadGrant, error) {
	a, err := s.store.GetAttachment(ctx, attachmentID)
	if err == store.ErrNotFound {
		return nil, apperr.ErrAttachmentNotFound
	}
	if err != nil {
		return nil, apperr.Unavailable("attachment store read failed", err)
	}

	presigned, err := s.client.PresignedGetObject(ctx, s.bucket, a.StorageKey, downloadURLTTL, nil)
	if err != nil {
		return nil, apperr.Unavailable("failed to presign download", err)
	}
	return &DownloadGrant{
		DownloadURL: presigned.String(),
		ExpiresAt:   time.Now().Add(downloadURLTTL),
	}, nil
}
