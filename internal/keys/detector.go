package keys

import (
	"context"
	"time"
)

// Notifier receives detected rotations. Implemented by the rotation
// service; an interface here keeps the dependency one-directional.
type Notifier interface {
	NotifyRotation(ctx context.Context, recipient string, oldVersion, newVersion int, oldFingerprint, newFingerprint string) error
}

// notifyTimeout bounds the background rotation scan kicked off by an
// upload. Generous: the scan pages through the whole undelivered backlog.
const notifyTimeout = 2 * time.Minute

// Detector wraps the registry's Upload and drives the re-encryption
// notifier when an upload turns out to be a rotation. The notifier runs
// detached from the request: the upload succeeds even if notification
// creation fails, but such a failure is loud in the logs because a missed
// notification means permanently undeliverable messages.
type Detector struct {
	svc      *Service
	notifier Notifier
}

func NewDetector(svc *Service, notifier Notifier) *Detector {
	return &Detector{svc: svc, notifier: notifier}
}

func (d *Detector) Upload(ctx context.Context, username string, b *BundleUpload, source string) (*UploadResult, error) {
	res, event, err := d.svc.Upload(ctx, username, b, source)
	if err != nil {
		return nil, err
	}
	if event != nil && d.notifier != nil {
		go d.dispatch(*event)
	}
	return res, nil
}

func (d *Detector) dispatch(ev RotationEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	d.svc.log.Info("key rotation detected",
		"username", ev.Username,
		"old_version", ev.OldVersion,
		"new_version", ev.NewVersion,
		"old_fingerprint", ev.OldFingerprint,
		"new_fingerprint", ev.NewFingerprint,
	)

	err := d.notifier.NotifyRotation(ctx, ev.Username, ev.OldVersion, ev.NewVersion, ev.OldFingerprint, ev.NewFingerprint)
	if err != nil {
		// Do not swallow: without the notification the affected messages
		// stay undecryptable until an admin forces a re-encrypt.
		d.svc.log.Error("rotation notification failed",
			"username", ev.Username,
			"new_version", ev.NewVersion,
			"err", err,
		)
	}
}
