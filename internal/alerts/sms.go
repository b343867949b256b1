// Package alerts nudges offline senders over SMS when a rotation leaves
// their messages undeliverable. Entirely optional: no Twilio credentials,
// no nudges, and the poll path is unaffected.
package alerts

import (
	"context"
	"fmt"

	"github.com/twilio/twilio-go"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"

	"gitlab.com/secp/services/keysync/config"
	"gitlab.com/secp/services/keysync/internal/store"
	"gitlab.com/secp/services/keysync/pkg/logger"
)

type SMSNotifier struct {
	client *twilio.RestClient
	from   string
	store  store.Store
	log    *logger.Logger
}

// NewSMSNotifier returns nil when Twilio is not configured; callers treat
// a nil notifier as "no alerting".
func NewSMSNotifier(cfg *config.Config, st store.Store, log *logger.Logger) *SMSNotifier {
	if !cfg.Twilio.Enabled || cfg.Twilio.AccountSID == "" || cfg.Twilio.AuthToken == "" || cfg.Twilio.FromNumber == "" {
		return nil
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.Twilio.AccountSID,
		Password: cfg.Twilio.AuthToken,
	})
	return &SMSNotifier{client: client, from: cfg.Twilio.FromNumber, store: st, log: log}
}

// SendRotationNudge texts the sender that messages await re-encryption.
// The message body names no counterparty and no content; the phone
// channel learns only that the user should open the app.
func (n *SMSNotifier) SendRotationNudge(ctx context.Context, username string, affectedMessages int) error {
	phone, err := n.store.GetUserPhone(ctx, username)
	if err == store.ErrNotFound {
		return nil // no number on file is normal
	}
	if err != nil {
		return err
	}
	if !phone.Verified {
		return nil
	}

	body := fmt.Sprintf("You have %d secure message(s) that need attention. Open the app to resend them.", affectedMessages)
	params := &twilioapi.CreateMessageParams{}
	params.SetTo(phone.PhoneE164)
	params.SetFrom(n.from)
	params.SetBody(body)

	if _, err := n.client.Api.CreateMessage(params); err != nil {
		return err
	}
	n.log.Info("sms nudge sent", "username", username)
	return nil
}
