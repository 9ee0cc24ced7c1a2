package messaging

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/StagePipe/internal/models"
	"github.com/BTreeMap/StagePipe/internal/twiliowhatsapp"
)

// KindTwilio names the Twilio transport.
const KindTwilio = "twilio"

// TwilioService implements Service over the Twilio API. Inbound messages
// arrive through Deliver, called by the webhook handler.
type TwilioService struct {
	client twiliowhatsapp.Sender
	in     *inbox
}

// NewTwilioService creates a TwilioService around client.
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{client: client, in: newInbox("TwilioService")}
}

// Kind returns KindTwilio.
func (s *TwilioService) Kind() string { return KindTwilio }

// ValidateAndCanonicalizeRecipient validates and canonicalizes a phone number.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalPhone(recipient)
}

// Start is a no-op; inbound traffic is pushed by the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the inbound channel.
func (s *TwilioService) Stop() error {
	s.in.close()
	slog.Info("TwilioService stopped")
	return nil
}

// SendMessage sends a message via Twilio.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	if s.in.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return err
	}
	return s.client.SendMessage(ctx, canonicalTo, body)
}

// Deliver queues a webhook message for the dispatcher.
func (s *TwilioService) Deliver(msg models.InboundMessage) error {
	return s.in.deliver(msg)
}

// Responses returns the inbound channel.
func (s *TwilioService) Responses() <-chan models.InboundMessage {
	return s.in.responses
}

var _ Service = (*TwilioService)(nil)
