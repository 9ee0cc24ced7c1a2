package messaging

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/StagePipe/internal/models"
	"github.com/BTreeMap/StagePipe/internal/whatsapp"
)

// KindWhatsApp names the linked-device transport.
const KindWhatsApp = "whatsapp"

// WhatsAppService implements Service using the whatsmeow client.
type WhatsAppService struct {
	client   whatsapp.Sender
	waClient *whatsapp.Client // set when client can receive events
	in       *inbox
}

// NewWhatsAppService creates a new WhatsAppService wrapping client.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	s := &WhatsAppService{client: client, in: newInbox("WhatsAppService")}
	if waClient, ok := client.(*whatsapp.Client); ok {
		s.waClient = waClient
	}
	return s
}

// Kind returns KindWhatsApp.
func (s *WhatsAppService) Kind() string { return KindWhatsApp }

// ValidateAndCanonicalizeRecipient validates and canonicalizes a phone number.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalPhone(recipient)
}

// Start registers the inbound event handler when a live client is available.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil {
		slog.Debug("WhatsAppService no live client, skipping event handling")
		return nil
	}
	s.waClient.OnMessage(func(msg models.InboundMessage) {
		if err := s.in.deliver(msg); err != nil {
			slog.Warn("WhatsAppService failed to queue inbound message", "from", msg.From, "error", err)
		}
	})
	slog.Debug("WhatsAppService event handler registered")
	return nil
}

// Stop closes the inbound channel.
func (s *WhatsAppService) Stop() error {
	s.in.close()
	slog.Info("WhatsAppService stopped")
	return nil
}

// SendMessage sends a message through the linked device.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	if s.in.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", canonicalTo)
		return err
	}
	return nil
}

// Deliver queues a message as if it arrived from the device.
func (s *WhatsAppService) Deliver(msg models.InboundMessage) error {
	return s.in.deliver(msg)
}

// Responses returns the inbound channel.
func (s *WhatsAppService) Responses() <-chan models.InboundMessage {
	return s.in.responses
}

var _ Service = (*WhatsAppService)(nil)
