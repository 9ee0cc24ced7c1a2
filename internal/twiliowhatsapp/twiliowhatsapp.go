// Package twiliowhatsapp wraps the Twilio API for the WhatsApp channel: sending
// replies and validating and decoding inbound webhooks.
package twiliowhatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/StagePipe/internal/models"
)

// SignatureHeader carries the Twilio request signature.
const SignatureHeader = "X-Twilio-Signature"

const channelPrefix = "whatsapp:"

var (
	// ErrInvalidSignature is returned when a webhook signature does not verify.
	ErrInvalidSignature = errors.New("invalid twilio signature")
	// ErrNotAMessage is returned for webhooks that carry no message body, such as status callbacks.
	ErrNotAMessage = errors.New("webhook carries no inbound message")
)

// Sender sends a WhatsApp text message.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token, also used to verify webhooks.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending number, with or without the "whatsapp:" prefix.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Client wraps Twilio REST API for WhatsApp
type Client struct {
	api       messageCreator
	fromWhats string // "whatsapp:+1234567890"
}

// NewClient creates a client. Missing options fall back to TWILIO_ACCOUNT_SID,
// TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
func NewClient(opts ...Option) (*Client, error) {
	cfg := resolveOpts(opts...)
	slog.Debug("twiliowhatsapp.NewClient: config loaded",
		"accountSIDSet", cfg.AccountSID != "",
		"authTokenSet", cfg.AuthToken != "",
		"fromSet", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Client{api: rest.Api, fromWhats: withChannelPrefix(cfg.FromWhats)}, nil
}

func resolveOpts(opts ...Option) Opts {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	return cfg
}

// SendMessage sends a WhatsApp message using Twilio API. to is a bare E.164 number.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if to == "" {
		return fmt.Errorf("recipient cannot be empty")
	}
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("message body cannot be empty")
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(withChannelPrefix(to))
	params.SetFrom(c.fromWhats)
	params.SetBody(body)

	if _, err := c.api.CreateMessage(params); err != nil {
		slog.Error("twiliowhatsapp.Client.SendMessage: send failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("twiliowhatsapp.Client.SendMessage: sent", "to", to, "bodyLength", len(body))
	return nil
}

func withChannelPrefix(number string) string {
	if strings.HasPrefix(number, channelPrefix) {
		return number
	}
	return channelPrefix + number
}

// WebhookVerifier checks X-Twilio-Signature values against the auth token.
type WebhookVerifier struct {
	validator twclient.RequestValidator
}

// NewWebhookVerifier creates a verifier for authToken.
func NewWebhookVerifier(authToken string) *WebhookVerifier {
	return &WebhookVerifier{validator: twclient.NewRequestValidator(authToken)}
}

// Verify reports an error unless signature matches the full public URL and
// the posted form.
func (v *WebhookVerifier) Verify(fullURL string, form url.Values, signature string) error {
	params := make(map[string]string, len(form))
	for k := range form {
		params[k] = form.Get(k)
	}
	if signature == "" || !v.validator.Validate(fullURL, params, signature) {
		return ErrInvalidSignature
	}
	return nil
}

// ParseWebhook converts an inbound Twilio WhatsApp webhook form into a message.
func ParseWebhook(form url.Values, received time.Time) (models.InboundMessage, error) {
	body := strings.TrimSpace(form.Get("Body"))
	from := strings.TrimPrefix(form.Get("From"), channelPrefix)
	if body == "" || from == "" {
		return models.InboundMessage{}, ErrNotAMessage
	}
	id := form.Get("MessageSid")
	if id == "" {
		id = form.Get("SmsMessageSid")
	}
	return models.InboundMessage{
		From:      from,
		Body:      body,
		MessageID: id,
		Time:      received.Unix(),
	}, nil
}

// MockClient records sent messages.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	Err          error
}

// SentMessage is a message captured by MockClient.
type SentMessage struct {
	To   string
	Body string
}

// NewMockClient returns an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// SendMessage records the message, or returns Err when set.
func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return nil
}

// Sent returns a copy of the recorded messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMessages...)
}

var (
	_ Sender = (*Client)(nil)
	_ Sender = (*MockClient)(nil)
)
