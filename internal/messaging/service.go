// Package messaging connects WhatsApp transports to the conversation engine.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/BTreeMap/StagePipe/internal/models"
)

const (
	// DefaultChannelBufferSize defines the buffer size of inbound message channels.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an inbound message waits for buffer space.
	DefaultChannelTimeout = 1 * time.Second
)

var (
	// ErrServiceStopped is returned when a stopped service is used.
	ErrServiceStopped = errors.New("messaging service stopped")
	// ErrInboxFull is returned when an inbound message could not be queued in time.
	ErrInboxFull = errors.New("inbound channel full")
)

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable message transport.
type Service interface {
	// Kind names the transport; outbox messages carry it to pick the sender.
	Kind() string

	// ValidateAndCanonicalizeRecipient validates a phone number and returns it
	// as "+<digits>".
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing.
	Start(ctx context.Context) error

	// Stop stops background processing and closes Responses.
	Stop() error

	// Responses returns a channel of incoming user messages.
	Responses() <-chan models.InboundMessage
}

// canonicalPhone strips everything but digits and requires at least six of them.
func canonicalPhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	digits := phoneNumberRegex.ReplaceAllString(recipient, "")
	if digits == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(digits) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", digits)
	}
	return "+" + digits, nil
}

// inbox is the inbound channel shared by the transport services.
type inbox struct {
	name      string
	responses chan models.InboundMessage
	mu        sync.RWMutex
	stopped   bool
}

func newInbox(name string) *inbox {
	return &inbox{name: name, responses: make(chan models.InboundMessage, DefaultChannelBufferSize)}
}

// deliver queues msg, waiting at most DefaultChannelTimeout for space.
func (b *inbox) deliver(msg models.InboundMessage) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		return ErrServiceStopped
	}
	select {
	case b.responses <- msg:
		slog.Debug(b.name+": inbound message queued", "from", msg.From, "messageID", msg.MessageID)
		return nil
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(b.name+": inbound channel blocked, dropping message", "from", msg.From, "timeout", DefaultChannelTimeout)
		return ErrInboxFull
	}
}

func (b *inbox) isStopped() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stopped
}

// close stops accepting messages and closes the channel once.
func (b *inbox) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	close(b.responses)
}
