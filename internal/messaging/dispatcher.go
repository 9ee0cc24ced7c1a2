package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/StagePipe/internal/models"
	"github.com/BTreeMap/StagePipe/internal/store"
)

// TurnHandler runs one conversation turn.
type TurnHandler interface {
	HandleTurn(ctx context.Context, req models.TurnRequest) (models.TurnResult, error)
}

// ReplyPayload is the outbox payload of a reply.
type ReplyPayload struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// DefaultErrorReply is queued when a turn fails before producing a reply.
const DefaultErrorReply = "Desculpe, não consegui processar sua mensagem agora. Pode tentar de novo em instantes?"

// Dispatcher routes inbound messages from every registered transport through
// the turn handler and queues the replies in the outbox.
type Dispatcher struct {
	handler    TurnHandler
	outbox     store.OutboxRepo
	agentID    string
	errorReply string

	mu       sync.RWMutex
	services map[string]Service
	wg       sync.WaitGroup
}

// DispatcherOpts configures a Dispatcher.
type DispatcherOpts struct {
	ErrorReply string
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*DispatcherOpts)

// WithErrorReply overrides DefaultErrorReply.
func WithErrorReply(reply string) DispatcherOption {
	return func(o *DispatcherOpts) { o.ErrorReply = reply }
}

// NewDispatcher creates a dispatcher answering as agentID.
func NewDispatcher(handler TurnHandler, outbox store.OutboxRepo, agentID string, opts ...DispatcherOption) *Dispatcher {
	cfg := DispatcherOpts{ErrorReply: DefaultErrorReply}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Dispatcher{
		handler:    handler,
		outbox:     outbox,
		agentID:    agentID,
		errorReply: cfg.ErrorReply,
		services:   make(map[string]Service),
	}
}

// Register adds a transport. Registering a kind twice replaces the earlier one.
func (d *Dispatcher) Register(svc Service) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.services[svc.Kind()] = svc
	slog.Debug("Dispatcher transport registered", "kind", svc.Kind())
}

func (d *Dispatcher) service(kind string) (Service, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	svc, ok := d.services[kind]
	return svc, ok
}

// ThreadID returns the engine thread for a sender on this agent.
func (d *Dispatcher) ThreadID(sender string) string {
	return d.agentID + ":" + sender
}

// Start starts every transport and consumes its inbound channel until ctx is
// done or the transport is stopped. Wait blocks until the consumers exit.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.RLock()
	services := make([]Service, 0, len(d.services))
	for _, svc := range d.services {
		services = append(services, svc)
	}
	d.mu.RUnlock()

	for _, svc := range services {
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start %s transport: %w", svc.Kind(), err)
		}
		d.wg.Add(1)
		go d.consume(ctx, svc)
	}
	slog.Info("Dispatcher started", "transports", len(services))
	return nil
}

// Wait blocks until every consumer goroutine has exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) consume(ctx context.Context, svc Service) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-svc.Responses():
			if !ok {
				return
			}
			if err := d.Process(ctx, svc.Kind(), msg); err != nil {
				slog.Error("Dispatcher failed to process message", "kind", svc.Kind(), "from", msg.From, "error", err)
			}
		}
	}
}

// Process runs a turn for msg and queues the reply for the transport named kind.
// Redelivered messages are answered once.
func (d *Dispatcher) Process(ctx context.Context, kind string, msg models.InboundMessage) error {
	svc, ok := d.service(kind)
	if !ok {
		return fmt.Errorf("unknown transport %q", kind)
	}
	from, err := svc.ValidateAndCanonicalizeRecipient(msg.From)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	threadID := d.ThreadID(from)

	res, err := d.handler.HandleTurn(ctx, models.TurnRequest{
		ThreadID:  threadID,
		AgentID:   d.agentID,
		Message:   msg.Body,
		MessageID: msg.MessageID,
	})
	if err != nil {
		if errors.Is(err, models.ErrEmptyMessage) {
			slog.Debug("Dispatcher ignoring empty message", "threadID", threadID)
			return nil
		}
		slog.Error("Dispatcher turn failed, queueing error reply", "threadID", threadID, "error", err)
		if qerr := d.enqueue(threadID, kind, from, d.errorReply, dedupeKey("error", msg.MessageID)); qerr != nil {
			return fmt.Errorf("turn failed (%v) and error reply could not be queued: %w", err, qerr)
		}
		return fmt.Errorf("turn failed: %w", err)
	}
	if res.Duplicate {
		slog.Info("Dispatcher duplicate message, reply already queued", "threadID", threadID, "messageID", msg.MessageID)
		return nil
	}
	return d.enqueue(threadID, kind, from, res.Reply, dedupeKey("reply", msg.MessageID))
}

func dedupeKey(prefix, messageID string) string {
	if messageID == "" {
		return ""
	}
	return prefix + ":" + messageID
}

func (d *Dispatcher) enqueue(threadID, kind, to, body, key string) error {
	payload, err := json.Marshal(ReplyPayload{To: to, Body: body})
	if err != nil {
		return fmt.Errorf("failed to encode reply: %w", err)
	}
	id, err := d.outbox.EnqueueOutboxMessage(threadID, kind, string(payload), key)
	if err != nil {
		return fmt.Errorf("failed to queue reply for %s: %w", threadID, err)
	}
	slog.Debug("Dispatcher reply queued", "threadID", threadID, "kind", kind, "outboxID", id)
	return nil
}

// Send delivers an outbox message through its transport. It is the send
// function of the store.OutboxSender.
func (d *Dispatcher) Send(ctx context.Context, msg store.OutboxMessage) error {
	svc, ok := d.service(msg.Kind)
	if !ok {
		return fmt.Errorf("no transport registered for %q", msg.Kind)
	}
	var payload ReplyPayload
	if err := json.Unmarshal([]byte(msg.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("invalid outbox payload %s: %w", msg.ID, err)
	}
	return svc.SendMessage(ctx, payload.To, payload.Body)
}
