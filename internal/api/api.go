// Package api provides the HTTP server for StagePipe.
//
// It exposes turn processing, session and stage inspection, the Twilio
// WhatsApp webhook, Prometheus metrics and a health check.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BTreeMap/StagePipe/internal/flow"
	"github.com/BTreeMap/StagePipe/internal/messaging"
	"github.com/BTreeMap/StagePipe/internal/models"
	"github.com/BTreeMap/StagePipe/internal/store"
	"github.com/BTreeMap/StagePipe/internal/twiliowhatsapp"
)

// Default server settings.
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	maxBodyBytes           = 1 << 20
)

// TurnHandler runs one conversation turn.
type TurnHandler interface {
	HandleTurn(ctx context.Context, req models.TurnRequest) (models.TurnResult, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr      string
	Gatherer  prometheus.Gatherer
	Twilio    *messaging.TwilioService
	Verifier  *twiliowhatsapp.WebhookVerifier
	PublicURL string // externally visible base URL, used to verify Twilio signatures
	Clock     func() time.Time
}

// Option defines a function that configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithGatherer sets the registry served at /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(o *Opts) { o.Gatherer = g }
}

// WithTwilioWebhook enables POST /v1/webhooks/twilio. A nil verifier skips
// signature checks.
func WithTwilioWebhook(svc *messaging.TwilioService, verifier *twiliowhatsapp.WebhookVerifier, publicURL string) Option {
	return func(o *Opts) {
		o.Twilio = svc
		o.Verifier = verifier
		o.PublicURL = publicURL
	}
}

// WithClock overrides time.Now for webhook timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) { o.Clock = clock }
}

// Server serves the StagePipe HTTP API.
type Server struct {
	turns    TurnHandler
	sessions store.SessionRepo
	stages   *flow.StageRegistry
	validate *validator.Validate
	opts     Opts
}

// NewServer creates a server over the engine, the session store and the stage registry.
func NewServer(turns TurnHandler, sessions store.SessionRepo, stages *flow.StageRegistry, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, Gatherer: prometheus.DefaultGatherer, Clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		turns:    turns,
		sessions: sessions,
		stages:   stages,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		opts:     cfg,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/turns", s.turnHandler)
	mux.HandleFunc("GET /v1/sessions/{threadID}", s.sessionHandler)
	mux.HandleFunc("GET /v1/agents/{agentID}/stages", s.listStagesHandler)
	mux.HandleFunc("PUT /v1/agents/{agentID}/stages", s.replaceStagesHandler)
	if s.opts.Twilio != nil {
		mux.HandleFunc("POST /v1/webhooks/twilio", s.twilioWebhookHandler)
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", s.healthHandler)
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown failed: %w", err)
	}
	return nil
}
