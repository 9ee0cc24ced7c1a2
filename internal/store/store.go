// Package store provides storage backends for StagePipe.
//
// Sessions, stage definitions, agent profiles, calendar credentials, inbound
// dedup records and the reply outbox share one Store so a deployment picks a
// single backend: in-memory, SQLite or PostgreSQL. Lookups that find nothing
// return a nil pointer and a nil error.
package store

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/StagePipe/internal/models"
)

// SessionRepo persists per-thread conversation state.
type SessionRepo interface {
	GetSession(threadID string) (*models.Session, error)
	// SaveSession upserts the whole session in a single statement.
	SaveSession(session models.Session) error
	ListSessions(agentID string) ([]models.Session, error)
}

// StageRepo persists an agent's ordered stage definitions.
type StageRepo interface {
	// ListStages returns the agent's stages sorted by order; empty when none exist.
	ListStages(agentID string) ([]models.Stage, error)
	// SaveStages replaces the agent's full stage list.
	SaveStages(agentID string, stages []models.Stage) error
}

// AgentRepo persists agent profiles.
type AgentRepo interface {
	GetAgent(id string) (*models.Agent, error)
	SaveAgent(agent models.Agent) error
	ListAgents() ([]models.Agent, error)
}

// CredentialRepo persists calendar credentials.
type CredentialRepo interface {
	// GetCalendarCredential returns the oldest credential owned by ownerID.
	GetCalendarCredential(ownerID string) (*models.CalendarCredential, error)
	// AnyCalendarCredential returns the oldest credential of any owner.
	AnyCalendarCredential() (*models.CalendarCredential, error)
	SaveCalendarCredential(cred models.CalendarCredential) error
}

// Store is the full persistence surface.
type Store interface {
	SessionRepo
	StageRepo
	AgentRepo
	CredentialRepo
	DedupRepo
	OutboxRepo
	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN  string
	Type string // "postgres", "sqlite3" or "" for in-memory
}

// Option defines a function that configures store options.
type Option func(*Opts)

// WithPostgresDSN selects the PostgreSQL backend.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Type = "postgres"
	}
}

// WithSQLiteDSN selects the SQLite backend.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Type = "sqlite3"
	}
}

// DetectDSNType returns "postgres" for URL-style or key=value PostgreSQL
// connection strings and "sqlite3" for anything else.
func DetectDSNType(dsn string) string {
	trimmed := strings.TrimSpace(dsn)
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(trimmed, "host=") || strings.Contains(trimmed, "dbname=") ||
		(strings.Contains(trimmed, "user=") && strings.Contains(trimmed, " ")) {
		return "postgres"
	}
	return "sqlite3"
}

// New opens the backend selected by opts. Without a DSN it returns an
// in-memory store.
func New(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	switch {
	case cfg.DSN == "":
		slog.Debug("store.New: no DSN provided, using in-memory store")
		return NewInMemoryStore(), nil
	case cfg.Type == "postgres":
		return NewPostgresStore(opts...)
	case cfg.Type == "sqlite3":
		return NewSQLiteStore(opts...)
	default:
		return nil, fmt.Errorf("unsupported store type %q", cfg.Type)
	}
}
