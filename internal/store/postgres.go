// Package store provides storage backends for StagePipe.
//
// This file implements a PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/BTreeMap/StagePipe/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	}
	return err
}

// GetSession retrieves the session for a thread.
func (s *PostgresStore) GetSession(threadID string) (*models.Session, error) {
	sess, err := scanSession(s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE thread_id = $1`, threadID))
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetSession not found", "threadID", threadID)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetSession failed", "error", err, "threadID", threadID)
		return nil, fmt.Errorf("failed to load session %s: %w", threadID, err)
	}
	return &sess, nil
}

// SaveSession upserts a session.
func (s *PostgresStore) SaveSession(session models.Session) error {
	args, err := sessionArgs(session)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (thread_id)
		DO UPDATE SET
			agent_id = EXCLUDED.agent_id,
			current_stage_id = EXCLUDED.current_stage_id,
			previous_stage_id = EXCLUDED.previous_stage_id,
			variables = EXCLUDED.variables,
			stage_history = EXCLUDED.stage_history,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`
	if _, err := s.db.Exec(query, args...); err != nil {
		slog.Error("PostgresStore SaveSession failed", "error", err, "threadID", session.ThreadID)
		return fmt.Errorf("failed to save session %s: %w", session.ThreadID, err)
	}
	slog.Debug("PostgresStore SaveSession succeeded", "threadID", session.ThreadID, "stage", session.CurrentStageID)
	return nil
}

// ListSessions returns every session of an agent, or all sessions when agentID is empty.
func (s *PostgresStore) ListSessions(agentID string) ([]models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []interface{}
	if agentID != "" {
		query += ` WHERE agent_id = $1`
		args = append(args, agentID)
	}
	rows, err := s.db.Query(query+` ORDER BY thread_id`, args...)
	if err != nil {
		slog.Error("PostgresStore ListSessions query failed", "error", err)
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()
	var out []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	return out, nil
}

// ListStages returns an agent's stages sorted by order.
func (s *PostgresStore) ListStages(agentID string) ([]models.Stage, error) {
	rows, err := s.db.Query(`SELECT `+stageColumns+` FROM stages WHERE agent_id = $1 ORDER BY stage_order, id`, agentID)
	if err != nil {
		slog.Error("PostgresStore ListStages query failed", "error", err, "agentID", agentID)
		return nil, fmt.Errorf("failed to query stages for %s: %w", agentID, err)
	}
	defer rows.Close()
	var out []models.Stage
	for rows.Next() {
		st, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stage rows: %w", err)
	}
	return out, nil
}

// SaveStages replaces an agent's stage list in one transaction.
func (s *PostgresStore) SaveStages(agentID string, stages []models.Stage) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin stage transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM stages WHERE agent_id = $1`, agentID); err != nil {
		return fmt.Errorf("failed to clear stages for %s: %w", agentID, err)
	}
	for _, st := range stages {
		args, err := stageArgs(agentID, st)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT INTO stages (`+stageColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, args...); err != nil {
			slog.Error("PostgresStore SaveStages insert failed", "error", err, "agentID", agentID, "stageID", st.ID)
			return fmt.Errorf("failed to insert stage %s: %w", st.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit stages for %s: %w", agentID, err)
	}
	slog.Debug("PostgresStore SaveStages succeeded", "agentID", agentID, "count", len(stages))
	return nil
}

// GetAgent retrieves an agent profile.
func (s *PostgresStore) GetAgent(id string) (*models.Agent, error) {
	a, err := scanAgent(s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetAgent failed", "error", err, "agentID", id)
		return nil, fmt.Errorf("failed to load agent %s: %w", id, err)
	}
	return &a, nil
}

// SaveAgent upserts an agent profile.
func (s *PostgresStore) SaveAgent(agent models.Agent) error {
	args, err := agentArgs(agent)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO agents (` + agentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id)
		DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			name = EXCLUDED.name,
			company = EXCLUDED.company,
			persona = EXCLUDED.persona,
			language = EXCLUDED.language,
			rules = EXCLUDED.rules,
			model_params = EXCLUDED.model_params,
			updated_at = EXCLUDED.updated_at`
	if _, err := s.db.Exec(query, args...); err != nil {
		slog.Error("PostgresStore SaveAgent failed", "error", err, "agentID", agent.ID)
		return fmt.Errorf("failed to save agent %s: %w", agent.ID, err)
	}
	return nil
}

// ListAgents returns all agent profiles.
func (s *PostgresStore) ListAgents() ([]models.Agent, error) {
	rows, err := s.db.Query(`SELECT ` + agentColumns + ` FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()
	var out []models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetCalendarCredential returns the oldest credential owned by ownerID.
func (s *PostgresStore) GetCalendarCredential(ownerID string) (*models.CalendarCredential, error) {
	row := s.db.QueryRow(`SELECT `+credentialColumns+` FROM calendar_credentials WHERE owner_id = $1 ORDER BY created_at LIMIT 1`, ownerID)
	return s.credentialOrNil(row, ownerID)
}

// AnyCalendarCredential returns the oldest credential of any owner.
func (s *PostgresStore) AnyCalendarCredential() (*models.CalendarCredential, error) {
	row := s.db.QueryRow(`SELECT ` + credentialColumns + ` FROM calendar_credentials ORDER BY created_at LIMIT 1`)
	return s.credentialOrNil(row, "")
}

func (s *PostgresStore) credentialOrNil(row *sql.Row, ownerID string) (*models.CalendarCredential, error) {
	c, err := scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore credential lookup failed", "error", err, "ownerID", ownerID)
		return nil, fmt.Errorf("failed to load calendar credential: %w", err)
	}
	return &c, nil
}

// SaveCalendarCredential upserts a calendar credential.
func (s *PostgresStore) SaveCalendarCredential(cred models.CalendarCredential) error {
	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now()
	}
	query := `
		INSERT INTO calendar_credentials (` + credentialColumns + `)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id)
		DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			calendar_id = EXCLUDED.calendar_id,
			credentials_json = EXCLUDED.credentials_json`
	if _, err := s.db.Exec(query, cred.ID, cred.OwnerID, cred.CalendarID, cred.CredentialsJSON, cred.CreatedAt); err != nil {
		slog.Error("PostgresStore SaveCalendarCredential failed", "error", err, "ownerID", cred.OwnerID)
		return fmt.Errorf("failed to save calendar credential: %w", err)
	}
	return nil
}
