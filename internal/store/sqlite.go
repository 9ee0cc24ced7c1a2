// Package store provides storage backends for StagePipe.
//
// This file implements an SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/BTreeMap/StagePipe/internal/models"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
			slog.Error("Failed to create database directory", "error", err, "dir", dir)
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		slog.Debug("SQLite database directory verified/created", "dir", dir)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One writer avoids SQLITE_BUSY between concurrent turns on different threads.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

// GetSession retrieves the session for a thread.
func (s *SQLiteStore) GetSession(threadID string) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE thread_id = ?`, threadID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetSession not found", "threadID", threadID)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetSession failed", "error", err, "threadID", threadID)
		return nil, fmt.Errorf("failed to load session %s: %w", threadID, err)
	}
	return &sess, nil
}

// SaveSession stores or updates a session.
func (s *SQLiteStore) SaveSession(session models.Session) error {
	args, err := sessionArgs(session)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		slog.Error("SQLiteStore SaveSession failed", "error", err, "threadID", session.ThreadID)
		return fmt.Errorf("failed to save session %s: %w", session.ThreadID, err)
	}
	slog.Debug("SQLiteStore SaveSession succeeded", "threadID", session.ThreadID, "stage", session.CurrentStageID)
	return nil
}

// ListSessions returns every session of an agent, or all sessions when agentID is empty.
func (s *SQLiteStore) ListSessions(agentID string) ([]models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []interface{}
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	rows, err := s.db.Query(query+` ORDER BY thread_id`, args...)
	if err != nil {
		slog.Error("SQLiteStore ListSessions query failed", "error", err)
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
func (s *SQLiteStore) ListStages(agentID string) ([]models.Stage, error) {
	rows, err := s.db.Query(`SELECT `+stageColumns+` FROM stages WHERE agent_id = ? ORDER BY stage_order, id`, agentID)
	if err != nil {
		slog.Error("SQLiteStore ListStages query failed", "error", err, "agentID", agentID)
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
func (s *SQLiteStore) SaveStages(agentID string, stages []models.Stage) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin stage transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM stages WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("failed to clear stages for %s: %w", agentID, err)
	}
	for _, st := range stages {
		args, err := stageArgs(agentID, st)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT INTO stages (`+stageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, args...); err != nil {
			slog.Error("SQLiteStore SaveStages insert failed", "error", err, "agentID", agentID, "stageID", st.ID)
			return fmt.Errorf("failed to insert stage %s: %w", st.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit stages for %s: %w", agentID, err)
	}
	slog.Debug("SQLiteStore SaveStages succeeded", "agentID", agentID, "count", len(stages))
	return nil
}

// GetAgent retrieves an agent profile.
func (s *SQLiteStore) GetAgent(id string) (*models.Agent, error) {
	a, err := scanAgent(s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetAgent failed", "error", err, "agentID", id)
		return nil, fmt.Errorf("failed to load agent %s: %w", id, err)
	}
	return &a, nil
}

// SaveAgent stores or updates an agent profile.
func (s *SQLiteStore) SaveAgent(agent models.Agent) error {
	args, err := agentArgs(agent)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(`INSERT OR REPLACE INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...); err != nil {
		slog.Error("SQLiteStore SaveAgent failed", "error", err, "agentID", agent.ID)
		return fmt.Errorf("failed to save agent %s: %w", agent.ID, err)
	}
	return nil
}

// ListAgents returns all agent profiles.
func (s *SQLiteStore) ListAgents() ([]models.Agent, error) {
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
func (s *SQLiteStore) GetCalendarCredential(ownerID string) (*models.CalendarCredential, error) {
	row := s.db.QueryRow(`SELECT `+credentialColumns+` FROM calendar_credentials WHERE owner_id = ? ORDER BY created_at LIMIT 1`, ownerID)
	return s.credentialOrNil(row, ownerID)
}

// AnyCalendarCredential returns the oldest credential of any owner.
func (s *SQLiteStore) AnyCalendarCredential() (*models.CalendarCredential, error) {
	row := s.db.QueryRow(`SELECT ` + credentialColumns + ` FROM calendar_credentials ORDER BY created_at LIMIT 1`)
	return s.credentialOrNil(row, "")
}

func (s *SQLiteStore) credentialOrNil(row *sql.Row, ownerID string) (*models.CalendarCredential, error) {
	c, err := scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore credential lookup failed", "error", err, "ownerID", ownerID)
		return nil, fmt.Errorf("failed to load calendar credential: %w", err)
	}
	return &c, nil
}

// SaveCalendarCredential stores or updates a calendar credential.
func (s *SQLiteStore) SaveCalendarCredential(cred models.CalendarCredential) error {
	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO calendar_credentials (`+credentialColumns+`) VALUES (?, ?, ?, ?, ?)`,
		cred.ID, cred.OwnerID, cred.CalendarID, cred.CredentialsJSON, cred.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveCalendarCredential failed", "error", err, "ownerID", cred.OwnerID)
		return fmt.Errorf("failed to save calendar credential: %w", err)
	}
	return nil
}
