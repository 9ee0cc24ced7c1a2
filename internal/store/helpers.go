package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/StagePipe/internal/models"
)

// Column lists shared by the SQL backends; scan helpers read them in this order.
const (
	sessionColumns    = `thread_id, agent_id, current_stage_id, previous_stage_id, variables, stage_history, status, created_at, updated_at`
	stageColumns      = `id, agent_id, name, stage_order, type, required_variables, instructions, entry_condition`
	agentColumns      = `id, owner_id, name, company, persona, language, rules, model_params, created_at, updated_at`
	credentialColumns = `id, owner_id, calendar_id, credentials_json, created_at`
	outboxColumns     = `id, thread_id, kind, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func encodeJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode column: %w", err)
	}
	return string(b), nil
}

func decodeJSON(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode column: %w", err)
	}
	return nil
}

// sessionArgs returns the session's column values in sessionColumns order.
func sessionArgs(s models.Session) ([]interface{}, error) {
	vars, err := encodeJSON(s.Variables)
	if err != nil {
		return nil, err
	}
	history := s.StageHistory
	if history == nil {
		history = []string{}
	}
	hist, err := encodeJSON(history)
	if err != nil {
		return nil, err
	}
	return []interface{}{s.ThreadID, s.AgentID, s.CurrentStageID, s.PreviousStageID, vars, hist, string(s.Status), s.CreatedAt, s.UpdatedAt}, nil
}

func scanSession(row rowScanner) (models.Session, error) {
	var s models.Session
	var vars, history []byte
	var status string
	if err := row.Scan(&s.ThreadID, &s.AgentID, &s.CurrentStageID, &s.PreviousStageID, &vars, &history, &status, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return s, err
	}
	s.Status = models.SessionStatus(status)
	if err := decodeJSON(vars, &s.Variables); err != nil {
		return s, fmt.Errorf("session %s variables: %w", s.ThreadID, err)
	}
	if err := decodeJSON(history, &s.StageHistory); err != nil {
		return s, fmt.Errorf("session %s history: %w", s.ThreadID, err)
	}
	return s, nil
}

func stageArgs(agentID string, st models.Stage) ([]interface{}, error) {
	required := st.RequiredVariables
	if required == nil {
		required = []string{}
	}
	req, err := encodeJSON(required)
	if err != nil {
		return nil, err
	}
	return []interface{}{st.ID, agentID, st.Name, st.Order, string(st.Type), req, st.Instructions, st.EntryCondition}, nil
}

func scanStage(row rowScanner) (models.Stage, error) {
	var st models.Stage
	var typ string
	var required []byte
	if err := row.Scan(&st.ID, &st.AgentID, &st.Name, &st.Order, &typ, &required, &st.Instructions, &st.EntryCondition); err != nil {
		return st, fmt.Errorf("scan stage failed: %w", err)
	}
	st.Type = models.StageType(typ)
	if err := decodeJSON(required, &st.RequiredVariables); err != nil {
		return st, fmt.Errorf("stage %s required variables: %w", st.ID, err)
	}
	return st, nil
}

func agentArgs(a models.Agent) ([]interface{}, error) {
	rules := a.Rules
	if rules == nil {
		rules = []string{}
	}
	r, err := encodeJSON(rules)
	if err != nil {
		return nil, err
	}
	params, err := encodeJSON(a.Model)
	if err != nil {
		return nil, err
	}
	return []interface{}{a.ID, a.OwnerID, a.Name, a.Company, a.Persona, a.Language, r, params, a.CreatedAt, a.UpdatedAt}, nil
}

func scanAgent(row rowScanner) (models.Agent, error) {
	var a models.Agent
	var rules, params []byte
	if err := row.Scan(&a.ID, &a.OwnerID, &a.Name, &a.Company, &a.Persona, &a.Language, &rules, &params, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return a, err
	}
	if err := decodeJSON(rules, &a.Rules); err != nil {
		return a, fmt.Errorf("agent %s rules: %w", a.ID, err)
	}
	if err := decodeJSON(params, &a.Model); err != nil {
		return a, fmt.Errorf("agent %s model params: %w", a.ID, err)
	}
	return a, nil
}

func scanCredential(row rowScanner) (models.CalendarCredential, error) {
	var c models.CalendarCredential
	err := row.Scan(&c.ID, &c.OwnerID, &c.CalendarID, &c.CredentialsJSON, &c.CreatedAt)
	return c, err
}

// scanOutboxMessage scans an OutboxMessage in outboxColumns order.
func scanOutboxMessage(row rowScanner) (OutboxMessage, error) {
	var m OutboxMessage
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := row.Scan(
		&m.ID, &m.ThreadID, &m.Kind, &payloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}
