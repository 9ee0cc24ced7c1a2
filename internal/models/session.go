package models

import "time"

// SessionStatus is the lifecycle status of a conversation thread.
type SessionStatus string

const (
	// SessionStatusActive indicates the conversation is in progress.
	SessionStatusActive SessionStatus = "active"
	// SessionStatusCompleted indicates the meeting was booked and the script finished.
	SessionStatusCompleted SessionStatus = "completed"
	// SessionStatusAbandoned is set by an external supervisor, never by the engine.
	SessionStatusAbandoned SessionStatus = "abandoned"
)

// Session is the per-thread conversation state.
type Session struct {
	ThreadID        string        `json:"thread_id"`
	AgentID         string        `json:"agent_id"`
	CurrentStageID  string        `json:"current_stage_id"`
	PreviousStageID string        `json:"previous_stage_id,omitempty"`
	Variables       Variables     `json:"variables"`
	StageHistory    []string      `json:"stage_history"`
	Status          SessionStatus `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// NewSession creates a session positioned on the initial stage.
func NewSession(threadID, agentID string, initial Stage, now time.Time) Session {
	return Session{
		ThreadID:       threadID,
		AgentID:        agentID,
		CurrentStageID: initial.ID,
		StageHistory:   []string{initial.ID},
		Status:         SessionStatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// MoveTo makes stageID current and appends it to the history.
// Moving to the current stage is a no-op and returns false.
func (s *Session) MoveTo(stageID string) bool {
	if stageID == "" || stageID == s.CurrentStageID {
		return false
	}
	s.PreviousStageID = s.CurrentStageID
	s.CurrentStageID = stageID
	s.StageHistory = append(s.StageHistory, stageID)
	return true
}

// Clone returns a deep copy of the session.
func (s Session) Clone() Session {
	out := s
	out.Variables = s.Variables.Clone()
	out.StageHistory = append([]string(nil), s.StageHistory...)
	return out
}
