package models

import "time"

// ModelParams tunes a single language-model completion.
type ModelParams struct {
	Model       string  `json:"model,omitempty" yaml:"model"`
	Temperature float64 `json:"temperature,omitempty" yaml:"temperature"`
	MaxTokens   int64   `json:"max_tokens,omitempty" yaml:"max_tokens"`
}

// Agent is the sales persona a conversation thread talks to.
type Agent struct {
	ID        string      `json:"id" yaml:"id"`
	OwnerID   string      `json:"owner_id" yaml:"owner_id"`
	Name      string      `json:"name" yaml:"name"`
	Company   string      `json:"company" yaml:"company"`
	Persona   string      `json:"persona" yaml:"persona"`
	Language  string      `json:"language" yaml:"language"` // e.g. "pt-BR"
	Rules     []string    `json:"rules,omitempty" yaml:"rules"`
	Model     ModelParams `json:"model" yaml:"model"`
	CreatedAt time.Time   `json:"created_at" yaml:"-"`
	UpdatedAt time.Time   `json:"updated_at" yaml:"-"`
}

// CalendarCredential grants access to an owner's calendar.
type CalendarCredential struct {
	ID              string    `json:"id"`
	OwnerID         string    `json:"owner_id"`
	CalendarID      string    `json:"calendar_id"` // "primary" when empty
	CredentialsJSON string    `json:"-"`           // service account or authorized-user JSON
	CreatedAt       time.Time `json:"created_at"`
}

// MeetingRequest is the payload handed to the scheduling capability.
type MeetingRequest struct {
	Title         string
	Start         time.Time
	End           time.Time
	AttendeeEmail string
	Notes         string
}

// MeetingResult is what the scheduling capability returns on success.
type MeetingResult struct {
	ID   string
	Link string
}
