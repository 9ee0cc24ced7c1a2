// Package models defines the core data structures for StagePipe.
//
// It includes stages, sessions, collected variables, agent profiles and the
// request/response envelopes shared by the engine and its transports.
package models

import (
	"errors"
	"strings"
)

// Validation constants for inbound turns
const (
	// MaxMessageLength defines the maximum accepted length of a single user message
	MaxMessageLength = 4096
	// MaxIdentifierLength defines the maximum accepted length of thread and agent identifiers
	MaxIdentifierLength = 200
)

// Error variables for request validation
var (
	ErrEmptyThreadID   = errors.New("thread_id is required")
	ErrEmptyAgentID    = errors.New("agent_id is required")
	ErrEmptyMessage    = errors.New("message is required")
	ErrMessageTooLong  = errors.New("message exceeds maximum length")
	ErrIdentifierLong  = errors.New("identifier exceeds maximum length")
	ErrInvalidStage    = errors.New("invalid stage definition")
	ErrDuplicateStage  = errors.New("duplicate stage id")
	ErrEmptyStageOrder = errors.New("stage list is empty")
)

// TurnRequest is one incoming user message addressed to an agent on a conversation thread.
type TurnRequest struct {
	ThreadID  string `json:"thread_id" validate:"required,max=200"`
	AgentID   string `json:"agent_id" validate:"required,max=200"`
	Message   string `json:"message" validate:"required,max=4096"`
	MessageID string `json:"message_id,omitempty" validate:"omitempty,max=200"` // provider message id, used for redelivery dedup
}

// Validate performs structural validation on a TurnRequest.
func (r *TurnRequest) Validate() error {
	if strings.TrimSpace(r.ThreadID) == "" {
		return ErrEmptyThreadID
	}
	if strings.TrimSpace(r.AgentID) == "" {
		return ErrEmptyAgentID
	}
	if strings.TrimSpace(r.Message) == "" {
		return ErrEmptyMessage
	}
	if len(r.Message) > MaxMessageLength {
		return ErrMessageTooLong
	}
	if len(r.ThreadID) > MaxIdentifierLength || len(r.AgentID) > MaxIdentifierLength || len(r.MessageID) > MaxIdentifierLength {
		return ErrIdentifierLong
	}
	return nil
}

// TurnResult describes the outcome of one processed turn.
type TurnResult struct {
	ThreadID         string    `json:"thread_id"`
	Reply            string    `json:"reply"`
	StageID          string    `json:"stage_id"`
	PreviousStageID  string    `json:"previous_stage_id,omitempty"`
	StageChanged     bool      `json:"stage_changed"`
	TransitionReason string    `json:"transition_reason,omitempty"`
	Variables        Variables `json:"variables"`
	MeetingCreated   bool      `json:"meeting_created"`
	Duplicate        bool      `json:"duplicate,omitempty"`
}

// InboundMessage represents a message received from a messaging transport.
type InboundMessage struct {
	From      string `json:"from"`
	Body      string `json:"body"`
	MessageID string `json:"message_id,omitempty"`
	Time      int64  `json:"time"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusDuplicate indicates the request carried an already-processed message id.
	APIStatusDuplicate APIStatus = "duplicate"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithResult(result).Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusError).WithMessage(message).Build()
}

// Duplicate creates a response for a message id that was already processed.
func Duplicate(messageID string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusDuplicate).
		WithMessage("message " + messageID + " already processed").
		Build()
}
