package flow

import (
	"context"

	"github.com/BTreeMap/StagePipe/internal/genai"
	"github.com/BTreeMap/StagePipe/internal/models"
	"github.com/BTreeMap/StagePipe/internal/store"
)

// ReplyGenerator produces the assistant reply for a turn.
type ReplyGenerator interface {
	GenerateReply(ctx context.Context, systemPrompt, userMessage string, params models.ModelParams) (string, error)
}

// TurnExtractor proposes variables and an advance decision from a finished turn.
type TurnExtractor interface {
	ExtractTurn(ctx context.Context, req genai.ExtractionRequest) (genai.Extraction, error)
}

// Retriever returns factual snippets relevant to a query. An empty result is valid.
type Retriever interface {
	Retrieve(ctx context.Context, agentID, query string) ([]string, error)
}

// MeetingScheduler books a meeting on the calendar of the agent's owner.
type MeetingScheduler interface {
	CreateMeeting(ctx context.Context, ownerID string, req models.MeetingRequest) (models.MeetingResult, error)
}

// Repository is the persistence the engine needs.
type Repository interface {
	store.SessionRepo
	store.StageRepo
	store.AgentRepo
}

// Compile-time checks that the concrete clients satisfy the capabilities.
var (
	_ ReplyGenerator = (*genai.Client)(nil)
	_ TurnExtractor  = (*genai.Client)(nil)
	_ Repository     = (store.Store)(nil)
)
