package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/openai/openai-go"

	"github.com/BTreeMap/StagePipe/internal/models"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp openai.ChatCompletion
	err  error
	last openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.last = params
	return m.resp, m.err
}

// mockEmbeddingService implements embeddingService for testing.
type mockEmbeddingService struct {
	resp openai.CreateEmbeddingResponse
	err  error
}

func (m *mockEmbeddingService) Create(ctx context.Context, params openai.EmbeddingNewParams) (openai.CreateEmbeddingResponse, error) {
	return m.resp, m.err
}

func completion(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func TestGenerateReply_Success(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: completion("  Olá, tudo bem?  ")}, model: "m"}
	out, err := client.GenerateReply(context.Background(), "system prompt", "user prompt", models.ModelParams{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Olá, tudo bem?" {
		t.Errorf("expected trimmed reply, got '%s'", out)
	}
}

func TestGenerateReply_ParamsOverrideDefaults(t *testing.T) {
	mock := &mockChatService{resp: completion("ok")}
	client := &Client{chat: mock, model: "default-model", temperature: 0.4, maxCompletionTokens: 400}

	if _, err := client.GenerateReply(context.Background(), "s", "u", models.ModelParams{Model: "agent-model", MaxTokens: 120}); err != nil {
		t.Fatalf("GenerateReply failed: %v", err)
	}
	if mock.last.Model != "agent-model" {
		t.Errorf("expected agent model, got %q", mock.last.Model)
	}
	if got := mock.last.MaxCompletionTokens.Value; got != 120 {
		t.Errorf("expected 120 max tokens, got %d", got)
	}
	if got := mock.last.Temperature.Value; got != 0.4 {
		t.Errorf("expected default temperature 0.4, got %v", got)
	}
	if len(mock.last.Messages) != 2 {
		t.Errorf("expected system and user messages, got %d", len(mock.last.Messages))
	}
}

func TestGenerateReply_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}}
	_, err := client.GenerateReply(context.Background(), "sys", "usr", models.ModelParams{})
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestGenerateReply_NoChoices(t *testing.T) {
	mockResp := openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{}}
	client := &Client{chat: &mockChatService{resp: mockResp}}
	_, err := client.GenerateReply(context.Background(), "sys", "usr", models.ModelParams{})
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewClient()
	if !errors.Is(err, ErrAPIKeyMissing) {
		t.Errorf("expected ErrAPIKeyMissing, got %v", err)
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-test"), WithMaxTokens(50))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli == nil {
		t.Fatal("expected client instance, got nil")
	}
	if cli.model != "gpt-test" || cli.maxCompletionTokens != 50 || cli.embeddingModel != DefaultEmbeddingModel {
		t.Errorf("options not applied: %+v", cli)
	}
}

func TestExtractTurn(t *testing.T) {
	mock := &mockChatService{resp: completion(`{"variables": {"area": "loja de sapatos", "email": null}, "advance": true, "reason": "area given"}`)}
	client := &Client{chat: mock, model: "m"}

	got, err := client.ExtractTurn(context.Background(), ExtractionRequest{
		UserMessage:       "tenho uma loja de sapatos",
		Reply:             "Que legal!",
		StageName:         "Diagnóstico",
		RequiredVariables: []string{"area"},
		Known:             map[string]string{"name": "Gastão"},
	})
	if err != nil {
		t.Fatalf("ExtractTurn failed: %v", err)
	}
	want := Extraction{Variables: map[string]string{"area": "loja de sapatos"}, Advance: true, Reason: "area given"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("extraction mismatch (-want +got):\n%s", diff)
	}
	if mock.last.ResponseFormat.OfJSONObject == nil {
		t.Error("expected JSON object response format")
	}
}

func TestExtractTurn_Unparseable(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: completion("sorry, I cannot help")}}
	if _, err := client.ExtractTurn(context.Background(), ExtractionRequest{}); err == nil {
		t.Error("expected decode error for non-JSON content")
	}
}

func TestParseExtraction(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    Extraction
	}{
		{
			name:    "code fence",
			content: "```json\n{\"variables\": {\"name\": \"Ana\"}, \"advance\": false}\n```",
			want:    Extraction{Variables: map[string]string{"name": "Ana"}},
		},
		{
			name:    "scalar values",
			content: `{"variables": {"budget": 5000, "urgent": true, "tags": ["a"], "empty": "  "}, "advance": "true"}`,
			want:    Extraction{Variables: map[string]string{"budget": "5000", "urgent": "true"}, Advance: true},
		},
		{
			name:    "no variables",
			content: `{"advance": false, "reason": "nothing new"}`,
			want:    Extraction{Variables: map[string]string{}, Reason: "nothing new"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseExtraction(tt.content)
			if err != nil {
				t.Fatalf("ParseExtraction failed: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEmbed(t *testing.T) {
	client := &Client{embed: &mockEmbeddingService{resp: openai.CreateEmbeddingResponse{
		Data: []openai.Embedding{
			{Index: 1, Embedding: []float64{0, 1}},
			{Index: 0, Embedding: []float64{1, 0}},
		},
	}}}
	got, err := client.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	want := [][]float32{{1, 0}, {0, 1}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("vectors mismatch (-want +got):\n%s", diff)
	}
}

func TestEmbed_ShortResponse(t *testing.T) {
	client := &Client{embed: &mockEmbeddingService{}}
	if _, err := client.EmbedOne(context.Background(), "a"); !errors.Is(err, ErrEmptyEmbedding) {
		t.Errorf("expected ErrEmptyEmbedding, got %v", err)
	}
}
