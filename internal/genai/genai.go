// Package genai provides language-model operations using the OpenAI API:
// reply generation, structured turn extraction and text embeddings.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/StagePipe/internal/models"
)

// Default model settings.
const (
	DefaultModel               = "gpt-4o-mini"
	DefaultEmbeddingModel      = string(openai.EmbeddingModelTextEmbedding3Small)
	DefaultTemperature         = 0.4
	DefaultMaxCompletionTokens = 400
)

var (
	// ErrAPIKeyMissing is returned when no API key is configured.
	ErrAPIKeyMissing = errors.New("OPENAI_API_KEY not set")
	// ErrNoChoicesReturned is returned when the completion has no choices.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrEmptyEmbedding is returned when the embeddings response is short.
	ErrEmptyEmbedding = errors.New("embedding response missing vectors")
)

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// embeddingService defines minimal interface for embeddings.
type embeddingService interface {
	Create(ctx context.Context, params openai.EmbeddingNewParams) (openai.CreateEmbeddingResponse, error)
}

type openAIChat struct {
	completions *openai.ChatCompletionService
}

func (o openAIChat) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := o.completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

type openAIEmbeddings struct {
	embeddings *openai.EmbeddingService
}

func (o openAIEmbeddings) Create(ctx context.Context, params openai.EmbeddingNewParams) (openai.CreateEmbeddingResponse, error) {
	resp, err := o.embeddings.New(ctx, params)
	if err != nil {
		return openai.CreateEmbeddingResponse{}, err
	}
	return *resp, nil
}

// Client wraps the OpenAI chat and embedding services.
type Client struct {
	chat                chatService
	embed               embeddingService
	model               string
	embeddingModel      string
	temperature         float64
	maxCompletionTokens int64
	debugMode           bool
	stateDir            string
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	Temperature    float64
	MaxTokens      int64
	DebugMode      bool
	StateDir       string
}

// Option defines a function that configures GenAI options.
type Option func(*Opts)

// WithAPIKey sets the API key for the OpenAI client.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the default chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithEmbeddingModel sets the embedding model.
func WithEmbeddingModel(model string) Option {
	return func(o *Opts) { o.EmbeddingModel = model }
}

// WithTemperature sets the default sampling temperature.
func WithTemperature(temp float64) Option {
	return func(o *Opts) { o.Temperature = temp }
}

// WithMaxTokens sets the default completion token limit.
func WithMaxTokens(tokens int64) Option {
	return func(o *Opts) { o.MaxTokens = tokens }
}

// WithDebugMode enables writing every request and response under StateDir/debug.
func WithDebugMode(enabled bool) Option {
	return func(o *Opts) { o.DebugMode = enabled }
}

// WithStateDir sets the directory debug logs are written to.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.StateDir = dir }
}

// NewClient initializes a new GenAI client. The API key falls back to the
// OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:          DefaultModel,
		EmbeddingModel: DefaultEmbeddingModel,
		Temperature:    DefaultTemperature,
		MaxTokens:      DefaultMaxCompletionTokens,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, ErrAPIKeyMissing
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)
	slog.Debug("genai.NewClient: client created", "model", cfg.Model, "embeddingModel", cfg.EmbeddingModel, "debug", cfg.DebugMode)

	return &Client{
		chat:                openAIChat{completions: &cli.Chat.Completions},
		embed:               openAIEmbeddings{embeddings: &cli.Embeddings},
		model:               cfg.Model,
		embeddingModel:      cfg.EmbeddingModel,
		temperature:         cfg.Temperature,
		maxCompletionTokens: cfg.MaxTokens,
		debugMode:           cfg.DebugMode,
		stateDir:            cfg.StateDir,
	}, nil
}

// GenerateReply runs a single-turn completion. Non-zero fields of params
// override the client defaults.
func (c *Client) GenerateReply(ctx context.Context, systemPrompt, userMessage string, params models.ModelParams) (string, error) {
	req := c.chatParams(params, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(systemPrompt),
		openai.UserMessage(userMessage),
	})
	content, err := c.complete(ctx, "GenerateReply", req)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(content), nil
}

func (c *Client) chatParams(params models.ModelParams, messages []openai.ChatCompletionMessageParamUnion) openai.ChatCompletionNewParams {
	model := c.model
	if params.Model != "" {
		model = params.Model
	}
	temperature := c.temperature
	if params.Temperature != 0 {
		temperature = params.Temperature
	}
	maxTokens := c.maxCompletionTokens
	if params.MaxTokens != 0 {
		maxTokens = params.MaxTokens
	}
	return openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(model),
		Messages:            messages,
		Temperature:         openai.Float(temperature),
		MaxCompletionTokens: openai.Int(maxTokens),
	}
}

func (c *Client) complete(ctx context.Context, method string, req openai.ChatCompletionNewParams) (string, error) {
	resp, err := c.chat.Create(ctx, req)
	if err != nil {
		slog.Error("genai.Client."+method+": completion failed", "model", req.Model, "error", err)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	c.writeDebugLog(method, string(req.Model), req, resp)
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

// Embed returns one vector per input text, in input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if c.embed == nil {
		return nil, fmt.Errorf("embeddings not configured")
	}
	resp, err := c.embed.Create(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(c.embeddingModel),
	})
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(resp.Data) < len(texts) {
		return nil, ErrEmptyEmbedding
	}
	out := make([][]float32, len(texts))
	for i, d := range resp.Data {
		idx := int(d.Index)
		if idx < 0 || idx >= len(out) {
			idx = i
		}
		vec := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		out[idx] = vec
	}
	return out, nil
}

// EmbedOne embeds a single text.
func (c *Client) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}
