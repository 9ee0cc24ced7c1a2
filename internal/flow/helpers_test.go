package flow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/StagePipe/internal/genai"
	"github.com/BTreeMap/StagePipe/internal/models"
	"github.com/BTreeMap/StagePipe/internal/store"
)

func testLocation(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		loc = time.FixedZone("BRT", -3*3600)
	}
	return loc
}

// testNow is a Wednesday.
func testNow(t *testing.T) time.Time {
	return time.Date(2026, 10, 14, 10, 0, 0, 0, testLocation(t))
}

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.Location = testLocation(t)
	return cfg
}

type fakeGenerator struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts []string
	delay   time.Duration

	inFlight    int32
	maxInFlight int32
}

func (f *fakeGenerator) GenerateReply(ctx context.Context, systemPrompt, userMessage string, params models.ModelParams) (string, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		peak := atomic.LoadInt32(&f.maxInFlight)
		if n <= peak || atomic.CompareAndSwapInt32(&f.maxInFlight, peak, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, systemPrompt)
	if f.err != nil {
		return "", f.err
	}
	if f.reply == "" {
		return "Certo!", nil
	}
	return f.reply, nil
}

func (f *fakeGenerator) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return ""
	}
	return f.prompts[len(f.prompts)-1]
}

type fakeExtractor struct {
	result genai.Extraction
	err    error
	calls  int
}

func (f *fakeExtractor) ExtractTurn(ctx context.Context, req genai.ExtractionRequest) (genai.Extraction, error) {
	f.calls++
	return f.result, f.err
}

type fakeScheduler struct {
	mu       sync.Mutex
	calls    int
	requests []models.MeetingRequest
	err      error
	result   models.MeetingResult
}

func (f *fakeScheduler) CreateMeeting(ctx context.Context, ownerID string, req models.MeetingRequest) (models.MeetingResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.requests = append(f.requests, req)
	if f.err != nil {
		return models.MeetingResult{}, f.err
	}
	if f.result.ID == "" {
		return models.MeetingResult{ID: "ev-1", Link: "https://meet.example/ev-1"}, nil
	}
	return f.result, nil
}

type fakeRetriever struct {
	facts []string
	err   error
}

func (f *fakeRetriever) Retrieve(ctx context.Context, agentID, query string) ([]string, error) {
	return f.facts, f.err
}

// failingSaveStore fails every SaveSession call.
type failingSaveStore struct {
	*store.InMemoryStore
}

func (f failingSaveStore) SaveSession(models.Session) error {
	return errors.New("disk full")
}

func newTestOrchestrator(t *testing.T, repo Repository, gen ReplyGenerator, opts ...Option) *Orchestrator {
	t.Helper()
	now := testNow(t)
	base := []Option{WithConfig(testConfig(t)), WithClock(func() time.Time { return now })}
	o, err := NewOrchestrator(repo, gen, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}
	return o
}

func turn(t *testing.T, o *Orchestrator, thread, msg string) models.TurnResult {
	t.Helper()
	res, err := o.HandleTurn(context.Background(), models.TurnRequest{ThreadID: thread, AgentID: "agent-1", Message: msg})
	if err != nil {
		t.Fatalf("HandleTurn(%q) failed: %v", msg, err)
	}
	return res
}

func defaultStageList(t *testing.T) models.StageList {
	t.Helper()
	list, err := models.NewStageList(DefaultStages("agent-1"))
	if err != nil {
		t.Fatalf("NewStageList failed: %v", err)
	}
	return list
}

func stage(t *testing.T, list models.StageList, id string) models.Stage {
	t.Helper()
	st, ok := list.Find(id)
	if !ok {
		t.Fatalf("stage %s not found", id)
	}
	return st
}
