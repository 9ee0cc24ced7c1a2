// Package flow implements the stage engine: per-turn extraction, variable
// merging, stage transitions, prompt assembly and the scheduling side effect.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/BTreeMap/StagePipe/internal/extract"
	"github.com/BTreeMap/StagePipe/internal/genai"
	"github.com/BTreeMap/StagePipe/internal/models"
	"github.com/BTreeMap/StagePipe/internal/store"
)

// ErrPersistence wraps failures to load or save engine state. It is the only
// error class HandleTurn returns after a request passed validation.
var ErrPersistence = errors.New("persistence failure")

const tracerName = "github.com/BTreeMap/StagePipe/internal/flow"

// Opts holds the optional collaborators of an Orchestrator.
type Opts struct {
	Config    Config
	Extractor TurnExtractor
	Retriever Retriever
	Scheduler MeetingScheduler
	Dedup     store.DedupRepo
	Metrics   *Metrics
	Tracer    trace.Tracer
	Clock     func() time.Time
	Stages    *StageRegistry
}

// Option configures an Orchestrator.
type Option func(*Opts)

// WithConfig sets the engine configuration.
func WithConfig(cfg Config) Option {
	return func(o *Opts) { o.Config = cfg }
}

// WithTurnExtractor enables the model-assisted extraction pass.
func WithTurnExtractor(e TurnExtractor) Option {
	return func(o *Opts) { o.Extractor = e }
}

// WithRetriever sets the knowledge lookup used for the FACTS block.
func WithRetriever(r Retriever) Option {
	return func(o *Opts) { o.Retriever = r }
}

// WithScheduler sets the meeting scheduler.
func WithScheduler(s MeetingScheduler) Option {
	return func(o *Opts) { o.Scheduler = s }
}

// WithDedup skips turns whose provider message id was already processed.
func WithDedup(d store.DedupRepo) Option {
	return func(o *Opts) { o.Dedup = d }
}

// WithMetrics records engine metrics.
func WithMetrics(m *Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithTracer overrides the tracer taken from the global otel provider.
func WithTracer(t trace.Tracer) Option {
	return func(o *Opts) { o.Tracer = t }
}

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) { o.Clock = clock }
}

// WithStageRegistry shares a stage registry, e.g. with the HTTP API.
func WithStageRegistry(r *StageRegistry) Option {
	return func(o *Opts) { o.Stages = r }
}

// Orchestrator runs conversation turns. Turns on the same thread are
// serialized; different threads run in parallel.
type Orchestrator struct {
	repo      Repository
	generator ReplyGenerator
	extractor TurnExtractor
	retriever Retriever
	dedup     store.DedupRepo
	stages    *StageRegistry
	pipeline  *extract.Pipeline
	merger    Merger
	trigger   *Trigger
	metrics   *Metrics
	tracer    trace.Tracer
	cfg       Config
	now       func() time.Time
	locks     *threadLocks
}

// NewOrchestrator creates an orchestrator over repo and generator.
func NewOrchestrator(repo Repository, generator ReplyGenerator, opts ...Option) (*Orchestrator, error) {
	cfg := Opts{Config: DefaultConfig(), Clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if repo == nil {
		return nil, fmt.Errorf("orchestrator requires a repository")
	}
	if generator == nil {
		return nil, fmt.Errorf("orchestrator requires a reply generator")
	}
	engineCfg := cfg.Config.withDefaults()
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	if cfg.Stages == nil {
		reg, err := NewStageRegistry(repo, DefaultStageCacheSize)
		if err != nil {
			return nil, err
		}
		cfg.Stages = reg
	}

	slog.Debug("Orchestrator.NewOrchestrator: created",
		"location", engineCfg.Location.String(),
		"hoursStart", engineCfg.Hours.Start,
		"hoursEnd", engineCfg.Hours.End,
		"llmExtraction", engineCfg.LLMExtraction && cfg.Extractor != nil,
		"hasRetriever", cfg.Retriever != nil,
		"hasScheduler", cfg.Scheduler != nil)

	return &Orchestrator{
		repo:      repo,
		generator: generator,
		extractor: cfg.Extractor,
		retriever: cfg.Retriever,
		dedup:     cfg.Dedup,
		stages:    cfg.Stages,
		pipeline: extract.NewPipeline(
			extract.WithBusinessHours(engineCfg.Hours),
			extract.WithLocation(engineCfg.Location),
			extract.WithClock(cfg.Clock),
		),
		merger:  NewMerger(engineCfg.Hours),
		trigger: NewTrigger(cfg.Scheduler, engineCfg, cfg.Clock),
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
		cfg:     engineCfg,
		now:     cfg.Clock,
		locks:   newThreadLocks(),
	}, nil
}

// Stages returns the registry the orchestrator loads stages from.
func (o *Orchestrator) Stages() *StageRegistry {
	return o.stages
}

// HandleTurn processes one user message. The user always gets a reply unless
// the request is invalid or engine state could not be loaded or saved.
func (o *Orchestrator) HandleTurn(ctx context.Context, req models.TurnRequest) (models.TurnResult, error) {
	if err := req.Validate(); err != nil {
		return models.TurnResult{}, err
	}
	ctx, span := o.tracer.Start(ctx, "flow.HandleTurn", trace.WithAttributes(
		attribute.String("thread.id", req.ThreadID),
		attribute.String("agent.id", req.AgentID),
	))
	defer span.End()

	unlock := o.locks.lock(req.ThreadID)
	defer unlock()

	res, err := o.handleLocked(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.metrics.turn("error")
		return res, err
	}
	if res.Duplicate {
		o.metrics.turn("duplicate")
	} else {
		o.metrics.turn("ok")
	}
	span.SetAttributes(attribute.String("stage.id", res.StageID), attribute.Bool("stage.changed", res.StageChanged))
	return res, nil
}

func (o *Orchestrator) handleLocked(ctx context.Context, req models.TurnRequest) (models.TurnResult, error) {
	if req.MessageID != "" && o.dedup != nil {
		dup, err := o.dedup.IsDuplicate(req.MessageID)
		if err != nil {
			return models.TurnResult{}, fmt.Errorf("%w: dedup lookup: %v", ErrPersistence, err)
		}
		if dup {
			slog.Info("Orchestrator.HandleTurn: duplicate message skipped", "threadID", req.ThreadID, "messageID", req.MessageID)
			return models.TurnResult{ThreadID: req.ThreadID, Duplicate: true}, nil
		}
	}

	agent, stages, sess, err := o.load(req)
	if err != nil {
		return models.TurnResult{}, err
	}
	now := o.now()
	startStage := sess.CurrentStageID
	current, _ := stages.Find(sess.CurrentStageID)

	// Deterministic pass.
	candidates := o.pipeline.Extract(req.Message, sess.Variables)
	merged := o.merger.Merge(sess.Variables, candidates.Values, SourceDeterministic)
	sess.Variables = merged.Variables

	transition, flags := Decide(stages, current, sess.Variables, req.Message)
	if flags.BuyingIntent {
		sess.Variables.BuyingIntent = true
	}
	movedDeterministic := Apply(&sess, transition)
	reasons := []string{}
	if movedDeterministic {
		o.metrics.transition(transition.Kind)
		reasons = append(reasons, transition.Reason)
		slog.Info("Orchestrator.HandleTurn: stage transition", "threadID", sess.ThreadID, "kind", transition.Kind, "from", transition.From, "to", transition.To, "reason", transition.Reason)
	}
	current, _ = stages.Find(sess.CurrentStageID)

	// Reply.
	facts := o.retrieve(ctx, agent.ID, req.Message)
	prompt := AssemblePrompt(PromptInput{
		Agent:        agent,
		Stage:        current,
		Stages:       stages,
		Session:      sess,
		Facts:        facts,
		Flags:        flags,
		Now:          now,
		Location:     o.cfg.Location,
		BusinessDays: o.cfg.BusinessDays,
	})
	reply, replyErr := o.generate(ctx, prompt, req.Message, agent.Model)
	if replyErr != nil {
		reply = fallbackReply(agent.Language)
	}

	// Model-assisted pass.
	if replyErr == nil {
		if llmTransition, ok := o.llmPass(ctx, agent, stages, current, &sess, req.Message, reply, movedDeterministic); ok {
			reasons = append(reasons, llmTransition.Reason)
		}
	}

	// Side effect.
	outcome := o.schedule(ctx, agent, &sess)
	if outcome.Created {
		terminal := stages.Last()
		if Apply(&sess, Transition{Kind: TransitionMeeting, From: sess.CurrentStageID, To: terminal.ID}) {
			o.metrics.transition(TransitionMeeting)
			reasons = append(reasons, "meeting created")
		}
		if stages.IsTerminal(sess.CurrentStageID) {
			sess.Status = models.SessionStatusCompleted
		}
	} else if outcome.Apology != "" {
		reply = strings.TrimSpace(reply + "\n\n" + outcome.Apology)
	}

	sess.UpdatedAt = now
	if err := o.repo.SaveSession(sess); err != nil {
		slog.Error("Orchestrator.HandleTurn: failed to save session", "threadID", sess.ThreadID, "error", err)
		return models.TurnResult{}, fmt.Errorf("%w: save session %s: %v", ErrPersistence, sess.ThreadID, err)
	}
	if req.MessageID != "" && o.dedup != nil {
		if _, err := o.dedup.RecordInbound(req.MessageID, req.ThreadID); err != nil {
			slog.Error("Orchestrator.HandleTurn: failed to record inbound message", "messageID", req.MessageID, "error", err)
		} else if err := o.dedup.MarkProcessed(req.MessageID); err != nil {
			slog.Error("Orchestrator.HandleTurn: failed to mark message processed", "messageID", req.MessageID, "error", err)
		}
	}

	previous := ""
	if sess.CurrentStageID != startStage {
		previous = startStage
	}
	slog.Debug("Orchestrator.HandleTurn: turn complete", "threadID", sess.ThreadID, "stageID", sess.CurrentStageID, "applied", merged.Applied)
	return models.TurnResult{
		ThreadID:         sess.ThreadID,
		Reply:            reply,
		StageID:          sess.CurrentStageID,
		PreviousStageID:  previous,
		StageChanged:     sess.CurrentStageID != startStage,
		TransitionReason: strings.Join(reasons, "; "),
		Variables:        sess.Variables,
		MeetingCreated:   sess.Variables.MeetingCreated,
	}, nil
}

// load returns the agent profile, its stages and the thread's session,
// creating the session on the first message.
func (o *Orchestrator) load(req models.TurnRequest) (models.Agent, models.StageList, models.Session, error) {
	agentPtr, err := o.repo.GetAgent(req.AgentID)
	if err != nil {
		return models.Agent{}, nil, models.Session{}, fmt.Errorf("%w: load agent %s: %v", ErrPersistence, req.AgentID, err)
	}
	agent := models.Agent{ID: req.AgentID, Language: "pt-BR"}
	if agentPtr != nil {
		agent = *agentPtr
	}

	stages, err := o.stages.Load(req.AgentID)
	if err != nil {
		return models.Agent{}, nil, models.Session{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	sessPtr, err := o.repo.GetSession(req.ThreadID)
	if err != nil {
		return models.Agent{}, nil, models.Session{}, fmt.Errorf("%w: load session %s: %v", ErrPersistence, req.ThreadID, err)
	}
	if sessPtr == nil {
		sess := models.NewSession(req.ThreadID, req.AgentID, stages.First(), o.now())
		slog.Info("Orchestrator.HandleTurn: session created", "threadID", req.ThreadID, "agentID", req.AgentID, "stageID", sess.CurrentStageID)
		return agent, stages, sess, nil
	}
	sess := *sessPtr
	if _, ok := stages.Find(sess.CurrentStageID); !ok {
		slog.Warn("Orchestrator.HandleTurn: session stage no longer exists, restarting at first stage", "threadID", sess.ThreadID, "stageID", sess.CurrentStageID)
		sess.MoveTo(stages.First().ID)
	}
	return agent, stages, sess, nil
}

func (o *Orchestrator) retrieve(ctx context.Context, agentID, query string) []string {
	if o.retriever == nil {
		return nil
	}
	ctx, span := o.tracer.Start(ctx, "flow.Retrieve")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, o.cfg.RetrieveTimeout)
	defer cancel()
	facts, err := o.retriever.Retrieve(ctx, agentID, query)
	if err != nil {
		span.RecordError(err)
		slog.Warn("Orchestrator.retrieve: knowledge lookup failed", "agentID", agentID, "error", err)
		return nil
	}
	return facts
}

func (o *Orchestrator) generate(ctx context.Context, prompt, message string, params models.ModelParams) (string, error) {
	ctx, span := o.tracer.Start(ctx, "flow.GenerateReply")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, o.cfg.LLMTimeout)
	defer cancel()

	start := time.Now()
	reply, err := o.generator.GenerateReply(ctx, prompt, message, params)
	if err == nil && strings.TrimSpace(reply) == "" {
		err = errors.New("empty reply")
	}
	o.metrics.llmCall("reply", start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Warn("Orchestrator.generate: reply generation failed, using fallback", "error", err)
		return "", err
	}
	return reply, nil
}

// llmPass merges the model's candidates and applies its advance decision when
// the deterministic rules did not already move the session.
func (o *Orchestrator) llmPass(ctx context.Context, agent models.Agent, stages models.StageList, current models.Stage, sess *models.Session, message, reply string, moved bool) (Transition, bool) {
	if !o.cfg.LLMExtraction || o.extractor == nil {
		return Transition{}, false
	}
	ctx, span := o.tracer.Start(ctx, "flow.ExtractTurn")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, o.cfg.LLMTimeout)
	defer cancel()

	start := time.Now()
	ext, err := o.extractor.ExtractTurn(ctx, genai.ExtractionRequest{
		UserMessage:       message,
		Reply:             reply,
		StageName:         current.Name,
		RequiredVariables: current.RequiredVariables,
		Known:             sess.Variables.Map(),
		Params:            agent.Model,
	})
	o.metrics.llmCall("extract", start, err)
	if err != nil {
		span.RecordError(err)
		slog.Warn("Orchestrator.llmPass: extraction failed", "threadID", sess.ThreadID, "error", err)
		return Transition{}, false
	}

	merged := o.merger.Merge(sess.Variables, ext.Variables, SourceLLM)
	sess.Variables = merged.Variables
	if moved {
		slog.Debug("Orchestrator.llmPass: deterministic transition already applied, ignoring model decision", "threadID", sess.ThreadID, "advance", ext.Advance)
		return Transition{}, false
	}
	t := DecideLLM(stages, current, sess.Variables, ext.Advance, ext.Reason)
	if !Apply(sess, t) {
		return Transition{}, false
	}
	o.metrics.transition(t.Kind)
	slog.Info("Orchestrator.llmPass: stage transition", "threadID", sess.ThreadID, "from", t.From, "to", t.To, "reason", t.Reason)
	return t, true
}

func (o *Orchestrator) schedule(ctx context.Context, agent models.Agent, sess *models.Session) ScheduleOutcome {
	if !SchedulingReady(sess.Variables) {
		return ScheduleOutcome{}
	}
	ctx, span := o.tracer.Start(ctx, "flow.CreateMeeting")
	defer span.End()
	outcome := o.trigger.Run(ctx, agent, sess)
	switch {
	case outcome.Created:
		o.metrics.meeting("created")
	case outcome.Err != nil:
		span.RecordError(outcome.Err)
		span.SetStatus(codes.Error, outcome.Err.Error())
		o.metrics.meeting("failed")
	}
	return outcome
}

func fallbackReply(lang string) string {
	if isPortuguese(lang) {
		return "Desculpe, tive um problema para responder agora. Pode repetir em instantes?"
	}
	return "Sorry, I had trouble replying just now. Could you say that again in a moment?"
}
