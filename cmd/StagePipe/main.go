package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/BTreeMap/StagePipe/internal/api"
	"github.com/BTreeMap/StagePipe/internal/calendar"
	"github.com/BTreeMap/StagePipe/internal/extract"
	"github.com/BTreeMap/StagePipe/internal/flow"
	"github.com/BTreeMap/StagePipe/internal/genai"
	"github.com/BTreeMap/StagePipe/internal/knowledge"
	"github.com/BTreeMap/StagePipe/internal/lockfile"
	"github.com/BTreeMap/StagePipe/internal/messaging"
	"github.com/BTreeMap/StagePipe/internal/recovery"
	"github.com/BTreeMap/StagePipe/internal/seed"
	"github.com/BTreeMap/StagePipe/internal/store"
	"github.com/BTreeMap/StagePipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/StagePipe/internal/util"
	"github.com/BTreeMap/StagePipe/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for StagePipe state data
	DefaultStateDir = "/var/lib/stagepipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "stagepipe.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow device store filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultAgentID is the agent inbound chat messages are routed to
	DefaultAgentID = "default"
)

func main() {
	config := loadEnvironmentConfig()
	initializeLogger(config.LogLevel)

	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping StagePipe with configured modules")
	if err := run(ctx, flags); err != nil {
		slog.Error("StagePipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("StagePipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir           string
	DatabaseURL        string
	OpenAIKey          string
	OpenAIModel        string
	OpenAIBaseURL      string
	APIAddr            string
	LogLevel           string
	TimeZone           string
	HoursStart         int
	HoursEnd           int
	MeetingDuration    time.Duration
	LLMTimeout         time.Duration
	CalendarTimeout    time.Duration
	LLMExtraction      bool
	SeedFile           string
	AgentID            string
	TwilioAccountSID   string
	TwilioAuthToken    string
	TwilioFromNumber   string
	TwilioPublicURL    string
	WhatsAppEnabled    bool
	WhatsAppDSN        string
	KnowledgeDisabled  bool
	GenAIDebug         bool
	OutboxPollInterval time.Duration
}

// Flags holds resolved command line values. Environment values are the defaults.
type Flags struct {
	Config
	qrOutput string
	numeric  bool
}

// initializeLogger sets up structured logging at the given level
func initializeLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	cfg := Config{
		StateDir:           util.GetEnv("STAGEPIPE_STATE_DIR", DefaultStateDir),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		OpenAIKey:          os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:        util.GetEnv("OPENAI_MODEL", genai.DefaultModel),
		OpenAIBaseURL:      os.Getenv("OPENAI_BASE_URL"),
		APIAddr:            util.GetEnv("API_ADDR", api.DefaultAddr),
		LogLevel:           util.GetEnv("STAGEPIPE_LOG_LEVEL", "info"),
		TimeZone:           util.GetEnv("STAGEPIPE_TIMEZONE", flow.DefaultTimeZone),
		HoursStart:         util.ParseIntEnv("BUSINESS_HOURS_START", extract.DefaultBusinessHours.Start),
		HoursEnd:           util.ParseIntEnv("BUSINESS_HOURS_END", extract.DefaultBusinessHours.End),
		MeetingDuration:    util.ParseDurationEnv("MEETING_DURATION", flow.DefaultMeetingDuration),
		LLMTimeout:         util.ParseDurationEnv("LLM_TIMEOUT", flow.DefaultLLMTimeout),
		CalendarTimeout:    util.ParseDurationEnv("CALENDAR_TIMEOUT", flow.DefaultCalendarTimeout),
		LLMExtraction:      util.ParseBoolEnv("LLM_EXTRACTION_ENABLED", true),
		SeedFile:           os.Getenv("STAGEPIPE_SEED_FILE"),
		AgentID:            util.GetEnv("STAGEPIPE_AGENT_ID", DefaultAgentID),
		TwilioAccountSID:   os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:    os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:   os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioPublicURL:    os.Getenv("TWILIO_WEBHOOK_BASE_URL"),
		WhatsAppEnabled:    util.ParseBoolEnv("WHATSAPP_ENABLED", false),
		WhatsAppDSN:        os.Getenv("WHATSAPP_DB_DSN"),
		KnowledgeDisabled:  util.ParseBoolEnv("KNOWLEDGE_DISABLED", false),
		GenAIDebug:         util.ParseBoolEnv("GENAI_DEBUG", false),
		OutboxPollInterval: util.ParseDurationEnv("OUTBOX_POLL_INTERVAL", store.DefaultOutboxPollInterval),
	}

	slog.Debug("environment variables loaded",
		"STAGEPIPE_STATE_DIR", cfg.StateDir,
		"DATABASE_URL_SET", cfg.DatabaseURL != "",
		"OPENAI_API_KEY_SET", cfg.OpenAIKey != "",
		"OPENAI_MODEL", cfg.OpenAIModel,
		"API_ADDR", cfg.APIAddr,
		"STAGEPIPE_TIMEZONE", cfg.TimeZone,
		"TWILIO_SET", cfg.TwilioAccountSID != "",
		"WHATSAPP_ENABLED", cfg.WhatsAppEnabled)
	return cfg
}

// parseCommandLineFlags parses args with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	f := Flags{Config: config}
	fs.StringVar(&f.StateDir, "state-dir", config.StateDir, "state directory for StagePipe data (overrides $STAGEPIPE_STATE_DIR)")
	fs.StringVar(&f.DatabaseURL, "db-dsn", config.DatabaseURL, "application database DSN; empty uses SQLite in the state dir (overrides $DATABASE_URL)")
	fs.StringVar(&f.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&f.OpenAIModel, "openai-model", config.OpenAIModel, "default chat model (overrides $OPENAI_MODEL)")
	fs.StringVar(&f.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&f.TimeZone, "timezone", config.TimeZone, "IANA zone meetings are scheduled in (overrides $STAGEPIPE_TIMEZONE)")
	fs.StringVar(&f.SeedFile, "seed", config.SeedFile, "YAML seed file applied at startup (overrides $STAGEPIPE_SEED_FILE)")
	fs.StringVar(&f.AgentID, "agent-id", config.AgentID, "agent that answers inbound chat messages (overrides $STAGEPIPE_AGENT_ID)")
	fs.BoolVar(&f.LLMExtraction, "llm-extraction", config.LLMExtraction, "enable the model-assisted extraction pass (overrides $LLM_EXTRACTION_ENABLED)")
	fs.BoolVar(&f.WhatsAppEnabled, "whatsapp", config.WhatsAppEnabled, "link a WhatsApp device with whatsmeow (overrides $WHATSAPP_ENABLED)")
	fs.StringVar(&f.qrOutput, "qr-output", "", "path to write login QR code")
	fs.BoolVar(&f.numeric, "numeric-code", false, "use numeric login code instead of QR code")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	if f.DatabaseURL == "" {
		f.DatabaseURL = filepath.Join(f.StateDir, DefaultDBFileName)
	}
	if f.WhatsAppDSN == "" {
		f.WhatsAppDSN = "file:" + filepath.Join(f.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
	if f.HoursStart < 0 || f.HoursEnd > 23 || f.HoursStart > f.HoursEnd {
		return Flags{}, fmt.Errorf("invalid business hours %d-%d", f.HoursStart, f.HoursEnd)
	}

	slog.Debug("flags parsed",
		"stateDir", f.StateDir,
		"dbDSN_set", f.DatabaseURL != "",
		"apiAddr", f.APIAddr,
		"seed", f.SeedFile,
		"agentID", f.AgentID,
		"whatsapp", f.WhatsAppEnabled)
	return f, nil
}

// ensureDirectoriesExist creates the state directory and, for file-based
// databases, the directory holding the database file
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{flags.StateDir}
	if store.DetectDSNType(flags.DatabaseURL) == "sqlite3" {
		dirs = append(dirs, filepath.Dir(strings.TrimPrefix(flags.DatabaseURL, "file:")))
	}
	for _, dir := range dirs {
		slog.Debug("Creating directory", "dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	if flags.DatabaseURL == "" {
		slog.Debug("No database DSN provided, will use in-memory store")
		return nil
	}
	if store.DetectDSNType(flags.DatabaseURL) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		return []store.Option{store.WithPostgresDSN(flags.DatabaseURL)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", flags.DatabaseURL)
	return []store.Option{store.WithSQLiteDSN(flags.DatabaseURL)}
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	opts := []genai.Option{
		genai.WithModel(flags.OpenAIModel),
		genai.WithStateDir(flags.StateDir),
		genai.WithDebugMode(flags.GenAIDebug),
	}
	if flags.OpenAIKey != "" {
		opts = append(opts, genai.WithAPIKey(flags.OpenAIKey))
	}
	if flags.OpenAIBaseURL != "" {
		opts = append(opts, genai.WithBaseURL(flags.OpenAIBaseURL))
	}
	return opts
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	opts := []whatsapp.Option{whatsapp.WithDBDSN(flags.WhatsAppDSN)}
	if flags.qrOutput != "" {
		opts = append(opts, whatsapp.WithQRCodeOutput(flags.qrOutput))
	}
	if flags.numeric {
		opts = append(opts, whatsapp.WithNumericCode())
	}
	return opts
}

// buildFlowConfig constructs the engine configuration
func buildFlowConfig(flags Flags) (flow.Config, error) {
	loc, err := time.LoadLocation(flags.TimeZone)
	if err != nil {
		return flow.Config{}, fmt.Errorf("invalid timezone %q: %w", flags.TimeZone, err)
	}
	cfg := flow.DefaultConfig()
	cfg.Location = loc
	cfg.Hours = extract.BusinessHours{Start: flags.HoursStart, End: flags.HoursEnd}
	cfg.MeetingDuration = flags.MeetingDuration
	cfg.LLMTimeout = flags.LLMTimeout
	cfg.CalendarTimeout = flags.CalendarTimeout
	cfg.LLMExtraction = flags.LLMExtraction
	return cfg, nil
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags, gatherer prometheus.Gatherer, twilio *messaging.TwilioService) []api.Option {
	opts := []api.Option{api.WithAddr(flags.APIAddr), api.WithGatherer(gatherer)}
	if twilio != nil {
		opts = append(opts, api.WithTwilioWebhook(twilio, twiliowhatsapp.NewWebhookVerifier(flags.TwilioAuthToken), flags.TwilioPublicURL))
	}
	return opts
}

// run wires every module and blocks until ctx is cancelled.
func run(ctx context.Context, flags Flags) error {
	lock, err := lockfile.AcquireLock(flags.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.New(buildStoreOptions(flags)...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	ai, err := genai.NewClient(buildGenAIOptions(flags)...)
	if err != nil {
		return fmt.Errorf("failed to create genai client: %w", err)
	}

	engineCfg, err := buildFlowConfig(flags)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := flow.NewMetrics(reg)

	stages, err := flow.NewStageRegistry(st, flow.DefaultStageCacheSize)
	if err != nil {
		return err
	}

	var kb *knowledge.Base
	if !flags.KnowledgeDisabled {
		kb, err = knowledge.NewBase(ai, knowledge.WithPersistPath(flags.StateDir))
		if err != nil {
			return fmt.Errorf("failed to create knowledge base: %w", err)
		}
	}

	if flags.SeedFile != "" {
		if err := applySeed(ctx, flags.SeedFile, st, stages, kb); err != nil {
			return err
		}
	}

	orchOpts := []flow.Option{
		flow.WithConfig(engineCfg),
		flow.WithStageRegistry(stages),
		flow.WithScheduler(calendar.NewClient(st, calendar.WithTimeZone(engineCfg.Location.String()))),
		flow.WithDedup(st),
		flow.WithMetrics(metrics),
		flow.WithTurnExtractor(ai),
	}
	if kb != nil {
		orchOpts = append(orchOpts, flow.WithRetriever(kb))
	}
	orch, err := flow.NewOrchestrator(st, ai, orchOpts...)
	if err != nil {
		return err
	}

	dispatcher := messaging.NewDispatcher(orch, st, flags.AgentID)
	twilio, err := buildTwilioService(flags)
	if err != nil {
		return err
	}
	if twilio != nil {
		dispatcher.Register(twilio)
	}
	if flags.WhatsAppEnabled {
		wa, err := whatsapp.NewClient(buildWhatsAppOptions(flags)...)
		if err != nil {
			return fmt.Errorf("failed to create whatsapp client: %w", err)
		}
		defer wa.Disconnect()
		dispatcher.Register(messaging.NewWhatsAppService(wa))
	}

	sender := store.NewOutboxSender(st, dispatcher.Send, flags.OutboxPollInterval)
	rm := recovery.NewManager()
	rm.Register("outbox", recovery.Outbox(sender))
	rm.Register("stages", recovery.Stages(st, stages))
	if err := rm.RecoverAll(ctx); err != nil {
		slog.Warn("Startup recovery incomplete", "error", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := dispatcher.Start(ctx); err != nil {
		return err
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sender.Run(ctx)
	}()

	server := api.NewServer(orch, st, stages, buildAPIOptions(flags, reg, twilio)...)
	err = server.Run(ctx)
	cancel()
	dispatcher.Wait()
	wg.Wait()
	return err
}

// buildTwilioService returns nil when Twilio is not configured.
func buildTwilioService(flags Flags) (*messaging.TwilioService, error) {
	if flags.TwilioAccountSID == "" && flags.TwilioAuthToken == "" {
		slog.Debug("Twilio not configured, webhook disabled")
		return nil, nil
	}
	client, err := twiliowhatsapp.NewClient(
		twiliowhatsapp.WithAccountSID(flags.TwilioAccountSID),
		twiliowhatsapp.WithAuthToken(flags.TwilioAuthToken),
		twiliowhatsapp.WithFromWhats(flags.TwilioFromNumber),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create twilio client: %w", err)
	}
	return messaging.NewTwilioService(client), nil
}

// applySeed loads the seed file into the store, stage registry and knowledge base.
func applySeed(ctx context.Context, path string, st store.Store, stages *flow.StageRegistry, kb *knowledge.Base) error {
	file, err := seed.Load(path)
	if err != nil {
		return err
	}
	targets := seed.Targets{Agents: st, Stages: stages, Credentials: st}
	if kb != nil {
		targets.Knowledge = kb
	}
	if _, err := seed.Apply(ctx, file, targets); err != nil {
		return fmt.Errorf("failed to apply seed: %w", err)
	}
	return nil
}
