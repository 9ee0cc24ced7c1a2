package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/StagePipe/internal/flow"
	"github.com/BTreeMap/StagePipe/internal/store"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{"STAGEPIPE_STATE_DIR", "DATABASE_URL", "API_ADDR", "STAGEPIPE_TIMEZONE",
		"BUSINESS_HOURS_START", "BUSINESS_HOURS_END", "MEETING_DURATION", "LLM_EXTRACTION_ENABLED",
		"STAGEPIPE_AGENT_ID", "WHATSAPP_ENABLED", "WHATSAPP_DB_DSN", "TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadEnvironmentConfigDefaults(t *testing.T) {
	clearEnv(t)
	cfg := loadEnvironmentConfig()
	if cfg.StateDir != DefaultStateDir {
		t.Errorf("Expected default state dir %q, got %q", DefaultStateDir, cfg.StateDir)
	}
	if cfg.TimeZone != flow.DefaultTimeZone {
		t.Errorf("Expected default timezone, got %q", cfg.TimeZone)
	}
	if cfg.HoursStart != 6 || cfg.HoursEnd != 22 {
		t.Errorf("Expected hours 6-22, got %d-%d", cfg.HoursStart, cfg.HoursEnd)
	}
	if cfg.MeetingDuration != 45*time.Minute || !cfg.LLMExtraction || cfg.WhatsAppEnabled {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.AgentID != DefaultAgentID {
		t.Errorf("Expected agent %q, got %q", DefaultAgentID, cfg.AgentID)
	}
}

func TestLoadEnvironmentConfigOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("STAGEPIPE_STATE_DIR", "/tmp/sp")
	t.Setenv("BUSINESS_HOURS_START", "8")
	t.Setenv("MEETING_DURATION", "30m")
	t.Setenv("LLM_EXTRACTION_ENABLED", "false")
	t.Setenv("WHATSAPP_ENABLED", "true")

	cfg := loadEnvironmentConfig()
	if cfg.StateDir != "/tmp/sp" || cfg.HoursStart != 8 || cfg.MeetingDuration != 30*time.Minute {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.LLMExtraction || !cfg.WhatsAppEnabled {
		t.Errorf("bool overrides not applied: %+v", cfg)
	}
}

func TestParseCommandLineFlags(t *testing.T) {
	clearEnv(t)
	cfg := loadEnvironmentConfig()

	t.Run("defaults derive database paths from state dir", func(t *testing.T) {
		fs := flag.NewFlagSet("test", flag.ContinueOnError)
		f, err := parseCommandLineFlags(fs, []string{"-state-dir", "/data"}, cfg)
		if err != nil {
			t.Fatalf("parse failed: %v", err)
		}
		if f.DatabaseURL != filepath.Join("/data", DefaultDBFileName) {
			t.Errorf("unexpected db dsn %q", f.DatabaseURL)
		}
		if f.WhatsAppDSN != "file:/data/whatsmeow.db?_foreign_keys=on" {
			t.Errorf("unexpected whatsapp dsn %q", f.WhatsAppDSN)
		}
	})

	t.Run("explicit dsn kept", func(t *testing.T) {
		fs := flag.NewFlagSet("test", flag.ContinueOnError)
		f, err := parseCommandLineFlags(fs, []string{"-db-dsn", "postgres://u:p@localhost/db", "-agent-id", "acme", "-llm-extraction=false"}, cfg)
		if err != nil {
			t.Fatalf("parse failed: %v", err)
		}
		if f.DatabaseURL != "postgres://u:p@localhost/db" || f.AgentID != "acme" || f.LLMExtraction {
			t.Errorf("flags not applied: %+v", f.Config)
		}
	})

	t.Run("invalid hours", func(t *testing.T) {
		bad := cfg
		bad.HoursStart, bad.HoursEnd = 20, 8
		fs := flag.NewFlagSet("test", flag.ContinueOnError)
		if _, err := parseCommandLineFlags(fs, nil, bad); err == nil {
			t.Fatal("expected error for inverted hours")
		}
	})
}

func TestBuildStoreOptions(t *testing.T) {
	tests := []struct {
		dsn      string
		wantType string
	}{
		{"postgres://u:p@localhost/db", "postgres"},
		{"host=localhost dbname=sp", "postgres"},
		{"/var/lib/stagepipe/stagepipe.db", "sqlite3"},
	}
	for _, tt := range tests {
		var opts store.Opts
		for _, o := range buildStoreOptions(Flags{Config: Config{DatabaseURL: tt.dsn}}) {
			o(&opts)
		}
		if opts.Type != tt.wantType || opts.DSN != tt.dsn {
			t.Errorf("dsn %q: got %+v, want type %s", tt.dsn, opts, tt.wantType)
		}
	}
	if opts := buildStoreOptions(Flags{}); len(opts) != 0 {
		t.Errorf("expected no options for empty dsn, got %d", len(opts))
	}
}

func TestBuildFlowConfig(t *testing.T) {
	f := Flags{Config: Config{TimeZone: "UTC", HoursStart: 9, HoursEnd: 18, MeetingDuration: time.Hour, LLMExtraction: true}}
	cfg, err := buildFlowConfig(f)
	if err != nil {
		t.Fatalf("buildFlowConfig failed: %v", err)
	}
	if cfg.Location != time.UTC || cfg.Hours.Start != 9 || cfg.Hours.End != 18 || cfg.MeetingDuration != time.Hour {
		t.Errorf("unexpected config: %+v", cfg)
	}

	f.TimeZone = "Mars/Olympus"
	if _, err := buildFlowConfig(f); err == nil {
		t.Fatal("expected error for unknown timezone")
	}
}

func TestEnsureDirectoriesExist(t *testing.T) {
	root := t.TempDir()
	f := Flags{Config: Config{StateDir: filepath.Join(root, "state"), DatabaseURL: filepath.Join(root, "db", "sp.db")}}
	if err := ensureDirectoriesExist(f); err != nil {
		t.Fatalf("ensureDirectoriesExist failed: %v", err)
	}
	for _, dir := range []string{"state", "db"} {
		if info, err := os.Stat(filepath.Join(root, dir)); err != nil || !info.IsDir() {
			t.Errorf("expected directory %s: %v", dir, err)
		}
	}
}

func TestBuildTwilioServiceDisabled(t *testing.T) {
	svc, err := buildTwilioService(Flags{})
	if err != nil || svc != nil {
		t.Fatalf("expected nil service, got %v %v", svc, err)
	}
}

func TestApplySeed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seed.yaml")
	body := "agents:\n  - id: acme\n    name: Bia\n    stages:\n      - id: only\n        order: 1\n        type: handoff\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	st := store.NewInMemoryStore()
	stages, err := flow.NewStageRegistry(st, 0)
	if err != nil {
		t.Fatalf("NewStageRegistry failed: %v", err)
	}
	if err := applySeed(context.Background(), path, st, stages, nil); err != nil {
		t.Fatalf("applySeed failed: %v", err)
	}
	list, err := stages.Load("acme")
	if err != nil || len(list) != 1 || list[0].ID != "only" {
		t.Fatalf("unexpected stages %+v: %v", list, err)
	}
}
