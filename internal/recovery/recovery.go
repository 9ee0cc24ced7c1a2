// Package recovery runs startup recovery steps so that work interrupted by a
// restart is resumed before new traffic is accepted.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/StagePipe/internal/models"
)

// Recoverable restores one component's state during startup.
type Recoverable interface {
	RecoverState(ctx context.Context) error
}

// Func adapts a plain function to Recoverable.
type Func func(ctx context.Context) error

// RecoverState calls f.
func (f Func) RecoverState(ctx context.Context) error { return f(ctx) }

// OutboxRecoverer releases outbox claims abandoned by a crashed process.
type OutboxRecoverer interface {
	RecoverStaleMessages() error
}

// AgentLister lists every configured agent.
type AgentLister interface {
	ListAgents() ([]models.Agent, error)
}

// StageLoader loads an agent's stages, synthesizing defaults when missing.
type StageLoader interface {
	Load(agentID string) (models.StageList, error)
}

// Outbox returns a step that requeues stale outbox messages.
func Outbox(o OutboxRecoverer) Recoverable {
	return Func(func(ctx context.Context) error {
		return o.RecoverStaleMessages()
	})
}

// Stages returns a step that loads every agent's stage list, persisting the
// default pipeline for agents that have none.
func Stages(agents AgentLister, stages StageLoader) Recoverable {
	return Func(func(ctx context.Context) error {
		list, err := agents.ListAgents()
		if err != nil {
			return fmt.Errorf("failed to list agents: %w", err)
		}
		for _, a := range list {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := stages.Load(a.ID); err != nil {
				return fmt.Errorf("agent %s: %w", a.ID, err)
			}
		}
		slog.Debug("recovery.Stages: stage lists loaded", "agents", len(list))
		return nil
	})
}

type step struct {
	name string
	r    Recoverable
}

// Manager runs registered recovery steps in registration order.
type Manager struct {
	steps []step
}

// NewManager creates an empty recovery manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a named step.
func (m *Manager) Register(name string, r Recoverable) {
	m.steps = append(m.steps, step{name: name, r: r})
}

// RecoverAll runs every step. A failing step does not stop the others; the
// returned error reports how many failed.
func (m *Manager) RecoverAll(ctx context.Context) error {
	slog.Info("Starting application recovery", "components", len(m.steps))
	start := time.Now()

	recovered, failed := 0, 0
	for _, s := range m.steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.r.RecoverState(ctx); err != nil {
			slog.Error("Component recovery failed", "component", s.name, "error", err)
			failed++
			continue
		}
		recovered++
	}

	slog.Info("Application recovery completed", "recovered", recovered, "errors", failed, "elapsed", time.Since(start))
	if failed > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", failed, len(m.steps))
	}
	return nil
}
