package recovery

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/StagePipe/internal/flow"
	"github.com/BTreeMap/StagePipe/internal/models"
	"github.com/BTreeMap/StagePipe/internal/store"
)

// Mock recoverable for testing
type mockRecoverable struct {
	recoverError  error
	recoverCalled bool
}

func (m *mockRecoverable) RecoverState(ctx context.Context) error {
	m.recoverCalled = true
	return m.recoverError
}

type mockOutbox struct {
	calls int
	err   error
}

func (m *mockOutbox) RecoverStaleMessages() error {
	m.calls++
	return m.err
}

func TestRecoverAllSuccess(t *testing.T) {
	m := NewManager()
	a, b := &mockRecoverable{}, &mockRecoverable{}
	m.Register("a", a)
	m.Register("b", b)

	if err := m.RecoverAll(context.Background()); err != nil {
		t.Fatalf("RecoverAll failed: %v", err)
	}
	if !a.recoverCalled || !b.recoverCalled {
		t.Error("expected every component to be recovered")
	}
}

func TestRecoverAllContinuesAfterFailure(t *testing.T) {
	m := NewManager()
	failing := &mockRecoverable{recoverError: errors.New("boom")}
	after := &mockRecoverable{}
	m.Register("failing", failing)
	m.Register("after", after)

	err := m.RecoverAll(context.Background())
	if err == nil {
		t.Fatal("expected error from failing component")
	}
	if !after.recoverCalled {
		t.Error("components after a failure should still run")
	}
}

func TestRecoverAllCancelled(t *testing.T) {
	m := NewManager()
	r := &mockRecoverable{}
	m.Register("r", r)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.RecoverAll(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if r.recoverCalled {
		t.Error("no component should run after cancellation")
	}
}

func TestOutboxStep(t *testing.T) {
	o := &mockOutbox{}
	if err := Outbox(o).RecoverState(context.Background()); err != nil {
		t.Fatalf("Outbox step failed: %v", err)
	}
	if o.calls != 1 {
		t.Errorf("expected one recovery call, got %d", o.calls)
	}
	o.err = errors.New("db gone")
	if err := Outbox(o).RecoverState(context.Background()); !errors.Is(err, o.err) {
		t.Errorf("expected outbox error, got %v", err)
	}
}

func TestStagesStepSynthesizesDefaults(t *testing.T) {
	st := store.NewInMemoryStore()
	if err := st.SaveAgent(models.Agent{ID: "acme"}); err != nil {
		t.Fatalf("SaveAgent failed: %v", err)
	}
	reg, err := flow.NewStageRegistry(st, 0)
	if err != nil {
		t.Fatalf("NewStageRegistry failed: %v", err)
	}

	if err := Stages(st, reg).RecoverState(context.Background()); err != nil {
		t.Fatalf("Stages step failed: %v", err)
	}
	stages, err := st.ListStages("acme")
	if err != nil {
		t.Fatalf("ListStages failed: %v", err)
	}
	if len(stages) != len(flow.DefaultStages("acme")) {
		t.Errorf("expected default stages persisted, got %d", len(stages))
	}
}
