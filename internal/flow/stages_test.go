package flow

import (
	"errors"
	"testing"

	"github.com/BTreeMap/StagePipe/internal/models"
	"github.com/BTreeMap/StagePipe/internal/store"
)

// countingStageRepo counts ListStages calls.
type countingStageRepo struct {
	*store.InMemoryStore
	lists int
}

func (c *countingStageRepo) ListStages(agentID string) ([]models.Stage, error) {
	c.lists++
	return c.InMemoryStore.ListStages(agentID)
}

func TestDefaultStagesAreValid(t *testing.T) {
	list := defaultStageList(t)
	wantOrder := []string{"identify", "diagnosis", "qualification", "presentation", "schedule", "confirmation"}
	for i, id := range wantOrder {
		if list[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, list[i].ID)
		}
	}
	if _, ok := list.FirstOfType(models.StageTypeHandoff); !ok {
		t.Error("default pipeline needs a handoff stage")
	}
	if !list.IsTerminal("confirmation") {
		t.Error("confirmation must be terminal")
	}
}

func TestStageRegistry_CachesAndReplaces(t *testing.T) {
	repo := &countingStageRepo{InMemoryStore: store.NewInMemoryStore()}
	reg, err := NewStageRegistry(repo, 4)
	if err != nil {
		t.Fatalf("NewStageRegistry failed: %v", err)
	}

	first, err := reg.Load("agent-1")
	if err != nil || len(first) != 6 {
		t.Fatalf("Load = %d stages, %v", len(first), err)
	}
	reg.Load("agent-1")
	if repo.lists != 1 {
		t.Errorf("expected cached second load, got %d list calls", repo.lists)
	}

	replaced, err := reg.Replace("agent-1", []models.Stage{
		{ID: "b", Order: 2, Type: models.StageTypeSchedule},
		{ID: "a", Order: 1, Type: models.StageTypeIdentify, RequiredVariables: []string{"name"}},
	})
	if err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	if replaced.First().ID != "a" || replaced.First().AgentID != "agent-1" {
		t.Errorf("unexpected replaced list: %+v", replaced)
	}
	loaded, _ := reg.Load("agent-1")
	if len(loaded) != 2 || repo.lists != 2 {
		t.Errorf("expected reload after replace, got %d stages and %d list calls", len(loaded), repo.lists)
	}
}

func TestStageRegistry_RejectsInvalid(t *testing.T) {
	reg, _ := NewStageRegistry(store.NewInMemoryStore(), 0)
	_, err := reg.Replace("agent-1", []models.Stage{{ID: "a", Type: "bogus"}})
	if !errors.Is(err, models.ErrInvalidStage) {
		t.Errorf("expected ErrInvalidStage, got %v", err)
	}
	_, err = reg.Replace("agent-1", []models.Stage{{ID: "a", Type: models.StageTypeCustom}, {ID: "a", Type: models.StageTypeCustom}})
	if !errors.Is(err, models.ErrDuplicateStage) {
		t.Errorf("expected ErrDuplicateStage, got %v", err)
	}
	_, err = reg.Replace("agent-1", []models.Stage{
		{ID: "a", Order: 1, Type: models.StageTypeIdentify},
		{ID: "b", Order: 2, Type: models.StageTypeCustom},
		{ID: "c", Order: 2, Type: models.StageTypeSchedule},
	})
	if !errors.Is(err, models.ErrInvalidStage) {
		t.Errorf("expected ErrInvalidStage for shared order, got %v", err)
	}
}
