package flow

import (
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/BTreeMap/StagePipe/internal/models"
	"github.com/BTreeMap/StagePipe/internal/store"
)

// DefaultStageCacheSize bounds how many agents' stage lists are cached.
const DefaultStageCacheSize = 256

// DefaultStages returns the six-stage pipeline synthesized for agents without stages.
func DefaultStages(agentID string) []models.Stage {
	return []models.Stage{
		{
			ID: "identify", AgentID: agentID, Name: "Identificação", Order: 1, Type: models.StageTypeIdentify,
			RequiredVariables: []string{models.VarName},
			Instructions:      "Cumprimente o usuário, apresente-se em uma frase e pergunte o nome dele.",
		},
		{
			ID: "diagnosis", AgentID: agentID, Name: "Diagnóstico", Order: 2, Type: models.StageTypeDiagnosis,
			RequiredVariables: []string{models.VarArea},
			Instructions:      "Descubra a área de atuação ou o tipo de negócio do usuário.",
		},
		{
			ID: "qualification", AgentID: agentID, Name: "Qualificação", Order: 3, Type: models.StageTypeCustom,
			RequiredVariables: []string{models.VarChallenge},
			Instructions:      "Entenda o principal desafio ou dor do negócio do usuário.",
		},
		{
			ID: "presentation", AgentID: agentID, Name: "Apresentação", Order: 4, Type: models.StageTypeCustom,
			Instructions: "Conecte o desafio do usuário à solução usando apenas os fatos disponíveis e proponha uma reunião.",
		},
		{
			ID: "schedule", AgentID: agentID, Name: "Agendamento", Order: 5, Type: models.StageTypeSchedule,
			RequiredVariables: []string{models.VarEmail, models.VarMeetingDate, models.VarMeetingTime},
			Instructions:      "Combine dia e horário da reunião e peça o e-mail para enviar o convite.",
		},
		{
			ID: "confirmation", AgentID: agentID, Name: "Confirmação", Order: 6, Type: models.StageTypeHandoff,
			Instructions: "Confirme os detalhes da reunião e agradeça.",
		},
	}
}

// StageRegistry loads stage lists, synthesizing defaults, and caches them per agent.
type StageRegistry struct {
	repo  store.StageRepo
	cache *lru.Cache[string, models.StageList]
}

// NewStageRegistry creates a registry over repo.
func NewStageRegistry(repo store.StageRepo, size int) (*StageRegistry, error) {
	if size <= 0 {
		size = DefaultStageCacheSize
	}
	cache, err := lru.New[string, models.StageList](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create stage cache: %w", err)
	}
	return &StageRegistry{repo: repo, cache: cache}, nil
}

// Load returns the agent's stages sorted by order. When the agent has none,
// the default pipeline is persisted first.
func (r *StageRegistry) Load(agentID string) (models.StageList, error) {
	if list, ok := r.cache.Get(agentID); ok {
		return list, nil
	}
	stages, err := r.repo.ListStages(agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load stages for %s: %w", agentID, err)
	}
	if len(stages) == 0 {
		stages = DefaultStages(agentID)
		if err := r.repo.SaveStages(agentID, stages); err != nil {
			return nil, fmt.Errorf("failed to persist default stages for %s: %w", agentID, err)
		}
		slog.Info("StageRegistry.Load: synthesized default stages", "agentID", agentID, "count", len(stages))
	}
	list, err := models.NewStageList(stages)
	if err != nil {
		return nil, fmt.Errorf("invalid stages for %s: %w", agentID, err)
	}
	r.cache.Add(agentID, list)
	return list, nil
}

// Replace validates and stores a new stage list for the agent.
func (r *StageRegistry) Replace(agentID string, stages []models.Stage) (models.StageList, error) {
	for i := range stages {
		stages[i].AgentID = agentID
	}
	list, err := models.NewStageList(stages)
	if err != nil {
		return nil, err
	}
	if err := r.repo.SaveStages(agentID, list); err != nil {
		return nil, fmt.Errorf("failed to save stages for %s: %w", agentID, err)
	}
	r.cache.Remove(agentID)
	slog.Info("StageRegistry.Replace: stages replaced", "agentID", agentID, "count", len(list))
	return list, nil
}

// Invalidate drops the cached list for agentID.
func (r *StageRegistry) Invalidate(agentID string) {
	r.cache.Remove(agentID)
}
