package models

import (
	"fmt"
	"sort"
	"strings"
)

// StageType classifies a stage. Only identify/schedule/handoff carry engine semantics.
type StageType string

const (
	StageTypeIdentify  StageType = "identify"
	StageTypeDiagnosis StageType = "diagnosis"
	StageTypeSchedule  StageType = "schedule"
	StageTypeHandoff   StageType = "handoff"
	StageTypeCustom    StageType = "custom"
)

// IsValidStageType checks if the given stage type is supported.
func IsValidStageType(t StageType) bool {
	switch t {
	case StageTypeIdentify, StageTypeDiagnosis, StageTypeSchedule, StageTypeHandoff, StageTypeCustom:
		return true
	default:
		return false
	}
}

// Stage is one phase of an agent's scripted conversation.
type Stage struct {
	ID                string    `json:"id" yaml:"id"`
	AgentID           string    `json:"agent_id" yaml:"agent_id"`
	Name              string    `json:"name" yaml:"name"`
	Order             int       `json:"order" yaml:"order"`
	Type              StageType `json:"type" yaml:"type"`
	RequiredVariables []string  `json:"required_variables" yaml:"required_variables"`
	Instructions      string    `json:"instructions" yaml:"instructions"`
	EntryCondition    string    `json:"entry_condition,omitempty" yaml:"entry_condition"` // advisory, never evaluated
}

// Validate checks a single stage definition.
func (s Stage) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidStage)
	}
	if !IsValidStageType(s.Type) {
		return fmt.Errorf("%w: stage %s has unknown type %q", ErrInvalidStage, s.ID, s.Type)
	}
	return nil
}

// StageList is an agent's stages sorted by Order.
type StageList []Stage

// NewStageList validates the stages and returns them sorted by order. Orders
// must be unique so that the list is a total order.
func NewStageList(stages []Stage) (StageList, error) {
	if len(stages) == 0 {
		return nil, ErrEmptyStageOrder
	}
	seen := make(map[string]bool, len(stages))
	orders := make(map[int]string, len(stages))
	list := make(StageList, len(stages))
	copy(list, stages)
	for _, st := range list {
		if err := st.Validate(); err != nil {
			return nil, err
		}
		if seen[st.ID] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateStage, st.ID)
		}
		seen[st.ID] = true
		if other, ok := orders[st.Order]; ok {
			return nil, fmt.Errorf("%w: stages %s and %s share order %d", ErrInvalidStage, other, st.ID, st.Order)
		}
		orders[st.Order] = st.ID
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].Order < list[j].Order })
	return list, nil
}

// First returns the lowest-order stage.
func (l StageList) First() Stage {
	return l[0]
}

// Last returns the highest-order (terminal) stage.
func (l StageList) Last() Stage {
	return l[len(l)-1]
}

// Find returns the stage with the given id.
func (l StageList) Find(id string) (Stage, bool) {
	for _, st := range l {
		if st.ID == id {
			return st, true
		}
	}
	return Stage{}, false
}

// Position returns the 1-based position of the stage id, or 0 when absent.
func (l StageList) Position(id string) int {
	for i, st := range l {
		if st.ID == id {
			return i + 1
		}
	}
	return 0
}

// Next returns the stage with the next-higher order after id.
func (l StageList) Next(id string) (Stage, bool) {
	current, ok := l.Find(id)
	if !ok {
		return Stage{}, false
	}
	for _, st := range l {
		if st.Order > current.Order {
			return st, true
		}
	}
	return Stage{}, false
}

// FirstOfType returns the lowest-order stage of the given type.
func (l StageList) FirstOfType(t StageType) (Stage, bool) {
	for _, st := range l {
		if st.Type == t {
			return st, true
		}
	}
	return Stage{}, false
}

// IsTerminal reports whether id is the highest-order stage.
func (l StageList) IsTerminal(id string) bool {
	return len(l) > 0 && l.Last().ID == id
}
