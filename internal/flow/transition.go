package flow

import (
	"log/slog"

	"github.com/BTreeMap/StagePipe/internal/extract"
	"github.com/BTreeMap/StagePipe/internal/models"
)

// TransitionKind names why a session moved (or stayed).
type TransitionKind string

const (
	TransitionNone         TransitionKind = "none"
	TransitionHandoff      TransitionKind = "handoff"
	TransitionBuyingIntent TransitionKind = "buying_intent"
	TransitionLinear       TransitionKind = "linear"
	TransitionLLM          TransitionKind = "llm"
	TransitionMeeting      TransitionKind = "meeting"
)

// Transition is a decided move between stages.
type Transition struct {
	Kind   TransitionKind
	From   string
	To     string
	Reason string
}

// Moves reports whether the transition changes the current stage.
func (t Transition) Moves() bool {
	return t.Kind != TransitionNone && t.To != "" && t.To != t.From
}

// Flags are per-turn signals consumed by the prompt assembler.
type Flags struct {
	NeedsBasicInfo bool
	BuyingIntent   bool
	Handoff        bool
}

func stay(from, reason string) Transition {
	return Transition{Kind: TransitionNone, From: from, To: from, Reason: reason}
}

// Decide evaluates the transition rules for a message in priority order:
// explicit handoff, buying intent, linear advance. vars must already hold
// this turn's merged variables.
func Decide(stages models.StageList, current models.Stage, vars models.Variables, message string) (Transition, Flags) {
	var flags Flags

	if extract.DetectHandoff(message) {
		flags.Handoff = true
		if target, ok := stages.FirstOfType(models.StageTypeHandoff); ok && target.ID != current.ID {
			return Transition{Kind: TransitionHandoff, From: current.ID, To: target.ID, Reason: "user asked for a human"}, flags
		}
		slog.Debug("flow.Decide: handoff requested without a distinct handoff stage", "stageID", current.ID)
	}

	if extract.DetectBuyingIntent(message) && current.Type != models.StageTypeSchedule && current.Type != models.StageTypeHandoff {
		if !vars.Has(models.VarName) {
			flags.NeedsBasicInfo = true
			slog.Debug("flow.Decide: buying intent without a name", "stageID", current.ID)
		} else if target, ok := stages.FirstOfType(models.StageTypeSchedule); ok && target.Order > current.Order {
			flags.BuyingIntent = true
			return Transition{Kind: TransitionBuyingIntent, From: current.ID, To: target.ID, Reason: "buying intent detected"}, flags
		}
	}

	if t, ok := linearAdvance(stages, current, vars, "required variables complete"); ok {
		return t, flags
	}
	return stay(current.ID, "waiting for required variables"), flags
}

// StageComplete reports whether every required variable of stage is set.
func StageComplete(stage models.Stage, vars models.Variables) bool {
	return len(vars.Missing(stage.RequiredVariables)) == 0
}

func linearAdvance(stages models.StageList, current models.Stage, vars models.Variables, reason string) (Transition, bool) {
	if !StageComplete(current, vars) {
		return Transition{}, false
	}
	next, ok := stages.Next(current.ID)
	if !ok {
		return Transition{}, false
	}
	return Transition{Kind: TransitionLinear, From: current.ID, To: next.ID, Reason: reason}, true
}

// DecideLLM turns the model's advance proposal into a transition. It applies
// the same completeness check as the linear rule.
func DecideLLM(stages models.StageList, current models.Stage, vars models.Variables, advance bool, reason string) Transition {
	if !advance {
		return stay(current.ID, "model proposed no advance")
	}
	t, ok := linearAdvance(stages, current, vars, "model: "+reason)
	if !ok {
		return stay(current.ID, "model advance rejected: stage incomplete or terminal")
	}
	t.Kind = TransitionLLM
	return t
}

// Apply moves the session according to t and reports whether it moved.
func Apply(sess *models.Session, t Transition) bool {
	if !t.Moves() {
		return false
	}
	return sess.MoveTo(t.To)
}
