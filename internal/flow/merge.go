package flow

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/BTreeMap/StagePipe/internal/extract"
	"github.com/BTreeMap/StagePipe/internal/models"
)

// Source tells the merge policy where candidates came from.
type Source string

const (
	SourceDeterministic Source = "deterministic"
	SourceLLM           Source = "llm"
)

// canonicalNames maps synonym keys (folded) to the engine's field names.
var canonicalNames = map[string]string{
	"hora_agendamento": models.VarMeetingTime,
	"hora":             models.VarMeetingTime,
	"horario":          models.VarMeetingTime,
	"time":             models.VarMeetingTime,
	"meeting_time":     models.VarMeetingTime,
	"data_agendamento": models.VarMeetingDate,
	"data":             models.VarMeetingDate,
	"date":             models.VarMeetingDate,
	"meeting_date":     models.VarMeetingDate,
	"nome":             models.VarName,
	"e-mail":           models.VarEmail,
	"mail":             models.VarEmail,
	"area_atuacao":     models.VarArea,
	"nicho":            models.VarArea,
	"segmento":         models.VarArea,
	"business":         models.VarArea,
	"desafio":          models.VarChallenge,
	"dor":              models.VarChallenge,
	"pain":             models.VarChallenge,
}

// engineMarkers are only ever written by the engine itself.
var engineMarkers = map[string]bool{
	models.VarMeetingCreated: true,
	models.VarBuyingIntent:   true,
	models.VarEventID:        true,
	models.VarEventLink:      true,
}

// Canonicalize maps a variable name to its canonical form. Names the engine
// does not know are returned trimmed and otherwise untouched.
func Canonicalize(name string) string {
	trimmed := strings.TrimSpace(name)
	folded := extract.Fold(trimmed)
	if canonical, ok := canonicalNames[folded]; ok {
		return canonical
	}
	if models.IsWellKnownVariable(trimmed) {
		return trimmed
	}
	for known := range engineMarkers {
		if strings.EqualFold(trimmed, known) {
			return known
		}
	}
	if models.IsWellKnownVariable(folded) {
		return folded
	}
	return trimmed
}

// CanonicalizeAll applies Canonicalize to every key. When two keys collapse
// onto the same name the value of the already canonical key wins.
func CanonicalizeAll(candidates map[string]string) map[string]string {
	keys := make([]string, 0, len(candidates))
	for name := range candidates {
		keys = append(keys, name)
	}
	sort.Strings(keys)

	out := make(map[string]string, len(candidates))
	for _, name := range keys {
		value := candidates[name]
		canonical := Canonicalize(name)
		if _, exists := out[canonical]; exists && canonical != name {
			continue
		}
		out[canonical] = value
	}
	return out
}

// MergeResult reports what a merge changed.
type MergeResult struct {
	Variables models.Variables
	Applied   []string
	Discarded map[string]string // variable -> reason
}

// Merger combines candidates into session variables under the protection rules.
type Merger struct {
	hours extract.BusinessHours
}

// NewMerger creates a merger validating times against hours.
func NewMerger(hours extract.BusinessHours) Merger {
	return Merger{hours: hours}
}

// Merge returns existing updated with the accepted candidates. existing is not
// modified. A stored name is never replaced; other stored values are only
// refreshed for the meeting slot from deterministic candidates while no
// meeting exists.
func (m Merger) Merge(existing models.Variables, candidates map[string]string, source Source) MergeResult {
	res := MergeResult{Variables: existing.Clone(), Discarded: map[string]string{}}
	canonical := CanonicalizeAll(candidates)

	names := make([]string, 0, len(canonical))
	for name := range canonical {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := strings.TrimSpace(canonical[name])
		if name == "" || value == "" {
			continue
		}
		if reason := m.reject(res.Variables, name, value, source); reason != "" {
			res.Discarded[name] = reason
			slog.Debug("Merger.Merge: candidate discarded", "key", name, "value", value, "source", source, "reason", reason)
			continue
		}
		if kind, ok := extract.KindFor(name); ok {
			value = m.hours.Validate(kind, value).Normalized
		}
		if res.Variables.Get(name) == value {
			continue
		}
		res.Variables.Set(name, value)
		res.Applied = append(res.Applied, name)
		slog.Debug("Merger.Merge: candidate applied", "key", name, "value", value, "source", source)
	}
	return res
}

func (m Merger) reject(current models.Variables, name, value string, source Source) string {
	if engineMarkers[name] {
		return "engine-managed variable"
	}
	if name == models.VarName && current.Has(models.VarName) {
		return "name already set"
	}
	if kind, ok := extract.KindFor(name); ok {
		if r := m.hours.Validate(kind, value); !r.Valid {
			return "invalid " + string(kind) + ": " + r.Reason
		}
	}
	if current.Has(name) && !m.canRefresh(current, name, source) {
		return "already set"
	}
	return ""
}

func (m Merger) canRefresh(current models.Variables, name string, source Source) bool {
	if source != SourceDeterministic || current.MeetingCreated {
		return false
	}
	return name == models.VarMeetingDate || name == models.VarMeetingTime
}
