package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/BTreeMap/StagePipe/internal/models"
)

// Kind identifies which validator applies to a value.
type Kind string

const (
	KindName  Kind = "name"
	KindEmail Kind = "email"
	KindTime  Kind = "time"
	KindDate  Kind = "date"
)

// Result is the outcome of validating a raw value.
type Result struct {
	Valid      bool
	Reason     string
	Normalized string
}

func valid(normalized string) Result { return Result{Valid: true, Normalized: normalized} }

func invalid(reason string) Result { return Result{Reason: reason} }

// MaxNameLength bounds accepted names in runes.
const MaxNameLength = 60

// BusinessHours is the inclusive hour window a meeting may start in.
type BusinessHours struct {
	Start int
	End   int
}

// DefaultBusinessHours accepts meetings starting from 6:00 through 22:59.
var DefaultBusinessHours = BusinessHours{Start: 6, End: 22}

// Contains reports whether hour is inside the window.
func (h BusinessHours) Contains(hour int) bool {
	return hour >= h.Start && hour <= h.End
}

var (
	emailPattern    = regexp.MustCompile(`^[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}$`)
	integerPattern  = regexp.MustCompile(`^\d+$`)
	timeLikePattern = regexp.MustCompile(`^\d{1,2}(?:[:h]\d{0,2})?h?$|^\d{1,2}\s*(?:am|pm)$`)
	datePattern     = regexp.MustCompile(`^(\d{1,2})[/\-](\d{1,2})$`)

	timeAtPattern    = regexp.MustCompile(`^(?:as|at|a partir das|por volta das|umas)\s+(\d{1,2})(?:[:h](\d{2}))?\s*h?$`)
	timeColonPattern = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)
	timeHPattern     = regexp.MustCompile(`^(\d{1,2})h(\d{2})?$`)
	timeBarePattern  = regexp.MustCompile(`^(\d{1,2})$`)
)

// ValidateName checks that raw could plausibly be a person's name.
func ValidateName(raw string) Result {
	trimmed := strings.TrimRight(strings.Join(strings.Fields(raw), " "), ".!,;")
	folded := Fold(trimmed)
	switch {
	case len([]rune(trimmed)) < 2:
		return invalid("too short")
	case len([]rune(trimmed)) > MaxNameLength:
		return invalid("too long")
	case strings.Contains(trimmed, "@"):
		return invalid("looks like an email")
	case integerPattern.MatchString(folded):
		return invalid("pure integer")
	case timeLikePattern.MatchString(folded):
		return invalid("time-like token")
	case reservedWords[folded]:
		return invalid("reserved word")
	}
	for _, r := range trimmed {
		if unicode.IsLetter(r) || r == ' ' || r == '-' || r == '\'' {
			continue
		}
		return invalid(fmt.Sprintf("illegal character %q", r))
	}
	return valid(capitalizeWords(trimmed))
}

// ValidateEmail checks a loosely RFC-shaped address and lowercases it.
func ValidateEmail(raw string) Result {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if !emailPattern.MatchString(normalized) {
		return invalid("not an email address")
	}
	return valid(normalized)
}

// ValidateTime checks raw against the default business hours.
func ValidateTime(raw string) Result {
	return DefaultBusinessHours.ValidateTime(raw)
}

// ValidateTime parses "as H", "H:MM", "HhMM", "Hh" or a bare hour and
// normalizes to "H:MM". Hours outside the window are rejected.
func (h BusinessHours) ValidateTime(raw string) Result {
	hour, minute, ok := parseClock(Fold(raw))
	if !ok {
		return invalid("not a time")
	}
	if minute < 0 || minute > 59 {
		return invalid("minutes out of range")
	}
	if !h.Contains(hour) {
		return invalid(fmt.Sprintf("hour %d outside business hours %d-%d", hour, h.Start, h.End))
	}
	return valid(formatClock(hour, minute))
}

// ValidateDate parses "D/M" or "D-M" and normalizes to "DD/MM".
func ValidateDate(raw string) Result {
	m := datePattern.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return invalid("not a date")
	}
	day, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	if day < 1 || day > 31 {
		return invalid("day out of range")
	}
	if month < 1 || month > 12 {
		return invalid("month out of range")
	}
	return valid(formatDate(day, month))
}

// Validate dispatches to the validator for kind.
func (h BusinessHours) Validate(kind Kind, raw string) Result {
	switch kind {
	case KindName:
		return ValidateName(raw)
	case KindEmail:
		return ValidateEmail(raw)
	case KindTime:
		return h.ValidateTime(raw)
	case KindDate:
		return ValidateDate(raw)
	default:
		return invalid(fmt.Sprintf("unknown kind %q", kind))
	}
}

// KindFor returns the validator kind guarding a variable, if any.
func KindFor(variable string) (Kind, bool) {
	switch variable {
	case models.VarName:
		return KindName, true
	case models.VarEmail:
		return KindEmail, true
	case models.VarMeetingTime:
		return KindTime, true
	case models.VarMeetingDate:
		return KindDate, true
	}
	return "", false
}

func parseClock(folded string) (hour, minute int, ok bool) {
	for _, re := range []*regexp.Regexp{timeAtPattern, timeColonPattern, timeHPattern, timeBarePattern} {
		m := re.FindStringSubmatch(folded)
		if m == nil {
			continue
		}
		hour, _ = strconv.Atoi(m[1])
		if len(m) > 2 && m[2] != "" {
			minute, _ = strconv.Atoi(m[2])
		}
		return hour, minute, true
	}
	return 0, 0, false
}

func formatClock(hour, minute int) string {
	return fmt.Sprintf("%d:%02d", hour, minute)
}

func formatDate(day, month int) string {
	return fmt.Sprintf("%02d/%02d", day, month)
}

func capitalizeWords(s string) string {
	parts := strings.Split(s, " ")
	for i, p := range parts {
		r := []rune(p)
		if len(r) > 0 {
			r[0] = unicode.ToUpper(r[0])
		}
		parts[i] = string(r)
	}
	return strings.Join(parts, " ")
}
