package extract

import (
	"log/slog"
	"regexp"
	"strings"
	"unicode"

	"github.com/BTreeMap/StagePipe/internal/models"
)

// MaxNameMessageLength is the longest bare message considered as a name.
const MaxNameMessageLength = 30

var (
	emailScanPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
)

// extractName reads a name only from a short single-token message that
// survives every gate. Introductions inside longer sentences are left to the
// model-assisted pass.
func extractName(c *Context) {
	if reason := nameBlocked(c); reason != "" {
		slog.Debug("extract.extractName: skipped", "reason", reason)
		return
	}
	if reason := bareNameBlocked(c.Message); reason != "" {
		slog.Debug("extract.extractName: message not a bare name", "reason", reason)
		return
	}
	r := ValidateName(c.Message)
	if !r.Valid {
		slog.Debug("extract.extractName: discarding name candidate", "value", c.Message, "reason", r.Reason)
		return
	}
	c.Set(models.VarName, r.Normalized, "name")
}

func nameBlocked(c *Context) string {
	switch {
	case c.Consumed():
		return "message consumed as date or time"
	case ValidateName(c.Existing.Name).Valid:
		return "name already known"
	}
	return ""
}

func bareNameBlocked(msg string) string {
	switch {
	case len([]rune(msg)) >= MaxNameMessageLength:
		return "message too long"
	case strings.Contains(msg, "?"):
		return "message is a question"
	case strings.IndexFunc(msg, unicode.IsSpace) >= 0:
		return "message has more than one word"
	}
	return ""
}

func extractEmail(c *Context) {
	raw := emailScanPattern.FindString(c.Message)
	if raw == "" {
		return
	}
	r := ValidateEmail(raw)
	if !r.Valid {
		slog.Debug("extract.extractEmail: discarding email candidate", "value", raw, "reason", r.Reason)
		return
	}
	c.Set(models.VarEmail, r.Normalized, "email")
}
