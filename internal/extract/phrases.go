package extract

import (
	"log/slog"
	"regexp"
	"strings"
	"unicode"

	"github.com/BTreeMap/StagePipe/internal/models"
)

// MaxPhraseLength bounds free-text area and challenge values in runes.
const MaxPhraseLength = 120

// Phrase patterns run on folded text; group 1 is the value.
var areaPatterns = compileAll(
	`\b(?:eu )?trabalho (?:com|na area de|no ramo de|no setor de|em)\s+(.+)`,
	`\batuo (?:com|na area de|no ramo de|no setor de|em)\s+(.+)`,
	`\b(?:minha|nossa) (?:empresa|loja|marca) (?:e|eh) (?:de |do |da )?(.+)`,
	`\b(?:meu|nosso) (?:negocio|ramo|nicho|segmento) (?:e|eh) (?:de |do |da )?(.+)`,
	`\bminha area (?:de atuacao )?(?:e|eh)\s+(.+)`,
	`\b(?:tenho|temos) (?:uma?|um)\s+((?:empresa|loja|clinica|agencia|escritorio|restaurante|consultoria|academia|salao|padaria|farmacia|oficina|startup|e-?commerce)\b.*)`,
	`\bsou (?:dono|dona|proprietario|proprietaria|socio|socia) (?:de|da|do) (?:uma? |um )?(.+)`,
	`\bi work (?:in|with|at)\s+(.+)`,
	`\bmy (?:business|company|store|shop|niche|industry) is\s+(.+)`,
	`\bi (?:run|own|manage) (?:a|an|my|the)\s+(.+)`,
	`\bi (?:have|started) (?:a|an)\s+((?:business|company|store|shop|clinic|agency|restaurant|startup|e-?commerce|bakery|salon|gym)\b.*)`,
	`\bi'?m in (?:the )?(.+?)\s+(?:business|industry|market)\b`,
)

var challengePatterns = compileAll(
	`\b(?:o )?(?:meu|nosso) (?:maior |principal )?(?:desafio|problema|gargalo) (?:hoje |atual |atualmente )?(?:e|eh)\s+(.+)`,
	`\b(?:a )?(?:minha|nossa) (?:maior |principal )?(?:dificuldade|dor) (?:hoje |atual |atualmente )?(?:e|eh)\s+(.+)`,
	`\b(?:estou com|tenho|temos|to com) (?:dificuldade|problema)s? (?:com|em|de|para)\s+(.+)`,
	`\b(?:my|our) (?:biggest |main |current )?(?:challenge|problem|pain point|pain|issue|bottleneck) is\s+(.+)`,
	`\b(?:i|we) (?:struggle|am struggling|are struggling|have trouble|have problems) with\s+(.+)`,
)

var leadingArticle = regexp.MustCompile(`^(?:a|an|the|uma|um|o|os|as)\s+`)

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

// extractPhrases captures free-text area and challenge values. It never
// touches the consumed flag.
func extractPhrases(c *Context) {
	if v, ok := matchPhrase(c, challengePatterns); ok {
		c.Set(models.VarChallenge, v, "phrases")
	}
	if v, ok := matchPhrase(c, areaPatterns); ok {
		c.Set(models.VarArea, v, "phrases")
	}
}

func matchPhrase(c *Context, patterns []*regexp.Regexp) (string, bool) {
	folded := c.folded.text
	for _, re := range patterns {
		loc := re.FindStringSubmatchIndex(folded)
		if loc == nil || loc[2] < 0 {
			continue
		}
		value := cleanPhrase(c.folded.slice(loc[2], loc[3]))
		if value == "" {
			slog.Debug("extract.matchPhrase: empty phrase after cleanup", "pattern", re.String())
			continue
		}
		return value, true
	}
	return "", false
}

// cleanPhrase keeps the rest of the first line, drops a leading article and
// trailing punctuation, and bounds the length.
func cleanPhrase(s string) string {
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if loc := leadingArticle.FindStringIndex(strings.ToLower(s)); loc != nil {
		s = s[loc[1]:]
	}
	s = strings.TrimRightFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune(".,;:!?", r)
	})
	if r := []rune(s); len(r) > MaxPhraseLength {
		s = strings.TrimSpace(string(r[:MaxPhraseLength]))
	}
	return s
}
