package extract

import (
	"regexp"
	"strings"
	"time"
)

// Keyword tables are stored folded (lowercase, no accents) and cover
// Brazilian Portuguese and English.

var reservedWords = toSet(
	// weekdays
	"segunda", "segunda-feira", "terca", "terca-feira", "quarta", "quarta-feira",
	"quinta", "quinta-feira", "sexta", "sexta-feira", "sabado", "domingo",
	"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday",
	// relative dates and periods
	"hoje", "amanha", "ontem", "today", "tomorrow", "yesterday",
	"manha", "tarde", "noite", "morning", "afternoon", "evening", "night",
	// confirmations
	"sim", "nao", "ok", "okay", "oka", "yes", "no", "yep", "nope", "claro", "certo",
	"beleza", "blz", "perfeito", "pode", "isso", "exato", "combinado", "fechado",
	"sure", "fine", "great", "cool", "top", "show", "massa", "otimo", "bom",
	// greetings and fillers
	"oi", "ola", "opa", "eai", "hi", "hello", "hey", "obrigado", "obrigada",
	"valeu", "thanks", "thank", "hmm", "hm", "ah", "eh", "uhum", "aham",
	"entendi", "talvez", "maybe", "kkk", "haha", "rs", "tchau", "bye",
)

var weekdayNames = map[string]time.Weekday{
	"domingo": time.Sunday, "sunday": time.Sunday,
	"segunda": time.Monday, "segunda-feira": time.Monday, "monday": time.Monday,
	"terca": time.Tuesday, "terca-feira": time.Tuesday, "tuesday": time.Tuesday,
	"quarta": time.Wednesday, "quarta-feira": time.Wednesday, "wednesday": time.Wednesday,
	"quinta": time.Thursday, "quinta-feira": time.Thursday, "thursday": time.Thursday,
	"sexta": time.Friday, "sexta-feira": time.Friday, "friday": time.Friday,
	"sabado": time.Saturday, "saturday": time.Saturday,
}

var monthNames = map[string]time.Month{
	"janeiro": time.January, "january": time.January,
	"fevereiro": time.February, "february": time.February,
	"marco": time.March, "march": time.March,
	"abril": time.April, "april": time.April,
	"maio": time.May, "may": time.May,
	"junho": time.June, "june": time.June,
	"julho": time.July, "july": time.July,
	"agosto": time.August, "august": time.August,
	"setembro": time.September, "september": time.September,
	"outubro": time.October, "october": time.October,
	"novembro": time.November, "november": time.November,
	"dezembro": time.December, "december": time.December,
}

// relativeDays is checked longest phrase first.
var relativeDays = []struct {
	phrase string
	offset int
}{
	{"depois de amanha", 2},
	{"day after tomorrow", 2},
	{"amanha", 1},
	{"tomorrow", 1},
	{"hoje", 0},
	{"today", 0},
}

var handoffPhrases = []string{
	"falar com um humano", "falar com humano", "falar com uma pessoa",
	"falar com alguem", "falar com um atendente", "falar com atendente",
	"atendimento humano", "pessoa de verdade", "pessoa real",
	"talk to a person", "talk to a human", "talk to someone",
	"speak to a person", "speak to a human", "speak with a human",
	"human agent", "real person", "live agent",
}

var buyingIntentPhrases = []string{
	"quero agendar", "quero marcar", "vamos agendar", "vamos marcar",
	"podemos agendar", "podemos marcar", "agendar uma reuniao", "marcar uma reuniao",
	"agendar reuniao", "marcar reuniao", "quero contratar", "quero fechar",
	"quero comprar", "como faco para contratar", "como contrato",
	"i want to schedule", "schedule a meeting", "book a meeting", "book a call",
	"schedule a call", "let's schedule", "lets schedule", "i want to buy",
	"i want to sign up", "i'm ready to buy", "im ready to buy",
}

var listSeparators = regexp.MustCompile(`[\s,.;!?]+`)

func toSet(words ...string) map[string]bool {
	out := make(map[string]bool, len(words))
	for _, w := range words {
		out[w] = true
	}
	return out
}

// IsReservedWord reports whether word (any case or accents) is a weekday,
// confirmation, greeting or filler that must never be read as a name.
func IsReservedWord(word string) bool {
	return reservedWords[Fold(word)]
}

// DetectHandoff reports whether the message asks to talk to a human.
func DetectHandoff(message string) bool {
	return containsPhrase(Fold(message), handoffPhrases)
}

// DetectBuyingIntent reports whether the message asks to move on to scheduling.
func DetectBuyingIntent(message string) bool {
	return containsPhrase(Fold(message), buyingIntentPhrases)
}

func containsPhrase(folded string, phrases []string) bool {
	padded := " " + strings.Join(listSeparators.Split(folded, -1), " ") + " "
	for _, p := range phrases {
		if strings.Contains(padded, " "+p+" ") {
			return true
		}
	}
	return false
}

// words splits folded text into tokens, keeping hyphenated words intact.
func words(folded string) []string {
	var out []string
	for _, w := range listSeparators.Split(folded, -1) {
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}
