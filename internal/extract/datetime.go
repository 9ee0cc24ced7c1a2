package extract

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/StagePipe/internal/models"
)

var (
	numericDatePattern = regexp.MustCompile(`\b(\d{1,2})[/\-](\d{1,2})(?:[/\-]\d{2,4})?\b`)
	dayOfMonthPattern  = regexp.MustCompile(`\b(?:dia|day)\s+(\d{1,2})(?:st|nd|rd|th)?(?:\s+(?:de|of)\s+([a-z]+))?\b`)
	dayMonthPattern    = regexp.MustCompile(`\b(\d{1,2})(?:st|nd|rd|th)?\s+(?:de\s+|of\s+)?([a-z]+)\b`)
	monthDayPattern    = regexp.MustCompile(`\b([a-z]+)\s+(\d{1,2})(?:st|nd|rd|th)?\b`)

	periodTimePattern = regexp.MustCompile(`\b(\d{1,2})(?::(\d{2}))?\s*h?\s+(?:da|de|in the|of the)\s+(manha|tarde|noite|morning|afternoon|evening|night)\b`)
	ampmTimePattern   = regexp.MustCompile(`\b(\d{1,2})(?::(\d{2}))?\s*(am|pm)\b`)
	colonTimePattern  = regexp.MustCompile(`\b(\d{1,2}):(\d{2})\b`)
	hTimePattern      = regexp.MustCompile(`\b(\d{1,2})h(\d{2})?\b`)
	atTimePattern     = regexp.MustCompile(`\b(?:as|at|around|umas|por volta das|a partir das)\s+(\d{1,2})(?::(\d{2}))?\b`)
)

func extractRelativeDate(c *Context) {
	padded := " " + strings.Join(words(c.Folded()), " ") + " "
	for _, rd := range relativeDays {
		if !strings.Contains(padded, " "+rd.phrase+" ") {
			continue
		}
		d := c.Now.AddDate(0, 0, rd.offset)
		c.Set(models.VarMeetingDate, formatDate(d.Day(), int(d.Month())), "relative_date")
		c.Consume()
		return
	}
}

func extractWeekday(c *Context) {
	if c.Has(models.VarMeetingDate) {
		return
	}
	for _, w := range words(c.Folded()) {
		wd, ok := weekdayNames[w]
		if !ok {
			continue
		}
		d := NextWeekday(c.Now, wd)
		c.Set(models.VarMeetingDate, formatDate(d.Day(), int(d.Month())), "weekday")
		c.Consume()
		return
	}
}

// NextWeekday returns the next date falling on wd, never today.
func NextWeekday(now time.Time, wd time.Weekday) time.Time {
	days := (int(wd) - int(now.Weekday()) + 7) % 7
	if days == 0 {
		days = 7
	}
	return now.AddDate(0, 0, days)
}

func extractNumericDate(c *Context) {
	if c.Has(models.VarMeetingDate) {
		return
	}
	folded := c.Folded()
	if m := numericDatePattern.FindStringSubmatch(folded); m != nil {
		c.setDate(atoi(m[1]), atoi(m[2]), "numeric_date")
		return
	}
	if m := dayOfMonthPattern.FindStringSubmatch(folded); m != nil {
		month := int(c.Now.Month())
		if m[2] != "" {
			if named, ok := monthNames[m[2]]; ok {
				month = int(named)
			}
		}
		c.setDate(atoi(m[1]), month, "numeric_date")
		return
	}
	for _, m := range dayMonthPattern.FindAllStringSubmatch(folded, -1) {
		if month, ok := monthNames[m[2]]; ok {
			c.setDate(atoi(m[1]), int(month), "numeric_date")
			return
		}
	}
	for _, m := range monthDayPattern.FindAllStringSubmatch(folded, -1) {
		if month, ok := monthNames[m[1]]; ok {
			c.setDate(atoi(m[2]), int(month), "numeric_date")
			return
		}
	}
}

// extractTime tries an explicit full-message "at H" first, then time
// expressions anywhere in the message, then a bare number.
func extractTime(c *Context) {
	folded := c.Folded()
	if m := timeAtPattern.FindStringSubmatch(folded); m != nil {
		c.setTime(atoi(m[1]), atoi(m[2]), "time_explicit")
		return
	}
	if hour, minute, ok := findClock(folded); ok {
		c.setTime(hour, minute, "time")
		return
	}
	m := timeBarePattern.FindStringSubmatch(folded)
	if m == nil {
		return
	}
	n := atoi(m[1])
	if c.Hours.Contains(n) {
		c.setTime(n, 0, "bare_number")
	}
	if n >= 1 && n <= 31 && !c.Existing.Has(models.VarMeetingDate) && !c.Has(models.VarMeetingDate) {
		c.setDate(n, int(c.Now.Month()), "bare_number")
	}
}

func findClock(folded string) (hour, minute int, ok bool) {
	if m := periodTimePattern.FindStringSubmatch(folded); m != nil {
		hour = atoi(m[1])
		switch m[3] {
		case "tarde", "noite", "afternoon", "evening", "night":
			if hour < 12 {
				hour += 12
			}
		}
		return hour, atoi(m[2]), true
	}
	if m := ampmTimePattern.FindStringSubmatch(folded); m != nil {
		hour = atoi(m[1])
		if m[3] == "pm" && hour < 12 {
			hour += 12
		}
		if m[3] == "am" && hour == 12 {
			hour = 0
		}
		return hour, atoi(m[2]), true
	}
	for _, re := range []*regexp.Regexp{colonTimePattern, hTimePattern, atTimePattern} {
		if m := re.FindStringSubmatch(folded); m != nil {
			if len(m) > 2 {
				minute = atoi(m[2])
			}
			return atoi(m[1]), minute, true
		}
	}
	return 0, 0, false
}

// setDate stores a valid date and marks the message consumed. Invalid
// matches leave the message available to later passes.
func (c *Context) setDate(day, month int, pass string) {
	r := ValidateDate(formatDate(day, month))
	if !r.Valid {
		slog.Debug("extract.setDate: discarding date candidate", "pass", pass, "day", day, "month", month, "reason", r.Reason)
		return
	}
	c.Set(models.VarMeetingDate, r.Normalized, pass)
	c.Consume()
}

func (c *Context) setTime(hour, minute int, pass string) {
	r := c.Hours.ValidateTime(formatClock(hour, minute))
	if !r.Valid {
		slog.Debug("extract.setTime: discarding time candidate", "pass", pass, "hour", hour, "minute", minute, "reason", r.Reason)
		return
	}
	c.Set(models.VarMeetingTime, r.Normalized, pass)
	c.Consume()
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
