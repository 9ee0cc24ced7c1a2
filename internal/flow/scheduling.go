package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/StagePipe/internal/calendar"
	"github.com/BTreeMap/StagePipe/internal/models"
)

// SchedulingReady reports whether the meeting slot and attendee are known and
// no meeting was booked yet. It is the single precondition of the trigger.
func SchedulingReady(vars models.Variables) bool {
	return vars.Has(models.VarEmail) &&
		vars.Has(models.VarMeetingDate) &&
		vars.Has(models.VarMeetingTime) &&
		!vars.MeetingCreated
}

// MeetingStart resolves a "DD/MM" date and "H:MM" time to an instant in loc.
// The year is the current one unless the date already passed by more than a
// day, in which case it rolls to the next year.
func MeetingStart(date, clock string, now time.Time, loc *time.Location) (time.Time, error) {
	dayStr, monthStr, ok := strings.Cut(strings.TrimSpace(date), "/")
	if !ok {
		return time.Time{}, fmt.Errorf("malformed meeting date %q", date)
	}
	hourStr, minuteStr, ok := strings.Cut(strings.TrimSpace(clock), ":")
	if !ok {
		return time.Time{}, fmt.Errorf("malformed meeting time %q", clock)
	}
	day, err1 := strconv.Atoi(dayStr)
	month, err2 := strconv.Atoi(monthStr)
	hour, err3 := strconv.Atoi(hourStr)
	minute, err4 := strconv.Atoi(minuteStr)
	if err := errors.Join(err1, err2, err3, err4); err != nil {
		return time.Time{}, fmt.Errorf("failed to parse meeting slot %s %s: %w", date, clock, err)
	}

	local := now.In(loc)
	start := time.Date(local.Year(), time.Month(month), day, hour, minute, 0, 0, loc)
	if start.Month() != time.Month(month) {
		return time.Time{}, fmt.Errorf("meeting date %q does not exist", date)
	}
	if start.Before(local.Add(-24 * time.Hour)) {
		start = start.AddDate(1, 0, 0)
	}
	return start, nil
}

// ScheduleOutcome is the result of one trigger evaluation.
type ScheduleOutcome struct {
	Attempted bool
	Created   bool
	Result    models.MeetingResult
	Err       error
	Apology   string
}

// Trigger runs the meeting side effect at most once per turn.
type Trigger struct {
	scheduler MeetingScheduler
	cfg       Config
	now       func() time.Time
}

// NewTrigger creates a trigger. A nil scheduler behaves like a missing credential.
func NewTrigger(scheduler MeetingScheduler, cfg Config, now func() time.Time) *Trigger {
	if now == nil {
		now = time.Now
	}
	return &Trigger{scheduler: scheduler, cfg: cfg.withDefaults(), now: now}
}

// Run books the meeting when SchedulingReady holds. On success the session's
// variables record the event; on failure they are left untouched so the next
// turn retries.
func (t *Trigger) Run(ctx context.Context, agent models.Agent, sess *models.Session) ScheduleOutcome {
	if !SchedulingReady(sess.Variables) {
		return ScheduleOutcome{}
	}
	out := ScheduleOutcome{Attempted: true}
	vars := sess.Variables

	start, err := MeetingStart(vars.MeetingDate, vars.MeetingTime, t.now(), t.cfg.Location)
	if err != nil {
		slog.Warn("Trigger.Run: cannot resolve meeting slot", "threadID", sess.ThreadID, "date", vars.MeetingDate, "time", vars.MeetingTime, "error", err)
		out.Err = err
		out.Apology = apology(agent.Language, false)
		return out
	}
	if t.scheduler == nil {
		out.Err = calendar.ErrMissingCredential
		out.Apology = apology(agent.Language, true)
		slog.Warn("Trigger.Run: no meeting scheduler configured", "threadID", sess.ThreadID)
		return out
	}

	req := models.MeetingRequest{
		Title:         meetingTitle(agent, vars),
		Start:         start,
		End:           start.Add(t.cfg.MeetingDuration),
		AttendeeEmail: vars.Email,
		Notes:         meetingNotes(vars),
	}

	callCtx, cancel := context.WithTimeout(ctx, t.cfg.CalendarTimeout)
	defer cancel()
	res, err := t.scheduler.CreateMeeting(callCtx, agent.OwnerID, req)
	if err != nil {
		missing := errors.Is(err, calendar.ErrMissingCredential)
		if missing {
			slog.Warn("Trigger.Run: calendar credential missing", "threadID", sess.ThreadID, "ownerID", agent.OwnerID)
		} else {
			slog.Error("Trigger.Run: meeting creation failed", "threadID", sess.ThreadID, "error", err)
		}
		out.Err = err
		out.Apology = apology(agent.Language, missing)
		return out
	}

	sess.Variables.MeetingCreated = true
	sess.Variables.EventID = res.ID
	sess.Variables.EventLink = res.Link
	out.Created = true
	out.Result = res
	slog.Info("Trigger.Run: meeting created", "threadID", sess.ThreadID, "eventID", res.ID, "start", start)
	return out
}

func meetingTitle(agent models.Agent, vars models.Variables) string {
	company := agent.Company
	if company == "" {
		company = agent.Name
	}
	if company == "" {
		return "Reunião com " + vars.Name
	}
	return fmt.Sprintf("Reunião %s + %s", company, vars.Name)
}

func meetingNotes(vars models.Variables) string {
	var b strings.Builder
	for _, key := range vars.Keys() {
		if engineMarkers[key] {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", key, vars.Get(key))
	}
	return strings.TrimSpace(b.String())
}

func isPortuguese(lang string) bool {
	lang = strings.ToLower(strings.TrimSpace(lang))
	return lang == "" || strings.HasPrefix(lang, "pt")
}

// apology is appended to the reply when booking fails.
func apology(lang string, missingConfig bool) string {
	if isPortuguese(lang) {
		if missingConfig {
			return "Ainda não consigo marcar reuniões automaticamente por aqui. Nossa equipe vai confirmar o horário com você."
		}
		return "Tive um problema para confirmar a reunião agora. Vou tentar de novo em instantes."
	}
	if missingConfig {
		return "I can't book meetings automatically yet. Our team will confirm the time with you."
	}
	return "I had trouble confirming the meeting just now. I'll try again shortly."
}
