package flow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/BTreeMap/StagePipe/internal/calendar"
	"github.com/BTreeMap/StagePipe/internal/extract"
	"github.com/BTreeMap/StagePipe/internal/models"
)

func TestMergeNeverReplacesName(t *testing.T) {
	m := NewMerger(extract.DefaultBusinessHours)
	var existing models.Variables
	existing.Set(models.VarName, "Gastão")

	for _, candidate := range []string{"Maria", "Segunda", "João Pedro"} {
		for _, source := range []Source{SourceDeterministic, SourceLLM} {
			res := m.Merge(existing, map[string]string{"name": candidate, "nome": candidate}, source)
			if got := res.Variables.Name; got != "Gastão" {
				t.Errorf("name changed to %q by %s candidate %q", got, source, candidate)
			}
			if res.Discarded[models.VarName] == "" {
				t.Errorf("expected discard reason for name candidate %q", candidate)
			}
		}
	}
}

func TestMergeCanonicalizesSynonyms(t *testing.T) {
	m := NewMerger(extract.DefaultBusinessHours)
	res := m.Merge(models.Variables{}, map[string]string{
		"hora_agendamento": "as 16",
		"data_agendamento": "19-10",
		"E-mail":           "Gastao@Gmail.com",
		"nicho":            "loja de sapatos",
		"budget":           "10k",
	}, SourceLLM)

	want := map[string]string{
		models.VarMeetingTime: "16:00",
		models.VarMeetingDate: "19/10",
		models.VarEmail:       "gastao@gmail.com",
		models.VarArea:        "loja de sapatos",
		"budget":              "10k",
	}
	if diff := cmp.Diff(want, res.Variables.Map()); diff != "" {
		t.Errorf("merged variables mismatch (-want +got):\n%s", diff)
	}
}

func TestCanonicalize(t *testing.T) {
	tests := map[string]string{
		"hora":            models.VarMeetingTime,
		"Horário":         models.VarMeetingTime,
		"data":            models.VarMeetingDate,
		"horario_reuniao": models.VarMeetingTime,
		"meetingcreated":  models.VarMeetingCreated,
		" custom_field ":  "custom_field",
		"Desafio":         models.VarChallenge,
	}
	for in, want := range tests {
		if got := Canonicalize(in); got != want {
			t.Errorf("Canonicalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMergeDiscardsInvalidAndEngineValues(t *testing.T) {
	m := NewMerger(extract.DefaultBusinessHours)
	res := m.Merge(models.Variables{}, map[string]string{
		models.VarMeetingTime:    "23:00",
		models.VarEmail:          "not-an-email",
		models.VarName:           "segunda",
		models.VarMeetingCreated: "true",
		models.VarEventLink:      "https://evil.example",
		models.VarArea:           "   ",
	}, SourceLLM)

	if len(res.Variables.Map()) != 0 {
		t.Errorf("expected nothing merged, got %v", res.Variables.Map())
	}
	for _, key := range []string{models.VarMeetingTime, models.VarEmail, models.VarName, models.VarMeetingCreated, models.VarEventLink} {
		if res.Discarded[key] == "" {
			t.Errorf("expected %s to be discarded with a reason", key)
		}
	}
}

func TestMergeRefreshesMeetingSlotOnlyDeterministically(t *testing.T) {
	m := NewMerger(extract.DefaultBusinessHours)
	var existing models.Variables
	existing.Set(models.VarMeetingDate, "19/10")
	existing.Set(models.VarArea, "padaria")

	res := m.Merge(existing, map[string]string{models.VarMeetingDate: "20/10", models.VarArea: "açougue"}, SourceDeterministic)
	if res.Variables.MeetingDate != "20/10" {
		t.Errorf("deterministic pass should refresh the date, got %q", res.Variables.MeetingDate)
	}
	if res.Variables.Area != "padaria" {
		t.Errorf("area must not be overwritten, got %q", res.Variables.Area)
	}

	res = m.Merge(existing, map[string]string{models.VarMeetingDate: "20/10"}, SourceLLM)
	if res.Variables.MeetingDate != "19/10" {
		t.Errorf("model pass must not refresh the date, got %q", res.Variables.MeetingDate)
	}

	existing.MeetingCreated = true
	res = m.Merge(existing, map[string]string{models.VarMeetingDate: "20/10"}, SourceDeterministic)
	if res.Variables.MeetingDate != "19/10" {
		t.Errorf("date must be frozen once the meeting exists, got %q", res.Variables.MeetingDate)
	}
}

func TestMergeDoesNotMutateExisting(t *testing.T) {
	m := NewMerger(extract.DefaultBusinessHours)
	existing := models.Variables{Extensions: map[string]string{"a": "1"}}
	m.Merge(existing, map[string]string{"b": "2"}, SourceDeterministic)
	if _, ok := existing.Extensions["b"]; ok {
		t.Error("Merge mutated the input variables")
	}
}

func TestDecideLinearAdvance(t *testing.T) {
	stages, _ := models.NewStageList([]models.Stage{
		{ID: "a", Order: 1, Type: models.StageTypeIdentify, RequiredVariables: []string{"name", "area"}},
		{ID: "b", Order: 2, Type: models.StageTypeCustom},
		{ID: "c", Order: 3, Type: models.StageTypeSchedule},
	})
	current := stages.First()

	var both models.Variables
	both.Set("name", "Ana")
	both.Set("area", "varejo")
	tr, _ := Decide(stages, current, both, "ok")
	if tr.Kind != TransitionLinear || tr.To != "b" {
		t.Errorf("expected linear advance to b, got %+v", tr)
	}

	for _, missing := range []string{"name", "area"} {
		vars := both.Clone()
		vars.Set(missing, "")
		tr, _ := Decide(stages, current, vars, "ok")
		if tr.Moves() {
			t.Errorf("advanced without %s: %+v", missing, tr)
		}
	}
}

func TestDecideTerminalStays(t *testing.T) {
	stages := defaultStageList(t)
	tr, _ := Decide(stages, stages.Last(), models.Variables{}, "obrigado")
	if tr.Moves() {
		t.Errorf("terminal stage must not move, got %+v", tr)
	}
}

func TestDecideBuyingIntentShortCircuit(t *testing.T) {
	stages := defaultStageList(t)
	identify := stage(t, stages, "identify")

	var named models.Variables
	named.Set(models.VarName, "Gastão")
	named.Set("placeholder", "x")
	tr, flags := Decide(stages, stage(t, stages, "diagnosis"), named, "I want to schedule a meeting")
	if tr.Kind != TransitionBuyingIntent || tr.To != "schedule" || !flags.BuyingIntent {
		t.Errorf("expected short-circuit to schedule, got %+v %+v", tr, flags)
	}

	// From identify, with the name known.
	tr, _ = Decide(stages, identify, named, "I want to schedule a meeting")
	if tr.To != "schedule" || tr.Kind != TransitionBuyingIntent {
		t.Errorf("expected identify -> schedule, got %+v", tr)
	}

	tr, flags = Decide(stages, identify, models.Variables{}, "quero agendar uma reunião")
	if tr.Moves() || !flags.NeedsBasicInfo {
		t.Errorf("without a name the engine must stay and ask for it, got %+v %+v", tr, flags)
	}

	tr, _ = Decide(stages, stage(t, stages, "schedule"), named, "quero agendar")
	if tr.Kind == TransitionBuyingIntent {
		t.Errorf("intent must not fire from the schedule stage, got %+v", tr)
	}
}

func TestDecideHandoffWins(t *testing.T) {
	stages := defaultStageList(t)
	var named models.Variables
	named.Set(models.VarName, "Ana")
	tr, flags := Decide(stages, stage(t, stages, "diagnosis"), named, "quero agendar, mas prefiro falar com um humano")
	if tr.Kind != TransitionHandoff || tr.To != "confirmation" || !flags.Handoff {
		t.Errorf("expected handoff, got %+v", tr)
	}
}

func TestDecideLLM(t *testing.T) {
	stages := defaultStageList(t)
	diagnosis := stage(t, stages, "diagnosis")
	var vars models.Variables
	if tr := DecideLLM(stages, diagnosis, vars, true, "area given"); tr.Moves() {
		t.Errorf("model advance must respect completeness, got %+v", tr)
	}
	vars.Set(models.VarArea, "varejo")
	if tr := DecideLLM(stages, diagnosis, vars, false, ""); tr.Moves() {
		t.Errorf("no advance proposed, got %+v", tr)
	}
	tr := DecideLLM(stages, diagnosis, vars, true, "area given")
	if tr.Kind != TransitionLLM || tr.To != "qualification" {
		t.Errorf("expected model-driven advance, got %+v", tr)
	}
}

func readyVariables() models.Variables {
	var v models.Variables
	v.Set(models.VarName, "Gastão")
	v.Set(models.VarEmail, "gastao@gmail.com")
	v.Set(models.VarMeetingDate, "19/10")
	v.Set(models.VarMeetingTime, "16:00")
	return v
}

func TestSchedulingReady(t *testing.T) {
	v := readyVariables()
	if !SchedulingReady(v) {
		t.Fatal("expected ready")
	}
	for _, key := range []string{models.VarEmail, models.VarMeetingDate, models.VarMeetingTime} {
		partial := v.Clone()
		partial.Set(key, "")
		if SchedulingReady(partial) {
			t.Errorf("ready without %s", key)
		}
	}
	v.MeetingCreated = true
	if SchedulingReady(v) {
		t.Error("ready after meeting was created")
	}
}

func TestTriggerIsIdempotent(t *testing.T) {
	sched := &fakeScheduler{}
	now := testNow(t)
	trig := NewTrigger(sched, testConfig(t), func() time.Time { return now })

	sess := models.NewSession("t1", "agent-1", models.Stage{ID: "schedule"}, now)
	sess.Variables = readyVariables()
	sess.Variables.MeetingCreated = true

	if out := trig.Run(context.Background(), models.Agent{}, &sess); out.Attempted {
		t.Errorf("expected no attempt, got %+v", out)
	}
	if sched.calls != 0 {
		t.Errorf("expected no external call, got %d", sched.calls)
	}
}

func TestTriggerCreatesMeeting(t *testing.T) {
	sched := &fakeScheduler{}
	now := testNow(t)
	trig := NewTrigger(sched, testConfig(t), func() time.Time { return now })
	sess := models.NewSession("t1", "agent-1", models.Stage{ID: "schedule"}, now)
	sess.Variables = readyVariables()

	out := trig.Run(context.Background(), models.Agent{OwnerID: "owner-1", Company: "Acme"}, &sess)
	if !out.Created || out.Apology != "" {
		t.Fatalf("expected created meeting, got %+v", out)
	}
	if !sess.Variables.MeetingCreated || sess.Variables.EventID != "ev-1" || sess.Variables.EventLink == "" {
		t.Errorf("event not recorded: %+v", sess.Variables)
	}
	req := sched.requests[0]
	wantStart := time.Date(2026, 10, 19, 16, 0, 0, 0, testLocation(t))
	if !req.Start.Equal(wantStart) || req.End.Sub(req.Start) != DefaultMeetingDuration {
		t.Errorf("unexpected meeting window %s - %s", req.Start, req.End)
	}
	if req.AttendeeEmail != "gastao@gmail.com" || !strings.Contains(req.Title, "Gastão") {
		t.Errorf("unexpected request: %+v", req)
	}

	trig.Run(context.Background(), models.Agent{}, &sess)
	if sched.calls != 1 {
		t.Errorf("second run must not call the scheduler, got %d calls", sched.calls)
	}
}

func TestTriggerFailureKeepsStateForRetry(t *testing.T) {
	now := testNow(t)
	tests := []struct {
		name      string
		scheduler MeetingScheduler
		lang      string
		wantText  string
	}{
		{"transient", &fakeScheduler{err: errors.New("503")}, "pt-BR", "tentar de novo"},
		{"missing credential", &fakeScheduler{err: calendar.ErrMissingCredential}, "pt-BR", "equipe vai confirmar"},
		{"no scheduler", nil, "en", "team will confirm"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trig := NewTrigger(tt.scheduler, testConfig(t), func() time.Time { return now })
			sess := models.NewSession("t1", "agent-1", models.Stage{ID: "schedule"}, now)
			sess.Variables = readyVariables()

			out := trig.Run(context.Background(), models.Agent{Language: tt.lang}, &sess)
			if out.Created || out.Err == nil {
				t.Fatalf("expected failure, got %+v", out)
			}
			if !strings.Contains(out.Apology, tt.wantText) {
				t.Errorf("apology %q does not contain %q", out.Apology, tt.wantText)
			}
			if sess.Variables.MeetingCreated {
				t.Error("meetingCreated must stay unset after a failure")
			}
			if !SchedulingReady(sess.Variables) {
				t.Error("session must stay ready so the next turn retries")
			}
		})
	}
}

func TestTriggerTimeoutIsFailure(t *testing.T) {
	now := testNow(t)
	cfg := testConfig(t)
	cfg.CalendarTimeout = 20 * time.Millisecond
	trig := NewTrigger(blockingScheduler{}, cfg, func() time.Time { return now })
	sess := models.NewSession("t1", "agent-1", models.Stage{ID: "schedule"}, now)
	sess.Variables = readyVariables()

	out := trig.Run(context.Background(), models.Agent{}, &sess)
	if out.Created || !errors.Is(out.Err, context.DeadlineExceeded) {
		t.Errorf("expected deadline failure, got %+v", out)
	}
}

type blockingScheduler struct{}

func (blockingScheduler) CreateMeeting(ctx context.Context, ownerID string, req models.MeetingRequest) (models.MeetingResult, error) {
	<-ctx.Done()
	return models.MeetingResult{}, ctx.Err()
}

func TestMeetingStart(t *testing.T) {
	loc := testLocation(t)
	now := testNow(t)

	got, err := MeetingStart("19/10", "16:00", now, loc)
	if err != nil || !got.Equal(time.Date(2026, 10, 19, 16, 0, 0, 0, loc)) {
		t.Errorf("MeetingStart(19/10 16:00) = %v, %v", got, err)
	}
	got, err = MeetingStart("05/01", "9:30", now, loc)
	if err != nil || !got.Equal(time.Date(2027, 1, 5, 9, 30, 0, 0, loc)) {
		t.Errorf("past date should roll to next year, got %v, %v", got, err)
	}
	for _, bad := range [][2]string{{"31/02", "10:00"}, {"1910", "10:00"}, {"19/10", "16h"}} {
		if _, err := MeetingStart(bad[0], bad[1], now, loc); err == nil {
			t.Errorf("expected error for %v", bad)
		}
	}
}

func TestNextBusinessDays(t *testing.T) {
	days := NextBusinessDays(testNow(t), 5)
	var got []string
	for _, d := range days {
		got = append(got, d.Format("02/01 Mon"))
	}
	want := []string{"15/10 Thu", "16/10 Fri", "19/10 Mon", "20/10 Tue", "21/10 Wed"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("business days mismatch (-want +got):\n%s", diff)
	}
}

func promptInput(t *testing.T) PromptInput {
	stages := defaultStageList(t)
	sess := models.NewSession("t1", "agent-1", stages.First(), testNow(t))
	sess.MoveTo("diagnosis")
	sess.Variables.Set(models.VarName, "Gastão")
	return PromptInput{
		Agent:        models.Agent{Name: "Sofia", Company: "Acme", Persona: "consultora simpática", Language: "pt-BR", Rules: []string{"Nunca fale de concorrentes."}},
		Stage:        stage(t, stages, "diagnosis"),
		Stages:       stages,
		Session:      sess,
		Facts:        []string{"Plano básico custa R$ 99.", "  "},
		Now:          testNow(t),
		Location:     testLocation(t),
		BusinessDays: 3,
	}
}

func TestAssemblePromptIsDeterministic(t *testing.T) {
	in := promptInput(t)
	first := AssemblePrompt(in)
	for i := 0; i < 5; i++ {
		if got := AssemblePrompt(in); got != first {
			t.Fatalf("prompt changed between calls:\n%s\n---\n%s", first, got)
		}
	}
}

func TestAssemblePromptBlocks(t *testing.T) {
	p := AssemblePrompt(promptInput(t))
	ordered := []string{
		"# IDENTITY", "You are Sofia, representing Acme.", "Nunca fale de concorrentes.",
		"# CURRENT STATE", "Stage: Diagnóstico (2 of 6, type diagnosis)", `"name": "Gastão"`,
		"Missing for this stage: area", "Now: quarta-feira 14/10/2026 10:00",
		"Next business days: quinta-feira 15/10, sexta-feira 16/10, segunda-feira 19/10",
		"# FACTS", factsBegin, "[1] Plano básico custa R$ 99.", factsEnd,
	}
	pos := 0
	for _, want := range ordered {
		idx := strings.Index(p[pos:], want)
		if idx < 0 {
			t.Fatalf("prompt missing %q after offset %d:\n%s", want, pos, p)
		}
		pos += idx + len(want)
	}
	if strings.Contains(p, "[2]") {
		t.Error("blank facts must be skipped")
	}
	if strings.Contains(p, "# DIRECTIVES") {
		t.Error("no directives expected without special state")
	}
}

func TestAssemblePromptDirectives(t *testing.T) {
	in := promptInput(t)
	in.Flags.NeedsBasicInfo = true
	if p := AssemblePrompt(in); !strings.Contains(p, "Ask for their name first") {
		t.Error("expected ask-for-name directive")
	}

	in = promptInput(t)
	in.Session.Variables.BuyingIntent = true
	if p := AssemblePrompt(in); !strings.Contains(p, "Prioritize scheduling") {
		t.Error("expected scheduling priority directive")
	}

	in.Session.Variables.MeetingCreated = true
	in.Session.Variables.EventLink = "https://meet.example/x"
	p := AssemblePrompt(in)
	if !strings.Contains(p, "do not offer scheduling again") || strings.Contains(p, "Prioritize scheduling") {
		t.Errorf("expected booked directive only:\n%s", p)
	}
	if !strings.Contains(p, "https://meet.example/x") {
		t.Error("expected meeting link in directive")
	}

	in = promptInput(t)
	in.Facts = nil
	if p := AssemblePrompt(in); !strings.Contains(p, "(no facts available)") {
		t.Error("expected empty facts marker")
	}
}
