package extract

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/BTreeMap/StagePipe/internal/models"
)

// Wednesday, 14 October 2026, 10:00 in São Paulo.
func testPipeline(t *testing.T) *Pipeline {
	t.Helper()
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		loc = time.FixedZone("BRT", -3*60*60)
	}
	now := time.Date(2026, time.October, 14, 10, 0, 0, 0, loc)
	return NewPipeline(WithLocation(loc), WithClock(func() time.Time { return now }))
}

func TestPipelinePassOrder(t *testing.T) {
	want := []string{"relative_date", "weekday", "numeric_date", "time", "phrases", "name", "email"}
	if diff := cmp.Diff(want, testPipeline(t).Passes()); diff != "" {
		t.Errorf("pass order mismatch (-want +got):\n%s", diff)
	}
}

func TestPipelineExtractsCases(t *testing.T) {
	cases := []struct {
		name     string
		message  string
		existing models.Variables
		want     map[string]string
		consumed bool
	}{
		{"bare name", "Gastão", models.Variables{}, map[string]string{"name": "Gastão"}, false},
		{"weekday", "segunda", models.Variables{}, map[string]string{"data_reuniao": "19/10"}, true},
		{"weekday today rolls a week", "quarta-feira", models.Variables{}, map[string]string{"data_reuniao": "21/10"}, true},
		{"tomorrow", "pode ser amanhã", models.Variables{}, map[string]string{"data_reuniao": "15/10"}, true},
		{"day after tomorrow", "day after tomorrow works", models.Variables{}, map[string]string{"data_reuniao": "16/10"}, true},
		{"explicit at", "as 16", models.Variables{}, map[string]string{"horario_reuniao": "16:00"}, true},
		{"explicit at out of hours", "as 3", models.Variables{}, map[string]string{}, false},
		{"numeric date and time", "20/10 às 14h30", models.Variables{}, map[string]string{"data_reuniao": "20/10", "horario_reuniao": "14:30"}, true},
		{"day of month name", "dia 5 de novembro às 10", models.Variables{}, map[string]string{"data_reuniao": "05/11", "horario_reuniao": "10:00"}, true},
		{"afternoon shift", "sexta 3 da tarde", models.Variables{}, map[string]string{"data_reuniao": "16/10", "horario_reuniao": "15:00"}, true},
		{"pm", "friday at 4pm", models.Variables{}, map[string]string{"data_reuniao": "16/10", "horario_reuniao": "16:00"}, true},
		{"bare number both", "16", models.Variables{}, map[string]string{"horario_reuniao": "16:00", "data_reuniao": "16/10"}, true},
		{"bare number date known", "16", models.Variables{MeetingDate: "19/10"}, map[string]string{"horario_reuniao": "16:00"}, true},
		{"bare number day only", "3", models.Variables{}, map[string]string{"data_reuniao": "03/10"}, true},
		{"bare number garbage", "45", models.Variables{}, map[string]string{}, false},
		{"area english", "I run a shoe store", models.Variables{Name: "Gastão"}, map[string]string{"area": "shoe store"}, false},
		{"area portuguese", "Eu trabalho com estética automotiva.", models.Variables{}, map[string]string{"area": "estética automotiva"}, false},
		{"challenge english", "my challenge is response time", models.Variables{}, map[string]string{"challenge": "response time"}, false},
		{"challenge portuguese", "Meu maior desafio é gerar leads", models.Variables{}, map[string]string{"challenge": "gerar leads"}, false},
		{"email", "gastao@gmail.com", models.Variables{Name: "Gastão"}, map[string]string{"email": "gastao@gmail.com"}, false},
		{"email in sentence", "meu email é Ana.Souza@Empresa.com.br.", models.Variables{}, map[string]string{"email": "ana.souza@empresa.com.br"}, false},
		{"intro sentence is not a bare name", "Oi, meu nome é Ana e trabalho com moda", models.Variables{}, map[string]string{"area": "moda"}, false},
		{"call me back question", "can you call me back later?", models.Variables{}, map[string]string{}, false},
		{"call me back", "call me back", models.Variables{}, map[string]string{}, false},
		{"me chamo lowercase phrase", "oi, me chamo cliente novo", models.Variables{}, map[string]string{}, false},
		{"bare name trailing period", "Ana.", models.Variables{}, map[string]string{"name": "Ana"}, false},
		{"bare name exclamation", "Gastão!", models.Variables{}, map[string]string{"name": "Gastão"}, false},
		{"duration is not a meeting time", "meu desafio é atender 10 horas por dia", models.Variables{}, map[string]string{"challenge": "atender 10 horas por dia"}, false},
		{"hours duration english", "we work 9 hours a day", models.Variables{}, map[string]string{}, false},
		{"invalid date range does not consume", "we have 10-15 employees", models.Variables{}, map[string]string{}, false},
		{"name known", "Carlos", models.Variables{Name: "Gastão"}, map[string]string{}, false},
		{"question blocks name", "Preço?", models.Variables{}, map[string]string{}, false},
		{"reserved blocks name", "beleza", models.Variables{}, map[string]string{}, false},
	}
	p := testPipeline(t)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := p.Extract(tc.message, tc.existing)
			if diff := cmp.Diff(tc.want, got.Values); diff != "" {
				t.Errorf("Extract(%q) mismatch (-want +got):\n%s", tc.message, diff)
			}
			if got.ConsumedAsDateOrTime != tc.consumed {
				t.Errorf("Extract(%q) consumed = %v, want %v", tc.message, got.ConsumedAsDateOrTime, tc.consumed)
			}
		})
	}
}

func TestPipelineNeverReturnsNameForDateOrTime(t *testing.T) {
	p := testPipeline(t)
	for _, msg := range []string{"segunda", "amanhã", "16", "10h", "as 16", "14:00", "sábado", "dia 20", "3pm", "today"} {
		got := p.Extract(msg, models.Variables{})
		if !got.ConsumedAsDateOrTime {
			t.Errorf("Extract(%q) should be consumed as date or time", msg)
		}
		if _, ok := got.Get(models.VarName); ok {
			t.Errorf("Extract(%q) returned a name candidate", msg)
		}
	}
}

func TestPipelineEmptyMessage(t *testing.T) {
	got := testPipeline(t).Extract("   ", models.Variables{})
	if len(got.Values) != 0 || got.ConsumedAsDateOrTime {
		t.Errorf("expected nothing from blank message, got %+v", got)
	}
}

func TestPipelineCustomExtractors(t *testing.T) {
	var seen []string
	record := func(name string) Extractor {
		return Extractor{Name: name, Run: func(c *Context) { seen = append(seen, name) }}
	}
	p := NewPipeline(WithExtractors([]Extractor{record("a"), record("b")}))
	p.Extract("hello", models.Variables{})
	if diff := cmp.Diff([]string{"a", "b"}, seen); diff != "" {
		t.Errorf("extractors did not run in order (-want +got):\n%s", diff)
	}
}

func TestNextWeekday(t *testing.T) {
	wed := time.Date(2026, time.October, 14, 9, 0, 0, 0, time.UTC)
	if got := NextWeekday(wed, time.Monday); got.Day() != 19 {
		t.Errorf("next Monday = %v", got)
	}
	if got := NextWeekday(wed, time.Wednesday); got.Day() != 21 {
		t.Errorf("next Wednesday = %v", got)
	}
	if got := NextWeekday(wed, time.Thursday); got.Day() != 15 {
		t.Errorf("next Thursday = %v", got)
	}
}
