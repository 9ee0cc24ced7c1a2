// Package extract turns a free-text user message into candidate variables
// using an ordered list of rule-based passes.
package extract

import (
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/StagePipe/internal/models"
)

// Candidates is the per-turn extraction output. It is never persisted.
type Candidates struct {
	Values               map[string]string
	ConsumedAsDateOrTime bool
}

// Get returns the candidate value for name.
func (c Candidates) Get(name string) (string, bool) {
	v, ok := c.Values[name]
	return v, ok
}

// Context is threaded through every pass of a single extraction run.
type Context struct {
	Message  string // trimmed original message
	Existing models.Variables
	Now      time.Time
	Hours    BusinessHours

	folded     foldedText
	candidates Candidates
}

// Folded returns the accent- and case-folded message.
func (c *Context) Folded() string { return c.folded.text }

// Consumed reports whether an earlier pass read the message as a date or time.
func (c *Context) Consumed() bool { return c.candidates.ConsumedAsDateOrTime }

// Consume marks the message as read as a date or time.
func (c *Context) Consume() { c.candidates.ConsumedAsDateOrTime = true }

// Has reports whether a candidate for name was produced earlier in this run.
func (c *Context) Has(name string) bool {
	_, ok := c.candidates.Values[name]
	return ok
}

// Set records a candidate. The first pass to set a name wins.
func (c *Context) Set(name, value, pass string) {
	if c.Has(name) {
		slog.Debug("extract.Context.Set: candidate already set by earlier pass", "pass", pass, "variable", name, "value", value)
		return
	}
	c.candidates.Values[name] = value
	slog.Debug("extract.Context.Set: candidate extracted", "pass", pass, "variable", name, "value", value)
}

// Extractor is one named pass over the message.
type Extractor struct {
	Name string
	Run  func(c *Context)
}

// DefaultExtractors returns the passes in their required order: date and
// time first so that the name gate can honor the consumed flag.
func DefaultExtractors() []Extractor {
	return []Extractor{
		{Name: "relative_date", Run: extractRelativeDate},
		{Name: "weekday", Run: extractWeekday},
		{Name: "numeric_date", Run: extractNumericDate},
		{Name: "time", Run: extractTime},
		{Name: "phrases", Run: extractPhrases},
		{Name: "name", Run: extractName},
		{Name: "email", Run: extractEmail},
	}
}

// Opts configures a Pipeline.
type Opts struct {
	Extractors []Extractor
	Hours      BusinessHours
	Location   *time.Location
	Clock      func() time.Time
}

// Option is a functional option for configuring a Pipeline.
type Option func(*Opts)

// WithExtractors replaces the pass list.
func WithExtractors(extractors []Extractor) Option {
	return func(o *Opts) { o.Extractors = extractors }
}

// WithBusinessHours sets the accepted meeting hour window.
func WithBusinessHours(h BusinessHours) Option {
	return func(o *Opts) { o.Hours = h }
}

// WithLocation sets the timezone relative dates are computed in.
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) { o.Location = loc }
}

// WithClock overrides the current time source.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) { o.Clock = clock }
}

// Pipeline runs its extractors in order over each message.
type Pipeline struct {
	extractors []Extractor
	hours      BusinessHours
	loc        *time.Location
	clock      func() time.Time
}

// NewPipeline creates a pipeline with the default passes unless overridden.
func NewPipeline(opts ...Option) *Pipeline {
	cfg := Opts{
		Extractors: DefaultExtractors(),
		Hours:      DefaultBusinessHours,
		Location:   time.UTC,
		Clock:      time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Pipeline{extractors: cfg.Extractors, hours: cfg.Hours, loc: cfg.Location, clock: cfg.Clock}
}

// Hours returns the business-hour window the pipeline validates against.
func (p *Pipeline) Hours() BusinessHours { return p.hours }

// Passes returns the names of the configured passes in execution order.
func (p *Pipeline) Passes() []string {
	names := make([]string, len(p.extractors))
	for i, e := range p.extractors {
		names[i] = e.Name
	}
	return names
}

// Extract runs every pass over message.
func (p *Pipeline) Extract(message string, existing models.Variables) Candidates {
	trimmed := strings.TrimSpace(message)
	c := &Context{
		Message:    trimmed,
		Existing:   existing,
		Now:        p.clock().In(p.loc),
		Hours:      p.hours,
		folded:     newFoldedText(trimmed),
		candidates: Candidates{Values: make(map[string]string)},
	}
	if trimmed == "" {
		return c.candidates
	}
	for _, e := range p.extractors {
		e.Run(c)
	}
	return c.candidates
}
