package flow

import (
	"time"

	"github.com/BTreeMap/StagePipe/internal/extract"
)

// Default engine settings.
const (
	DefaultTimeZone        = "America/Sao_Paulo"
	DefaultMeetingDuration = 45 * time.Minute
	DefaultBusinessDays    = 5
	DefaultLLMTimeout      = 30 * time.Second
	DefaultCalendarTimeout = 15 * time.Second
	DefaultRetrieveTimeout = 5 * time.Second
)

// Config holds the deployment-specific inputs of the engine.
type Config struct {
	// Location is the zone dates and times are interpreted in.
	Location *time.Location
	// Hours bounds which meeting start hours are accepted.
	Hours extract.BusinessHours
	// MeetingDuration is the length of booked meetings.
	MeetingDuration time.Duration
	// BusinessDays is how many upcoming weekdays the prompt lists.
	BusinessDays int
	// LLMTimeout bounds every language-model call.
	LLMTimeout time.Duration
	// CalendarTimeout bounds the meeting creation call. A timeout counts as a failure.
	CalendarTimeout time.Duration
	// RetrieveTimeout bounds the knowledge lookup.
	RetrieveTimeout time.Duration
	// LLMExtraction enables the model-assisted extraction pass after each reply.
	LLMExtraction bool
}

// DefaultConfig returns the configuration used when none is supplied.
// The zone falls back to UTC when the tz database is unavailable.
func DefaultConfig() Config {
	loc, err := time.LoadLocation(DefaultTimeZone)
	if err != nil {
		loc = time.UTC
	}
	return Config{
		Location:        loc,
		Hours:           extract.DefaultBusinessHours,
		MeetingDuration: DefaultMeetingDuration,
		BusinessDays:    DefaultBusinessDays,
		LLMTimeout:      DefaultLLMTimeout,
		CalendarTimeout: DefaultCalendarTimeout,
		RetrieveTimeout: DefaultRetrieveTimeout,
		LLMExtraction:   true,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Location == nil {
		c.Location = d.Location
	}
	if c.Hours == (extract.BusinessHours{}) {
		c.Hours = d.Hours
	}
	if c.MeetingDuration <= 0 {
		c.MeetingDuration = d.MeetingDuration
	}
	if c.BusinessDays <= 0 {
		c.BusinessDays = d.BusinessDays
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = d.LLMTimeout
	}
	if c.CalendarTimeout <= 0 {
		c.CalendarTimeout = d.CalendarTimeout
	}
	if c.RetrieveTimeout <= 0 {
		c.RetrieveTimeout = d.RetrieveTimeout
	}
	return c
}
