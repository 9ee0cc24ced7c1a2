// Package calendar creates meetings on Google Calendar using stored
// service-account or OAuth credentials.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/BTreeMap/StagePipe/internal/models"
)

// DefaultCalendarID is used when a credential names no calendar.
const DefaultCalendarID = "primary"

// ErrMissingCredential is returned when no calendar credential is configured.
var ErrMissingCredential = errors.New("no calendar credential configured")

// CredentialSource looks up stored calendar credentials. Lookups return nil, nil on a miss.
type CredentialSource interface {
	GetCalendarCredential(ownerID string) (*models.CalendarCredential, error)
	AnyCalendarCredential() (*models.CalendarCredential, error)
}

// eventInserter inserts one event into a calendar.
type eventInserter interface {
	Insert(ctx context.Context, calendarID string, ev *gcal.Event) (*gcal.Event, error)
}

// serviceFactory builds an eventInserter from raw credentials JSON.
type serviceFactory func(ctx context.Context, credentialsJSON []byte) (eventInserter, error)

type googleEvents struct {
	svc *gcal.Service
}

func (g googleEvents) Insert(ctx context.Context, calendarID string, ev *gcal.Event) (*gcal.Event, error) {
	return g.svc.Events.Insert(calendarID, ev).
		ConferenceDataVersion(1).
		SendUpdates("all").
		Context(ctx).
		Do()
}

func newGoogleService(ctx context.Context, credentialsJSON []byte) (eventInserter, error) {
	svc, err := gcal.NewService(ctx,
		option.WithCredentialsJSON(credentialsJSON),
		option.WithScopes(gcal.CalendarEventsScope),
	)
	if err != nil {
		return nil, err
	}
	return googleEvents{svc: svc}, nil
}

// Opts configures the calendar client.
type Opts struct {
	TimeZone   string
	Conference bool
}

// Option configures calendar options.
type Option func(*Opts)

// WithTimeZone sets the IANA zone attached to event start and end.
func WithTimeZone(tz string) Option {
	return func(o *Opts) { o.TimeZone = tz }
}

// WithConference toggles requesting a Google Meet link for each event.
func WithConference(enabled bool) Option {
	return func(o *Opts) { o.Conference = enabled }
}

// Client creates meetings, resolving which credential to use per agent owner.
type Client struct {
	creds      CredentialSource
	newService serviceFactory
	opts       Opts
}

// NewClient creates a calendar client reading credentials from creds.
func NewClient(creds CredentialSource, opts ...Option) *Client {
	cfg := Opts{TimeZone: "UTC", Conference: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Client{creds: creds, newService: newGoogleService, opts: cfg}
}

// ResolveCredential returns the credential owned by ownerID, falling back to
// any stored credential for single-tenant deployments.
func (c *Client) ResolveCredential(ownerID string) (*models.CalendarCredential, error) {
	if c.creds == nil {
		return nil, ErrMissingCredential
	}
	if ownerID != "" {
		cred, err := c.creds.GetCalendarCredential(ownerID)
		if err != nil {
			return nil, fmt.Errorf("failed to load calendar credential for %s: %w", ownerID, err)
		}
		if cred != nil {
			return cred, nil
		}
	}
	cred, err := c.creds.AnyCalendarCredential()
	if err != nil {
		return nil, fmt.Errorf("failed to load fallback calendar credential: %w", err)
	}
	if cred == nil || cred.CredentialsJSON == "" {
		return nil, ErrMissingCredential
	}
	slog.Debug("calendar.Client.ResolveCredential: using fallback credential", "ownerID", ownerID, "credentialOwner", cred.OwnerID)
	return cred, nil
}

// CreateMeeting books req on the owner's calendar.
func (c *Client) CreateMeeting(ctx context.Context, ownerID string, req models.MeetingRequest) (models.MeetingResult, error) {
	cred, err := c.ResolveCredential(ownerID)
	if err != nil {
		return models.MeetingResult{}, err
	}
	if !req.End.After(req.Start) {
		return models.MeetingResult{}, fmt.Errorf("meeting end %s is not after start %s", req.End, req.Start)
	}

	svc, err := c.newService(ctx, []byte(cred.CredentialsJSON))
	if err != nil {
		return models.MeetingResult{}, fmt.Errorf("failed to create calendar service: %w", err)
	}
	calendarID := cred.CalendarID
	if calendarID == "" {
		calendarID = DefaultCalendarID
	}

	created, err := svc.Insert(ctx, calendarID, c.buildEvent(req))
	if err != nil {
		slog.Error("calendar.Client.CreateMeeting: insert failed", "calendarID", calendarID, "error", err)
		return models.MeetingResult{}, fmt.Errorf("failed to insert event: %w", err)
	}
	link := created.HangoutLink
	if link == "" {
		link = created.HtmlLink
	}
	slog.Info("calendar.Client.CreateMeeting: event created", "eventID", created.Id, "calendarID", calendarID)
	return models.MeetingResult{ID: created.Id, Link: link}, nil
}

func (c *Client) buildEvent(req models.MeetingRequest) *gcal.Event {
	ev := &gcal.Event{
		Summary:     req.Title,
		Description: req.Notes,
		Start:       &gcal.EventDateTime{DateTime: req.Start.Format(time.RFC3339), TimeZone: c.opts.TimeZone},
		End:         &gcal.EventDateTime{DateTime: req.End.Format(time.RFC3339), TimeZone: c.opts.TimeZone},
	}
	if req.AttendeeEmail != "" {
		ev.Attendees = []*gcal.EventAttendee{{Email: req.AttendeeEmail}}
	}
	if c.opts.Conference {
		ev.ConferenceData = &gcal.ConferenceData{
			CreateRequest: &gcal.CreateConferenceRequest{
				RequestId:             uuid.NewString(),
				ConferenceSolutionKey: &gcal.ConferenceSolutionKey{Type: "hangoutsMeet"},
			},
		}
	}
	return ev
}
