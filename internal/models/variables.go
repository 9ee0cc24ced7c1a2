package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Well-known variable names. Any other name lands in Variables.Extensions.
const (
	VarName           = "name"
	VarEmail          = "email"
	VarArea           = "area"
	VarChallenge      = "challenge"
	VarMeetingDate    = "data_reuniao"
	VarMeetingTime    = "horario_reuniao"
	VarMeetingCreated = "meetingCreated"
	VarBuyingIntent   = "buyingIntent"
	VarEventID        = "eventId"
	VarEventLink      = "eventLink"
)

var wellKnownVariables = map[string]bool{
	VarName: true, VarEmail: true, VarArea: true, VarChallenge: true,
	VarMeetingDate: true, VarMeetingTime: true, VarMeetingCreated: true,
	VarBuyingIntent: true, VarEventID: true, VarEventLink: true,
}

// IsWellKnownVariable reports whether name is one of the engine's fixed fields.
func IsWellKnownVariable(name string) bool {
	return wellKnownVariables[name]
}

// Variables holds the facts collected on a conversation thread.
// JSON form is a flat object keyed by variable name.
type Variables struct {
	Name           string
	Email          string
	Area           string
	Challenge      string
	MeetingDate    string // DD/MM
	MeetingTime    string // H:MM
	MeetingCreated bool
	BuyingIntent   bool
	EventID        string
	EventLink      string
	Extensions     map[string]string
}

// Get returns the value stored under name, or "" when it is absent.
// Boolean markers read as "true" when set.
func (v Variables) Get(name string) string {
	switch name {
	case VarName:
		return v.Name
	case VarEmail:
		return v.Email
	case VarArea:
		return v.Area
	case VarChallenge:
		return v.Challenge
	case VarMeetingDate:
		return v.MeetingDate
	case VarMeetingTime:
		return v.MeetingTime
	case VarMeetingCreated:
		return boolString(v.MeetingCreated)
	case VarBuyingIntent:
		return boolString(v.BuyingIntent)
	case VarEventID:
		return v.EventID
	case VarEventLink:
		return v.EventLink
	}
	if v.Extensions == nil {
		return ""
	}
	return v.Extensions[name]
}

// Has reports whether name holds a non-blank value.
func (v Variables) Has(name string) bool {
	return strings.TrimSpace(v.Get(name)) != ""
}

// Set stores value under name. Boolean markers accept "true", "1", "yes", "sim".
func (v *Variables) Set(name, value string) {
	switch name {
	case VarName:
		v.Name = value
	case VarEmail:
		v.Email = value
	case VarArea:
		v.Area = value
	case VarChallenge:
		v.Challenge = value
	case VarMeetingDate:
		v.MeetingDate = value
	case VarMeetingTime:
		v.MeetingTime = value
	case VarMeetingCreated:
		v.MeetingCreated = parseMarker(value)
	case VarBuyingIntent:
		v.BuyingIntent = parseMarker(value)
	case VarEventID:
		v.EventID = value
	case VarEventLink:
		v.EventLink = value
	default:
		if v.Extensions == nil {
			v.Extensions = make(map[string]string)
		}
		v.Extensions[name] = value
	}
}

// Missing returns the names from required that are not set, preserving order.
func (v Variables) Missing(required []string) []string {
	var missing []string
	for _, name := range required {
		if !v.Has(name) {
			missing = append(missing, name)
		}
	}
	return missing
}

// Map returns every non-empty variable as a flat map.
func (v Variables) Map() map[string]string {
	out := make(map[string]string)
	for name := range wellKnownVariables {
		if val := v.Get(name); strings.TrimSpace(val) != "" {
			out[name] = val
		}
	}
	for name, val := range v.Extensions {
		if strings.TrimSpace(val) != "" {
			out[name] = val
		}
	}
	return out
}

// Keys returns the names of all non-empty variables in sorted order.
func (v Variables) Keys() []string {
	m := v.Map()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy.
func (v Variables) Clone() Variables {
	out := v
	if v.Extensions != nil {
		out.Extensions = make(map[string]string, len(v.Extensions))
		for k, val := range v.Extensions {
			out.Extensions[k] = val
		}
	}
	return out
}

// MarshalJSON encodes the variables as a flat object. Markers encode as booleans.
func (v Variables) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{})
	for name, val := range v.Map() {
		out[name] = val
	}
	if v.MeetingCreated {
		out[VarMeetingCreated] = true
	}
	if v.BuyingIntent {
		out[VarBuyingIntent] = true
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a flat object. Null values are treated as absent.
func (v *Variables) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode variables: %w", err)
	}
	*v = Variables{}
	for name, val := range raw {
		switch typed := val.(type) {
		case nil:
			continue
		case string:
			v.Set(name, typed)
		case bool:
			v.Set(name, boolString(typed))
		case float64:
			v.Set(name, strconv.FormatFloat(typed, 'f', -1, 64))
		default:
			encoded, err := json.Marshal(typed)
			if err != nil {
				return fmt.Errorf("failed to re-encode variable %s: %w", name, err)
			}
			v.Set(name, string(encoded))
		}
	}
	return nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return ""
}

func parseMarker(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes", "sim":
		return true
	}
	return false
}
