package audit

import "time"

type EventType string

const (
	EventLoginSuccess       EventType = "login_success"
	EventLoginFailed        EventType = "login_failed"
	EventLoginWhileLocked   EventType = "lockout_attempt_while_locked"
	EventAccountLocked      EventType = "account_locked"
	EventLogout             EventType = "logout"
	EventLogoutAll          EventType = "logout_all"
	EventTokenRefresh       EventType = "token_refresh"
	EventTokenRefreshFailed EventType = "token_refresh_failed"
	EventLoginGeo           EventType = "login_geo"
	EventGeoAnomaly         EventType = "geo_anomaly"
)

type Category string

const (
	CategoryAuthentication Category = "authentication"
	CategorySession        Category = "session"
	CategoryAccount        Category = "account"
	CategoryGeo            Category = "geo"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event is a single security-relevant occurrence.
type Event struct {
	ID        string         `json:"id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"event_type"`
	Category  Category       `json:"category"`
	Severity  Severity       `json:"severity"`
	UserID    string         `json:"user_id,omitempty"`
	Email     string         `json:"email,omitempty"`
	IP        string         `json:"ip,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	Success   bool           `json:"success"`
	Message   string         `json:"message,omitempty"`
	Country   string         `json:"country,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type classification struct {
	category Category
	severity Severity
	success  bool
}

var classifications = map[EventType]classification{
	EventLoginSuccess:       {CategoryAuthentication, SeverityInfo, true},
	EventLoginFailed:        {CategoryAuthentication, SeverityWarning, false},
	EventLoginWhileLocked:   {CategoryAccount, SeverityWarning, false},
	EventAccountLocked:      {CategoryAccount, SeverityCritical, false},
	EventLogout:             {CategorySession, SeverityInfo, true},
	EventLogoutAll:          {CategorySession, SeverityInfo, true},
	EventTokenRefresh:       {CategorySession, SeverityInfo, true},
	EventTokenRefreshFailed: {CategorySession, SeverityWarning, false},
	EventLoginGeo:           {CategoryGeo, SeverityInfo, true},
	EventGeoAnomaly:         {CategoryGeo, SeverityWarning, true},
}

// NewEvent returns an event of the given type with its category, severity
// and outcome filled in.
func NewEvent(eventType EventType) Event {
	c, ok := classifications[eventType]
	if !ok {
		c = classification{CategoryAuthentication, SeverityInfo, true}
	}
	return Event{
		Type:     eventType,
		Category: c.category,
		Severity: c.severity,
		Success:  c.success,
	}
}

func (e Event) WithMetadata(key string, value any) Event {
	metadata := make(map[string]any, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		metadata[k] = v
	}
	metadata[key] = value
	e.Metadata = metadata
	return e
}
