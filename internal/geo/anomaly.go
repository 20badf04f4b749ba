package geo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"crm-backend/internal/audit"
)

const (
	defaultHistoryWindow = 30 * 24 * time.Hour
	defaultTypicalLimit  = 5
)

// Locator is satisfied by Service.
type Locator interface {
	Lookup(ctx context.Context, ip string) *Location
}

type History interface {
	TypicalCountries(ctx context.Context, userID string, since time.Time, limit int) ([]string, error)
}

type EventEmitter interface {
	Emit(ctx context.Context, event audit.Event)
}

type Login struct {
	UserID    string
	Email     string
	IP        string
	UserAgent string
}

type Assessment struct {
	Location         *Location
	TypicalCountries []string
	Anomaly          bool
}

// AnomalyDetector flags logins from a country the user has not logged in
// from recently.
type AnomalyDetector struct {
	locator Locator
	history History
	emitter EventEmitter
	window  time.Duration
	limit   int
	now     func() time.Time
}

func NewAnomalyDetector(locator Locator, history History, emitter EventEmitter) *AnomalyDetector {
	return &AnomalyDetector{
		locator: locator,
		history: history,
		emitter: emitter,
		window:  defaultHistoryWindow,
		limit:   defaultTypicalLimit,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Check records a login_geo event for every resolvable non-local login and
// a geo_anomaly event when the country is outside the user's history. A
// first login, a local address or a failed lookup is never an anomaly.
func (d *AnomalyDetector) Check(ctx context.Context, login Login) (Assessment, error) {
	location := d.locator.Lookup(ctx, login.IP)
	if location == nil || location.IsLocal || location.Country == "" {
		return Assessment{Location: location}, nil
	}

	typical, err := d.history.TypicalCountries(ctx, login.UserID, d.now().Add(-d.window), d.limit)
	if err != nil {
		return Assessment{Location: location}, fmt.Errorf("load login history: %w", err)
	}

	assessment := Assessment{
		Location:         location,
		TypicalCountries: typical,
		Anomaly:          len(typical) > 0 && !containsFold(typical, location.Country),
	}

	d.emitter.Emit(ctx, d.event(audit.EventLoginGeo, login, location))

	if assessment.Anomaly {
		event := d.event(audit.EventGeoAnomaly, login, location).
			WithMetadata("typical_countries", typical)
		event.Message = fmt.Sprintf("Login from unusual location: %s, %s", location.City, location.Country)
		d.emitter.Emit(ctx, event)
	}

	return assessment, nil
}

func (d *AnomalyDetector) event(eventType audit.EventType, login Login, location *Location) audit.Event {
	event := audit.NewEvent(eventType)
	event.UserID = login.UserID
	event.Email = login.Email
	event.IP = login.IP
	event.UserAgent = login.UserAgent
	event.Country = location.Country
	return event.
		WithMetadata("city", location.City).
		WithMetadata("region", location.RegionName).
		WithMetadata("country_code", location.CountryCode)
}

func containsFold(values []string, target string) bool {
	for _, value := range values {
		if strings.EqualFold(value, target) {
			return true
		}
	}
	return false
}
