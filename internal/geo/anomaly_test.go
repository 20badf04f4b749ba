package geo_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"crm-backend/internal/audit"
	"crm-backend/internal/geo"
)

type fixedLocator struct {
	location *geo.Location
}

func (l fixedLocator) Lookup(context.Context, string) *geo.Location {
	return l.location
}

type stubHistory struct {
	countries []string
	err       error
}

func (h stubHistory) TypicalCountries(context.Context, string, time.Time, int) ([]string, error) {
	return h.countries, h.err
}

type captureEmitter struct {
	mu     sync.Mutex
	events []audit.Event
}

func (e *captureEmitter) Emit(_ context.Context, event audit.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *captureEmitter) types() []audit.EventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]audit.EventType, 0, len(e.events))
	for _, event := range e.events {
		out = append(out, event.Type)
	}
	return out
}

func TestAnomalyDetectedForNewCountry(t *testing.T) {
	emitter := &captureEmitter{}
	detector := geo.NewAnomalyDetector(
		fixedLocator{location: &geo.Location{Country: "Brazil", City: "Recife"}},
		stubHistory{countries: []string{"United States", "Canada"}},
		emitter,
	)

	assessment, err := detector.Check(context.Background(), geo.Login{UserID: "u1", IP: "177.1.1.1"})
	require.NoError(t, err)
	require.True(t, assessment.Anomaly)
	require.Equal(t, []audit.EventType{audit.EventLoginGeo, audit.EventGeoAnomaly}, emitter.types())
	require.Equal(t, "Brazil", emitter.events[1].Country)
}

func TestKnownCountryIsNotAnomalous(t *testing.T) {
	emitter := &captureEmitter{}
	detector := geo.NewAnomalyDetector(
		fixedLocator{location: &geo.Location{Country: "canada"}},
		stubHistory{countries: []string{"United States", "Canada"}},
		emitter,
	)

	assessment, err := detector.Check(context.Background(), geo.Login{UserID: "u1", IP: "24.1.1.1"})
	require.NoError(t, err)
	require.False(t, assessment.Anomaly)
	require.Equal(t, []audit.EventType{audit.EventLoginGeo}, emitter.types())
}

func TestFirstLoginIsNotAnomalous(t *testing.T) {
	emitter := &captureEmitter{}
	detector := geo.NewAnomalyDetector(
		fixedLocator{location: &geo.Location{Country: "Japan"}},
		stubHistory{},
		emitter,
	)

	assessment, err := detector.Check(context.Background(), geo.Login{UserID: "u1", IP: "1.0.16.1"})
	require.NoError(t, err)
	require.False(t, assessment.Anomaly)
	require.Equal(t, []audit.EventType{audit.EventLoginGeo}, emitter.types())
}

func TestLocalOrFailedLookupSkipsCheck(t *testing.T) {
	for name, location := range map[string]*geo.Location{
		"failed lookup": nil,
		"local address": {IsLocal: true, Country: "Local"},
	} {
		t.Run(name, func(t *testing.T) {
			emitter := &captureEmitter{}
			detector := geo.NewAnomalyDetector(fixedLocator{location: location}, stubHistory{err: errors.New("unused")}, emitter)

			assessment, err := detector.Check(context.Background(), geo.Login{UserID: "u1"})
			require.NoError(t, err)
			require.False(t, assessment.Anomaly)
			require.Empty(t, emitter.types())
		})
	}
}

func TestHistoryFailureIsReported(t *testing.T) {
	emitter := &captureEmitter{}
	detector := geo.NewAnomalyDetector(
		fixedLocator{location: &geo.Location{Country: "France"}},
		stubHistory{err: errors.New("db down")},
		emitter,
	)

	_, err := detector.Check(context.Background(), geo.Login{UserID: "u1", IP: "2.2.2.2"})
	require.Error(t, err)
	require.Empty(t, emitter.types())
}
