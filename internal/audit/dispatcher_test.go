package audit_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	skafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"crm-backend/internal/audit"
	"crm-backend/internal/messaging"
)

type memorySink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *memorySink) Record(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *memorySink) snapshot() []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Event(nil), s.events...)
}

type failingSink struct{}

func (failingSink) Record(context.Context, audit.Event) error {
	return errors.New("sink down")
}

type panickingSink struct{}

func (panickingSink) Record(context.Context, audit.Event) error {
	panic("sink exploded")
}

func TestDispatcherDeliversAndDrainsOnClose(t *testing.T) {
	sink := &memorySink{}
	d := audit.NewDispatcher(audit.Config{BufferSize: 16}, sink, zap.NewNop())

	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), audit.NewEvent(audit.EventLoginSuccess))
	}
	d.Close()

	events := sink.snapshot()
	require.Len(t, events, 10)
	for _, event := range events {
		require.NotEmpty(t, event.ID)
		require.False(t, event.Timestamp.IsZero())
		require.Equal(t, audit.CategoryAuthentication, event.Category)
	}
}

func TestDispatcherSurvivesFailingAndPanickingSinks(t *testing.T) {
	sink := &memorySink{}
	d := audit.NewDispatcher(audit.Config{BufferSize: 8}, audit.MultiSink{failingSink{}, sink}, zap.NewNop())
	d.Emit(context.Background(), audit.NewEvent(audit.EventLoginFailed))
	d.Close()
	require.Len(t, sink.snapshot(), 1)
	require.Equal(t, uint64(1), d.Failed())

	p := audit.NewDispatcher(audit.Config{BufferSize: 8}, panickingSink{}, zap.NewNop())
	p.Emit(context.Background(), audit.NewEvent(audit.EventLogout))
	p.Emit(context.Background(), audit.NewEvent(audit.EventLogout))
	p.Close()
	require.Equal(t, uint64(2), p.Failed())
}

func TestDispatcherIgnoresEmitAfterClose(t *testing.T) {
	sink := &memorySink{}
	d := audit.NewDispatcher(audit.Config{BufferSize: 1}, sink, zap.NewNop())
	d.Close()
	d.Emit(context.Background(), audit.NewEvent(audit.EventLogout))
	require.Empty(t, sink.snapshot())

	var nilDispatcher *audit.Dispatcher
	nilDispatcher.Emit(context.Background(), audit.NewEvent(audit.EventLogout))
	require.Zero(t, nilDispatcher.Dropped())
}

func TestNewEventClassifies(t *testing.T) {
	locked := audit.NewEvent(audit.EventAccountLocked)
	require.Equal(t, audit.SeverityCritical, locked.Severity)
	require.Equal(t, audit.CategoryAccount, locked.Category)
	require.False(t, locked.Success)

	geo := audit.NewEvent(audit.EventGeoAnomaly).WithMetadata("typical_countries", []string{"US"})
	require.Equal(t, audit.SeverityWarning, geo.Severity)
	require.Equal(t, []string{"US"}, geo.Metadata["typical_countries"])
}

type recordingWriter struct {
	msgs []skafka.Message
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...skafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestKafkaSinkKeysByUser(t *testing.T) {
	w := &recordingWriter{}
	sink := audit.NewKafkaSink(messaging.NewKafkaPublisherWithWriter(w, "crm.security-events"))

	event := audit.NewEvent(audit.EventLoginSuccess)
	event.UserID = "user-42"
	require.NoError(t, sink.Record(context.Background(), event))

	anonymous := audit.NewEvent(audit.EventLoginFailed)
	require.NoError(t, sink.Record(context.Background(), anonymous))

	require.Len(t, w.msgs, 2)
	require.Equal(t, "user-42", string(w.msgs[0].Key))
	require.Equal(t, "login_failed", string(w.msgs[1].Key))
}
