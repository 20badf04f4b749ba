package audit

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"crm-backend/internal/messaging"
)

// Sink persists or forwards an audit event.
type Sink interface {
	Record(ctx context.Context, event Event) error
}

type NoOpSink struct{}

func (NoOpSink) Record(context.Context, Event) error { return nil }

// LogSink writes events to the structured log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(_ context.Context, event Event) error {
	fields := []zap.Field{
		zap.String("event_type", string(event.Type)),
		zap.String("category", string(event.Category)),
		zap.String("severity", string(event.Severity)),
		zap.String("user_id", event.UserID),
		zap.String("ip", event.IP),
		zap.Bool("success", event.Success),
	}
	if event.Country != "" {
		fields = append(fields, zap.String("country", event.Country))
	}
	if len(event.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", event.Metadata))
	}

	switch event.Severity {
	case SeverityCritical, SeverityError:
		s.logger.Error("security_event", fields...)
	case SeverityWarning:
		s.logger.Warn("security_event", fields...)
	default:
		s.logger.Info("security_event", fields...)
	}
	return nil
}

// KafkaSink publishes events keyed by user id so one user's events stay on
// one partition.
type KafkaSink struct {
	publisher messaging.Publisher
}

func NewKafkaSink(publisher messaging.Publisher) *KafkaSink {
	return &KafkaSink{publisher: publisher}
}

func (s *KafkaSink) Record(ctx context.Context, event Event) error {
	key := event.UserID
	if key == "" {
		key = string(event.Type)
	}
	return s.publisher.Publish(ctx, key, event)
}

// MultiSink records to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Record(ctx context.Context, event Event) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Sink = NoOpSink{}
	_ Sink = (*LogSink)(nil)
	_ Sink = (*KafkaSink)(nil)
	_ Sink = MultiSink(nil)
	_ Sink = (*Repository)(nil)
)
