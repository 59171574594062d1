package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogPublisher writes events to the application log. It is the default sink
// when no broker is configured.
type LogPublisher struct {
	logger *zap.Logger
}

var _ Publisher = (*LogPublisher)(nil)

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger.Named("events")}
}

func (p *LogPublisher) Publish(_ context.Context, e Event) error {
	p.logger.Info("domain event",
		zap.String("event_id", e.ID),
		zap.String("type", string(e.Type)),
		zap.String("entity_id", e.EntityID),
		zap.Time("timestamp", e.Timestamp),
		zap.Any("payload", e.Payload),
	)
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}
