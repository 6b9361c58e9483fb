package checkout

import (
	"context"

	"go.uber.org/zap"
)

// LogPublisher writes events to the log. It is used when no broker is configured.
type LogPublisher struct{ Log *zap.Logger }

func (p LogPublisher) Publish(_ context.Context, eventType, orderID string, _ any) error {
	p.Log.Debug("event", zap.String("event", eventType), zap.String("order_id", orderID))
	return nil
}
