package inventory

import (
	"context"
	"fmt"

	kafkax "github.com/ariefcatur/go-paypal-checkout/internal/kafka"
	"github.com/ariefcatur/go-paypal-checkout/internal/orders"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type Releaser interface {
	Release(ctx context.Context, orderID string) error
}

type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

// Service gives back the stock of failed orders. The checkout API releases
// inline; this consumer covers releases that failed or never ran because
// the API died between marking the order failed and releasing.
type Service struct {
	Stock Releaser
	Dedup Deduper
	Log   *zap.Logger
}

// HandlePaymentFailed is installed as the consumer handler of
// order.payment.failed.
func (s *Service) HandlePaymentFailed(ctx context.Context, m kafkago.Message) error {
	env, err := kafkax.DecodeEnvelope(m.Value)
	if err != nil {
		// a broken message will never decode; drop it
		s.Log.Error("skip undecodable message", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	if env.EventType != orders.EventPaymentFailed {
		return nil
	}

	if s.Dedup != nil {
		seen, err := s.Dedup.Seen(ctx, env.EventID)
		if err != nil {
			return fmt.Errorf("dedup lookup: %w", err)
		}
		if seen {
			return nil
		}
	}

	p, err := kafkax.UnwrapPayload[orders.PaymentFailedPayload](env.Payload)
	if err != nil {
		s.Log.Error("skip bad payload", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}

	// Release is idempotent, so a released order costs one no-op update
	if err := s.Stock.Release(ctx, p.OrderID); err != nil {
		return fmt.Errorf("release %s: %w", p.OrderID, err)
	}
	if !p.StockReleased {
		s.Log.Info("released stock", zap.String("order_id", p.OrderID), zap.String("reason", p.Reason))
	}

	if s.Dedup != nil {
		if err := s.Dedup.Mark(ctx, env.EventID); err != nil {
			s.Log.Warn("dedup mark", zap.String("event_id", env.EventID), zap.Error(err))
		}
	}
	return nil
}
