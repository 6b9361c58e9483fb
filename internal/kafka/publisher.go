package kafka

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ariefcatur/go-paypal-checkout/internal/orders"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

const eventVersion = 1

// EventPublisher wraps domain events in an envelope and routes them to the
// topic of their type, keyed by order id.
type EventPublisher struct {
	P       *Producer
	Service string

	now   func() time.Time
	newID func() string
}

func NewEventPublisher(p *Producer, service string) *EventPublisher {
	return &EventPublisher{P: p, Service: service, now: time.Now, newID: uuid.NewString}
}

func (e *EventPublisher) Publish(ctx context.Context, eventType, orderID string, payload any) error {
	topic := orders.TopicFor(eventType)
	if topic == "" {
		return fmt.Errorf("no topic for event %q", eventType)
	}
	ev := orders.Envelope{
		EventID:       e.newID(),
		EventType:     eventType,
		EventVersion:  eventVersion,
		OccurredAt:    e.now().UTC(),
		Producer:      e.Service,
		CorrelationID: orderID,
		Payload:       MustMarshal(payload),
	}
	return e.P.Publish(ctx, topic, orders.PartitionKey(orderID), MustMarshal(ev),
		kafka.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafka.Header{Key: "x-event-version", Value: []byte(strconv.Itoa(eventVersion))},
	)
}
