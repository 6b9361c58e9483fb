package orders

const (
	TopicOrderConfirmed      = "order.confirmed"
	TopicPaymentOrderCreated = "order.payment.created"
	TopicPaymentCaptured     = "order.payment.captured"
	TopicPaymentFailed       = "order.payment.failed"
)

// TopicFor maps an event type to its topic.
func TopicFor(eventType string) string {
	switch eventType {
	case EventOrderConfirmed:
		return TopicOrderConfirmed
	case EventPaymentOrderCreated:
		return TopicPaymentOrderCreated
	case EventPaymentCaptured:
		return TopicPaymentCaptured
	case EventPaymentFailed:
		return TopicPaymentFailed
	}
	return ""
}

// Partition key = order_id, so every event of one order keeps its order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
