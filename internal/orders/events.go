package orders

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	EventOrderConfirmed      = "OrderConfirmed"
	EventPaymentOrderCreated = "PaymentOrderCreated"
	EventPaymentCaptured     = "PaymentCaptured"
	EventPaymentFailed       = "PaymentFailed"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order id
	Payload       json.RawMessage `json:"payload"`
}

type OrderConfirmedPayload struct {
	OrderID    string          `json:"order_id"`
	UserID     string          `json:"user_id"`
	Items      []LineItem      `json:"items"`
	Total      decimal.Decimal `json:"total"`
	Currency   string          `json:"currency"`
	PaymentRef string          `json:"payment_ref"`
}

type PaymentOrderCreatedPayload struct {
	OrderID    string          `json:"order_id"`
	UserID     string          `json:"user_id"`
	PaymentRef string          `json:"payment_ref"`
	Total      decimal.Decimal `json:"total"`
	Currency   string          `json:"currency"`
}

type PaymentCapturedPayload struct {
	OrderID    string          `json:"order_id"`
	PaymentRef string          `json:"payment_ref"`
	CaptureID  string          `json:"capture_id"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
}

const (
	ReasonCreateFailed   = "CREATE_FAILED"
	ReasonCaptureFailed  = "CAPTURE_FAILED"
	ReasonExpired        = "EXPIRED"
	ReasonReleasePending = "RELEASE_PENDING"
)

type PaymentFailedPayload struct {
	OrderID    string `json:"order_id"`
	PaymentRef string `json:"payment_ref,omitempty"`
	Reason     string `json:"reason"`
	// StockReleased is false when the inline release failed and the
	// reconciler still has to give the stock back.
	StockReleased bool `json:"stock_released"`
}
