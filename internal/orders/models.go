package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

// CurrencyUSD is the only currency orders are priced in.
const CurrencyUSD = "USD"

// DefaultPaymentRef is used by the synchronous checkout when the caller
// does not supply a payment intent.
const DefaultPaymentRef = "pi_mock"

type Product struct {
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Stock     int             `json:"stock"`
}

type CartLine struct {
	ProductID int64 `json:"productId"`
	Quantity  int   `json:"quantity"`
}

type LineItem struct {
	ProductID int64           `json:"productId"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Quantity  int             `json:"quantity"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

type Order struct {
	ID               string          `json:"id"`
	UserID           string          `json:"userId"`
	Items            []LineItem      `json:"items"`
	Total            decimal.Decimal `json:"total"`
	Currency         string          `json:"currency"`
	PaymentReference string          `json:"paymentReference,omitempty"`
	Status           Status          `json:"status"`
	// CaptureAttempted is set once a capture has been sent to the processor.
	CaptureAttempted bool            `json:"captureAttempted,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Lines turns the priced items back into the quantities to reserve.
func (o Order) Lines() []CartLine {
	out := make([]CartLine, 0, len(o.Items))
	for _, it := range o.Items {
		out = append(out, CartLine{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return out
}

// Capture is what the payment processor reports after a capture call.
type Capture struct {
	ID       string          `json:"captureID"`
	Status   string          `json:"status"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

type ReservationStatus string

const (
	ReservationReserved  ReservationStatus = "RESERVED"
	ReservationCommitted ReservationStatus = "COMMITTED"
	ReservationReleased  ReservationStatus = "RELEASED"
)

// DemoCatalog is the seed catalog used by the in-memory backend and the schema seed.
func DemoCatalog() []Product {
	return []Product{
		{ID: 101, Name: "Node T-Shirt", UnitPrice: decimal.RequireFromString("19.90"), Stock: 50},
		{ID: 102, Name: "Express Mug", UnitPrice: decimal.RequireFromString("9.90"), Stock: 30},
		{ID: 103, Name: "MongoDB Sticker Pack", UnitPrice: decimal.RequireFromString("5.50"), Stock: 100},
	}
}
