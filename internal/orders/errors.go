package orders

import "errors"

// Validation errors. Their messages are safe to show to the caller.
var (
	ErrEmptyCart         = errors.New("cart is empty")
	ErrInvalidQuantity   = errors.New("quantity must be greater than zero")
	ErrProductNotFound   = errors.New("product not found")
	ErrInsufficientStock = errors.New("not enough stock")
)

// Gateway and state errors.
var (
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrGatewayProtocol    = errors.New("payment gateway protocol error")
	ErrPaymentDeclined    = errors.New("payment declined")
	ErrInvalidOrderState  = errors.New("invalid order state")
	ErrOrderNotFound      = errors.New("order not found")
)

var (
	ErrAlreadyExists       = errors.New("order already exists")
	ErrReservationNotFound = errors.New("reservation not found")
)

// IsValidation reports whether err should be surfaced to the caller as a 4xx.
func IsValidation(err error) bool {
	return errors.Is(err, ErrEmptyCart) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrProductNotFound) ||
		errors.Is(err, ErrInsufficientStock)
}
