package orders

import (
	"context"
	"slices"
	"time"
)

// Inventory is the catalog plus the stock reservation ledger.
//
// Reserve is all-or-nothing: either every line is decremented or nothing is.
// Reservations are keyed by order id, so Reserve, Commit and Release are safe
// to repeat for the same order.
type Inventory interface {
	ProductReader
	Products(ctx context.Context) ([]Product, error)
	Reserve(ctx context.Context, orderID string, lines []CartLine) error
	Commit(ctx context.Context, orderID string) error
	Release(ctx context.Context, orderID string) error
}

// Store holds orders. Orders are appended once and afterwards only their
// status (and, once, their payment reference) changes.
type Store interface {
	Append(ctx context.Context, o Order) error
	Get(ctx context.Context, id string) (Order, error)
	GetByPaymentRef(ctx context.Context, ref string) (Order, error)
	// Transition moves the order from -> to, failing with ErrInvalidOrderState
	// when the current status is not from.
	Transition(ctx context.Context, id string, from, to Status) (Order, error)
	// AttachPaymentRef records the remote order id and moves INITIATED -> CREATED.
	AttachPaymentRef(ctx context.Context, id, ref string) (Order, error)
	Stale(ctx context.Context, statuses []Status, before time.Time) ([]Order, error)
}

// mergeLines sums quantities per product and sorts by product id, which is
// also the lock order.
func mergeLines(lines []CartLine) []CartLine {
	byID := make(map[int64]int, len(lines))
	ids := make([]int64, 0, len(lines))
	for _, l := range lines {
		if _, ok := byID[l.ProductID]; !ok {
			ids = append(ids, l.ProductID)
		}
		byID[l.ProductID] += l.Quantity
	}
	slices.Sort(ids)
	out := make([]CartLine, 0, len(ids))
	for _, id := range ids {
		out = append(out, CartLine{ProductID: id, Quantity: byID[id]})
	}
	return out
}

var (
	_ Inventory = (*MemInventory)(nil)
	_ Inventory = (*ReservationRepo)(nil)
	_ Store     = (*MemStore)(nil)
	_ Store     = (*Repo)(nil)
)
