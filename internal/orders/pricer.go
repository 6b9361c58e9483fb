package orders

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// ProductReader is the read side of the catalog.
type ProductReader interface {
	Product(ctx context.Context, id int64) (Product, error)
}

// Price validates cart against the catalog and returns the priced items and
// the order total rounded to cents. Lines are checked in cart order and the
// first failing line is reported. The catalog is not modified.
func Price(ctx context.Context, catalog ProductReader, cart []CartLine) ([]LineItem, decimal.Decimal, error) {
	if len(cart) == 0 {
		return nil, decimal.Zero, ErrEmptyCart
	}

	items := make([]LineItem, 0, len(cart))
	requested := make(map[int64]int, len(cart))
	total := decimal.Zero

	for _, line := range cart {
		if line.Quantity <= 0 {
			return nil, decimal.Zero, fmt.Errorf("product %d: %w", line.ProductID, ErrInvalidQuantity)
		}
		p, err := catalog.Product(ctx, line.ProductID)
		if err != nil {
			return nil, decimal.Zero, err
		}

		// duplicate lines for one product draw from the same stock
		want := requested[p.ID] + line.Quantity
		if want > p.Stock {
			return nil, decimal.Zero, fmt.Errorf("%w for %s (requested %d, available %d)",
				ErrInsufficientStock, p.Name, want, p.Stock)
		}
		requested[p.ID] = want

		subtotal := p.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity)))
		items = append(items, LineItem{
			ProductID: p.ID,
			Name:      p.Name,
			UnitPrice: p.UnitPrice,
			Quantity:  line.Quantity,
			Subtotal:  subtotal,
		})
		total = total.Add(subtotal)
	}

	return items, total.Round(2), nil
}
