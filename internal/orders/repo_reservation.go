package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ReservationRepo is the Postgres catalog and reservation ledger.
type ReservationRepo struct{ DB *pgxpool.Pool }

func (r *ReservationRepo) Product(ctx context.Context, id int64) (Product, error) {
	p, err := scanProduct(r.DB.QueryRow(ctx, `SELECT id, name, unit_price::text, stock FROM products WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, fmt.Errorf("product %d: %w", id, ErrProductNotFound)
	}
	return p, err
}

func (r *ReservationRepo) Products(ctx context.Context) ([]Product, error) {
	rows, err := r.DB.Query(ctx, `SELECT id, name, unit_price::text, stock FROM products ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Reserve decrements stock with a conditional update per product, in id
// order, inside one transaction. Any shortfall rolls the whole cart back.
func (r *ReservationRepo) Reserve(ctx context.Context, orderID string, lines []CartLine) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var n int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM reservations WHERE order_id=$1`, orderID).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	for _, it := range mergeLines(lines) {
		if it.Quantity <= 0 {
			return fmt.Errorf("product %d: %w", it.ProductID, ErrInvalidQuantity)
		}
		ct, err := tx.Exec(ctx, `UPDATE products SET stock = stock - $2 WHERE id=$1 AND stock >= $2`, it.ProductID, it.Quantity)
		if err != nil {
			return err
		}
		if ct.RowsAffected() != 1 {
			return shortfall(ctx, tx, it)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO reservations(order_id, product_id, qty, status)
			VALUES ($1,$2,$3,'RESERVED')`, orderID, it.ProductID, it.Quantity); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func shortfall(ctx context.Context, tx pgx.Tx, it CartLine) error {
	var (
		name  string
		stock int
	)
	err := tx.QueryRow(ctx, `SELECT name, stock FROM products WHERE id=$1`, it.ProductID).Scan(&name, &stock)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("product %d: %w", it.ProductID, ErrProductNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w for %s (requested %d, available %d)", ErrInsufficientStock, name, it.Quantity, stock)
}

func (r *ReservationRepo) Commit(ctx context.Context, orderID string) error {
	ct, err := r.DB.Exec(ctx, `UPDATE reservations SET status='COMMITTED' WHERE order_id=$1 AND status='RESERVED'`, orderID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() > 0 {
		return nil
	}

	var s string
	err = r.DB.QueryRow(ctx, `SELECT status FROM reservations WHERE order_id=$1 LIMIT 1`, orderID).Scan(&s)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("order %s: %w", orderID, ErrReservationNotFound)
	case err != nil:
		return err
	case ReservationStatus(s) == ReservationReleased:
		return fmt.Errorf("commit released reservation %s: %w", orderID, ErrInvalidOrderState)
	}
	return nil
}

// Release gives reserved stock back. Rows already released or committed are
// left alone, so repeated calls are harmless.
func (r *ReservationRepo) Release(ctx context.Context, orderID string) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		UPDATE reservations SET status='RELEASED'
		WHERE order_id=$1 AND status='RESERVED'
		RETURNING product_id, qty`, orderID)
	if err != nil {
		return err
	}
	var recs []CartLine
	for rows.Next() {
		var x CartLine
		if err := rows.Scan(&x.ProductID, &x.Quantity); err != nil {
			rows.Close()
			return err
		}
		recs = append(recs, x)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, x := range recs {
		if _, err := tx.Exec(ctx, `UPDATE products SET stock = stock + $2 WHERE id=$1`, x.ProductID, x.Quantity); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func scanProduct(row pgx.Row) (Product, error) {
	var (
		p     Product
		price string
	)
	if err := row.Scan(&p.ID, &p.Name, &price, &p.Stock); err != nil {
		return Product{}, err
	}
	d, err := decimal.NewFromString(price)
	if err != nil {
		return Product{}, fmt.Errorf("decode price of %d: %w", p.ID, err)
	}
	p.UnitPrice = d
	return p, nil
}
