package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repo is the Postgres order store.
type Repo struct{ DB *pgxpool.Pool }

const orderColumns = `id, user_id, items, total::text, currency, COALESCE(payment_ref, ''), status, capture_attempted, created_at, updated_at`

func (r *Repo) Append(ctx context.Context, o Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("encode items: %w", err)
	}
	_, err = r.DB.Exec(ctx, `
		INSERT INTO orders(id, user_id, items, total, currency, payment_ref, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5, NULLIF($6, ''), $7, $8, $9)`,
		o.ID, o.UserID, items, o.Total.StringFixed(2), o.Currency, o.PaymentReference,
		string(o.Status), o.CreatedAt, o.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("order %s: %w", o.ID, ErrAlreadyExists)
	}
	return err
}

func (r *Repo) Get(ctx context.Context, id string) (Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, fmt.Errorf("order %s: %w", id, ErrOrderNotFound)
	}
	return o, err
}

func (r *Repo) GetByPaymentRef(ctx context.Context, ref string) (Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE payment_ref=$1 AND status <> 'CONFIRMED'`, ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, fmt.Errorf("payment %s: %w", ref, ErrOrderNotFound)
	}
	return o, err
}

// Transition is a compare-and-set on the status column.
func (r *Repo) Transition(ctx context.Context, id string, from, to Status) (Order, error) {
	if !CanTransition(from, to) {
		return Order{}, fmt.Errorf("cannot move %s -> %s: %w", from, to, ErrInvalidOrderState)
	}
	o, err := scanOrder(r.DB.QueryRow(ctx, `
		UPDATE orders SET status=$3, capture_attempted = capture_attempted OR $3 = 'CAPTURING', updated_at=now()
		WHERE id=$1 AND status=$2
		RETURNING `+orderColumns, id, string(from), string(to)))
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, r.explainMiss(ctx, id)
	}
	return o, err
}

func (r *Repo) AttachPaymentRef(ctx context.Context, id, ref string) (Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx, `
		UPDATE orders SET payment_ref=$2, status='CREATED', updated_at=now()
		WHERE id=$1 AND status='INITIATED'
		RETURNING `+orderColumns, id, ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, r.explainMiss(ctx, id)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return Order{}, fmt.Errorf("payment reference %q: %w", ref, ErrAlreadyExists)
	}
	return o, err
}

func (r *Repo) Stale(ctx context.Context, statuses []Status, before time.Time) ([]Order, error) {
	ss := make([]string, 0, len(statuses))
	for _, s := range statuses {
		ss = append(ss, string(s))
	}
	rows, err := r.DB.Query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE status = ANY($1) AND created_at < $2 ORDER BY created_at`, ss, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// explainMiss tells a missing order apart from one in the wrong status.
func (r *Repo) explainMiss(ctx context.Context, id string) error {
	var s string
	err := r.DB.QueryRow(ctx, `SELECT status FROM orders WHERE id=$1`, id).Scan(&s)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("order %s: %w", id, ErrOrderNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("order %s is %s: %w", id, s, ErrInvalidOrderState)
}

func scanOrder(row pgx.Row) (Order, error) {
	var (
		o      Order
		items  []byte
		total  string
		status string
	)
	if err := row.Scan(&o.ID, &o.UserID, &items, &total, &o.Currency, &o.PaymentReference,
		&status, &o.CaptureAttempted, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return Order{}, err
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return Order{}, fmt.Errorf("decode items of %s: %w", o.ID, err)
	}
	t, err := decimal.NewFromString(total)
	if err != nil {
		return Order{}, fmt.Errorf("decode total of %s: %w", o.ID, err)
	}
	o.Total = t
	o.Status = Status(status)
	return o, nil
}
