package postgres

import (
	"context"
	_ "embed"
	"time"

	"github.com/ariefcatur/go-paypal-checkout/internal/orders"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 8
	cfg.MinConns = 1
	cfg.HealthCheckPeriod = 30 * time.Second
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Migrate creates the tables if needed and seeds the catalog. Existing
// products keep their stock.
func Migrate(ctx context.Context, db *pgxpool.Pool, seed []orders.Product) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return err
	}
	batch := &pgx.Batch{}
	for _, p := range seed {
		batch.Queue(`INSERT INTO products(id, name, unit_price, stock) VALUES ($1,$2,$3::numeric,$4)
			ON CONFLICT (id) DO NOTHING`, p.ID, p.Name, p.UnitPrice.StringFixed(2), p.Stock)
	}
	return db.SendBatch(ctx, batch).Close()
}
