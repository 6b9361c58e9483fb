package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-paypal-checkout/internal/orders"
	"github.com/redis/go-redis/v9"
)

// OrderCache holds orders that reached a terminal status. Those never
// change again, so the cache needs no invalidation.
type OrderCache struct {
	RDB redis.Cmdable
}

func (c OrderCache) Get(ctx context.Context, id string) (orders.Order, bool, error) {
	b, err := c.RDB.Get(ctx, fmt.Sprintf(KeyOrder, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return orders.Order{}, false, nil
	}
	if err != nil {
		return orders.Order{}, false, err
	}
	var o orders.Order
	if err := json.Unmarshal(b, &o); err != nil {
		return orders.Order{}, false, fmt.Errorf("decode cached order %s: %w", id, err)
	}
	return o, true, nil
}

func (c OrderCache) Put(ctx context.Context, o orders.Order) error {
	if !o.Status.Terminal() {
		return nil
	}
	b, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return c.RDB.Set(ctx, fmt.Sprintf(KeyOrder, o.ID), b, TTLOrderCache).Err()
}
