package redisx

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ErrInFlight means another request holds the key and has not finished yet.
var ErrInFlight = errors.New("request with this idempotency key is in progress")

const pendingMarker = "-"

// Idempotency remembers the result of a payment creation per client key.
type Idempotency struct {
	RDB redis.Cmdable
}

// Claim reserves key for the caller. It returns the stored result when a
// previous request with the same key already completed.
func (i Idempotency) Claim(ctx context.Context, key string) (string, error) {
	k := fmt.Sprintf(KeyIdemCheckoutCreate, key)
	ok, err := i.RDB.SetNX(ctx, k, pendingMarker, TTLIdempotency).Result()
	if err != nil {
		return "", err
	}
	if ok {
		return "", nil
	}
	v, err := i.RDB.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) || v == pendingMarker {
		return "", ErrInFlight
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

func (i Idempotency) Complete(ctx context.Context, key, result string) error {
	return i.RDB.Set(ctx, fmt.Sprintf(KeyIdemCheckoutCreate, key), result, TTLIdempotency).Err()
}

// Abandon drops a claim so the client may retry with the same key.
func (i Idempotency) Abandon(ctx context.Context, key string) error {
	return i.RDB.Del(ctx, fmt.Sprintf(KeyIdemCheckoutCreate, key)).Err()
}
