package redisx

import "time"

const (
	// Idempotent payment creation: idem:checkout:create:{Idempotency-Key} -> order_id
	KeyIdemCheckoutCreate = "idem:checkout:create:%s"

	// Cached terminal order: order:{order_id} -> order JSON
	KeyOrder = "order:%s"

	// Dedup of event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLOrderCache  = 10 * time.Minute
	TTLDedup       = 48 * time.Hour
)
