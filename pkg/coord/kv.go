// Package coord provides the cross-process coordination primitives shared by
// the mint pipeline and the scan decider: a TTL key-value capability set, a
// single-holder distributed lock, an idempotency store, and a recovery-point
// store.
//
// Production wiring uses Redis; an in-process implementation satisfies the
// same capability set for tests and for degraded operation when Redis is
// unreachable. Degraded mode preserves process-local correctness only.
package coord

import (
	"context"
	"errors"
	"time"
)

// KV is the minimal capability set required by the lock, idempotency, and
// recovery stores: TTL'd values with an atomic set-if-absent.
type KV interface {
	// Get returns the value for key, reporting presence explicitly.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key with the given TTL (0 = no expiry).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetIfAbsent stores value only when key does not exist. Returns true
	// when this call claimed the key.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes key unconditionally.
	Delete(ctx context.Context, key string) error

	// CompareAndDelete removes key only when its current value equals
	// expect. Returns true when a deletion happened.
	CompareAndDelete(ctx context.Context, key string, expect []byte) (bool, error)

	// TTL reports the remaining lifetime of key. Returns ok=false when the
	// key does not exist or has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, bool, error)
}

// ErrUnavailable marks a KV backend that cannot be reached. The idempotency
// and recovery stores degrade to their in-process fallback on this error.
var ErrUnavailable = errors.New("coord: kv unavailable")

// Timeout applied to every KV round trip.
const kvTimeout = 2 * time.Second

func withKVTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, kvTimeout)
}
