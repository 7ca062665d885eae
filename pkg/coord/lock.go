package coord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotAcquired is returned when the lock is held by another owner and the
// acquisition deadline passes. Callers enqueue the job for retry.
var ErrNotAcquired = errors.New("coord: lock not acquired")

// Lock is a single-holder distributed lock: SET-if-not-exists with a unique
// owner token, release by compare-and-delete.
type Lock struct {
	kv           KV
	acquireWait  time.Duration
	pollInterval time.Duration
}

// LockOption tunes lock behavior.
type LockOption func(*Lock)

// WithAcquireWait bounds how long Acquire keeps polling a held lock.
func WithAcquireWait(d time.Duration) LockOption {
	return func(l *Lock) { l.acquireWait = d }
}

// NewLock creates a lock manager over the given KV.
func NewLock(kv KV, opts ...LockOption) *Lock {
	l := &Lock{
		kv:           kv,
		acquireWait:  2 * time.Second,
		pollInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire claims key for ttl and returns the owner token required to release
// it. Polls until the acquire deadline, then fails with ErrNotAcquired.
func (l *Lock) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(l.acquireWait)

	for {
		ok, err := l.kv.SetIfAbsent(ctx, key, []byte(token), ttl)
		if err != nil {
			return "", fmt.Errorf("coord: acquire %s: %w", key, err)
		}
		if ok {
			return token, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("%w: %s", ErrNotAcquired, key)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(l.pollInterval):
		}
	}
}

// Release frees key only when token still owns it. Releasing a lock that
// expired and was re-acquired by someone else is a no-op, not an error:
// the hold simply ended earlier than the holder believed.
func (l *Lock) Release(ctx context.Context, key, token string) error {
	ok, err := l.kv.CompareAndDelete(ctx, key, []byte(token))
	if err != nil {
		return fmt.Errorf("coord: release %s: %w", key, err)
	}
	if !ok {
		return nil
	}
	return nil
}

// Held reports whether key is currently locked by any owner.
func (l *Lock) Held(ctx context.Context, key string) (bool, error) {
	_, ok, err := l.kv.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("coord: inspect %s: %w", key, err)
	}
	return ok, nil
}

// MintLockKey builds the per-ticket mint lock key.
func MintLockKey(tenantID, ticketID string) string {
	return fmt.Sprintf("mint:%s:%s", tenantID, ticketID)
}
