package coord

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// failoverKV tries the primary KV and falls back to an in-process map when
// the primary is unreachable. Cross-instance correctness is lost while
// degraded; callers are expected to know.
type failoverKV struct {
	primary  KV
	fallback *MemoryKV
	logger   *slog.Logger
	degraded atomic.Int64
}

func newFailoverKV(primary KV, logger *slog.Logger) *failoverKV {
	if logger == nil {
		logger = slog.Default()
	}
	return &failoverKV{
		primary:  primary,
		fallback: NewMemoryKV(),
		logger:   logger,
	}
}

// Degraded reports how many operations have been served by the fallback.
func (f *failoverKV) Degraded() int64 {
	return f.degraded.Load()
}

func (f *failoverKV) note(op string, err error) {
	f.degraded.Add(1)
	f.logger.Warn("kv unavailable, serving from in-process fallback",
		"op", op, "error", err)
}

func (f *failoverKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok, err := f.primary.Get(ctx, key)
	if errors.Is(err, ErrUnavailable) {
		f.note("get", err)
		return f.fallback.Get(ctx, key)
	}
	return v, ok, err
}

func (f *failoverKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := f.primary.Set(ctx, key, value, ttl)
	if errors.Is(err, ErrUnavailable) {
		f.note("set", err)
		return f.fallback.Set(ctx, key, value, ttl)
	}
	return err
}

func (f *failoverKV) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := f.primary.SetIfAbsent(ctx, key, value, ttl)
	if errors.Is(err, ErrUnavailable) {
		f.note("setnx", err)
		return f.fallback.SetIfAbsent(ctx, key, value, ttl)
	}
	return ok, err
}

func (f *failoverKV) Delete(ctx context.Context, key string) error {
	err := f.primary.Delete(ctx, key)
	if errors.Is(err, ErrUnavailable) {
		f.note("del", err)
		return f.fallback.Delete(ctx, key)
	}
	return err
}

func (f *failoverKV) CompareAndDelete(ctx context.Context, key string, expect []byte) (bool, error) {
	ok, err := f.primary.CompareAndDelete(ctx, key, expect)
	if errors.Is(err, ErrUnavailable) {
		f.note("cad", err)
		return f.fallback.CompareAndDelete(ctx, key, expect)
	}
	return ok, err
}

func (f *failoverKV) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	d, ok, err := f.primary.TTL(ctx, key)
	if errors.Is(err, ErrUnavailable) {
		f.note("ttl", err)
		return f.fallback.TTL(ctx, key)
	}
	return d, ok, err
}
