package coord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// compareAndDeleteScript deletes a key only when it still holds the expected
// value. GET-then-DEL would race with lock expiry; the script is atomic.
var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisKV implements KV on a Redis client.
type RedisKV struct {
	client redis.UniversalClient
}

// NewRedisKV wraps an existing Redis client.
func NewRedisKV(client redis.UniversalClient) *RedisKV {
	return &RedisKV{client: client}
}

// NewRedisKVFromAddr dials a single-node Redis.
func NewRedisKVFromAddr(addr, password string, db int) *RedisKV {
	return &RedisKV{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := withKVTimeout(ctx)
	defer cancel()

	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, r.wrap("get", key, err)
	}
	return val, true, nil
}

func (r *RedisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := withKVTimeout(ctx)
	defer cancel()

	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return r.wrap("set", key, err)
	}
	return nil
}

func (r *RedisKV) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := withKVTimeout(ctx)
	defer cancel()

	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, r.wrap("setnx", key, err)
	}
	return ok, nil
}

func (r *RedisKV) Delete(ctx context.Context, key string) error {
	ctx, cancel := withKVTimeout(ctx)
	defer cancel()

	if err := r.client.Del(ctx, key).Err(); err != nil {
		return r.wrap("del", key, err)
	}
	return nil
}

func (r *RedisKV) CompareAndDelete(ctx context.Context, key string, expect []byte) (bool, error) {
	ctx, cancel := withKVTimeout(ctx)
	defer cancel()

	res, err := compareAndDeleteScript.Run(ctx, r.client, []string{key}, expect).Int64()
	if err != nil {
		return false, r.wrap("cad", key, err)
	}
	return res == 1, nil
}

func (r *RedisKV) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	ctx, cancel := withKVTimeout(ctx)
	defer cancel()

	d, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, false, r.wrap("ttl", key, err)
	}
	// go-redis: -2 missing key, -1 no expiry.
	if d < 0 {
		return 0, false, nil
	}
	return d, true, nil
}

// Ping verifies connectivity at startup.
func (r *RedisKV) Ping(ctx context.Context) error {
	ctx, cancel := withKVTimeout(ctx)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *RedisKV) wrap(op, key string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, op, key, err)
}
