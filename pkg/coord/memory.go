package coord

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// MemoryKV is an in-process KV with TTL semantics. It backs tests and the
// degraded mode of the idempotency and recovery stores.
type MemoryKV struct {
	mu      sync.Mutex
	entries map[string]memEntry
	clock   func() time.Time
}

type memEntry struct {
	value     []byte
	expiresAt time.Time // zero = no expiry
}

// NewMemoryKV creates an empty in-process KV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		entries: make(map[string]memEntry),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *MemoryKV) WithClock(clock func() time.Time) *MemoryKV {
	m.clock = clock
	return m
}

// expired reports and reaps a stale entry. Caller holds the mutex.
func (m *MemoryKV) live(key string) (memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expiresAt.IsZero() && !m.clock().Before(e.expiresAt) {
		delete(m.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *MemoryKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

func (m *MemoryKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = m.entry(value, ttl)
	return nil
}

func (m *MemoryKV) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.entries[key] = m.entry(value, ttl)
	return true, nil
}

func (m *MemoryKV) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

func (m *MemoryKV) CompareAndDelete(ctx context.Context, key string, expect []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok || !bytes.Equal(e.value, expect) {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}

func (m *MemoryKV) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok || e.expiresAt.IsZero() {
		return 0, false, nil
	}
	return e.expiresAt.Sub(m.clock()), true, nil
}

func (m *MemoryKV) entry(value []byte, ttl time.Duration) memEntry {
	stored := make([]byte, len(value))
	copy(stored, value)
	e := memEntry{value: stored}
	if ttl > 0 {
		e.expiresAt = m.clock().Add(ttl)
	}
	return e
}
