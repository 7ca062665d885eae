package resiliency

import (
	"errors"
	"sync"
	"time"
)

// Bulkhead categories and their default concurrency caps.
const (
	CategoryMint   = "mint"
	CategoryWallet = "wallet"
	CategoryQuery  = "query"
	CategoryAdmin  = "admin"
)

// DefaultBulkheadCaps is the per-category concurrency table.
var DefaultBulkheadCaps = map[string]int{
	CategoryMint:   10,
	CategoryWallet: 20,
	CategoryQuery:  50,
	CategoryAdmin:  5,
}

// assumedServiceTime feeds the Retry-After estimate: queue depth divided by
// capacity, times an assumed 2s per request.
const assumedServiceTime = 2 * time.Second

// ErrBulkheadFull is returned when a category has no free slots.
var ErrBulkheadFull = errors.New("resiliency: bulkhead full")

// Bulkhead caps in-flight work per category so one workload class cannot
// starve another.
type Bulkhead struct {
	mu       sync.Mutex
	caps     map[string]int
	inFlight map[string]int
	waiting  map[string]int
}

// NewBulkhead creates a bulkhead with the given caps; nil uses the defaults.
func NewBulkhead(caps map[string]int) *Bulkhead {
	if caps == nil {
		caps = DefaultBulkheadCaps
	}
	copied := make(map[string]int, len(caps))
	for k, v := range caps {
		copied[k] = v
	}
	return &Bulkhead{
		caps:     copied,
		inFlight: make(map[string]int),
		waiting:  make(map[string]int),
	}
}

// Acquire claims a slot in category. On exhaustion it returns
// ErrBulkheadFull together with the Retry-After the handler should send.
// The returned release function must be called exactly once, on response
// completion or premature close.
func (b *Bulkhead) Acquire(category string) (release func(), retryAfter time.Duration, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	capacity, ok := b.caps[category]
	if !ok {
		capacity = b.caps[CategoryQuery]
	}

	if b.inFlight[category] >= capacity {
		b.waiting[category]++
		retry := b.retryAfterLocked(category, capacity)
		// The rejected request does not actually wait; the counter models
		// instantaneous queue pressure and decays with the next acquire.
		return nil, retry, ErrBulkheadFull
	}

	if b.waiting[category] > 0 {
		b.waiting[category]--
	}
	b.inFlight[category]++

	var once sync.Once
	release = func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.inFlight[category] > 0 {
				b.inFlight[category]--
			}
		})
	}
	return release, 0, nil
}

// InFlight reports current usage for a category.
func (b *Bulkhead) InFlight(category string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inFlight[category]
}

// Capacity reports the configured cap for a category.
func (b *Bulkhead) Capacity(category string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.caps[category]; ok {
		return c
	}
	return b.caps[CategoryQuery]
}

// retryAfterLocked computes queue_depth / capacity * 2s, clamped to [1s,60s].
func (b *Bulkhead) retryAfterLocked(category string, capacity int) time.Duration {
	depth := b.waiting[category]
	if capacity <= 0 {
		capacity = 1
	}
	retry := time.Duration(depth) * assumedServiceTime / time.Duration(capacity)
	if retry < time.Second {
		retry = time.Second
	}
	if retry > 60*time.Second {
		retry = 60 * time.Second
	}
	return retry
}
