package chain

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Failover defaults.
const (
	maxConsecutiveFailures = 3
	probeInterval          = 30 * time.Second
	retrySpacing           = 1 * time.Second
)

// Endpoint tracks the health of one RPC endpoint.
type Endpoint struct {
	URL string
	RPC RPC

	mu                  sync.Mutex
	healthy             bool
	latency             time.Duration
	consecutiveFailures int
	lastCheck           time.Time
}

// EndpointHealth is a snapshot for health reporting.
type EndpointHealth struct {
	URL                 string
	Healthy             bool
	Latency             time.Duration
	ConsecutiveFailures int
	LastCheck           time.Time
}

func (e *Endpoint) snapshot() EndpointHealth {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EndpointHealth{
		URL:                 e.URL,
		Healthy:             e.healthy,
		Latency:             e.latency,
		ConsecutiveFailures: e.consecutiveFailures,
		LastCheck:           e.lastCheck,
	}
}

func (e *Endpoint) isHealthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.healthy
}

func (e *Endpoint) recordSuccess(latency time.Duration, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.healthy = true
	e.latency = latency
	e.consecutiveFailures = 0
	e.lastCheck = at
}

func (e *Endpoint) recordFailure(at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consecutiveFailures++
	e.lastCheck = at
	if e.consecutiveFailures >= maxConsecutiveFailures {
		e.healthy = false
	}
}

// Pool is an ordered list of endpoints with failover. Requests go to the
// first healthy endpoint; when every endpoint is unhealthy the primary is
// still attempted.
type Pool struct {
	endpoints []*Endpoint
	logger    *slog.Logger
	clock     func() time.Time

	probeStop chan struct{}
	probeOnce sync.Once
}

// NewPool builds a pool over the ordered endpoint list. The first entry is
// the primary.
func NewPool(endpoints []*Endpoint, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	for _, ep := range endpoints {
		ep.healthy = true
	}
	return &Pool{
		endpoints: endpoints,
		logger:    logger.With("component", "chain.pool"),
		clock:     time.Now,
		probeStop: make(chan struct{}),
	}
}

// WithClock overrides the clock for deterministic testing.
func (p *Pool) WithClock(clock func() time.Time) *Pool {
	p.clock = clock
	return p
}

// Execute runs op against the pool, rotating to the next endpoint on
// failure, up to len(endpoints) attempts with 1s spacing. Exhaustion
// returns the last observed error.
func (p *Pool) Execute(ctx context.Context, op func(context.Context, RPC) error) error {
	if len(p.endpoints) == 0 {
		return fmt.Errorf("chain: pool has no endpoints")
	}

	var lastErr error
	for attempt := 0; attempt < len(p.endpoints); attempt++ {
		ep := p.pick(attempt)

		start := p.clock()
		err := op(ctx, ep.RPC)
		if err == nil {
			ep.recordSuccess(p.clock().Sub(start), p.clock())
			return nil
		}

		ep.recordFailure(p.clock())
		lastErr = err
		p.logger.Warn("endpoint call failed", "url", ep.URL, "attempt", attempt+1, "error", err)

		if attempt == len(p.endpoints)-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retrySpacing):
		}
	}
	return fmt.Errorf("chain: all endpoints failed: %w", lastErr)
}

// pick returns the preferred endpoint for the given attempt: healthy ones
// in order, then the rest; all-unhealthy falls back to the primary.
func (p *Pool) pick(attempt int) *Endpoint {
	var healthy []*Endpoint
	var unhealthy []*Endpoint
	for _, ep := range p.endpoints {
		if ep.isHealthy() {
			healthy = append(healthy, ep)
		} else {
			unhealthy = append(unhealthy, ep)
		}
	}

	if len(healthy) == 0 {
		// Still attempt the primary; a probe may simply not have run yet.
		ordered := p.endpoints
		return ordered[attempt%len(ordered)]
	}

	ordered := append(healthy, unhealthy...)
	return ordered[attempt%len(ordered)]
}

// StartProbes launches the 30s background health probe. Stop with
// StopProbes; starting twice is a no-op.
func (p *Pool) StartProbes() {
	p.probeOnce.Do(func() {
		go p.probeLoop()
	})
}

// StopProbes cancels the probe loop and its ticker.
func (p *Pool) StopProbes() {
	select {
	case <-p.probeStop:
	default:
		close(p.probeStop)
	}
}

func (p *Pool) probeLoop() {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.probeStop:
			return
		case <-ticker.C:
			p.ProbeAll(context.Background())
		}
	}
}

// ProbeAll issues the cheap health read against every endpoint. A success
// resets the failure counters.
func (p *Pool) ProbeAll(ctx context.Context) {
	for _, ep := range p.endpoints {
		start := p.clock()
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := ep.RPC.Health(probeCtx)
		cancel()
		if err != nil {
			ep.recordFailure(p.clock())
			continue
		}
		ep.recordSuccess(p.clock().Sub(start), p.clock())
	}
}

// Health reports a snapshot of every endpoint.
func (p *Pool) Health() []EndpointHealth {
	out := make([]EndpointHealth, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		out = append(out, ep.snapshot())
	}
	return out
}
