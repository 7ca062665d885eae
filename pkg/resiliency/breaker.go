// Package resiliency provides the isolation primitives wrapped around every
// outbound dependency: per-dependency circuit breakers, per-category
// bulkheads, and a retrying HTTP client.
package resiliency

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// Breaker defaults: trip after 5 consecutive failures, stay open 30s,
// reset the failure window every 60s while closed.
const (
	BreakerThreshold = 5
	BreakerTimeout   = 30 * time.Second
	BreakerInterval  = 60 * time.Second
)

// ErrCircuitOpen is surfaced when the dependency is in cool-down.
var ErrCircuitOpen = errors.New("resiliency: circuit open")

// Breaker wraps gobreaker with this service's defaults and logging.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	logger *slog.Logger
}

// NewBreaker creates a breaker for one named outbound dependency.
func NewBreaker(name string, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Breaker{logger: logger.With("breaker", name)}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     name,
		Interval: BreakerInterval,
		Timeout:  BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("circuit state change", "from", from.String(), "to", to.String())
		},
	})
	return b
}

// Execute runs op through the breaker. An open circuit is reported as
// ErrCircuitOpen so callers can classify it as upstream_unavailable.
func (b *Breaker) Execute(op func() (any, error)) (any, error) {
	res, err := b.cb.Execute(op)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, b.cb.Name())
	}
	return res, err
}

// State exposes the current breaker state for health reporting.
func (b *Breaker) State() string {
	return b.cb.State().String()
}
