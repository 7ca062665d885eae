package chain

import (
	"context"
	"log/slog"
	"sort"
)

// Compute estimation bounds.
const (
	computeBufferPct    = 20
	computeUnitsMin     = 50_000
	computeUnitsMax     = 1_400_000
	computeUnitsDefault = 200_000

	priorityFeeFloor = 100 // micro-units
)

// Urgency scales the median priority fee.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

func (u Urgency) factor() float64 {
	switch u {
	case UrgencyLow:
		return 0.5
	case UrgencyHigh:
		return 2.0
	default:
		return 1.0
	}
}

// Estimate is the computed budget for one transaction.
type Estimate struct {
	ComputeUnits uint32
	PriorityFee  uint64 // micro-units per compute unit
	Simulated    bool   // false when the default was used
}

// Estimator derives compute budgets from simulation and recent fee data.
type Estimator struct {
	pool   *Pool
	logger *slog.Logger
}

// NewEstimator creates an estimator over the endpoint pool.
func NewEstimator(pool *Pool, logger *slog.Logger) *Estimator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Estimator{pool: pool, logger: logger.With("component", "chain.estimator")}
}

// Estimate simulates tx, takes units consumed plus a 20% buffer clamped to
// [50_000, 1_400_000], and prices it at the urgency-scaled median of recent
// priority fees. Simulation failure falls back to the default budget and is
// flagged non-simulated.
func (e *Estimator) Estimate(ctx context.Context, tx *Transaction, urgency Urgency) (*Estimate, error) {
	units := uint64(computeUnitsDefault)
	simulated := false

	var sim *SimulationResult
	err := e.pool.Execute(ctx, func(ctx context.Context, rpc RPC) error {
		var err error
		sim, err = rpc.Simulate(ctx, tx)
		return err
	})
	switch {
	case err != nil:
		e.logger.Warn("simulation unavailable, using default compute budget", "error", err)
	case sim.Err != "":
		e.logger.Warn("simulation reported program error, using default compute budget", "sim_error", sim.Err)
	default:
		units = sim.UnitsConsumed + sim.UnitsConsumed*computeBufferPct/100
		simulated = true
	}

	if units < computeUnitsMin {
		units = computeUnitsMin
	}
	if units > computeUnitsMax {
		units = computeUnitsMax
	}

	fee, err := e.priorityFee(ctx, urgency)
	if err != nil {
		return nil, err
	}

	return &Estimate{
		ComputeUnits: uint32(units),
		PriorityFee:  fee,
		Simulated:    simulated,
	}, nil
}

// priorityFee returns median(recent fees) * urgency factor, floored at 100.
func (e *Estimator) priorityFee(ctx context.Context, urgency Urgency) (uint64, error) {
	var fees []uint64
	err := e.pool.Execute(ctx, func(ctx context.Context, rpc RPC) error {
		var err error
		fees, err = rpc.RecentPriorityFees(ctx)
		return err
	})
	if err != nil || len(fees) == 0 {
		return priorityFeeFloor, nil
	}

	fee := uint64(float64(median(fees)) * urgency.factor())
	if fee < priorityFeeFloor {
		fee = priorityFeeFloor
	}
	return fee, nil
}

func median(values []uint64) uint64 {
	sorted := make([]uint64, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
