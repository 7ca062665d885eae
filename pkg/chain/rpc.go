// Package chain adapts the opaque chain RPC surface for the mint pipeline:
// compute and fee estimation, transaction build/sign/submit/confirm, and
// endpoint failover with health tracking.
//
// The chain itself is an external collaborator; this package only depends
// on the capability set below, which production wiring and test fakes both
// satisfy.
package chain

import (
	"context"
	"errors"
	"time"
)

// Commitment is the chain-specified durability level.
type Commitment string

const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

// rank orders commitments: processed < confirmed < finalized.
func (c Commitment) rank() int {
	switch c {
	case CommitmentProcessed:
		return 1
	case CommitmentConfirmed:
		return 2
	case CommitmentFinalized:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether c satisfies the target durability.
func (c Commitment) AtLeast(target Commitment) bool {
	return c.rank() >= target.rank()
}

// Instruction is one program invocation inside a transaction.
type Instruction struct {
	ProgramID string
	Accounts  []string
	Data      []byte
}

// Transaction is the built, possibly signed, submission unit. The compute
// budget preamble is carried explicitly so estimation is visible in tests.
type Transaction struct {
	Payer            string
	Blockhash        string
	ComputeUnitLimit uint32
	ComputeUnitPrice uint64 // micro-units per compute unit
	Instructions     []Instruction
	Signature        []byte
}

// SimulationResult reports the dry-run outcome used for compute estimation.
type SimulationResult struct {
	UnitsConsumed uint64
	Err           string // non-empty when the program would fail
}

// SignatureStatus is the confirmation state of a submitted signature.
type SignatureStatus struct {
	Found      bool
	Commitment Commitment
	Slot       uint64
	Err        string
}

// RPC is the capability set of one chain endpoint.
type RPC interface {
	Simulate(ctx context.Context, tx *Transaction) (*SimulationResult, error)
	RecentPriorityFees(ctx context.Context) ([]uint64, error)
	LatestBlockhash(ctx context.Context) (string, error)
	Submit(ctx context.Context, tx *Transaction) (signature string, err error)
	SignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error)
	Balance(ctx context.Context, address string) (uint64, error)

	// Health is the cheap read issued by background probes.
	Health(ctx context.Context) error
}

// Outbound call timeouts.
const (
	SubmitTimeout  = 30 * time.Second
	DefaultConfirm = 60 * time.Second
)

// ErrConfirmTimeout is returned when a signature does not reach the target
// commitment before the caller's deadline. Classified RETRYABLE by the DLQ.
var ErrConfirmTimeout = errors.New("chain: confirmation timeout")
