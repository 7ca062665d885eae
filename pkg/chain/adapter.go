package chain

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// SignFunc produces a signature over the serialized transaction; the
// custodial key vault supplies it so private keys never enter this package.
type SignFunc func(ctx context.Context, message []byte) ([]byte, error)

// Adapter is the mint pipeline's view of the chain: estimate, build, sign,
// submit, confirm, and balance reads, all through the failover pool.
type Adapter struct {
	pool      *Pool
	estimator *Estimator
	logger    *slog.Logger

	confirmPoll time.Duration
}

// NewAdapter wires the adapter over a pool.
func NewAdapter(pool *Pool, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		pool:        pool,
		estimator:   NewEstimator(pool, logger),
		logger:      logger.With("component", "chain.adapter"),
		confirmPoll: 2 * time.Second,
	}
}

// Estimate derives the compute budget for the instructions at the given
// urgency.
func (a *Adapter) Estimate(ctx context.Context, tx *Transaction, urgency Urgency) (*Estimate, error) {
	return a.estimator.Estimate(ctx, tx, urgency)
}

// Build assembles a transaction with an explicit compute-budget preamble
// and a fresh blockhash.
func (a *Adapter) Build(ctx context.Context, instructions []Instruction, payer string, est *Estimate) (*Transaction, error) {
	var blockhash string
	err := a.pool.Execute(ctx, func(ctx context.Context, rpc RPC) error {
		var err error
		blockhash, err = rpc.LatestBlockhash(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("chain: latest blockhash: %w", err)
	}

	return &Transaction{
		Payer:            payer,
		Blockhash:        blockhash,
		ComputeUnitLimit: est.ComputeUnits,
		ComputeUnitPrice: est.PriorityFee,
		Instructions:     instructions,
	}, nil
}

// Sign attaches the payer signature produced by sign.
func (a *Adapter) Sign(ctx context.Context, tx *Transaction, sign SignFunc) error {
	sig, err := sign(ctx, tx.Message())
	if err != nil {
		return fmt.Errorf("chain: sign: %w", err)
	}
	tx.Signature = sig
	return nil
}

// Submit sends the signed transaction and returns its signature string.
// In-flight submits are never aborted by caller cancellation: the call
// carries its own timeout.
func (a *Adapter) Submit(ctx context.Context, tx *Transaction) (string, error) {
	submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), SubmitTimeout)
	defer cancel()

	var signature string
	err := a.pool.Execute(submitCtx, func(ctx context.Context, rpc RPC) error {
		var err error
		signature, err = rpc.Submit(ctx, tx)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("chain: submit: %w", err)
	}
	return signature, nil
}

// Confirm polls until signature reaches the target commitment or timeout
// elapses. Timeout surfaces ErrConfirmTimeout for DLQ classification.
func (a *Adapter) Confirm(ctx context.Context, signature string, target Commitment, timeout time.Duration) (*SignatureStatus, error) {
	if timeout <= 0 {
		timeout = DefaultConfirm
	}
	deadline := time.Now().Add(timeout)

	for {
		status, err := a.Lookup(ctx, signature)
		if err == nil && status.Found {
			if status.Err != "" {
				return status, fmt.Errorf("chain: transaction failed on chain: %s", status.Err)
			}
			if status.Commitment.AtLeast(target) {
				return status, nil
			}
		}
		if err != nil {
			a.logger.Warn("signature status lookup failed", "signature", signature, "error", err)
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s did not reach %s in %s", ErrConfirmTimeout, signature, target, timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(a.confirmPoll):
		}
	}
}

// Lookup fetches the current status of a signature without polling. Resume
// paths use it to decide whether a crashed submit actually landed.
func (a *Adapter) Lookup(ctx context.Context, signature string) (*SignatureStatus, error) {
	var status *SignatureStatus
	err := a.pool.Execute(ctx, func(ctx context.Context, rpc RPC) error {
		var err error
		status, err = rpc.SignatureStatus(ctx, signature)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("chain: signature status: %w", err)
	}
	return status, nil
}

// GetBalance reads the balance of an address in base units.
func (a *Adapter) GetBalance(ctx context.Context, address string) (uint64, error) {
	var balance uint64
	err := a.pool.Execute(ctx, func(ctx context.Context, rpc RPC) error {
		var err error
		balance, err = rpc.Balance(ctx, address)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("chain: balance %s: %w", address, err)
	}
	return balance, nil
}

// Message serializes the signable portion of the transaction. The wrapped
// chain SDK owns the real wire format; this stable rendering is what the
// vault signs.
func (t *Transaction) Message() []byte {
	msg := fmt.Sprintf("%s|%s|%d|%d|", t.Payer, t.Blockhash, t.ComputeUnitLimit, t.ComputeUnitPrice)
	buf := []byte(msg)
	for _, ins := range t.Instructions {
		buf = append(buf, ins.ProgramID...)
		buf = append(buf, '|')
		for _, acc := range ins.Accounts {
			buf = append(buf, acc...)
			buf = append(buf, ',')
		}
		buf = append(buf, '|')
		buf = append(buf, ins.Data...)
		buf = append(buf, '|')
	}
	return buf
}
