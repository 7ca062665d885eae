package treasury

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/tickettoken/core/pkg/chain"
)

const lamportsPerSOL = 1_000_000_000

// systemProgram executes native SOL transfers.
const systemProgram = "11111111111111111111111111111111"

// Submitter is the chain capability the transfer path needs.
// *chain.Adapter satisfies it.
type Submitter interface {
	Estimate(ctx context.Context, tx *chain.Transaction, urgency chain.Urgency) (*chain.Estimate, error)
	Build(ctx context.Context, instructions []chain.Instruction, payer string, est *chain.Estimate) (*chain.Transaction, error)
	Sign(ctx context.Context, tx *chain.Transaction, sign chain.SignFunc) error
	Submit(ctx context.Context, tx *chain.Transaction) (string, error)
	Confirm(ctx context.Context, signature string, target chain.Commitment, timeout time.Duration) (*chain.SignatureStatus, error)
}

// SignFunc signs the treasury transaction message.
type SignFunc = chain.SignFunc

// Transfer sends SOL out of the treasury. Every send passes the whitelist
// first and is recorded with the monitor after confirmation.
type Transfer struct {
	whitelist *Whitelist
	monitor   *Monitor
	chain     Submitter
	sign      SignFunc
	address   string
	logger    *slog.Logger
}

// NewTransfer wires the guarded transfer path for the treasury address.
func NewTransfer(whitelist *Whitelist, monitor *Monitor, submitter Submitter, sign SignFunc, address string, logger *slog.Logger) *Transfer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transfer{
		whitelist: whitelist,
		monitor:   monitor,
		chain:     submitter,
		sign:      sign,
		address:   address,
		logger:    logger.With("component", "treasury.transfer"),
	}
}

// Send transfers amountSOL to destination. The destination must be
// whitelisted; the confirmed transaction is fed to the monitor.
func (t *Transfer) Send(ctx context.Context, destination string, amountSOL float64, reason string) (string, error) {
	if amountSOL <= 0 {
		return "", fmt.Errorf("treasury: non-positive amount %f", amountSOL)
	}
	if err := t.whitelist.Authorize(destination); err != nil {
		return "", err
	}

	lamports := uint64(amountSOL * lamportsPerSOL)
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, lamports)
	instructions := []chain.Instruction{{
		ProgramID: systemProgram,
		Accounts:  []string{t.address, destination},
		Data:      data,
	}}

	est, err := t.chain.Estimate(ctx, &chain.Transaction{Payer: t.address, Instructions: instructions}, chain.UrgencyMedium)
	if err != nil {
		return "", fmt.Errorf("treasury: estimate: %w", err)
	}
	tx, err := t.chain.Build(ctx, instructions, t.address, est)
	if err != nil {
		return "", fmt.Errorf("treasury: build: %w", err)
	}
	if err := t.chain.Sign(ctx, tx, t.sign); err != nil {
		return "", fmt.Errorf("treasury: sign: %w", err)
	}
	signature, err := t.chain.Submit(ctx, tx)
	if err != nil {
		return "", fmt.Errorf("treasury: submit: %w", err)
	}
	status, err := t.chain.Confirm(ctx, signature, chain.CommitmentConfirmed, chain.DefaultConfirm)
	if err != nil {
		return signature, fmt.Errorf("treasury: confirm %s: %w", signature, err)
	}

	t.monitor.Record(ctx, Transaction{
		Signature:   signature,
		Destination: destination,
		AmountSOL:   amountSOL,
	})
	t.logger.Info("treasury transfer sent",
		"destination", destination, "amount_sol", amountSOL,
		"signature", signature, "slot", status.Slot, "reason", reason)
	return signature, nil
}
