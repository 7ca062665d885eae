// Package mint orchestrates ticket minting as a crash-safe state machine.
// Every step boundary is a durable recovery point; a retry loads the last
// point and resumes from it instead of starting over.
package mint

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tickettoken/core/pkg/chain"
	"github.com/tickettoken/core/pkg/coord"
	"github.com/tickettoken/core/pkg/tickets"
)

// Recovery points, in execution order.
const (
	PointInitiated        = "INITIATED"
	PointValidated        = "VALIDATED"
	PointLocked           = "LOCKED"
	PointTicketReserved   = "TICKET_RESERVED"
	PointMetadataUploaded = "METADATA_UPLOADED"
	PointTxBuilt          = "TX_BUILT"
	PointTxSubmitted      = "TX_SUBMITTED"
	PointTxConfirmed      = "TX_CONFIRMED"
	PointDBUpdated        = "DB_UPDATED"
	PointCompleted        = "COMPLETED"
	PointFailed           = "FAILED"
)

// Orchestration limits.
const (
	LockTTL        = 5 * time.Minute
	ConfirmTimeout = 60 * time.Second

	// AdoptGrace is how long a processing idempotency entry must sit
	// untouched, with its ticket lock free, before a retry may adopt it as
	// a crashed run and resume.
	AdoptGrace = 15 * time.Second
)

var (
	// ErrInProgress means another request holds the idempotency key.
	ErrInProgress = errors.New("mint: request already in progress")
	// ErrNotMintable means validation rejected the ticket.
	ErrNotMintable = errors.New("mint: ticket not mintable")
	// ErrLockBusy means the per-ticket lock could not be acquired in time;
	// the job was queued for retry.
	ErrLockBusy = errors.New("mint: ticket locked by another mint")
	// ErrJobFailed means the job previously reached the terminal FAILED
	// point and will not be resumed.
	ErrJobFailed = errors.New("mint: job previously failed")
)

// Chain is the slice of the chain adapter the orchestrator drives.
// *chain.Adapter satisfies it.
type Chain interface {
	Estimate(ctx context.Context, tx *chain.Transaction, urgency chain.Urgency) (*chain.Estimate, error)
	Build(ctx context.Context, instructions []chain.Instruction, payer string, est *chain.Estimate) (*chain.Transaction, error)
	Sign(ctx context.Context, tx *chain.Transaction, sign chain.SignFunc) error
	Submit(ctx context.Context, tx *chain.Transaction) (string, error)
	Confirm(ctx context.Context, signature string, target chain.Commitment, timeout time.Duration) (*chain.SignatureStatus, error)
	Lookup(ctx context.Context, signature string) (*chain.SignatureStatus, error)
}

// TicketStore is the slice of the ticket store the orchestrator writes.
// *tickets.Store satisfies it.
type TicketStore interface {
	GetTicket(ctx context.Context, tenantID, ticketID string) (*tickets.Ticket, error)
	UpsertPendingTx(ctx context.Context, bt *tickets.BlockchainTransaction) error
	FinalizeMint(ctx context.Context, tenantID, ticketID, mintAddress, signature string, slot uint64) error
}

// Wallets is the custodial signing surface. *custody.Vault satisfies it.
type Wallets interface {
	Sign(ctx context.Context, tenantID, userID string, message []byte, reason string) ([]byte, error)
}

// Request is one mint invocation.
type Request struct {
	TicketID       string
	TenantID       string
	UserID         string
	IdempotencyKey string
	RequestID      string
	Urgency        chain.Urgency
}

// Result is the mint outcome, cached verbatim against the idempotency key.
type Result struct {
	JobID       string `json:"job_id"`
	Status      string `json:"status"`
	MintAddress string `json:"mint_address,omitempty"`
	Signature   string `json:"signature,omitempty"`

	// Replay metadata, populated from the idempotency entry and never
	// cached.
	Replayed          bool   `json:"-"`
	OriginalRequestID string `json:"-"`
	RecoveryPoint     string `json:"-"`
}

// Orchestrator runs the mint state machine.
type Orchestrator struct {
	tickets  TicketStore
	idem     *coord.IdempotencyStore
	recovery *coord.RecoveryStore
	lock     *coord.Lock
	metadata MetadataStore
	chain    Chain
	wallets  Wallets

	commitment chain.Commitment
	logger     *slog.Logger
	clock      func() time.Time

	// enqueueRetry hands a failed job to the DLQ. Wired by the caller so
	// the dlq package stays independent of this one.
	enqueueRetry func(ctx context.Context, jobID, ticketID, tenantID, errMessage string)
}

// NewOrchestrator wires the state machine.
func NewOrchestrator(
	ticketStore TicketStore,
	idem *coord.IdempotencyStore,
	recovery *coord.RecoveryStore,
	lock *coord.Lock,
	metadata MetadataStore,
	chainAdapter Chain,
	wallets Wallets,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		tickets:      ticketStore,
		idem:         idem,
		recovery:     recovery,
		lock:         lock,
		metadata:     metadata,
		chain:        chainAdapter,
		wallets:      wallets,
		commitment:   chain.CommitmentConfirmed,
		logger:       logger.With("component", "mint.orchestrator"),
		clock:        time.Now,
		enqueueRetry: func(context.Context, string, string, string, string) {},
	}
}

// WithRetrySink registers the dead-letter hook.
func (o *Orchestrator) WithRetrySink(fn func(ctx context.Context, jobID, ticketID, tenantID, errMessage string)) *Orchestrator {
	o.enqueueRetry = fn
	return o
}

// WithClock overrides the clock for deterministic testing.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// Mint runs or resumes one mint job.
func (o *Orchestrator) Mint(ctx context.Context, req *Request) (*Result, error) {
	jobID := uuid.NewString()
	if req.IdempotencyKey != "" {
		outcome, entry, err := o.idem.Begin(ctx, req.TenantID, req.IdempotencyKey, req.RequestID, PointInitiated)
		if err != nil {
			return nil, err
		}
		switch outcome {
		case coord.BeginReplay:
			var cached Result
			if err := json.Unmarshal(entry.Response, &cached); err != nil {
				return nil, fmt.Errorf("mint: corrupt cached response for key %s: %w", req.IdempotencyKey, err)
			}
			cached.Replayed = true
			cached.OriginalRequestID = entry.RequestID
			cached.RecoveryPoint = entry.RecoveryPoint
			return &cached, nil
		case coord.BeginInProgress:
			if !o.adoptStalled(ctx, req, entry) {
				point := ""
				if entry != nil {
					point = entry.RecoveryPoint
				}
				return &Result{Status: coord.IdemProcessing, RecoveryPoint: point}, ErrInProgress
			}
		}
		// A keyed job gets a deterministic id so a retry with the same key
		// finds the same recovery state.
		jobID = fmt.Sprintf("mint:%s:%s", req.TenantID, req.IdempotencyKey)
	}

	res, err := o.run(ctx, jobID, req)
	if req.IdempotencyKey != "" {
		if err != nil {
			point := PointFailed
			if res != nil && res.Status != "" {
				point = res.Status
			}
			if ierr := o.idem.Fail(ctx, req.TenantID, req.IdempotencyKey, point); ierr != nil {
				o.logger.Error("idempotency fail mark failed", "key", req.IdempotencyKey, "error", ierr)
			}
		} else {
			raw, merr := json.Marshal(res)
			if merr == nil {
				merr = o.idem.Complete(ctx, req.TenantID, req.IdempotencyKey, raw, PointCompleted)
			}
			if merr != nil {
				o.logger.Error("idempotency complete failed", "key", req.IdempotencyKey, "error", merr)
			}
		}
	}
	return res, err
}

// adoptStalled reports whether a processing entry belongs to a crashed run
// and, if so, claims it. A live mint holds the per-ticket lock for the
// whole pipeline, so a free lock plus an entry untouched past AdoptGrace
// means the previous holder died mid-job.
func (o *Orchestrator) adoptStalled(ctx context.Context, req *Request, entry *coord.IdempotencyEntry) bool {
	if entry == nil {
		return false
	}
	if o.clock().Sub(entry.UpdatedAt) < AdoptGrace {
		return false
	}
	held, err := o.lock.Held(ctx, coord.MintLockKey(req.TenantID, req.TicketID))
	if err != nil || held {
		return false
	}
	if err := o.idem.Adopt(ctx, req.TenantID, req.IdempotencyKey, req.RequestID); err != nil {
		o.logger.Warn("stalled entry adoption failed", "key", req.IdempotencyKey, "error", err)
		return false
	}
	o.logger.Info("adopted stalled mint job",
		"key", req.IdempotencyKey, "point", entry.RecoveryPoint)
	return true
}

// run executes the reducer: load the recovery point and advance step by
// step, checkpointing each boundary.
func (o *Orchestrator) run(ctx context.Context, jobID string, req *Request) (*Result, error) {
	state, resuming, err := o.recovery.Load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	point := PointInitiated
	var meta coord.RecoveryMetadata
	if resuming {
		point = state.CurrentPoint
		meta = state.Metadata
		if _, err := o.recovery.IncrementRetry(ctx, jobID); err != nil {
			o.logger.Warn("retry counter bump failed", "job_id", jobID, "error", err)
		}
		o.logger.Info("resuming mint job", "job_id", jobID, "point", point, "retries", state.RetryCount+1)
	}

	switch point {
	case PointCompleted:
		return &Result{JobID: jobID, Status: PointCompleted, MintAddress: meta.MintAddress, Signature: meta.Signature}, nil
	case PointFailed:
		return &Result{JobID: jobID, Status: PointFailed}, fmt.Errorf("%w: %s", ErrJobFailed, meta.Error)
	}

	checkpoint := func(next string, m coord.RecoveryMetadata) error {
		st, err := o.recovery.Checkpoint(ctx, jobID, req.TicketID, req.TenantID, next, m)
		if err != nil {
			return fmt.Errorf("mint: checkpoint %s: %w", next, err)
		}
		point = next
		meta = st.Metadata
		if req.IdempotencyKey != "" {
			if err := o.idem.SetRecoveryPoint(ctx, req.TenantID, req.IdempotencyKey, next); err != nil {
				o.logger.Warn("recovery point mirror failed", "key", req.IdempotencyKey, "error", err)
			}
		}
		return nil
	}

	// Validation runs on every attempt; a resumed job whose ticket was
	// minted meanwhile short-circuits here.
	ticket, err := o.tickets.GetTicket(ctx, req.TenantID, req.TicketID)
	if err != nil {
		return &Result{JobID: jobID, Status: point}, err
	}
	if point == PointInitiated {
		if ticket.IsMinted {
			return &Result{JobID: jobID, Status: point}, fmt.Errorf("%w: already minted", ErrNotMintable)
		}
		if ticket.Status != tickets.StatusReserved && ticket.Status != tickets.StatusSold {
			return &Result{JobID: jobID, Status: point}, fmt.Errorf("%w: status %s", ErrNotMintable, ticket.Status)
		}
		if err := checkpoint(PointValidated, coord.RecoveryMetadata{}); err != nil {
			return &Result{JobID: jobID, Status: point}, err
		}
	}

	// The lock is re-acquired on every attempt: a resumed process no longer
	// holds the previous owner token.
	lockKey := coord.MintLockKey(req.TenantID, req.TicketID)
	token, err := o.lock.Acquire(ctx, lockKey, LockTTL)
	if err != nil {
		if errors.Is(err, coord.ErrNotAcquired) {
			o.enqueueRetry(ctx, jobID, req.TicketID, req.TenantID, "lock acquisition timeout")
			return &Result{JobID: jobID, Status: point}, ErrLockBusy
		}
		return &Result{JobID: jobID, Status: point}, err
	}
	defer func() {
		if rerr := o.lock.Release(context.WithoutCancel(ctx), lockKey, token); rerr != nil {
			o.logger.Warn("lock release failed", "key", lockKey, "error", rerr)
		}
	}()
	if point == PointValidated {
		if err := checkpoint(PointLocked, coord.RecoveryMetadata{}); err != nil {
			return &Result{JobID: jobID, Status: point}, err
		}
	}

	res, err := o.advance(ctx, jobID, req, ticket, &point, &meta, checkpoint)
	if err != nil {
		o.classifyFailure(ctx, jobID, req, point, err)
		return res, err
	}
	return res, nil
}

// advance walks the remaining steps from the current point.
func (o *Orchestrator) advance(
	ctx context.Context,
	jobID string,
	req *Request,
	ticket *tickets.Ticket,
	point *string,
	meta *coord.RecoveryMetadata,
	checkpoint func(string, coord.RecoveryMetadata) error,
) (*Result, error) {
	fail := func(err error) (*Result, error) {
		return &Result{JobID: jobID, Status: *point}, err
	}

	if *point == PointLocked {
		err := o.tickets.UpsertPendingTx(ctx, &tickets.BlockchainTransaction{
			TicketID: req.TicketID,
			TenantID: req.TenantID,
			Type:     tickets.TxMint,
		})
		if err != nil {
			return fail(err)
		}
		if err := checkpoint(PointTicketReserved, coord.RecoveryMetadata{}); err != nil {
			return fail(err)
		}
	}

	if *point == PointTicketReserved {
		uri, err := o.metadata.Upload(ctx, req.TenantID, req.TicketID, &TokenMetadata{
			Name:     fmt.Sprintf("Ticket %s", req.TicketID),
			Symbol:   "TKT",
			EventID:  ticket.EventID,
			TicketID: ticket.ID,
			Attributes: map[string]string{
				"access_level": string(ticket.AccessLevel),
				"venue_id":     ticket.VenueID,
			},
		})
		if err != nil {
			return fail(fmt.Errorf("mint: metadata upload: %w", err))
		}
		if err := checkpoint(PointMetadataUploaded, coord.RecoveryMetadata{MetadataURI: uri}); err != nil {
			return fail(err)
		}
	}

	var tx *chain.Transaction
	if *point == PointMetadataUploaded || *point == PointTxBuilt {
		// TX_BUILT has no durable transaction: the resumed job rebuilds
		// with a fresh blockhash. The mint address survives in metadata.
		mintAddress := meta.MintAddress
		if mintAddress == "" {
			var err error
			mintAddress, err = newMintAddress()
			if err != nil {
				return fail(err)
			}
		}

		instructions := []chain.Instruction{{
			ProgramID: "ticket-mint",
			Accounts:  []string{mintAddress, req.TicketID},
			Data:      []byte(meta.MetadataURI),
		}}
		est, err := o.chain.Estimate(ctx, &chain.Transaction{Instructions: instructions}, req.Urgency)
		if err != nil {
			return fail(err)
		}
		tx, err = o.chain.Build(ctx, instructions, o.payerAddress(req), est)
		if err != nil {
			return fail(err)
		}
		if err := o.chain.Sign(ctx, tx, func(ctx context.Context, message []byte) ([]byte, error) {
			return o.wallets.Sign(ctx, req.TenantID, req.UserID, message, "mint "+req.TicketID)
		}); err != nil {
			return fail(err)
		}
		if *point == PointMetadataUploaded {
			if err := checkpoint(PointTxBuilt, coord.RecoveryMetadata{MintAddress: mintAddress}); err != nil {
				return fail(err)
			}
		} else {
			meta.MintAddress = mintAddress
		}

		signature, landed, err := o.submitOnce(ctx, jobID, *meta, tx)
		if err != nil {
			return fail(err)
		}
		if landed {
			o.logger.Info("submit skipped, signature already on chain", "job_id", jobID, "signature", signature)
		}
		if err := checkpoint(PointTxSubmitted, coord.RecoveryMetadata{Signature: signature}); err != nil {
			return fail(err)
		}
	}

	var confirmedSlot uint64
	if *point == PointTxSubmitted {
		status, err := o.chain.Confirm(ctx, meta.Signature, o.commitment, ConfirmTimeout)
		if err != nil {
			return fail(err)
		}
		confirmedSlot = status.Slot
		if err := checkpoint(PointTxConfirmed, coord.RecoveryMetadata{}); err != nil {
			return fail(err)
		}
	}

	if *point == PointTxConfirmed {
		if confirmedSlot == 0 {
			// Resumed exactly at TX_CONFIRMED: re-read the slot.
			if status, err := o.chain.Lookup(ctx, meta.Signature); err == nil && status.Found {
				confirmedSlot = status.Slot
			}
		}
		if err := o.tickets.FinalizeMint(ctx, req.TenantID, req.TicketID, meta.MintAddress, meta.Signature, confirmedSlot); err != nil {
			return fail(err)
		}
		if err := checkpoint(PointDBUpdated, coord.RecoveryMetadata{}); err != nil {
			return fail(err)
		}
	}

	if *point == PointDBUpdated {
		if err := checkpoint(PointCompleted, coord.RecoveryMetadata{}); err != nil {
			return fail(err)
		}
	}

	o.logger.Info("mint completed",
		"job_id", jobID, "ticket_id", req.TicketID, "tenant_id", req.TenantID,
		"mint_address", meta.MintAddress, "signature", meta.Signature)
	return &Result{
		JobID:       jobID,
		Status:      PointCompleted,
		MintAddress: meta.MintAddress,
		Signature:   meta.Signature,
	}, nil
}

// submitOnce submits the transaction unless a previous attempt's signature
// already landed on chain.
func (o *Orchestrator) submitOnce(ctx context.Context, jobID string, meta coord.RecoveryMetadata, tx *chain.Transaction) (string, bool, error) {
	if meta.Signature != "" {
		status, err := o.chain.Lookup(ctx, meta.Signature)
		if err == nil && status.Found {
			return meta.Signature, true, nil
		}
	}
	sig, err := o.chain.Submit(ctx, tx)
	if err != nil {
		return "", false, err
	}
	return sig, false, nil
}

// classifyFailure routes errors to the DLQ. Validation failures are final
// and not enqueued; everything else is classified by message.
func (o *Orchestrator) classifyFailure(ctx context.Context, jobID string, req *Request, point string, err error) {
	if errors.Is(err, ErrNotMintable) || errors.Is(err, ErrJobFailed) {
		return
	}
	o.logger.Error("mint step failed", "job_id", jobID, "point", point, "error", err)
	o.enqueueRetry(ctx, jobID, req.TicketID, req.TenantID, err.Error())
}

// payerAddress names the fee payer. The custodial vault keys wallets by
// (tenant, user); the same pair is used as the payer identity on chain.
func (o *Orchestrator) payerAddress(req *Request) string {
	return fmt.Sprintf("%s/%s", req.TenantID, req.UserID)
}

func newMintAddress() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("mint: mint address entropy: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
