package mint

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickettoken/core/pkg/chain"
	"github.com/tickettoken/core/pkg/coord"
	"github.com/tickettoken/core/pkg/tickets"
)

type fakeTickets struct {
	ticket    *tickets.Ticket
	reserves  atomic.Int32
	finalizes atomic.Int32

	finalAddr string
	finalSig  string
}

func (f *fakeTickets) GetTicket(context.Context, string, string) (*tickets.Ticket, error) {
	if f.ticket == nil {
		return nil, tickets.ErrTicketNotFound
	}
	return f.ticket, nil
}

func (f *fakeTickets) UpsertPendingTx(context.Context, *tickets.BlockchainTransaction) error {
	f.reserves.Add(1)
	return nil
}

func (f *fakeTickets) FinalizeMint(_ context.Context, _, _, addr, sig string, _ uint64) error {
	f.finalizes.Add(1)
	f.finalAddr = addr
	f.finalSig = sig
	return nil
}

type fakeChain struct {
	submits    atomic.Int32
	confirms   atomic.Int32
	submitErr  error
	confirmErr error
	lookupFound bool
}

func (f *fakeChain) Estimate(context.Context, *chain.Transaction, chain.Urgency) (*chain.Estimate, error) {
	return &chain.Estimate{ComputeUnits: 200_000, PriorityFee: 100, Simulated: true}, nil
}

func (f *fakeChain) Build(_ context.Context, ins []chain.Instruction, payer string, est *chain.Estimate) (*chain.Transaction, error) {
	return &chain.Transaction{
		Payer:            payer,
		Blockhash:        "hash-1",
		ComputeUnitLimit: est.ComputeUnits,
		ComputeUnitPrice: est.PriorityFee,
		Instructions:     ins,
	}, nil
}

func (f *fakeChain) Sign(ctx context.Context, tx *chain.Transaction, sign chain.SignFunc) error {
	sig, err := sign(ctx, tx.Message())
	if err != nil {
		return err
	}
	tx.Signature = sig
	return nil
}

func (f *fakeChain) Submit(context.Context, *chain.Transaction) (string, error) {
	f.submits.Add(1)
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return "sig-1", nil
}

func (f *fakeChain) Confirm(context.Context, string, chain.Commitment, time.Duration) (*chain.SignatureStatus, error) {
	f.confirms.Add(1)
	if f.confirmErr != nil {
		return nil, f.confirmErr
	}
	return &chain.SignatureStatus{Found: true, Commitment: chain.CommitmentConfirmed, Slot: 42}, nil
}

func (f *fakeChain) Lookup(context.Context, string) (*chain.SignatureStatus, error) {
	return &chain.SignatureStatus{Found: f.lookupFound, Commitment: chain.CommitmentConfirmed, Slot: 42}, nil
}

type fakeWallets struct {
	signs atomic.Int32
}

func (f *fakeWallets) Sign(context.Context, string, string, []byte, string) ([]byte, error) {
	f.signs.Add(1)
	return []byte("wallet-signature"), nil
}

type harness struct {
	orch     *Orchestrator
	tickets  *fakeTickets
	chain    *fakeChain
	wallets  *fakeWallets
	metadata *MemoryMetadataStore
	recovery *coord.RecoveryStore
	kv       *coord.MemoryKV
	enqueued []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	kv := coord.NewMemoryKV()
	h := &harness{
		tickets: &fakeTickets{ticket: &tickets.Ticket{
			ID: "tk-1", TenantID: "t1", EventID: "ev-1", VenueID: "v1",
			Status: tickets.StatusSold, AccessLevel: tickets.AccessGA,
		}},
		chain:    &fakeChain{},
		wallets:  &fakeWallets{},
		metadata: NewMemoryMetadataStore(),
		recovery: coord.NewRecoveryStore(kv, nil),
		kv:       kv,
	}
	h.orch = NewOrchestrator(
		h.tickets,
		coord.NewIdempotencyStore(kv, nil),
		h.recovery,
		coord.NewLock(kv, coord.WithAcquireWait(50*time.Millisecond)),
		h.metadata,
		h.chain,
		h.wallets,
		nil,
	).WithRetrySink(func(_ context.Context, jobID, _, _, msg string) {
		h.enqueued = append(h.enqueued, msg)
	})
	return h
}

const idemKey = "mint-key-0123456789abcdef"

func TestMint_HappyPath(t *testing.T) {
	h := newHarness(t)

	res, err := h.orch.Mint(context.Background(), &Request{
		TicketID: "tk-1", TenantID: "t1", UserID: "u1",
		IdempotencyKey: idemKey, Urgency: chain.UrgencyMedium,
	})
	require.NoError(t, err)
	assert.Equal(t, PointCompleted, res.Status)
	assert.Equal(t, "sig-1", res.Signature)
	assert.NotEmpty(t, res.MintAddress)
	assert.False(t, res.Replayed)

	assert.Equal(t, int32(1), h.tickets.reserves.Load())
	assert.Equal(t, int32(1), h.tickets.finalizes.Load())
	assert.Equal(t, int32(1), h.chain.submits.Load())
	assert.Equal(t, int32(1), h.wallets.signs.Load())
	assert.Equal(t, res.MintAddress, h.tickets.finalAddr)

	_, ok := h.metadata.Get("t1", "tk-1")
	assert.True(t, ok, "metadata must be uploaded")

	state, found, err := h.recovery.Load(context.Background(), res.JobID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, PointCompleted, state.CurrentPoint)
}

func TestMint_IdempotentReplay(t *testing.T) {
	h := newHarness(t)
	req := &Request{TicketID: "tk-1", TenantID: "t1", UserID: "u1", IdempotencyKey: idemKey}

	first, err := h.orch.Mint(context.Background(), req)
	require.NoError(t, err)

	second, err := h.orch.Mint(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.JobID, second.JobID)
	assert.Equal(t, first.Signature, second.Signature)
	assert.Equal(t, first.MintAddress, second.MintAddress)

	// The pipeline must not have run twice.
	assert.Equal(t, int32(1), h.chain.submits.Load())
	assert.Equal(t, int32(1), h.tickets.finalizes.Load())
}

func TestMint_InProgressConflicts(t *testing.T) {
	h := newHarness(t)
	idem := coord.NewIdempotencyStore(h.kv, nil)
	_, _, err := idem.Begin(context.Background(), "t1", idemKey, "req-0", PointInitiated)
	require.NoError(t, err)

	_, err = h.orch.Mint(context.Background(), &Request{
		TicketID: "tk-1", TenantID: "t1", IdempotencyKey: idemKey,
	})
	require.ErrorIs(t, err, ErrInProgress)
}

func TestMint_LiveProcessingEntryStillConflicts(t *testing.T) {
	h := newHarness(t)
	idem := coord.NewIdempotencyStore(h.kv, nil)
	_, _, err := idem.Begin(context.Background(), "t1", idemKey, "req-0", PointInitiated)
	require.NoError(t, err)

	// The holder is alive: it owns the ticket lock. Even an entry older
	// than the grace period must not be adopted.
	lock := coord.NewLock(h.kv)
	_, err = lock.Acquire(context.Background(), coord.MintLockKey("t1", "tk-1"), time.Minute)
	require.NoError(t, err)
	h.orch.WithClock(func() time.Time { return time.Now().Add(time.Minute) })

	_, err = h.orch.Mint(context.Background(), &Request{
		TicketID: "tk-1", TenantID: "t1", IdempotencyKey: idemKey,
	})
	require.ErrorIs(t, err, ErrInProgress)
}

func TestMint_AdoptsStalledEntryAndResumes(t *testing.T) {
	h := newHarness(t)
	jobID := "mint:t1:" + idemKey

	// A crash after TX_SUBMITTED leaves the idempotency entry at
	// processing, the recovery state at the submitted point, and the
	// ticket lock released by TTL. The signature already landed.
	idem := coord.NewIdempotencyStore(h.kv, nil)
	_, _, err := idem.Begin(context.Background(), "t1", idemKey, "req-0", PointInitiated)
	require.NoError(t, err)
	require.NoError(t, idem.SetRecoveryPoint(context.Background(), "t1", idemKey, PointTxSubmitted))
	_, err = h.recovery.Checkpoint(context.Background(), jobID, "tk-1", "t1", PointTxSubmitted,
		coord.RecoveryMetadata{Signature: "sig-prior", MintAddress: "addr-prior", MetadataURI: "memory://m"})
	require.NoError(t, err)
	h.chain.lookupFound = true
	h.orch.WithClock(func() time.Time { return time.Now().Add(time.Minute) })

	res, err := h.orch.Mint(context.Background(), &Request{
		TicketID: "tk-1", TenantID: "t1", IdempotencyKey: idemKey, RequestID: "req-retry",
	})
	require.NoError(t, err)
	assert.Equal(t, PointCompleted, res.Status)
	assert.Equal(t, "sig-prior", res.Signature)
	assert.Zero(t, h.chain.submits.Load(), "adopted resume must not resubmit")
	assert.Equal(t, int32(1), h.tickets.finalizes.Load())

	// The entry now caches the completed response for replay.
	entry, ok, err := idem.Get(context.Background(), "t1", idemKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, coord.IdemCompleted, entry.Status)
	assert.Equal(t, "req-retry", entry.RequestID)
}

func TestMint_ValidationRejects(t *testing.T) {
	t.Run("already minted", func(t *testing.T) {
		h := newHarness(t)
		h.tickets.ticket.IsMinted = true
		_, err := h.orch.Mint(context.Background(), &Request{TicketID: "tk-1", TenantID: "t1"})
		require.ErrorIs(t, err, ErrNotMintable)
	})
	t.Run("bad status", func(t *testing.T) {
		h := newHarness(t)
		h.tickets.ticket.Status = tickets.StatusRefunded
		_, err := h.orch.Mint(context.Background(), &Request{TicketID: "tk-1", TenantID: "t1"})
		require.ErrorIs(t, err, ErrNotMintable)
		assert.Empty(t, h.enqueued, "validation failures are final, not retried")
	})
}

func TestMint_LockBusyEnqueues(t *testing.T) {
	h := newHarness(t)
	lock := coord.NewLock(h.kv)
	_, err := lock.Acquire(context.Background(), coord.MintLockKey("t1", "tk-1"), time.Minute)
	require.NoError(t, err)

	_, err = h.orch.Mint(context.Background(), &Request{TicketID: "tk-1", TenantID: "t1"})
	require.ErrorIs(t, err, ErrLockBusy)
	require.Len(t, h.enqueued, 1)
	assert.Contains(t, h.enqueued[0], "lock acquisition timeout")
	assert.Zero(t, h.chain.submits.Load())
}

func TestMint_ResumeAfterSubmitDoesNotResubmit(t *testing.T) {
	h := newHarness(t)
	jobID := "mint:t1:" + idemKey

	// Simulate a crash after TX_SUBMITTED: the signature is durable, the
	// transaction already landed.
	_, err := h.recovery.Checkpoint(context.Background(), jobID, "tk-1", "t1", PointTxSubmitted,
		coord.RecoveryMetadata{Signature: "sig-prior", MintAddress: "addr-prior", MetadataURI: "memory://m"})
	require.NoError(t, err)
	h.chain.lookupFound = true

	res, err := h.orch.Mint(context.Background(), &Request{
		TicketID: "tk-1", TenantID: "t1", IdempotencyKey: idemKey,
	})
	require.NoError(t, err)
	assert.Equal(t, PointCompleted, res.Status)
	assert.Equal(t, "sig-prior", res.Signature)
	assert.Equal(t, "addr-prior", res.MintAddress)

	assert.Zero(t, h.chain.submits.Load(), "resume at TX_SUBMITTED must not resubmit")
	assert.Equal(t, int32(1), h.chain.confirms.Load())
	assert.Equal(t, int32(1), h.tickets.finalizes.Load())
	assert.Equal(t, "sig-prior", h.tickets.finalSig)
}

func TestMint_ConfirmTimeoutEnqueued(t *testing.T) {
	h := newHarness(t)
	h.chain.confirmErr = chain.ErrConfirmTimeout

	_, err := h.orch.Mint(context.Background(), &Request{
		TicketID: "tk-1", TenantID: "t1", IdempotencyKey: idemKey,
	})
	require.Error(t, err)
	require.Len(t, h.enqueued, 1)

	// The job stays resumable at TX_SUBMITTED so the retry polls the chain.
	state, ok, err := h.recovery.Load(context.Background(), "mint:t1:"+idemKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, PointTxSubmitted, state.CurrentPoint)
	assert.NotEmpty(t, state.Metadata.Signature)
}

func TestMint_CompletedJobShortCircuits(t *testing.T) {
	h := newHarness(t)
	jobID := "mint:t1:" + idemKey
	_, err := h.recovery.Checkpoint(context.Background(), jobID, "tk-1", "t1", PointCompleted,
		coord.RecoveryMetadata{Signature: "sig-done", MintAddress: "addr-done"})
	require.NoError(t, err)

	res, err := h.orch.Mint(context.Background(), &Request{
		TicketID: "tk-1", TenantID: "t1", IdempotencyKey: idemKey,
	})
	require.NoError(t, err)
	assert.Equal(t, "sig-done", res.Signature)
	assert.Zero(t, h.chain.submits.Load())
	assert.Zero(t, h.tickets.finalizes.Load())
}
