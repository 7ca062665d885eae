package coord

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingRecorder struct {
	events []string
}

func (r *recordingRecorder) Event(name string) { r.events = append(r.events, name) }

// failingKV always reports the backend as unreachable.
type failingKV struct{}

func (failingKV) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, ErrUnavailable
}
func (failingKV) Set(context.Context, string, []byte, time.Duration) error { return ErrUnavailable }
func (failingKV) SetIfAbsent(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, ErrUnavailable
}
func (failingKV) Delete(context.Context, string) error { return ErrUnavailable }
func (failingKV) CompareAndDelete(context.Context, string, []byte) (bool, error) {
	return false, ErrUnavailable
}
func (failingKV) TTL(context.Context, string) (time.Duration, bool, error) {
	return 0, false, ErrUnavailable
}

func TestIdempotency_FreshThenReplay(t *testing.T) {
	rec := &recordingRecorder{}
	store := NewIdempotencyStore(NewMemoryKV(), nil).WithRecorder(rec)
	ctx := context.Background()

	outcome, entry, err := store.Begin(ctx, "tenant-a", "key-1234567890abcd", "req-1", "INITIATED")
	require.NoError(t, err)
	require.Equal(t, BeginFresh, outcome)
	require.Equal(t, IdemProcessing, entry.Status)

	response := json.RawMessage(`{"job_id":"j1","status":"COMPLETED"}`)
	require.NoError(t, store.Complete(ctx, "tenant-a", "key-1234567890abcd", response, "COMPLETED"))

	outcome, entry, err = store.Begin(ctx, "tenant-a", "key-1234567890abcd", "req-2", "INITIATED")
	require.NoError(t, err)
	require.Equal(t, BeginReplay, outcome)
	require.JSONEq(t, string(response), string(entry.Response))
	require.Equal(t, "COMPLETED", entry.RecoveryPoint)
	require.Equal(t, "req-1", entry.RequestID, "replay returns the original request id")

	require.Equal(t, []string{"processing", "completed", "replayed"}, rec.events)
}

func TestIdempotency_ProcessingConflicts(t *testing.T) {
	store := NewIdempotencyStore(NewMemoryKV(), nil)
	ctx := context.Background()

	_, _, err := store.Begin(ctx, "tenant-a", "key-1234567890abcd", "req-1", "INITIATED")
	require.NoError(t, err)

	outcome, _, err := store.Begin(ctx, "tenant-a", "key-1234567890abcd", "req-2", "INITIATED")
	require.NoError(t, err)
	require.Equal(t, BeginInProgress, outcome)
}

func TestIdempotency_AdoptReassignsProcessingEntry(t *testing.T) {
	store := NewIdempotencyStore(NewMemoryKV(), nil)
	ctx := context.Background()

	_, _, err := store.Begin(ctx, "tenant-a", "key-1234567890abcd", "req-1", "INITIATED")
	require.NoError(t, err)
	require.NoError(t, store.SetRecoveryPoint(ctx, "tenant-a", "key-1234567890abcd", "TX_SUBMITTED"))

	require.NoError(t, store.Adopt(ctx, "tenant-a", "key-1234567890abcd", "req-2"))

	entry, ok, err := store.Get(ctx, "tenant-a", "key-1234567890abcd")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, IdemProcessing, entry.Status)
	require.Equal(t, "req-2", entry.RequestID)
	require.Equal(t, "TX_SUBMITTED", entry.RecoveryPoint, "adoption keeps the recovery point")
}

func TestIdempotency_FailedEntryClearedOnRetry(t *testing.T) {
	store := NewIdempotencyStore(NewMemoryKV(), nil)
	ctx := context.Background()

	_, _, err := store.Begin(ctx, "tenant-a", "key-1234567890abcd", "req-1", "INITIATED")
	require.NoError(t, err)
	require.NoError(t, store.Fail(ctx, "tenant-a", "key-1234567890abcd", "TX_BUILT"))

	outcome, entry, err := store.Begin(ctx, "tenant-a", "key-1234567890abcd", "req-2", "INITIATED")
	require.NoError(t, err)
	require.Equal(t, BeginFresh, outcome, "failed entry must not block a retry")
	require.Equal(t, "req-2", entry.RequestID)
}

func TestIdempotency_TenantScoping(t *testing.T) {
	store := NewIdempotencyStore(NewMemoryKV(), nil)
	ctx := context.Background()

	_, _, err := store.Begin(ctx, "tenant-a", "key-1234567890abcd", "req-1", "INITIATED")
	require.NoError(t, err)

	// Same key under another tenant is an independent entry.
	outcome, _, err := store.Begin(ctx, "tenant-b", "key-1234567890abcd", "req-2", "INITIATED")
	require.NoError(t, err)
	require.Equal(t, BeginFresh, outcome)
}

func TestIdempotency_KeyLengthBounds(t *testing.T) {
	store := NewIdempotencyStore(NewMemoryKV(), nil)
	ctx := context.Background()

	_, _, err := store.Begin(ctx, "tenant-a", "short", "req-1", "INITIATED")
	require.Error(t, err)

	long := make([]byte, 129)
	for i := range long {
		long[i] = 'x'
	}
	_, _, err = store.Begin(ctx, "tenant-a", string(long), "req-1", "INITIATED")
	require.Error(t, err)
}

func TestIdempotency_DegradesToInProcessMap(t *testing.T) {
	store := NewIdempotencyStore(failingKV{}, nil)
	ctx := context.Background()

	outcome, _, err := store.Begin(ctx, "tenant-a", "key-1234567890abcd", "req-1", "INITIATED")
	require.NoError(t, err, "unavailable KV must degrade, not fail")
	require.Equal(t, BeginFresh, outcome)
	require.Greater(t, store.Degraded(), int64(0))

	// Process-local correctness is preserved.
	outcome, _, err = store.Begin(ctx, "tenant-a", "key-1234567890abcd", "req-2", "INITIATED")
	require.NoError(t, err)
	require.Equal(t, BeginInProgress, outcome)
}

func TestRecoveryStore_CheckpointAndResume(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewRecoveryStore(NewMemoryKV(), nil).WithClock(func() time.Time { return now })
	ctx := context.Background()

	state, err := store.Checkpoint(ctx, "job-1", "ticket-1", "tenant-a", "INITIATED", RecoveryMetadata{})
	require.NoError(t, err)
	require.Equal(t, "INITIATED", state.CurrentPoint)
	require.Empty(t, state.PreviousPoint)
	require.Equal(t, now, state.StartedAt)

	state, err = store.Checkpoint(ctx, "job-1", "ticket-1", "tenant-a", "TX_SUBMITTED", RecoveryMetadata{Signature: "sig-abc"})
	require.NoError(t, err)
	require.Equal(t, "TX_SUBMITTED", state.CurrentPoint)
	require.Equal(t, "INITIATED", state.PreviousPoint)
	require.Equal(t, "sig-abc", state.Metadata.Signature)

	// Metadata merges instead of being replaced.
	state, err = store.Checkpoint(ctx, "job-1", "ticket-1", "tenant-a", "DB_UPDATED", RecoveryMetadata{MintAddress: "mint-xyz"})
	require.NoError(t, err)
	require.Equal(t, "sig-abc", state.Metadata.Signature)
	require.Equal(t, "mint-xyz", state.Metadata.MintAddress)

	loaded, ok, err := store.Load(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "DB_UPDATED", loaded.CurrentPoint)

	state, err = store.IncrementRetry(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, 1, state.RetryCount)

	require.NoError(t, store.Delete(ctx, "job-1"))
	_, ok, err = store.Load(ctx, "job-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRecoveryStore_DegradesToInProcessMap(t *testing.T) {
	store := NewRecoveryStore(failingKV{}, nil)
	ctx := context.Background()

	_, err := store.Checkpoint(ctx, "job-1", "ticket-1", "tenant-a", "INITIATED", RecoveryMetadata{})
	require.NoError(t, err)

	state, ok, err := store.Load(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "INITIATED", state.CurrentPoint)
	require.False(t, errors.Is(err, ErrUnavailable))
}
