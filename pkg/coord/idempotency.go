package coord

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Idempotency entry lifecycle states.
const (
	IdemProcessing = "processing"
	IdemCompleted  = "completed"
	IdemFailed     = "failed"
)

// IdempotencyTTL bounds how long completed responses are replayable.
const IdempotencyTTL = 24 * time.Hour

// Idempotency key length bounds enforced at the API boundary and re-checked
// here.
const (
	IdemKeyMinLen = 16
	IdemKeyMaxLen = 128
)

// IdempotencyEntry is the stored record for one idempotency key.
type IdempotencyEntry struct {
	Key           string          `json:"key"`
	TenantID      string          `json:"tenant_id"`
	Status        string          `json:"status"`
	Response      json.RawMessage `json:"response,omitempty"`
	RecoveryPoint string          `json:"recovery_point,omitempty"`
	RequestID     string          `json:"request_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Recorder receives idempotency lifecycle events (replayed, processing,
// completed, failed, conflict). The observability provider wires counters
// behind it; the zero value is a no-op.
type Recorder interface {
	Event(name string)
}

type nopRecorder struct{}

func (nopRecorder) Event(string) {}

// IdempotencyStore persists idempotency entries in the KV, degrading to an
// in-process map when the KV is unavailable.
type IdempotencyStore struct {
	kv       *failoverKV
	recorder Recorder
	clock    func() time.Time
}

// NewIdempotencyStore creates a store over the given KV.
func NewIdempotencyStore(kv KV, logger *slog.Logger) *IdempotencyStore {
	return &IdempotencyStore{
		kv:       newFailoverKV(kv, logger),
		recorder: nopRecorder{},
		clock:    time.Now,
	}
}

// WithRecorder attaches a lifecycle recorder.
func (s *IdempotencyStore) WithRecorder(r Recorder) *IdempotencyStore {
	s.recorder = r
	return s
}

// WithClock overrides the clock for deterministic testing.
func (s *IdempotencyStore) WithClock(clock func() time.Time) *IdempotencyStore {
	s.clock = clock
	return s
}

// ValidateKey checks the key length bounds.
func ValidateKey(key string) error {
	if len(key) < IdemKeyMinLen || len(key) > IdemKeyMaxLen {
		return fmt.Errorf("coord: idempotency key length %d outside [%d,%d]", len(key), IdemKeyMinLen, IdemKeyMaxLen)
	}
	return nil
}

// BeginOutcome tells the caller how to proceed after Begin.
type BeginOutcome int

const (
	// BeginFresh: a processing entry was registered; run the operation.
	BeginFresh BeginOutcome = iota
	// BeginReplay: a completed entry exists; return its cached response.
	BeginReplay
	// BeginInProgress: another request holds the key; surface a conflict.
	BeginInProgress
)

// Begin applies the key reuse rules: completed entries replay, a
// processing entry conflicts, a failed entry is cleared and re-registered.
func (s *IdempotencyStore) Begin(ctx context.Context, tenantID, key, requestID, initialPoint string) (BeginOutcome, *IdempotencyEntry, error) {
	if err := ValidateKey(key); err != nil {
		return 0, nil, err
	}

	storeKey := s.storeKey(tenantID, key)
	for attempt := 0; attempt < 2; attempt++ {
		now := s.clock()
		fresh := IdempotencyEntry{
			Key:           key,
			TenantID:      tenantID,
			Status:        IdemProcessing,
			RecoveryPoint: initialPoint,
			RequestID:     requestID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		raw, err := json.Marshal(fresh)
		if err != nil {
			return 0, nil, fmt.Errorf("coord: marshal idempotency entry: %w", err)
		}

		claimed, err := s.kv.SetIfAbsent(ctx, storeKey, raw, IdempotencyTTL)
		if err != nil {
			return 0, nil, err
		}
		if claimed {
			s.recorder.Event("processing")
			return BeginFresh, &fresh, nil
		}

		existing, ok, err := s.get(ctx, storeKey)
		if err != nil {
			return 0, nil, err
		}
		if !ok {
			// Expired between SetIfAbsent and Get; claim again.
			continue
		}

		switch existing.Status {
		case IdemCompleted:
			s.recorder.Event("replayed")
			return BeginReplay, existing, nil
		case IdemProcessing:
			s.recorder.Event("conflict")
			return BeginInProgress, existing, nil
		case IdemFailed:
			// Failed entries do not block a retry.
			if err := s.kv.Delete(ctx, storeKey); err != nil {
				return 0, nil, err
			}
			continue
		default:
			return 0, nil, fmt.Errorf("coord: idempotency entry %s has unknown status %q", key, existing.Status)
		}
	}
	s.recorder.Event("conflict")
	return BeginInProgress, nil, nil
}

// Get returns the entry for (tenant, key) if present.
func (s *IdempotencyStore) Get(ctx context.Context, tenantID, key string) (*IdempotencyEntry, bool, error) {
	return s.get(ctx, s.storeKey(tenantID, key))
}

// SetRecoveryPoint records the furthest checkpoint reached while processing.
func (s *IdempotencyStore) SetRecoveryPoint(ctx context.Context, tenantID, key, point string) error {
	return s.update(ctx, tenantID, key, func(e *IdempotencyEntry) {
		e.RecoveryPoint = point
	})
}

// Complete caches the response for replay and marks the entry completed.
func (s *IdempotencyStore) Complete(ctx context.Context, tenantID, key string, response json.RawMessage, point string) error {
	err := s.update(ctx, tenantID, key, func(e *IdempotencyEntry) {
		e.Status = IdemCompleted
		e.Response = response
		e.RecoveryPoint = point
	})
	if err == nil {
		s.recorder.Event("completed")
	}
	return err
}

// Adopt reassigns a processing entry to a new request. Callers use it after
// establishing that the previous holder crashed; the recovery point is kept
// so the job resumes where it stopped.
func (s *IdempotencyStore) Adopt(ctx context.Context, tenantID, key, requestID string) error {
	err := s.update(ctx, tenantID, key, func(e *IdempotencyEntry) {
		e.Status = IdemProcessing
		e.RequestID = requestID
	})
	if err == nil {
		s.recorder.Event("adopted")
	}
	return err
}

// Fail marks the entry failed; a later Begin with the same key clears it.
func (s *IdempotencyStore) Fail(ctx context.Context, tenantID, key, point string) error {
	err := s.update(ctx, tenantID, key, func(e *IdempotencyEntry) {
		e.Status = IdemFailed
		e.RecoveryPoint = point
	})
	if err == nil {
		s.recorder.Event("failed")
	}
	return err
}

// Clear drops the entry outright.
func (s *IdempotencyStore) Clear(ctx context.Context, tenantID, key string) error {
	return s.kv.Delete(ctx, s.storeKey(tenantID, key))
}

// Degraded reports how many KV operations were served by the in-process
// fallback.
func (s *IdempotencyStore) Degraded() int64 {
	return s.kv.Degraded()
}

func (s *IdempotencyStore) update(ctx context.Context, tenantID, key string, mutate func(*IdempotencyEntry)) error {
	storeKey := s.storeKey(tenantID, key)
	entry, ok, err := s.get(ctx, storeKey)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("coord: idempotency entry %s not found", key)
	}

	mutate(entry)
	entry.UpdatedAt = s.clock()

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("coord: marshal idempotency entry: %w", err)
	}

	// Preserve the original expiry rather than extending it on update.
	ttl := IdempotencyTTL
	if remaining, has, err := s.kv.TTL(ctx, storeKey); err == nil && has {
		ttl = remaining
	}
	return s.kv.Set(ctx, storeKey, raw, ttl)
}

func (s *IdempotencyStore) get(ctx context.Context, storeKey string) (*IdempotencyEntry, bool, error) {
	raw, ok, err := s.kv.Get(ctx, storeKey)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	var entry IdempotencyEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("coord: corrupt idempotency entry %s: %w", storeKey, err)
	}
	return &entry, true, nil
}

func (s *IdempotencyStore) storeKey(tenantID, key string) string {
	return fmt.Sprintf("idem:%s:%s", tenantID, key)
}
