package coord

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// RecoveryTTL bounds how long checkpoint state outlives its job.
const RecoveryTTL = 24 * time.Hour

// RecoveryMetadata carries the step outputs a resumed job needs.
type RecoveryMetadata struct {
	MetadataURI string `json:"metadata_uri,omitempty"`
	Signature   string `json:"signature,omitempty"`
	MintAddress string `json:"mint_address,omitempty"`
	Error       string `json:"error,omitempty"`
}

// RecoveryState is the durable checkpoint record for a crash-safe job.
type RecoveryState struct {
	JobID         string           `json:"job_id"`
	TicketID      string           `json:"ticket_id"`
	TenantID      string           `json:"tenant_id"`
	CurrentPoint  string           `json:"current_point"`
	PreviousPoint string           `json:"previous_point,omitempty"`
	RetryCount    int              `json:"retry_count"`
	StartedAt     time.Time        `json:"started_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	Metadata      RecoveryMetadata `json:"metadata"`
}

// RecoveryStore persists recovery state keyed by job id, degrading to an
// in-process map when the KV is unavailable.
type RecoveryStore struct {
	kv    *failoverKV
	clock func() time.Time
}

// NewRecoveryStore creates a store over the given KV.
func NewRecoveryStore(kv KV, logger *slog.Logger) *RecoveryStore {
	return &RecoveryStore{
		kv:    newFailoverKV(kv, logger),
		clock: time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *RecoveryStore) WithClock(clock func() time.Time) *RecoveryStore {
	s.clock = clock
	return s
}

// Checkpoint advances the job to point, preserving the previous point and
// merging non-empty metadata fields. Written on every step boundary.
func (s *RecoveryStore) Checkpoint(ctx context.Context, jobID, ticketID, tenantID, point string, meta RecoveryMetadata) (*RecoveryState, error) {
	state, ok, err := s.Load(ctx, jobID)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	if !ok {
		state = &RecoveryState{
			JobID:     jobID,
			TicketID:  ticketID,
			TenantID:  tenantID,
			StartedAt: now,
		}
	}

	state.PreviousPoint = state.CurrentPoint
	state.CurrentPoint = point
	state.UpdatedAt = now
	if meta.MetadataURI != "" {
		state.Metadata.MetadataURI = meta.MetadataURI
	}
	if meta.Signature != "" {
		state.Metadata.Signature = meta.Signature
	}
	if meta.MintAddress != "" {
		state.Metadata.MintAddress = meta.MintAddress
	}
	if meta.Error != "" {
		state.Metadata.Error = meta.Error
	}

	if err := s.save(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// IncrementRetry bumps the retry counter without moving the point.
func (s *RecoveryStore) IncrementRetry(ctx context.Context, jobID string) (*RecoveryState, error) {
	state, ok, err := s.Load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("coord: recovery state %s not found", jobID)
	}
	state.RetryCount++
	state.UpdatedAt = s.clock()
	if err := s.save(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// Load fetches the state for jobID.
func (s *RecoveryStore) Load(ctx context.Context, jobID string) (*RecoveryState, bool, error) {
	raw, ok, err := s.kv.Get(ctx, s.key(jobID))
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	var state RecoveryState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, false, fmt.Errorf("coord: corrupt recovery state %s: %w", jobID, err)
	}
	return &state, true, nil
}

// Delete removes the state once its retention elapsed.
func (s *RecoveryStore) Delete(ctx context.Context, jobID string) error {
	return s.kv.Delete(ctx, s.key(jobID))
}

// Degraded reports how many KV operations were served by the in-process
// fallback.
func (s *RecoveryStore) Degraded() int64 {
	return s.kv.Degraded()
}

func (s *RecoveryStore) save(ctx context.Context, state *RecoveryState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("coord: marshal recovery state: %w", err)
	}
	return s.kv.Set(ctx, s.key(state.JobID), raw, RecoveryTTL)
}

func (s *RecoveryStore) key(jobID string) string {
	return fmt.Sprintf("recovery:%s", jobID)
}
