// Package dlq is the dead-letter policy shared by the mint orchestrator and
// the sync consumer: failed jobs are classified, retried with exponential
// backoff, promoted to non-retryable after repeated failure, and archived
// after their review window.
package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Policy constants.
const (
	backoffBase    = 30 * time.Second
	backoffCeiling = time.Hour
	maxRetries     = 5

	processInterval = 5 * time.Minute
	archiveAfter    = 7 * 24 * time.Hour
	batchLimit      = 100
)

// Backoff returns the delay before the next retry attempt:
// min(30s * 2^retryCount, 1h).
func Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := backoffBase
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= backoffCeiling {
			return backoffCeiling
		}
	}
	return d
}

// Item is one dead-lettered job.
type Item struct {
	ID          string
	JobID       string
	TicketID    string
	TenantID    string
	Category    Category
	Reason      string
	RetryCount  int
	NextRetryAt *time.Time
	Archived    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ItemStore is the live queue's persistence.
type ItemStore interface {
	Insert(ctx context.Context, item *Item) error
	Due(ctx context.Context, now time.Time, limit int) ([]*Item, error)
	Update(ctx context.Context, item *Item) error
	Delete(ctx context.Context, id string) error
	ArchiveCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*Item, error)
	MarkArchived(ctx context.Context, id string) error
}

// Archiver receives items leaving the live queue.
type Archiver interface {
	Store(ctx context.Context, item *Item) error
}

// Handler re-executes a dead-lettered job. A nil error resolves the item.
type Handler func(ctx context.Context, item *Item) error

// Processor owns the queue lifecycle.
type Processor struct {
	store   ItemStore
	archive Archiver
	handler Handler
	logger  *slog.Logger
	clock   func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewProcessor wires a processor; archive may be nil to disable archival.
func NewProcessor(store ItemStore, archive Archiver, handler Handler, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:   store,
		archive: archive,
		handler: handler,
		logger:  logger.With("component", "dlq.processor"),
		clock:   time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// WithClock overrides the clock for deterministic testing.
func (p *Processor) WithClock(clock func() time.Time) *Processor {
	p.clock = clock
	return p
}

// Add dead-letters a failed job. The error message decides the category:
// retryable items get a first retry scheduled, non-retryable items are held
// for review, unknown items wait indefinitely.
func (p *Processor) Add(ctx context.Context, jobID, ticketID, tenantID, errMessage string) (*Item, error) {
	now := p.clock()
	item := &Item{
		ID:        uuid.NewString(),
		JobID:     jobID,
		TicketID:  ticketID,
		TenantID:  tenantID,
		Category:  Classify(errMessage),
		Reason:    errMessage,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if item.Category == CategoryRetryable {
		next := now.Add(Backoff(0))
		item.NextRetryAt = &next
	}
	if err := p.store.Insert(ctx, item); err != nil {
		return nil, fmt.Errorf("dlq: insert: %w", err)
	}

	switch item.Category {
	case CategoryNonRetryable:
		p.logger.Error("non-retryable failure dead-lettered",
			"job_id", jobID, "ticket_id", ticketID, "tenant_id", tenantID, "reason", errMessage)
	case CategoryUnknown:
		p.logger.Warn("unclassified failure dead-lettered",
			"job_id", jobID, "ticket_id", ticketID, "reason", errMessage)
	default:
		p.logger.Info("retryable failure dead-lettered",
			"job_id", jobID, "ticket_id", ticketID, "next_retry_at", item.NextRetryAt)
	}
	return item, nil
}

// Start launches the 5-minute processing loop.
func (p *Processor) Start() {
	go p.loop()
}

// Stop halts the loop and its ticker, then waits for the current pass to
// finish.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

func (p *Processor) loop() {
	defer close(p.done)
	ticker := time.NewTicker(processInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), processInterval)
			p.ProcessOnce(ctx)
			cancel()
		}
	}
}

// ProcessOnce executes one pass: due retries, then archival.
func (p *Processor) ProcessOnce(ctx context.Context) {
	now := p.clock()

	due, err := p.store.Due(ctx, now, batchLimit)
	if err != nil {
		p.logger.Error("due query failed", "error", err)
	}
	for _, item := range due {
		p.retry(ctx, item)
	}

	if p.archive == nil {
		return
	}
	candidates, err := p.store.ArchiveCandidates(ctx, now.Add(-archiveAfter), batchLimit)
	if err != nil {
		p.logger.Error("archive query failed", "error", err)
		return
	}
	for _, item := range candidates {
		if err := p.archive.Store(ctx, item); err != nil {
			p.logger.Error("archive write failed", "item_id", item.ID, "error", err)
			continue
		}
		if err := p.store.MarkArchived(ctx, item.ID); err != nil {
			p.logger.Error("archive mark failed", "item_id", item.ID, "error", err)
		}
	}
}

// retry re-runs one item and reschedules or promotes it on failure.
func (p *Processor) retry(ctx context.Context, item *Item) {
	err := p.handler(ctx, item)
	if err == nil {
		if derr := p.store.Delete(ctx, item.ID); derr != nil {
			p.logger.Error("resolved item delete failed", "item_id", item.ID, "error", derr)
		}
		p.logger.Info("dead-lettered job recovered", "job_id", item.JobID, "retries", item.RetryCount)
		return
	}

	item.RetryCount++
	item.Reason = err.Error()
	item.UpdatedAt = p.clock()
	if item.RetryCount >= maxRetries {
		item.Category = CategoryNonRetryable
		item.NextRetryAt = nil
		p.logger.Error("retry budget exhausted, promoting to non-retryable",
			"job_id", item.JobID, "retries", item.RetryCount, "reason", item.Reason)
	} else {
		next := p.clock().Add(Backoff(item.RetryCount))
		item.NextRetryAt = &next
	}
	if uerr := p.store.Update(ctx, item); uerr != nil {
		p.logger.Error("item update failed", "item_id", item.ID, "error", uerr)
	}
}
