package dlq

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const dbTimeout = 5 * time.Second

// PostgresStore keeps the live queue in the dlq_items table. The queue is
// platform-scoped: the processor works across tenants, so rows are not
// behind row-level security; tenant_id is carried for attribution only.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, item *Item) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dlq_items (id, job_id, ticket_id, tenant_id, category, reason, retry_count, next_retry_at, archived, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false, $9, $10)`,
		item.ID, item.JobID, item.TicketID, item.TenantID, item.Category, item.Reason,
		item.RetryCount, item.NextRetryAt, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("dlq: insert item: %w", err)
	}
	return nil
}

func (s *PostgresStore) Due(ctx context.Context, now time.Time, limit int) ([]*Item, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, ticket_id, tenant_id, category, reason, retry_count, next_retry_at, archived, created_at, updated_at
		FROM dlq_items
		WHERE category = 'RETRYABLE' AND NOT archived AND next_retry_at <= $1
		ORDER BY next_retry_at
		LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("dlq: query due: %w", err)
	}
	return scanItems(rows)
}

func (s *PostgresStore) Update(ctx context.Context, item *Item) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		UPDATE dlq_items
		SET category = $2, reason = $3, retry_count = $4, next_retry_at = $5, updated_at = $6
		WHERE id = $1`,
		item.ID, item.Category, item.Reason, item.RetryCount, item.NextRetryAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("dlq: update item: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM dlq_items WHERE id = $1`, id); err != nil {
		return fmt.Errorf("dlq: delete item: %w", err)
	}
	return nil
}

func (s *PostgresStore) ArchiveCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*Item, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, ticket_id, tenant_id, category, reason, retry_count, next_retry_at, archived, created_at, updated_at
		FROM dlq_items
		WHERE category = 'NON_RETRYABLE' AND NOT archived AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("dlq: query archive candidates: %w", err)
	}
	return scanItems(rows)
}

func (s *PostgresStore) MarkArchived(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `UPDATE dlq_items SET archived = true WHERE id = $1`, id); err != nil {
		return fmt.Errorf("dlq: mark archived: %w", err)
	}
	return nil
}

func scanItems(rows *sql.Rows) ([]*Item, error) {
	defer func() { _ = rows.Close() }()

	var out []*Item
	for rows.Next() {
		item := &Item{}
		var next sql.NullTime
		if err := rows.Scan(&item.ID, &item.JobID, &item.TicketID, &item.TenantID, &item.Category,
			&item.Reason, &item.RetryCount, &next, &item.Archived, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("dlq: scan item: %w", err)
		}
		if next.Valid {
			item.NextRetryAt = &next.Time
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
