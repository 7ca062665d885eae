package dlq

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Archive is the cold store for items leaving the live queue. It lives in a
// local SQLite file so archived failures stay inspectable after the
// operational tables are pruned.
type Archive struct {
	db *sql.DB
}

// OpenArchive opens (and if needed initializes) the archive at path. Use
// ":memory:" for tests.
func OpenArchive(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("dlq: open archive: %w", err)
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS archived_items (
			id           TEXT PRIMARY KEY,
			job_id       TEXT NOT NULL,
			ticket_id    TEXT NOT NULL,
			tenant_id    TEXT NOT NULL,
			category     TEXT NOT NULL,
			reason       TEXT NOT NULL,
			retry_count  INTEGER NOT NULL,
			created_at   TIMESTAMP NOT NULL,
			archived_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("dlq: init archive schema: %w", err)
	}
	return &Archive{db: db}, nil
}

// Store writes one item to the archive. Re-archiving the same id is a no-op.
func (a *Archive) Store(ctx context.Context, item *Item) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO archived_items (id, job_id, ticket_id, tenant_id, category, reason, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.JobID, item.TicketID, item.TenantID, item.Category, item.Reason, item.RetryCount, item.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("dlq: archive item: %w", err)
	}
	return nil
}

// Count reports how many items the archive holds.
func (a *Archive) Count(ctx context.Context) (int, error) {
	var n int
	if err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM archived_items`).Scan(&n); err != nil {
		return 0, fmt.Errorf("dlq: archive count: %w", err)
	}
	return n, nil
}

// Close releases the underlying database handle.
func (a *Archive) Close() error {
	return a.db.Close()
}
