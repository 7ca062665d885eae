package anomaly

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tickettoken/core/pkg/tenants"
)

const dbTimeout = 5 * time.Second

// PostgresFindings persists findings to the anomaly_findings table under
// row-level security.
type PostgresFindings struct {
	db *sql.DB
}

// NewPostgresFindings wraps an open database handle.
func NewPostgresFindings(db *sql.DB) *PostgresFindings {
	return &PostgresFindings{db: db}
}

// Insert appends one finding.
func (s *PostgresFindings) Insert(ctx context.Context, f *Finding) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("anomaly: begin tx: %w", err)
	}
	if err := tenants.BindTx(ctx, tx, f.TenantID); err != nil {
		_ = tx.Rollback()
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO anomaly_findings (id, tenant_id, ticket_id, device_id, detector, severity, detail, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		f.ID, f.TenantID, f.TicketID, f.DeviceID, f.Detector, f.Severity, f.Detail, f.DetectedAt,
	)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("anomaly: insert finding: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("anomaly: commit: %w", err)
	}
	return nil
}
