package tickets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tickettoken/core/pkg/tenants"
)

// Query timeout for every database round trip.
const dbTimeout = 5 * time.Second

var (
	// ErrTicketNotFound covers both absence and cross-tenant rows; callers
	// must not distinguish the two toward clients.
	ErrTicketNotFound = errors.New("tickets: ticket not found")
	// ErrDeviceNotFound means the device id is unknown.
	ErrDeviceNotFound = errors.New("tickets: device not found")
	// ErrEventNotFound means the event id is unknown.
	ErrEventNotFound = errors.New("tickets: event not found")
)

// Store is the PostgreSQL access layer for the ticketing domain.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetDeviceRegistry reads the device registry by id. This read precedes
// tenant binding: the device row is what establishes which tenant a scan
// belongs to.
func (s *Store) GetDeviceRegistry(ctx context.Context, deviceID string) (*Device, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	d := &Device{}
	var lastSync, revoked sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT device_id, tenant_id, venue_id, zone, is_active, can_scan_offline, last_sync_at, revoked_at
		FROM devices WHERE device_id = $1`,
		deviceID,
	).Scan(&d.DeviceID, &d.TenantID, &d.VenueID, &d.Zone, &d.IsActive, &d.CanScanOffline, &lastSync, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tickets: query device: %w", err)
	}
	if lastSync.Valid {
		d.LastSyncAt = &lastSync.Time
	}
	if revoked.Valid {
		d.RevokedAt = &revoked.Time
	}
	return d, nil
}

// Serializable runs fn inside one serializable transaction with the tenant
// session variable bound. The scan decision rides entirely inside one of
// these.
func (s *Store) Serializable(ctx context.Context, tenantID string, fn func(*Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("tickets: begin tx: %w", err)
	}
	if err := tenants.BindTx(ctx, tx, tenantID); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := fn(&Tx{tx: tx, ctx: ctx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("tickets: commit: %w", err)
	}
	return nil
}

// Tx exposes the store operations available inside a bound transaction.
type Tx struct {
	tx  *sql.Tx
	ctx context.Context
}

// GetTicket fetches a ticket by id within the bound tenant. A row owned by
// another tenant is invisible here by row-level security, so cross-tenant
// probes surface as ErrTicketNotFound.
func (t *Tx) GetTicket(ticketID string) (*Ticket, error) {
	tk := &Ticket{}
	var validFrom, validUntil, lastScanned sql.NullTime
	var mintAddr, mintTx sql.NullString
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT id, tenant_id, event_id, venue_id, status, access_level, qr_hmac_secret,
		       valid_from, valid_until, scan_count, last_scanned_at, is_minted, mint_address, mint_tx_id
		FROM tickets WHERE id = $1`,
		ticketID,
	).Scan(&tk.ID, &tk.TenantID, &tk.EventID, &tk.VenueID, &tk.Status, &tk.AccessLevel, &tk.QRHMACSecret,
		&validFrom, &validUntil, &tk.ScanCount, &lastScanned, &tk.IsMinted, &mintAddr, &mintTx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTicketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tickets: query ticket: %w", err)
	}
	if validFrom.Valid {
		tk.ValidFrom = &validFrom.Time
	}
	if validUntil.Valid {
		tk.ValidUntil = &validUntil.Time
	}
	if lastScanned.Valid {
		tk.LastScannedAt = &lastScanned.Time
	}
	tk.MintAddress = mintAddr.String
	tk.MintTxID = mintTx.String
	return tk, nil
}

// GetEvent fetches the event window.
func (t *Tx) GetEvent(eventID string) (*Event, error) {
	e := &Event{}
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT id, tenant_id, venue_id, start_time, end_time
		FROM events WHERE id = $1`,
		eventID,
	).Scan(&e.ID, &e.TenantID, &e.VenueID, &e.StartTime, &e.EndTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tickets: query event: %w", err)
	}
	return e, nil
}

// Successor resolves the ticket a TRANSFERRED ticket was replaced by.
func (t *Tx) Successor(ticketID string) (string, error) {
	var successor string
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT to_ticket_id FROM ticket_transfers WHERE from_ticket_id = $1 ORDER BY transferred_at DESC LIMIT 1`,
		ticketID,
	).Scan(&successor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("tickets: query transfer: %w", err)
	}
	return successor, nil
}

// LastAllowWithin returns the most recent prior ALLOW scan for the ticket
// inside the duplicate window, if any.
func (t *Tx) LastAllowWithin(ticketID string, window time.Duration, now time.Time) (*ScanEvent, error) {
	e := &ScanEvent{}
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT id, ticket_id, device_id, tenant_id, result, reason, scanned_at
		FROM scan_events
		WHERE ticket_id = $1 AND result = 'ALLOW' AND scanned_at > $2
		ORDER BY scanned_at DESC LIMIT 1`,
		ticketID, now.Add(-window),
	).Scan(&e.ID, &e.TicketID, &e.DeviceID, &e.TenantID, &e.Result, &e.Reason, &e.ScannedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tickets: query last allow: %w", err)
	}
	return e, nil
}

// DuplicateWindow returns the event-scoped duplicate window, falling back
// to the global policy, then the default. Values outside [1,1440] minutes
// are rejected at write time; re-checked here before use.
func (t *Tx) DuplicateWindow(eventID string, fallback time.Duration) (time.Duration, error) {
	var minutes int
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT (config->>'window_minutes')::int
		FROM scan_policies
		WHERE kind = 'duplicate' AND (scope = $1 OR scope = 'global')
		ORDER BY CASE WHEN scope = $1 THEN 0 ELSE 1 END LIMIT 1`,
		eventID,
	).Scan(&minutes)
	if errors.Is(err, sql.ErrNoRows) {
		return fallback, nil
	}
	if err != nil {
		return 0, fmt.Errorf("tickets: query duplicate policy: %w", err)
	}
	if minutes < 1 || minutes > 1440 {
		return fallback, nil
	}
	return time.Duration(minutes) * time.Minute, nil
}

// ReentryPolicy returns the event-scoped re-entry policy, or nil when none
// is configured.
func (t *Tx) ReentryPolicy(eventID string) (*ReentryPolicy, error) {
	p := &ReentryPolicy{}
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT (config->>'enabled')::bool,
		       COALESCE((config->>'max_reentries')::int, 0),
		       COALESCE((config->>'cooldown_minutes')::int, 0)
		FROM scan_policies
		WHERE kind = 'reentry' AND (scope = $1 OR scope = 'global')
		ORDER BY CASE WHEN scope = $1 THEN 0 ELSE 1 END LIMIT 1`,
		eventID,
	).Scan(&p.Enabled, &p.MaxReentries, &p.CooldownMinutes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tickets: query reentry policy: %w", err)
	}
	if p.CooldownMinutes < 0 || p.CooldownMinutes > 1440 {
		return nil, fmt.Errorf("tickets: reentry cooldown %d outside [0,1440]", p.CooldownMinutes)
	}
	return p, nil
}

// RecordAllow atomically bumps the ticket's scan count and stamps the scan
// time. The UPDATE's row lock is the happens-before edge between
// concurrent ALLOW decisions.
func (t *Tx) RecordAllow(ticketID string, now time.Time) (int, error) {
	var count int
	err := t.tx.QueryRowContext(t.ctx, `
		UPDATE tickets SET scan_count = scan_count + 1, last_scanned_at = $2
		WHERE id = $1
		RETURNING scan_count`,
		ticketID, now,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("tickets: record allow: %w", err)
	}
	return count, nil
}

// InsertScanEvent appends the decision record. Called on every path,
// ALLOW and DENY alike, inside the same transaction as the decision.
func (t *Tx) InsertScanEvent(e *ScanEvent) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO scan_events (id, ticket_id, device_id, tenant_id, result, reason, scanned_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.TicketID, e.DeviceID, e.TenantID, e.Result, e.Reason, e.ScannedAt,
	)
	if err != nil {
		return fmt.Errorf("tickets: insert scan event: %w", err)
	}
	return nil
}

// GetTicket is the single-row convenience read used outside the scan path.
func (s *Store) GetTicket(ctx context.Context, tenantID, ticketID string) (*Ticket, error) {
	var out *Ticket
	err := s.Serializable(ctx, tenantID, func(tx *Tx) error {
		tk, err := tx.GetTicket(ticketID)
		if err != nil {
			return err
		}
		out = tk
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// --- scan statistics (anomaly detection) ---

// ScanStats is the per-scan window snapshot the anomaly detectors read.
type ScanStats struct {
	TicketScans5s   int
	TicketDevices60s int
	DeviceScans1h   int
	DeviceDenials1h int
}

// Stats gathers the windowed counts for one (ticket, device) pair.
func (s *Store) Stats(ctx context.Context, tenantID, ticketID, deviceID string, now time.Time) (*ScanStats, error) {
	stats := &ScanStats{}
	err := s.Serializable(ctx, tenantID, func(tx *Tx) error {
		row := tx.tx.QueryRowContext(tx.ctx, `
			SELECT
			  (SELECT COUNT(*) FROM scan_events WHERE ticket_id = $1 AND scanned_at > $3),
			  (SELECT COUNT(DISTINCT device_id) FROM scan_events WHERE ticket_id = $1 AND scanned_at > $4),
			  (SELECT COUNT(*) FROM scan_events WHERE device_id = $2 AND scanned_at > $5),
			  (SELECT COUNT(*) FROM scan_events WHERE device_id = $2 AND result = 'DENY' AND scanned_at > $5)`,
			ticketID, deviceID, now.Add(-5*time.Second), now.Add(-60*time.Second), now.Add(-time.Hour),
		)
		return row.Scan(&stats.TicketScans5s, &stats.TicketDevices60s, &stats.DeviceScans1h, &stats.DeviceDenials1h)
	})
	if err != nil {
		return nil, fmt.Errorf("tickets: scan stats: %w", err)
	}
	return stats, nil
}

// --- event ticket listing (offline manifests) ---

// ScannableTickets lists tickets in SOLD or MINTED status for an event.
func (s *Store) ScannableTickets(ctx context.Context, tenantID, eventID string) ([]*Ticket, error) {
	var out []*Ticket
	err := s.Serializable(ctx, tenantID, func(tx *Tx) error {
		rows, err := tx.tx.QueryContext(tx.ctx, `
			SELECT id, event_id, venue_id, status, access_level, scan_count
			FROM tickets
			WHERE event_id = $1 AND status IN ('SOLD', 'MINTED')`,
			eventID,
		)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			tk := &Ticket{TenantID: tenantID}
			if err := rows.Scan(&tk.ID, &tk.EventID, &tk.VenueID, &tk.Status, &tk.AccessLevel, &tk.ScanCount); err != nil {
				return err
			}
			out = append(out, tk)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("tickets: scannable tickets: %w", err)
	}
	return out, nil
}

// --- blockchain transactions (mint pipeline) ---

// UpsertPendingTx reserves the (ticket, tenant, type) slot with status
// PENDING. The uniqueness tuple makes a double reserve a no-op.
func (s *Store) UpsertPendingTx(ctx context.Context, bt *BlockchainTransaction) error {
	return s.Serializable(ctx, bt.TenantID, func(tx *Tx) error {
		_, err := tx.tx.ExecContext(tx.ctx, `
			INSERT INTO blockchain_transactions (ticket_id, tenant_id, type, status, created_at, updated_at)
			VALUES ($1, $2, $3, 'PENDING', $4, $4)
			ON CONFLICT (ticket_id, tenant_id, type)
			DO UPDATE SET updated_at = $4
			WHERE blockchain_transactions.status NOT IN ('CONFIRMED', 'FINALIZED')`,
			bt.TicketID, bt.TenantID, bt.Type, time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("tickets: upsert pending tx: %w", err)
		}
		return nil
	})
}

// GetTx loads the transaction row for the uniqueness tuple.
func (s *Store) GetTx(ctx context.Context, tenantID, ticketID string, typ TxType) (*BlockchainTransaction, error) {
	bt := &BlockchainTransaction{}
	err := s.Serializable(ctx, tenantID, func(tx *Tx) error {
		var sig, addr sql.NullString
		err := tx.tx.QueryRowContext(tx.ctx, `
			SELECT ticket_id, tenant_id, type, status, signature, mint_address, slot_number, created_at, updated_at
			FROM blockchain_transactions
			WHERE ticket_id = $1 AND tenant_id = $2 AND type = $3`,
			ticketID, tenantID, typ,
		).Scan(&bt.TicketID, &bt.TenantID, &bt.Type, &bt.Status, &sig, &addr, &bt.SlotNumber, &bt.CreatedAt, &bt.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTicketNotFound
		}
		if err != nil {
			return fmt.Errorf("tickets: query tx: %w", err)
		}
		bt.Signature = sig.String
		bt.MintAddress = addr.String
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bt, nil
}

// UpdateTxStatus moves the transaction row to status, recording signature
// and slot when present.
func (s *Store) UpdateTxStatus(ctx context.Context, tenantID, ticketID string, typ TxType, status TxStatus, signature string, slot uint64) error {
	return s.Serializable(ctx, tenantID, func(tx *Tx) error {
		_, err := tx.tx.ExecContext(tx.ctx, `
			UPDATE blockchain_transactions
			SET status = $4, signature = COALESCE(NULLIF($5, ''), signature), slot_number = GREATEST(slot_number, $6), updated_at = $7
			WHERE ticket_id = $1 AND tenant_id = $2 AND type = $3`,
			ticketID, tenantID, typ, status, signature, slot, time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("tickets: update tx status: %w", err)
		}
		return nil
	})
}

// FinalizeMint writes the ticket mint fields and confirms the transaction
// row in one transaction. Runs under the distributed mint lock.
func (s *Store) FinalizeMint(ctx context.Context, tenantID, ticketID, mintAddress, signature string, slot uint64) error {
	return s.Serializable(ctx, tenantID, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(tx.ctx, `
			UPDATE tickets
			SET is_minted = true, status = 'MINTED', mint_address = $2, mint_tx_id = $3
			WHERE id = $1`,
			ticketID, mintAddress, signature,
		)
		if err != nil {
			return fmt.Errorf("tickets: finalize ticket: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrTicketNotFound
		}

		_, err = tx.tx.ExecContext(tx.ctx, `
			UPDATE blockchain_transactions
			SET status = 'CONFIRMED', signature = $3, mint_address = $4, slot_number = $5, updated_at = $6
			WHERE ticket_id = $1 AND tenant_id = $2 AND type = 'MINT'`,
			ticketID, tenantID, signature, mintAddress, slot, time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("tickets: confirm tx row: %w", err)
		}
		return nil
	})
}
