// Package scan implements gate-side scan validation: rotating QR token
// verification, tenant and venue isolation, ticket state and temporal
// checks, zone policy, and duplicate/re-entry handling. Every decision
// path persists a scan event inside the same transaction as the decision.
package scan

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tickettoken/core/pkg/tickets"
)

// Default duplicate window when no policy is configured.
const defaultDuplicateWindow = 10 * time.Minute

// StaffContext is the authenticated scanner operator, when present.
type StaffContext struct {
	UserID   string
	TenantID string
	Role     string
	VenueID  string
}

// StaffRole is the role whose venue assignment is enforced at scan time.
const StaffRole = "staff"

// Summary is the ticket detail returned alongside an ALLOW.
type Summary struct {
	TicketID    string              `json:"ticket_id"`
	EventID     string              `json:"event_id"`
	AccessLevel tickets.AccessLevel `json:"access_level"`
	Status      tickets.TicketStatus `json:"status"`
}

// Decision is the outcome of one scan.
type Decision struct {
	Result           tickets.ScanResult `json:"result"`
	Reason           Reason             `json:"reason"`
	Message          string             `json:"message"`
	Ticket           *Summary           `json:"ticket,omitempty"`
	ScanCount        int                `json:"scan_count,omitempty"`
	SuccessorTicket  string             `json:"successor_ticket_id,omitempty"`
	MinutesRemaining int                `json:"minutes_remaining,omitempty"`
}

// Tx is the transactional view the decision pipeline runs against.
// *tickets.Tx satisfies it.
type Tx interface {
	GetTicket(ticketID string) (*tickets.Ticket, error)
	GetEvent(eventID string) (*tickets.Event, error)
	Successor(ticketID string) (string, error)
	LastAllowWithin(ticketID string, window time.Duration, now time.Time) (*tickets.ScanEvent, error)
	DuplicateWindow(eventID string, fallback time.Duration) (time.Duration, error)
	ReentryPolicy(eventID string) (*tickets.ReentryPolicy, error)
	RecordAllow(ticketID string, now time.Time) (int, error)
	InsertScanEvent(e *tickets.ScanEvent) error
}

// Store is the persistence surface the decider needs.
type Store interface {
	GetDeviceRegistry(ctx context.Context, deviceID string) (*tickets.Device, error)
	Serializable(ctx context.Context, tenantID string, fn func(Tx) error) error
}

// sqlStore adapts *tickets.Store to the Store interface.
type sqlStore struct {
	inner *tickets.Store
}

func (s sqlStore) GetDeviceRegistry(ctx context.Context, deviceID string) (*tickets.Device, error) {
	return s.inner.GetDeviceRegistry(ctx, deviceID)
}

func (s sqlStore) Serializable(ctx context.Context, tenantID string, fn func(Tx) error) error {
	return s.inner.Serializable(ctx, tenantID, func(tx *tickets.Tx) error { return fn(tx) })
}

// Decider runs the full scan pipeline.
type Decider struct {
	store    Store
	nonces   *NonceStore
	rotation time.Duration
	logger   *slog.Logger
	clock    func() time.Time
}

// NewDecider wires a decider over the SQL store. rotation <= 0 selects the
// default window.
func NewDecider(store *tickets.Store, nonces *NonceStore, rotation time.Duration, logger *slog.Logger) *Decider {
	return newDecider(sqlStore{inner: store}, nonces, rotation, logger)
}

func newDecider(store Store, nonces *NonceStore, rotation time.Duration, logger *slog.Logger) *Decider {
	if rotation <= 0 {
		rotation = DefaultRotationWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Decider{
		store:    store,
		nonces:   nonces,
		rotation: rotation,
		logger:   logger.With("component", "scan.decider"),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (d *Decider) WithClock(clock func() time.Time) *Decider {
	d.clock = clock
	return d
}

// Decide validates one scan. It never returns an error: failures collapse
// into an ERROR decision so a scanner always gets an answer, and an
// exception can never produce an ALLOW.
func (d *Decider) Decide(ctx context.Context, rawQR, deviceID string, staff *StaffContext) *Decision {
	now := d.clock()

	payload, err := ParseQR(rawQR)
	if err != nil {
		d.logger.Warn("unparseable qr payload", "device_id", deviceID, "error", err)
		return deny(tickets.ResultError, ReasonSystemError)
	}

	age := now.Sub(time.UnixMilli(payload.TimestampMS))
	if age > d.rotation || age < -d.rotation {
		return deny(tickets.ResultDeny, ReasonQRExpired)
	}

	fresh, err := d.nonces.Claim(ctx, payload.TicketID, payload.Nonce)
	if err != nil {
		d.logger.Error("nonce store unavailable", "error", err)
		return deny(tickets.ResultError, ReasonSystemError)
	}
	if !fresh {
		return deny(tickets.ResultDeny, ReasonQRAlreadyUsed)
	}

	device, err := d.store.GetDeviceRegistry(ctx, deviceID)
	if errors.Is(err, tickets.ErrDeviceNotFound) {
		return deny(tickets.ResultDeny, ReasonUnauthorizedDevice)
	}
	if err != nil {
		d.logger.Error("device lookup failed", "device_id", deviceID, "error", err)
		return deny(tickets.ResultError, ReasonSystemError)
	}
	if !device.IsActive || device.RevokedAt != nil {
		return d.persistedDeny(ctx, device, payload.TicketID, now, tickets.ResultDeny, ReasonUnauthorizedDevice)
	}

	if staff != nil {
		if staff.TenantID != device.TenantID {
			d.logger.Error("cross-tenant scan attempt",
				"device_id", deviceID, "device_tenant", device.TenantID, "staff_tenant", staff.TenantID)
			return d.persistedDeny(ctx, device, payload.TicketID, now, tickets.ResultDeny, ReasonUnauthorized)
		}
		if staff.Role == StaffRole && staff.VenueID != device.VenueID {
			return d.persistedDeny(ctx, device, payload.TicketID, now, tickets.ResultDeny, ReasonVenueMismatch)
		}
	}

	decision := &Decision{}
	err = d.store.Serializable(ctx, device.TenantID, func(tx Tx) error {
		dec, err := d.decideInTx(tx, payload, device, now)
		if err != nil {
			return err
		}
		*decision = *dec
		return nil
	})
	if err != nil {
		d.logger.Error("scan transaction failed",
			"ticket_id", payload.TicketID, "device_id", deviceID, "error", err)
		return d.persistedDeny(ctx, device, payload.TicketID, now, tickets.ResultError, ReasonSystemError)
	}
	return decision
}

// decideInTx runs the database-backed stages. It returns a decision and
// writes the matching scan event in the same transaction; a non-nil error
// rolls everything back.
func (d *Decider) decideInTx(tx Tx, payload *QRPayload, device *tickets.Device, now time.Time) (*Decision, error) {
	record := func(result tickets.ScanResult, reason Reason) error {
		return tx.InsertScanEvent(&tickets.ScanEvent{
			ID:        uuid.NewString(),
			TicketID:  payload.TicketID,
			DeviceID:  device.DeviceID,
			TenantID:  device.TenantID,
			Result:    result,
			Reason:    string(reason),
			ScannedAt: now,
		})
	}
	denyWith := func(reason Reason) (*Decision, error) {
		if err := record(tickets.ResultDeny, reason); err != nil {
			return nil, err
		}
		return deny(tickets.ResultDeny, reason), nil
	}

	ticket, err := tx.GetTicket(payload.TicketID)
	if errors.Is(err, tickets.ErrTicketNotFound) {
		// Row-level security hides other tenants' rows, so a cross-tenant
		// probe lands here. The reply must not distinguish the two cases.
		d.logger.Error("ticket not visible to scanning tenant",
			"ticket_id", payload.TicketID, "tenant_id", device.TenantID, "device_id", device.DeviceID)
		return denyWith(ReasonTicketNotFound)
	}
	if err != nil {
		return nil, err
	}

	if !payload.Verify(ticket.QRHMACSecret) {
		return denyWith(ReasonInvalidQR)
	}

	if ticket.VenueID != device.VenueID {
		return denyWith(ReasonWrongVenue)
	}

	switch ticket.Status {
	case tickets.StatusRefunded:
		return denyWith(ReasonTicketRefunded)
	case tickets.StatusCancelled:
		return denyWith(ReasonTicketCancelled)
	case tickets.StatusTransferred:
		successor, err := tx.Successor(ticket.ID)
		if err != nil {
			return nil, err
		}
		if err := record(tickets.ResultDeny, ReasonTicketTransferred); err != nil {
			return nil, err
		}
		dec := deny(tickets.ResultDeny, ReasonTicketTransferred)
		dec.SuccessorTicket = successor
		return dec, nil
	case tickets.StatusSold, tickets.StatusMinted:
		// scannable
	default:
		return denyWith(ReasonInvalidStatus)
	}

	event, err := tx.GetEvent(ticket.EventID)
	if err != nil {
		return nil, err
	}
	if event.StartTime.After(now) {
		return denyWith(ReasonEventNotStarted)
	}
	if event.EndTime.Before(now) {
		return denyWith(ReasonEventEnded)
	}
	if ticket.ValidFrom != nil && ticket.ValidFrom.After(now) {
		return denyWith(ReasonTicketNotYetValid)
	}
	if ticket.ValidUntil != nil && ticket.ValidUntil.Before(now) {
		return denyWith(ReasonTicketExpired)
	}

	if !zoneAllows(ticket.AccessLevel, device.Zone) {
		return denyWith(ReasonWrongZone)
	}

	window, err := tx.DuplicateWindow(ticket.EventID, defaultDuplicateWindow)
	if err != nil {
		return nil, err
	}
	prior, err := tx.LastAllowWithin(ticket.ID, window, now)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		reentry, err := tx.ReentryPolicy(ticket.EventID)
		if err != nil {
			return nil, err
		}
		switch {
		case reentry == nil:
			return denyWith(ReasonNoReentry)
		case !reentry.Enabled:
			return denyWith(ReasonReentryDisabled)
		case ticket.ScanCount >= reentry.MaxReentries:
			return denyWith(ReasonMaxReentriesReached)
		default:
			cooldown := time.Duration(reentry.CooldownMinutes) * time.Minute
			if ticket.LastScannedAt != nil {
				elapsed := now.Sub(*ticket.LastScannedAt)
				if elapsed < cooldown {
					if err := record(tickets.ResultDeny, ReasonCooldownActive); err != nil {
						return nil, err
					}
					dec := deny(tickets.ResultDeny, ReasonCooldownActive)
					dec.MinutesRemaining = int((cooldown - elapsed + time.Minute - 1) / time.Minute)
					return dec, nil
				}
			}
		}
	}

	count, err := tx.RecordAllow(ticket.ID, now)
	if err != nil {
		return nil, err
	}
	if err := record(tickets.ResultAllow, ReasonOK); err != nil {
		return nil, err
	}

	return &Decision{
		Result:    tickets.ResultAllow,
		Reason:    ReasonOK,
		Message:   ReasonOK.Message(),
		ScanCount: count,
		Ticket: &Summary{
			TicketID:    ticket.ID,
			EventID:     ticket.EventID,
			AccessLevel: ticket.AccessLevel,
			Status:      ticket.Status,
		},
	}, nil
}

// persistedDeny records a decision reached outside the main transaction.
// The write is best effort; the decision stands even if the audit insert
// fails.
func (d *Decider) persistedDeny(ctx context.Context, device *tickets.Device, ticketID string, now time.Time, result tickets.ScanResult, reason Reason) *Decision {
	err := d.store.Serializable(ctx, device.TenantID, func(tx Tx) error {
		return tx.InsertScanEvent(&tickets.ScanEvent{
			ID:        uuid.NewString(),
			TicketID:  ticketID,
			DeviceID:  device.DeviceID,
			TenantID:  device.TenantID,
			Result:    result,
			Reason:    string(reason),
			ScannedAt: now,
		})
	})
	if err != nil {
		d.logger.Error("scan event write failed", "ticket_id", ticketID, "reason", reason, "error", err)
	}
	return deny(result, reason)
}

func deny(result tickets.ScanResult, reason Reason) *Decision {
	return &Decision{Result: result, Reason: reason, Message: reason.Message()}
}
