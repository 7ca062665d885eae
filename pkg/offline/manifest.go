// Package offline builds time-windowed validation manifests for scanners
// that operate without connectivity, and validates the offline scans they
// submit on reconnect.
package offline

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/tickettoken/core/pkg/tickets"
)

// ManifestTTL bounds how long a manifest stays usable. A device holding an
// expired manifest must re-sync before scanning.
const ManifestTTL = 4 * time.Hour

const derivedSecretLen = 32

var (
	ErrOfflineNotAllowed = errors.New("offline: device not enabled for offline scanning")
	ErrManifestExpired   = errors.New("offline: manifest expired")
	ErrTokenMismatch     = errors.New("offline: token mismatch")
)

// Entry is one ticket's offline validation record.
type Entry struct {
	AccessLevel       tickets.AccessLevel `json:"access_level"`
	ScanCountSnapshot int                 `json:"scan_count_snapshot"`
	OfflineToken      string              `json:"offline_token"`
}

// Manifest is the validation set handed to an offline-capable device.
type Manifest struct {
	EventID     string           `json:"event_id"`
	DeviceID    string           `json:"device_id"`
	GeneratedAt time.Time        `json:"generated_at"`
	ExpiresAt   time.Time        `json:"expires_at"`
	Entries     map[string]Entry `json:"entries"`
}

// TicketSource is the slice of the ticket store the builder reads.
// *tickets.Store satisfies it.
type TicketSource interface {
	GetDeviceRegistry(ctx context.Context, deviceID string) (*tickets.Device, error)
	ScannableTickets(ctx context.Context, tenantID, eventID string) ([]*tickets.Ticket, error)
}

// Builder derives per-event secrets from one root secret and produces
// manifests from the ticket store.
type Builder struct {
	store  TicketSource
	root   []byte
	logger *slog.Logger
	clock  func() time.Time
}

// NewBuilder wires a builder. root is the platform offline secret; per-event
// secrets are derived from it so a leaked manifest never exposes the root.
func NewBuilder(store TicketSource, root []byte, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		store:  store,
		root:   root,
		logger: logger.With("component", "offline.builder"),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (b *Builder) WithClock(clock func() time.Time) *Builder {
	b.clock = clock
	return b
}

// eventSecret derives the per-event HMAC key with HKDF-SHA256.
func (b *Builder) eventSecret(eventID string) ([]byte, error) {
	r := hkdf.New(sha256.New, b.root, []byte("offline-manifest"), []byte(eventID))
	secret := make([]byte, derivedSecretLen)
	if _, err := io.ReadFull(r, secret); err != nil {
		return nil, fmt.Errorf("offline: derive event secret: %w", err)
	}
	return secret, nil
}

// Token computes the offline validation token for one ticket.
func (b *Builder) Token(eventID, ticketID string) (string, error) {
	secret, err := b.eventSecret(eventID)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s:%s:offline", ticketID, eventID)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Generate builds the manifest for one event and device. Only SOLD and
// MINTED tickets are included; the device must be offline-enabled and
// active.
func (b *Builder) Generate(ctx context.Context, tenantID, eventID, deviceID string) (*Manifest, error) {
	device, err := b.store.GetDeviceRegistry(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !device.IsActive || device.RevokedAt != nil || !device.CanScanOffline {
		return nil, ErrOfflineNotAllowed
	}
	if device.TenantID != tenantID {
		return nil, ErrOfflineNotAllowed
	}

	list, err := b.store.ScannableTickets(ctx, tenantID, eventID)
	if err != nil {
		return nil, err
	}

	now := b.clock()
	m := &Manifest{
		EventID:     eventID,
		DeviceID:    deviceID,
		GeneratedAt: now,
		ExpiresAt:   now.Add(ManifestTTL),
		Entries:     make(map[string]Entry, len(list)),
	}
	for _, tk := range list {
		token, err := b.Token(eventID, tk.ID)
		if err != nil {
			return nil, err
		}
		m.Entries[tk.ID] = Entry{
			AccessLevel:       tk.AccessLevel,
			ScanCountSnapshot: tk.ScanCount,
			OfflineToken:      token,
		}
	}

	b.logger.Info("offline manifest generated",
		"event_id", eventID, "device_id", deviceID, "entries", len(m.Entries), "expires_at", m.ExpiresAt)
	return m, nil
}

// Validate checks an offline-submitted scan against the recomputed token.
// Submissions from an expired manifest are rejected regardless of token
// validity.
func (b *Builder) Validate(ticketID, eventID, submittedToken string, manifestGeneratedAt time.Time) error {
	if b.clock().Sub(manifestGeneratedAt) > ManifestTTL {
		return ErrManifestExpired
	}
	want, err := b.Token(eventID, ticketID)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(want), []byte(submittedToken)) {
		return ErrTokenMismatch
	}
	return nil
}
