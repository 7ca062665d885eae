package scan

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tickettoken/core/pkg/coord"
)

// Rotating QR defaults.
const (
	DefaultRotationWindow = 30 * time.Second
	nonceGrace            = 30 * time.Second
)

// QRPayload is the parsed form of a rotating QR token.
type QRPayload struct {
	TicketID    string
	TimestampMS int64
	Nonce       string
	MAC         string
}

// ParseQR splits the canonical ticket_id:timestamp_ms:nonce:hex_hmac form.
func ParseQR(raw string) (*QRPayload, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 4 {
		return nil, fmt.Errorf("scan: qr payload has %d fields, want 4", len(parts))
	}
	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("scan: qr timestamp: %w", err)
	}
	if parts[0] == "" || parts[2] == "" || parts[3] == "" {
		return nil, fmt.Errorf("scan: qr payload has empty fields")
	}
	return &QRPayload{
		TicketID:    parts[0],
		TimestampMS: ts,
		Nonce:       parts[2],
		MAC:         parts[3],
	}, nil
}

// ComputeMAC produces the hex HMAC-SHA256 over ticket_id:timestamp_ms:nonce.
func ComputeMAC(secret []byte, ticketID string, timestampMS int64, nonce string) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s:%d:%s", ticketID, timestampMS, nonce)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the payload MAC against the ticket secret in constant time.
func (p *QRPayload) Verify(secret []byte) bool {
	want := ComputeMAC(secret, p.TicketID, p.TimestampMS, p.Nonce)
	return hmac.Equal([]byte(want), []byte(p.MAC))
}

// EncodeQR renders the canonical payload for a ticket. Issued by the
// ticket-delivery surface and by tests.
func EncodeQR(secret []byte, ticketID string, at time.Time, nonce string) string {
	ts := at.UnixMilli()
	return fmt.Sprintf("%s:%d:%s:%s", ticketID, ts, nonce, ComputeMAC(secret, ticketID, ts, nonce))
}

// NonceStore is the replay guard: each nonce is claimable exactly once
// while it lives.
type NonceStore struct {
	kv  coord.KV
	ttl time.Duration
}

// NewNonceStore builds the guard with TTL = rotation window + grace, so a
// nonce outlives every QR that could carry it.
func NewNonceStore(kv coord.KV, rotation time.Duration) *NonceStore {
	if rotation <= 0 {
		rotation = DefaultRotationWindow
	}
	return &NonceStore{kv: kv, ttl: rotation + nonceGrace}
}

// Claim marks the nonce used. Only the first concurrent claimant gets true.
func (n *NonceStore) Claim(ctx context.Context, ticketID, nonce string) (bool, error) {
	key := fmt.Sprintf("nonce:%s:%s", ticketID, nonce)
	ok, err := n.kv.SetIfAbsent(ctx, key, []byte{1}, n.ttl)
	if err != nil {
		return false, fmt.Errorf("scan: claim nonce: %w", err)
	}
	return ok, nil
}
