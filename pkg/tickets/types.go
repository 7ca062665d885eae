// Package tickets defines the tenant-scoped ticketing domain model and its
// PostgreSQL stores: tickets, devices, scan events, scan policies, ticket
// transfers, and blockchain transactions.
//
// Every entity here carries an immutable tenant id. Stores only operate
// inside a transaction whose tenant session variable has been set (see
// pkg/tenants); row-level security enforces the filter server-side.
package tickets

import (
	"time"
)

// TicketStatus is the lifecycle state of a ticket.
type TicketStatus string

const (
	StatusReserved    TicketStatus = "RESERVED"
	StatusSold        TicketStatus = "SOLD"
	StatusMinted      TicketStatus = "MINTED"
	StatusTransferred TicketStatus = "TRANSFERRED"
	StatusRefunded    TicketStatus = "REFUNDED"
	StatusCancelled   TicketStatus = "CANCELLED"
)

// Terminal reports whether the status permits no further transitions.
func (s TicketStatus) Terminal() bool {
	return s == StatusRefunded || s == StatusCancelled
}

// AccessLevel controls which venue zones a ticket may enter.
type AccessLevel string

const (
	AccessGA        AccessLevel = "GA"
	AccessVIP       AccessLevel = "VIP"
	AccessBackstage AccessLevel = "BACKSTAGE"
	AccessAll       AccessLevel = "ALL"
)

// Zone is the physical area a scanning device guards.
type Zone string

const (
	ZoneGA        Zone = "GA"
	ZoneVIP       Zone = "VIP"
	ZoneBackstage Zone = "BACKSTAGE"
)

// Ticket is the core tenant-scoped entity validated at the gate and minted
// on chain.
type Ticket struct {
	ID           string
	TenantID     string
	EventID      string
	VenueID      string
	Status       TicketStatus
	AccessLevel  AccessLevel
	QRHMACSecret []byte // 32+ bytes, per-ticket
	ValidFrom    *time.Time
	ValidUntil   *time.Time
	ScanCount    int
	LastScannedAt *time.Time
	IsMinted     bool
	MintAddress  string
	MintTxID     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Event carries the temporal window scans are checked against.
type Event struct {
	ID        string
	TenantID  string
	VenueID   string
	StartTime time.Time
	EndTime   time.Time
}

// Device is a registered scanner. Revocation is soft and permanent: a
// revoked device id is never reactivated.
type Device struct {
	DeviceID       string
	TenantID       string
	VenueID        string
	Zone           Zone
	IsActive       bool
	CanScanOffline bool
	LastSyncAt     *time.Time
	RevokedAt      *time.Time
}

// ScanResult is the terminal outcome of a scan decision.
type ScanResult string

const (
	ResultAllow ScanResult = "ALLOW"
	ResultDeny  ScanResult = "DENY"
	ResultError ScanResult = "ERROR"
)

// ScanEvent is the append-only record persisted for every decision path.
type ScanEvent struct {
	ID        string
	TicketID  string
	DeviceID  string
	TenantID  string
	Result    ScanResult
	Reason    string
	ScannedAt time.Time
}

// PolicyKind distinguishes duplicate-window policies from re-entry policies.
type PolicyKind string

const (
	PolicyDuplicate PolicyKind = "duplicate"
	PolicyReentry   PolicyKind = "reentry"
)

// DuplicatePolicy bounds how soon a second ALLOW for the same ticket counts
// as a duplicate. WindowMinutes is validated into [1,1440] before use.
type DuplicatePolicy struct {
	WindowMinutes int `json:"window_minutes"`
}

// ReentryPolicy governs whether and how often a ticket may re-enter.
type ReentryPolicy struct {
	Enabled         bool `json:"enabled"`
	MaxReentries    int  `json:"max_reentries"`
	CooldownMinutes int  `json:"cooldown_minutes"`
}

// Transfer records ticket succession; the presence of a row is what makes
// TRANSFERRED a legal status.
type Transfer struct {
	FromTicketID  string
	ToTicketID    string
	TenantID      string
	TransferredAt time.Time
}

// TxType is the kind of chain transaction recorded for a ticket.
type TxType string

const (
	TxMint     TxType = "MINT"
	TxTransfer TxType = "TRANSFER"
	TxBurn     TxType = "BURN"
)

// TxStatus is the chain transaction lifecycle.
type TxStatus string

const (
	TxPending    TxStatus = "PENDING"
	TxMinting    TxStatus = "MINTING"
	TxProcessing TxStatus = "PROCESSING"
	TxConfirmed  TxStatus = "CONFIRMED"
	TxFinalized  TxStatus = "FINALIZED"
	TxFailed     TxStatus = "FAILED"
	TxExpired    TxStatus = "EXPIRED"
)

// BlockchainTransaction is unique per (ticket_id, tenant_id, type).
type BlockchainTransaction struct {
	TicketID    string
	TenantID    string
	Type        TxType
	Status      TxStatus
	Signature   string
	MintAddress string
	SlotNumber  uint64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
