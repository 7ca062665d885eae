package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/tickettoken/core/pkg/chain"
	"github.com/tickettoken/core/pkg/coord"
	"github.com/tickettoken/core/pkg/mint"
	"github.com/tickettoken/core/pkg/offline"
	"github.com/tickettoken/core/pkg/resiliency"
	"github.com/tickettoken/core/pkg/scan"
	"github.com/tickettoken/core/pkg/tickets"
	"github.com/tickettoken/core/pkg/treasury"
)

// Replay headers on idempotent mint responses.
const (
	HeaderIdemReplayed      = "X-Idempotent-Replayed"
	HeaderIdemOriginalReqID = "X-Idempotent-Original-Request-Id"
	HeaderIdemRecoveryPoint = "X-Idempotent-Recovery-Point"
)

// Decider is the scan decision pipeline. *scan.Decider satisfies it.
type Decider interface {
	Decide(ctx context.Context, rawQR, deviceID string, staff *scan.StaffContext) *scan.Decision
}

// ManifestBuilder issues offline validation manifests. *offline.Builder
// satisfies it.
type ManifestBuilder interface {
	Generate(ctx context.Context, tenantID, eventID, deviceID string) (*offline.Manifest, error)
}

// Minter runs the mint pipeline. *mint.Orchestrator satisfies it.
type Minter interface {
	Mint(ctx context.Context, req *mint.Request) (*mint.Result, error)
}

// Transferer sends treasury funds to whitelisted destinations.
// *treasury.Transfer satisfies it.
type Transferer interface {
	Send(ctx context.Context, destination string, amountSOL float64, reason string) (string, error)
}

// Server is the HTTP surface of the ticketing core.
type Server struct {
	decider   Decider
	manifests ManifestBuilder
	minter    Minter
	transfers Transferer
	bulkheads *resiliency.Bulkhead
	jwtSecret []byte
	validate  *validator.Validate
	logger    *slog.Logger
}

// NewServer wires the HTTP surface.
func NewServer(decider Decider, manifests ManifestBuilder, minter Minter, bulkheads *resiliency.Bulkhead, jwtSecret []byte, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		decider:   decider,
		manifests: manifests,
		minter:    minter,
		bulkheads: bulkheads,
		jwtSecret: jwtSecret,
		validate:  validator.New(),
		logger:    logger.With("component", "api"),
	}
}

// WithTransfers enables the admin treasury transfer route. Without it the
// route responds 404.
func (s *Server) WithTransfers(t Transferer) *Server {
	s.transfers = t
	return s
}

// Routes assembles the handler stack. All business routes sit behind staff
// auth; health does not.
func (s *Server) Routes(limiter *RateLimiter) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.Handle("POST /scan",
		StaffAuth(s.jwtSecret, BulkheadGate(s.bulkheads, resiliency.CategoryQuery, http.HandlerFunc(s.handleScan))))
	mux.Handle("POST /offline/manifest",
		StaffAuth(s.jwtSecret, BulkheadGate(s.bulkheads, resiliency.CategoryQuery, http.HandlerFunc(s.handleManifest))))
	mux.Handle("POST /mint",
		StaffAuth(s.jwtSecret, BulkheadGate(s.bulkheads, resiliency.CategoryMint, http.HandlerFunc(s.handleMint))))
	if s.transfers != nil {
		mux.Handle("POST /admin/treasury/transfer",
			StaffAuth(s.jwtSecret, BulkheadGate(s.bulkheads, resiliency.CategoryAdmin, http.HandlerFunc(s.handleTransfer))))
	}

	var h http.Handler = mux
	if limiter != nil {
		h = limiter.Middleware(h)
	}
	return RequestID(Recover(h))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type scanRequest struct {
	QR       string `json:"qr" validate:"required"`
	DeviceID string `json:"device_id" validate:"required"`
}

type scanResponse struct {
	Valid     bool           `json:"valid"`
	Result    string         `json:"result"`
	Reason    string         `json:"reason"`
	Message   string         `json:"message"`
	Ticket    *scan.Summary  `json:"ticket,omitempty"`
	ScanCount int            `json:"scan_count,omitempty"`
	Successor string         `json:"successor_ticket_id,omitempty"`
	Minutes   int            `json:"minutes_remaining,omitempty"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	staff := StaffFrom(r.Context())
	if staff == nil {
		WriteUnauthorized(w, "")
		return
	}

	d := s.decider.Decide(r.Context(), req.QR, req.DeviceID, staff)
	resp := scanResponse{
		Valid:     d.Result == tickets.ResultAllow,
		Result:    string(d.Result),
		Reason:    string(d.Reason),
		Message:   d.Message,
		Ticket:    d.Ticket,
		ScanCount: d.ScanCount,
		Successor: d.SuccessorTicket,
		Minutes:   d.MinutesRemaining,
	}
	writeJSON(w, http.StatusOK, resp)
}

type manifestRequest struct {
	EventID  string `json:"event_id" validate:"required"`
	DeviceID string `json:"device_id" validate:"required"`
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	var req manifestRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	staff := StaffFrom(r.Context())
	if staff == nil {
		WriteUnauthorized(w, "")
		return
	}

	m, err := s.manifests.Generate(r.Context(), staff.TenantID, req.EventID, req.DeviceID)
	if err != nil {
		switch {
		case errors.Is(err, offline.ErrOfflineNotAllowed):
			WriteForbidden(w, "Device is not allowed to scan offline")
		default:
			s.logger.Error("manifest generation failed",
				"event_id", req.EventID, "device_id", req.DeviceID, "error", err)
			WriteInternal(w, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type mintRequest struct {
	TicketID string `json:"ticket_id" validate:"required"`
	Urgency  string `json:"urgency,omitempty"`
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	staff := StaffFrom(r.Context())
	if staff == nil {
		WriteUnauthorized(w, "")
		return
	}

	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey != "" {
		if err := coord.ValidateKey(idemKey); err != nil {
			WriteBadRequest(w, "Idempotency-Key must be 16-128 characters")
			return
		}
	}

	result, err := s.minter.Mint(r.Context(), &mint.Request{
		TicketID:       req.TicketID,
		TenantID:       staff.TenantID,
		UserID:         staff.UserID,
		IdempotencyKey: idemKey,
		RequestID:      RequestIDFrom(r.Context()),
		Urgency:        mintUrgency(req.Urgency),
	})
	switch {
	case err == nil:
	case errors.Is(err, mint.ErrInProgress):
		point := ""
		if result != nil {
			point = result.RecoveryPoint
		}
		WriteConflict(w, "A mint with this idempotency key is already in progress", point)
		return
	case errors.Is(err, mint.ErrNotMintable):
		WriteConflict(w, "Ticket is not in a mintable state", "")
		return
	case errors.Is(err, mint.ErrLockBusy):
		WriteBulkheadFull(w, resiliency.CategoryMint, 5*time.Second,
			s.bulkheads.InFlight(resiliency.CategoryMint), s.bulkheads.Capacity(resiliency.CategoryMint))
		return
	default:
		s.logger.Error("mint failed", "ticket_id", req.TicketID, "error", err)
		WriteInternal(w, err)
		return
	}

	if result.Replayed {
		w.Header().Set(HeaderIdemReplayed, "true")
		w.Header().Set(HeaderIdemOriginalReqID, result.OriginalRequestID)
		w.Header().Set(HeaderIdemRecoveryPoint, result.RecoveryPoint)
		writeJSON(w, http.StatusOK, result)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

type transferRequest struct {
	Destination string  `json:"destination" validate:"required"`
	AmountSOL   float64 `json:"amount_sol" validate:"required,gt=0"`
	Reason      string  `json:"reason" validate:"required"`
}

type transferResponse struct {
	Signature   string  `json:"signature"`
	Destination string  `json:"destination"`
	AmountSOL   float64 `json:"amount_sol"`
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	staff := StaffFrom(r.Context())
	if staff == nil {
		WriteUnauthorized(w, "")
		return
	}
	if staff.Role != AdminRole {
		WriteForbidden(w, "Treasury transfers require the admin role")
		return
	}

	var req transferRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	sig, err := s.transfers.Send(r.Context(), req.Destination, req.AmountSOL, req.Reason)
	if err != nil {
		if errors.Is(err, treasury.ErrNotWhitelisted) {
			WriteForbidden(w, "Destination is not on the treasury whitelist")
			return
		}
		s.logger.Error("treasury transfer failed",
			"destination", req.Destination, "amount_sol", req.AmountSOL, "error", err)
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transferResponse{
		Signature:   sig,
		Destination: req.Destination,
		AmountSOL:   req.AmountSOL,
	})
}

// decodeBody parses and validates a JSON request body, writing a 400 on
// failure. Unknown fields are ignored.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		WriteBadRequest(w, "Malformed JSON body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		WriteBadRequest(w, "Missing or invalid fields")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func mintUrgency(s string) chain.Urgency {
	switch s {
	case "high":
		return chain.UrgencyHigh
	case "low":
		return chain.UrgencyLow
	default:
		return chain.UrgencyMedium
	}
}
