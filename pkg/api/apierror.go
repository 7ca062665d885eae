// Package api is the HTTP surface of the ticketing core: scan, offline
// manifest, and mint endpoints, with RFC 7807 Problem Detail error
// responses.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses must use this format.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Code is the machine-readable error kind.
	Code string `json:"code,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// Timestamp is when the error was produced.
	Timestamp time.Time `json:"timestamp"`

	// Category-specific fields.
	RetryAfter    int    `json:"retryAfter,omitempty"`
	BulkheadType  string `json:"bulkheadType,omitempty"`
	RecoveryPoint string `json:"recoveryPoint,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func newProblem(status int, title, detail, code string) *ProblemDetail {
	return &ProblemDetail{
		Type:      fmt.Sprintf("https://tickettoken.io/errors/%d", status),
		Title:     title,
		Status:    status,
		Detail:    detail,
		Code:      code,
		Timestamp: time.Now().UTC(),
	}
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail, code string) {
	writeProblem(w, newProblem(status, title, detail, code))
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail, "validation")
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail, "auth")
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, http.StatusForbidden, "Forbidden", detail, "auth")
}

// WriteNotFound writes a 404 error response. Tenant violations also land
// here: existence is never revealed across tenants.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail, "not_found")
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed",
		"The HTTP method is not supported for this endpoint", "validation")
}

// WriteConflict writes a 409 error response with the recovery point the
// in-progress request last reached.
func WriteConflict(w http.ResponseWriter, detail, recoveryPoint string) {
	p := newProblem(http.StatusConflict, "Conflict", detail, "conflict")
	p.RecoveryPoint = recoveryPoint
	writeProblem(w, p)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	p := newProblem(http.StatusTooManyRequests, "Too Many Requests",
		"Rate limit exceeded. Retry after the specified interval.", "rate_limited")
	p.RetryAfter = retryAfterSecs
	writeProblem(w, p)
}

// WriteBulkheadFull writes a 503 when a concurrency category is exhausted.
func WriteBulkheadFull(w http.ResponseWriter, category string, retryAfter time.Duration, inFlight, capacity int) {
	secs := int(retryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
	w.Header().Set("X-Bulkhead-Type", category)
	w.Header().Set("X-Bulkhead-In-Flight", fmt.Sprintf("%d", inFlight))
	w.Header().Set("X-Bulkhead-Capacity", fmt.Sprintf("%d", capacity))

	p := newProblem(http.StatusServiceUnavailable, "Service Unavailable",
		"Too many concurrent requests in this category.", "rate_limited")
	p.RetryAfter = secs
	p.BulkheadType = category
	writeProblem(w, p)
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error",
		"An unexpected error occurred. Please try again later.", "internal")
}
