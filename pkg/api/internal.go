package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
)

// Internal RPC auth headers. Every service-to-service request carries all
// three; the signature covers the canonicalized body.
const (
	HeaderInternalService   = "x-internal-service"
	HeaderInternalTimestamp = "x-timestamp"
	HeaderInternalSignature = "x-internal-signature"
)

// MaxTimestampDrift bounds how far a signed timestamp may diverge from the
// receiver's clock in either direction.
const MaxTimestampDrift = 60 * time.Second

// driftBuckets are the upper bounds, in seconds, of the drift histogram.
var driftBuckets = []float64{0.1, 0.5, 1, 5, 15, 30, 60}

// DriftHistogram accumulates observed timestamp drift between internal
// services. Persistent skew here means a peer's clock needs attention.
type DriftHistogram struct {
	mu     sync.Mutex
	counts []uint64 // len(driftBuckets)+1, last bucket is overflow
	total  uint64
}

// NewDriftHistogram returns an empty histogram.
func NewDriftHistogram() *DriftHistogram {
	return &DriftHistogram{counts: make([]uint64, len(driftBuckets)+1)}
}

// Observe records one drift sample.
func (h *DriftHistogram) Observe(d time.Duration) {
	if d < 0 {
		d = -d
	}
	secs := d.Seconds()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.total++
	for i, bound := range driftBuckets {
		if secs <= bound {
			h.counts[i]++
			return
		}
	}
	h.counts[len(h.counts)-1]++
}

// Snapshot returns per-bucket counts and the total sample count.
func (h *DriftHistogram) Snapshot() ([]uint64, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]uint64, len(h.counts))
	copy(out, h.counts)
	return out, h.total
}

// InternalSigner produces the auth headers for outbound internal RPC.
type InternalSigner struct {
	service string
	secret  []byte
	now     func() time.Time
}

// NewInternalSigner creates a signer identifying as service.
func NewInternalSigner(service string, secret []byte) *InternalSigner {
	return &InternalSigner{service: service, secret: secret, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (s *InternalSigner) WithClock(now func() time.Time) *InternalSigner {
	s.now = now
	return s
}

// Headers signs body and returns the three auth headers. JSON bodies are
// canonicalized (RFC 8785) first so that key order and whitespace do not
// affect the signature.
func (s *InternalSigner) Headers(body []byte) (map[string]string, error) {
	canonical, err := canonicalize(body)
	if err != nil {
		return nil, fmt.Errorf("api: canonicalize body: %w", err)
	}
	ts := strconv.FormatInt(s.now().UnixMilli(), 10)
	return map[string]string{
		HeaderInternalService:   s.service,
		HeaderInternalTimestamp: ts,
		HeaderInternalSignature: internalSignature(s.secret, s.service, ts, canonical),
	}, nil
}

// InternalVerifier checks inbound internal RPC auth headers.
type InternalVerifier struct {
	secret  []byte
	allowed map[string]bool
	drift   *DriftHistogram
	now     func() time.Time
}

// NewInternalVerifier creates a verifier accepting only the listed services.
func NewInternalVerifier(secret []byte, allowedServices []string) *InternalVerifier {
	allowed := make(map[string]bool, len(allowedServices))
	for _, svc := range allowedServices {
		allowed[svc] = true
	}
	return &InternalVerifier{
		secret:  secret,
		allowed: allowed,
		drift:   NewDriftHistogram(),
		now:     time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (v *InternalVerifier) WithClock(now func() time.Time) *InternalVerifier {
	v.now = now
	return v
}

// Drift exposes the histogram of observed timestamp drift.
func (v *InternalVerifier) Drift() *DriftHistogram {
	return v.drift
}

// Verify checks the three auth headers against body. Order matters: the
// allow-list and drift checks run before any HMAC work.
func (v *InternalVerifier) Verify(service, timestamp, signature string, body []byte) error {
	if !v.allowed[service] {
		return fmt.Errorf("api: service %q not allow-listed", service)
	}
	ms, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("api: bad timestamp %q", timestamp)
	}
	drift := v.now().Sub(time.UnixMilli(ms))
	v.drift.Observe(drift)
	if drift > MaxTimestampDrift || drift < -MaxTimestampDrift {
		return fmt.Errorf("api: timestamp drift %s exceeds %s", drift, MaxTimestampDrift)
	}
	canonical, err := canonicalize(body)
	if err != nil {
		return fmt.Errorf("api: canonicalize body: %w", err)
	}
	want := internalSignature(v.secret, service, timestamp, canonical)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return fmt.Errorf("api: signature mismatch for service %q", service)
	}
	return nil
}

// Middleware rejects requests that fail internal auth with 401.
func (v *InternalVerifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			WriteBadRequest(w, "Unreadable request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		err = v.Verify(
			r.Header.Get(HeaderInternalService),
			r.Header.Get(HeaderInternalTimestamp),
			r.Header.Get(HeaderInternalSignature),
			body,
		)
		if err != nil {
			WriteUnauthorized(w, "Internal authentication failed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func internalSignature(secret []byte, service, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s:%s:", service, timestamp)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// canonicalize applies RFC 8785 canonicalization to JSON bodies. Empty
// bodies sign as empty.
func canonicalize(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return nil, nil
	}
	return jcs.Transform(body)
}
