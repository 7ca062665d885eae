package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tickettoken/core/pkg/resiliency"
	"github.com/tickettoken/core/pkg/scan"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	staffKey     contextKey = "staff"
)

// RequestIDFrom returns the request ID attached by RequestID, or "".
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// StaffFrom returns the authenticated staff context, or nil.
func StaffFrom(ctx context.Context) *scan.StaffContext {
	s, _ := ctx.Value(staffKey).(*scan.StaffContext)
	return s
}

// RequestID assigns each request an ID, honoring an inbound X-Request-Id.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// Recover converts handler panics into 500 responses. The decision path
// never panics by contract; this is the backstop for everything else.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				WriteError(w, http.StatusInternalServerError, "Internal Server Error",
					"An unexpected error occurred. Please try again later.", "internal")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// rateLimitConfig holds the rate limiter settings.
type rateLimitConfig struct {
	rps   rate.Limit
	burst int
}

// RateLimiter manages per-IP token buckets.
type RateLimiter struct {
	visitors map[string]*visitor
	mu       sync.Mutex
	config   rateLimitConfig
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a per-IP limiter allowing rps requests per second
// with the given burst.
func NewRateLimiter(rps, burst int) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		config:   rateLimitConfig{rps: rate.Limit(rps), burst: burst},
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go rl.cleanupVisitors()
	return rl
}

// Stop halts the cleanup loop and waits for it to exit.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
	<-rl.done
}

func (rl *RateLimiter) getVisitor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[ip]
	if !exists {
		limiter := rate.NewLimiter(rl.config.rps, rl.config.burst)
		rl.visitors[ip] = &visitor{limiter, time.Now()}
		return limiter
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// cleanupVisitors removes stale visitor entries to prevent memory leaks.
// Checks every minute, removes entries idle for over 3 minutes.
func (rl *RateLimiter) cleanupVisitors() {
	defer close(rl.done)
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
		}
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// Middleware enforces the per-IP rate limit.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !rl.getVisitor(ip).Allow() {
			WriteTooManyRequests(w, 1)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// BulkheadGate caps concurrent requests per category. Exhaustion yields a
// 503 carrying Retry-After and X-Bulkhead-* headers.
func BulkheadGate(bh *resiliency.Bulkhead, category string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		release, retryAfter, err := bh.Acquire(category)
		if err != nil {
			WriteBulkheadFull(w, category, retryAfter, bh.InFlight(category), bh.Capacity(category))
			return
		}
		defer release()
		next.ServeHTTP(w, r)
	})
}

// AdminRole is the claim value required for admin routes.
const AdminRole = "admin"

// staffClaims is the JWT claim set issued to venue staff and admins.
type staffClaims struct {
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
	VenueID  string `json:"venue_id,omitempty"`
	jwt.RegisteredClaims
}

// StaffAuth validates a Bearer token signed with the shared JWT secret and
// attaches the staff context. Requests without a valid token get 401.
func StaffAuth(secret []byte, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			WriteUnauthorized(w, "Missing bearer token")
			return
		}

		claims := &staffClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return secret, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			WriteUnauthorized(w, "Invalid or expired token")
			return
		}
		if claims.TenantID == "" || claims.Subject == "" {
			WriteUnauthorized(w, "Token missing required claims")
			return
		}

		staff := &scan.StaffContext{
			UserID:   claims.Subject,
			TenantID: claims.TenantID,
			Role:     claims.Role,
			VenueID:  claims.VenueID,
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), staffKey, staff)))
	})
}
