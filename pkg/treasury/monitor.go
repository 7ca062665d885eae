package treasury

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tickettoken/core/pkg/resiliency"
)

// Thresholds in SOL, overridable per deployment.
type Thresholds struct {
	BalanceWarning  float64
	BalanceCritical float64
	SingleTxWarning float64
	HourlyDrainCrit float64
}

// DefaultThresholds are the platform defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		BalanceWarning:  1.0,
		BalanceCritical: 0.1,
		SingleTxWarning: 0.5,
		HourlyDrainCrit: 2.0,
	}
}

// Monitor retention and bounds.
const (
	txRetention   = 24 * time.Hour
	drainWindow   = time.Hour
	alertDedup    = 5 * time.Minute
	maxAlertsKept = 100
)

// AlertKind names the threshold that fired.
type AlertKind string

const (
	AlertBalanceWarning  AlertKind = "BALANCE_WARNING"
	AlertBalanceCritical AlertKind = "BALANCE_CRITICAL"
	AlertLargeTransfer   AlertKind = "LARGE_TRANSFER"
	AlertHourlyDrain     AlertKind = "HOURLY_DRAIN"
)

// Alert is one threshold crossing.
type Alert struct {
	ID        string    `json:"id"`
	Kind      AlertKind `json:"kind"`
	AmountSOL float64   `json:"amount_sol"`
	Detail    string    `json:"detail"`
	RaisedAt  time.Time `json:"raised_at"`
}

// Transaction is one outgoing transfer the monitor tracks.
type Transaction struct {
	Signature   string
	Destination string
	AmountSOL   float64
	SentAt      time.Time
}

// Monitor keeps a sliding record of outgoing transactions and raises
// deduplicated alerts. Alerts are bounded to the most recent 100.
type Monitor struct {
	thresholds Thresholds
	webhookURL string
	client     *resiliency.Client
	logger     *slog.Logger
	clock      func() time.Time

	mu        sync.Mutex
	txs       []Transaction
	alerts    []Alert
	lastRaise map[AlertKind]time.Time
}

// NewMonitor wires a monitor; webhookURL may be empty to disable dispatch.
func NewMonitor(thresholds Thresholds, webhookURL string, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		thresholds: thresholds,
		webhookURL: webhookURL,
		client:     resiliency.NewClient("treasury-webhook"),
		logger:     logger.With("component", "treasury.monitor"),
		clock:      time.Now,
		lastRaise:  map[AlertKind]time.Time{},
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Monitor) WithClock(clock func() time.Time) *Monitor {
	m.clock = clock
	return m
}

// Record tracks one outgoing transaction and evaluates the per-transfer and
// drain thresholds.
func (m *Monitor) Record(ctx context.Context, tx Transaction) {
	m.mu.Lock()
	now := m.clock()
	if tx.SentAt.IsZero() {
		tx.SentAt = now
	}
	m.txs = append(m.txs, tx)
	m.pruneLocked(now)

	var fired []Alert
	if tx.AmountSOL >= m.thresholds.SingleTxWarning {
		fired = append(fired, m.raiseLocked(now, AlertLargeTransfer, tx.AmountSOL,
			"single transfer at or above warning threshold"))
	}
	if drained := m.drainedLocked(now); drained >= m.thresholds.HourlyDrainCrit {
		fired = append(fired, m.raiseLocked(now, AlertHourlyDrain, drained,
			"outgoing volume over the last hour at or above critical threshold"))
	}
	m.mu.Unlock()

	m.dispatch(ctx, fired)
}

// CheckBalance evaluates the balance thresholds against the current
// treasury balance.
func (m *Monitor) CheckBalance(ctx context.Context, balanceSOL float64) {
	m.mu.Lock()
	now := m.clock()
	var fired []Alert
	switch {
	case balanceSOL <= m.thresholds.BalanceCritical:
		fired = append(fired, m.raiseLocked(now, AlertBalanceCritical, balanceSOL,
			"treasury balance at or below critical threshold"))
	case balanceSOL <= m.thresholds.BalanceWarning:
		fired = append(fired, m.raiseLocked(now, AlertBalanceWarning, balanceSOL,
			"treasury balance at or below warning threshold"))
	}
	m.mu.Unlock()

	m.dispatch(ctx, fired)
}

// Alerts returns a snapshot of retained alerts, newest last.
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// raiseLocked records one alert unless the same kind fired within the dedup
// window. Returns the zero Alert when suppressed.
func (m *Monitor) raiseLocked(now time.Time, kind AlertKind, amount float64, detail string) Alert {
	if last, ok := m.lastRaise[kind]; ok && now.Sub(last) < alertDedup {
		return Alert{}
	}
	m.lastRaise[kind] = now

	a := Alert{
		ID:        uuid.NewString(),
		Kind:      kind,
		AmountSOL: amount,
		Detail:    detail,
		RaisedAt:  now,
	}
	m.alerts = append(m.alerts, a)
	if len(m.alerts) > maxAlertsKept {
		m.alerts = m.alerts[len(m.alerts)-maxAlertsKept:]
	}
	m.logger.Warn("treasury alert",
		"kind", kind, "amount_sol", amount, "detail", detail, "security_event", true)
	return a
}

// drainedLocked sums outgoing volume inside the drain window.
func (m *Monitor) drainedLocked(now time.Time) float64 {
	var total float64
	for _, tx := range m.txs {
		if now.Sub(tx.SentAt) <= drainWindow {
			total += tx.AmountSOL
		}
	}
	return total
}

// pruneLocked drops transactions past retention.
func (m *Monitor) pruneLocked(now time.Time) {
	kept := m.txs[:0]
	for _, tx := range m.txs {
		if now.Sub(tx.SentAt) <= txRetention {
			kept = append(kept, tx)
		}
	}
	m.txs = kept
}

// dispatch delivers alerts to the webhook, if configured. Delivery is best
// effort; failures are logged, never propagated.
func (m *Monitor) dispatch(ctx context.Context, alerts []Alert) {
	if m.webhookURL == "" {
		return
	}
	for _, a := range alerts {
		if a.ID == "" {
			continue // suppressed by dedup
		}
		payload, err := json.Marshal(a)
		if err != nil {
			m.logger.Error("alert marshal failed", "alert_id", a.ID, "error", err)
			continue
		}
		resp, err := m.client.PostJSON(ctx, m.webhookURL, payload, nil)
		if err != nil {
			m.logger.Error("alert webhook delivery failed", "alert_id", a.ID, "error", err)
			continue
		}
		_ = resp.Body.Close()
	}
}
