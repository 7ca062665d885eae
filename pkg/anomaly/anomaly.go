// Package anomaly inspects scan traffic after every decision. Four built-in
// detectors and any tenant-defined rules run in parallel; their findings are
// folded into a single risk score, and high-risk assessments are persisted
// and escalated.
package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tickettoken/core/pkg/tickets"
)

// Severity buckets with their score weights.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) weight() float64 {
	switch s {
	case SeverityCritical:
		return 100
	case SeverityHigh:
		return 60
	case SeverityMedium:
		return 30
	default:
		return 10
	}
}

// Persistence threshold: assessments scoring above it are recorded.
const persistThreshold = 70

// Finding is one detector's verdict on one scan.
type Finding struct {
	ID         string
	TenantID   string
	TicketID   string
	DeviceID   string
	Detector   string
	Severity   Severity
	Detail     string
	DetectedAt time.Time
}

// Assessment is the aggregated result for one scan.
type Assessment struct {
	RiskScore int
	Findings  []Finding
	Persisted bool
}

// Input is the scan under inspection. LocalTime is the scan instant in the
// venue's timezone; the off-hours detector reads its hour.
type Input struct {
	TenantID  string
	TicketID  string
	DeviceID  string
	Result    tickets.ScanResult
	ScannedAt time.Time
	LocalTime time.Time
}

// StatsSource provides the windowed scan counts the detectors read.
// *tickets.Store satisfies it.
type StatsSource interface {
	Stats(ctx context.Context, tenantID, ticketID, deviceID string, now time.Time) (*tickets.ScanStats, error)
}

// FindingStore persists high-risk findings.
type FindingStore interface {
	Insert(ctx context.Context, f *Finding) error
}

// Engine runs the detector set.
type Engine struct {
	stats    StatsSource
	findings FindingStore
	rules    []*Rule
	logger   *slog.Logger
	clock    func() time.Time
}

// NewEngine wires an engine; rules may be nil.
func NewEngine(stats StatsSource, findings FindingStore, rules []*Rule, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		stats:    stats,
		findings: findings,
		rules:    rules,
		logger:   logger.With("component", "anomaly.engine"),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

type detector struct {
	name string
	run  func(*tickets.ScanStats, *Input) *Finding
}

var builtins = []detector{
	{"rapid_rescan", detectRapidRescan},
	{"multi_device", detectMultiDevice},
	{"off_hours", detectOffHours},
	{"pattern", detectPattern},
}

// detectRapidRescan fires when the same ticket is scanned more than three
// times inside five seconds; seeing it on multiple devices at once raises
// the severity to critical.
func detectRapidRescan(stats *tickets.ScanStats, in *Input) *Finding {
	if stats.TicketScans5s <= 3 {
		return nil
	}
	sev := SeverityHigh
	if stats.TicketDevices60s > 1 {
		sev = SeverityCritical
	}
	return &Finding{
		Detector: "rapid_rescan",
		Severity: sev,
		Detail:   fmt.Sprintf("%d scans of ticket in 5s across %d devices", stats.TicketScans5s, stats.TicketDevices60s),
	}
}

// detectMultiDevice fires when a ticket shows up on more than two devices
// inside a minute.
func detectMultiDevice(stats *tickets.ScanStats, in *Input) *Finding {
	if stats.TicketDevices60s <= 2 {
		return nil
	}
	return &Finding{
		Detector: "multi_device",
		Severity: SeverityHigh,
		Detail:   fmt.Sprintf("ticket seen on %d devices in 60s", stats.TicketDevices60s),
	}
}

// detectOffHours flags scans between 02:00 and 05:00 venue-local time.
func detectOffHours(_ *tickets.ScanStats, in *Input) *Finding {
	h := in.LocalTime.Hour()
	if h < 2 || h >= 5 {
		return nil
	}
	return &Finding{
		Detector: "off_hours",
		Severity: SeverityLow,
		Detail:   fmt.Sprintf("scan at %02d:00 local", h),
	}
}

// detectPattern fires on a device whose last hour shows heavy traffic with a
// majority of denials.
func detectPattern(stats *tickets.ScanStats, in *Input) *Finding {
	if stats.DeviceScans1h < 10 {
		return nil
	}
	rate := float64(stats.DeviceDenials1h) / float64(stats.DeviceScans1h)
	if rate <= 0.5 {
		return nil
	}
	return &Finding{
		Detector: "pattern",
		Severity: SeverityMedium,
		Detail:   fmt.Sprintf("device denial rate %.0f%% over %d scans", rate*100, stats.DeviceScans1h),
	}
}

// Analyze runs every detector against the scan and scores the result.
// Detection is advisory: a stats failure surfaces as an error but must
// never block the scan response path.
func (e *Engine) Analyze(ctx context.Context, in *Input) (*Assessment, error) {
	now := e.clock()
	stats, err := e.stats.Stats(ctx, in.TenantID, in.TicketID, in.DeviceID, now)
	if err != nil {
		return nil, fmt.Errorf("anomaly: stats: %w", err)
	}

	var mu sync.Mutex
	var findings []Finding

	var g errgroup.Group
	for _, d := range builtins {
		g.Go(func() error {
			if f := d.run(stats, in); f != nil {
				mu.Lock()
				findings = append(findings, *f)
				mu.Unlock()
			}
			return nil
		})
	}
	for _, r := range e.rules {
		g.Go(func() error {
			f, err := r.Evaluate(stats, in)
			if err != nil {
				// A broken tenant rule must not poison the built-ins.
				e.logger.Warn("custom rule evaluation failed", "rule", r.Name, "error", err)
				return nil
			}
			if f != nil {
				mu.Lock()
				findings = append(findings, *f)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	score := riskScore(findings)
	out := &Assessment{RiskScore: score, Findings: findings}
	if score <= persistThreshold {
		return out, nil
	}

	out.Persisted = true
	for i := range findings {
		f := &findings[i]
		f.ID = uuid.NewString()
		f.TenantID = in.TenantID
		f.TicketID = in.TicketID
		f.DeviceID = in.DeviceID
		f.DetectedAt = now
		if err := e.findings.Insert(ctx, f); err != nil {
			e.logger.Error("finding insert failed", "detector", f.Detector, "error", err)
		}
	}
	e.logger.Warn("high-risk scan detected",
		"tenant_id", in.TenantID, "ticket_id", in.TicketID, "device_id", in.DeviceID,
		"risk_score", score, "findings", len(findings))
	return out, nil
}

// riskScore folds finding severities into 0..100:
// round(0.7*max + 0.3*mean), capped at 100.
func riskScore(findings []Finding) int {
	if len(findings) == 0 {
		return 0
	}
	var max, sum float64
	for _, f := range findings {
		w := f.Severity.weight()
		sum += w
		if w > max {
			max = w
		}
	}
	mean := sum / float64(len(findings))
	score := int(math.Round(0.7*max + 0.3*mean))
	if score > 100 {
		score = 100
	}
	return score
}
