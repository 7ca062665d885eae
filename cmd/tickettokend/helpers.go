package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/storage"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/tickettoken/core/pkg/anomaly"
	"github.com/tickettoken/core/pkg/config"
	"github.com/tickettoken/core/pkg/mint"
	"github.com/tickettoken/core/pkg/observability"
	"github.com/tickettoken/core/pkg/scan"
)

func buildMetadataStore(ctx context.Context, cfg *config.Config) (mint.MetadataStore, error) {
	switch cfg.MetadataProvider {
	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("aws config: %w", err)
		}
		return mint.NewS3MetadataStore(s3.NewFromConfig(awsCfg), cfg.MetadataBucket), nil
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return mint.NewGCSMetadataStore(client, cfg.MetadataBucket), nil
	case "memory":
		return mint.NewMemoryMetadataStore(), nil
	default:
		return nil, fmt.Errorf("unknown metadata provider %q", cfg.MetadataProvider)
	}
}

const lamportsPerSOL = 1_000_000_000

// watchTreasury polls the treasury balance and feeds the monitor until ctx
// is cancelled.
func (s *services) watchTreasury(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		lamports, err := s.chainAdapter.GetBalance(callCtx, s.cfg.TreasuryAddress)
		cancel()
		if err != nil {
			s.logger.Warn("treasury balance check failed", "error", err)
			continue
		}
		s.monitor.CheckBalance(ctx, float64(lamports)/lamportsPerSOL)
	}
}

// scanDecider is the decision pipeline. *scan.Decider satisfies it.
type scanDecider interface {
	Decide(ctx context.Context, rawQR, deviceID string, staff *scan.StaffContext) *scan.Decision
}

// anomalyAnalyzer scores one scan. *anomaly.Engine satisfies it.
type anomalyAnalyzer interface {
	Analyze(ctx context.Context, in *anomaly.Input) (*anomaly.Assessment, error)
}

// analyzingDecider runs the anomaly engine after every decision without
// blocking the response.
type analyzingDecider struct {
	inner  scanDecider
	engine anomalyAnalyzer
	obs    *observability.Provider
	logger *slog.Logger
}

func (d *analyzingDecider) Decide(ctx context.Context, rawQR, deviceID string, staff *scan.StaffContext) *scan.Decision {
	start := time.Now()
	decision := d.inner.Decide(ctx, rawQR, deviceID, staff)
	if d.obs != nil {
		d.obs.RecordScan(ctx, string(decision.Result), string(decision.Reason), time.Since(start))
	}

	// Denials carry no ticket summary; the device-scoped detectors still
	// need to see them.
	if d.engine != nil {
		ticketID := ""
		if decision.Ticket != nil {
			ticketID = decision.Ticket.TicketID
		}
		in := &anomaly.Input{
			TenantID:  staff.TenantID,
			TicketID:  ticketID,
			DeviceID:  deviceID,
			Result:    decision.Result,
			ScannedAt: start.UTC(),
			LocalTime: start,
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := d.engine.Analyze(ctx, in); err != nil {
				d.logger.Warn("anomaly analysis failed", "ticket_id", in.TicketID, "error", err)
			}
		}()
	}
	return decision
}
