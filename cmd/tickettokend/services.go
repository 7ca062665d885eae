package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/tickettoken/core/pkg/anomaly"
	"github.com/tickettoken/core/pkg/api"
	"github.com/tickettoken/core/pkg/chain"
	"github.com/tickettoken/core/pkg/config"
	"github.com/tickettoken/core/pkg/coord"
	"github.com/tickettoken/core/pkg/custody"
	"github.com/tickettoken/core/pkg/dlq"
	"github.com/tickettoken/core/pkg/kms"
	"github.com/tickettoken/core/pkg/mint"
	"github.com/tickettoken/core/pkg/observability"
	"github.com/tickettoken/core/pkg/offline"
	"github.com/tickettoken/core/pkg/resiliency"
	"github.com/tickettoken/core/pkg/scan"
	"github.com/tickettoken/core/pkg/tickets"
	"github.com/tickettoken/core/pkg/treasury"
)

// services holds everything the daemon wires at startup.
type services struct {
	cfg           *config.Config
	logger        *slog.Logger
	db            *sql.DB
	redisClient   *redis.Client
	observability *observability.Provider

	ticketStore  *tickets.Store
	decider      *scan.Decider
	manifests    *offline.Builder
	anomalies    *anomaly.Engine
	orchestrator *mint.Orchestrator
	dlqProcessor *dlq.Processor
	dlqArchive   *dlq.Archive
	chainPool    *chain.Pool
	chainAdapter *chain.Adapter
	bulkheads    *resiliency.Bulkhead
	monitor      *treasury.Monitor
	transfers    *treasury.Transfer
}

func buildServices(ctx context.Context, logger *slog.Logger) (*services, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	problems := cfg.Problems()
	for _, p := range problems {
		if cfg.IsProduction() {
			fmt.Fprintln(os.Stderr, p)
		} else {
			logger.Warn("configuration problem", "name", p.Name, "reason", p.Reason)
		}
	}
	if cfg.IsProduction() && len(problems) > 0 {
		return nil, fmt.Errorf("refusing to start with %d configuration problems", len(problems))
	}

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Env,
		Enabled:     cfg.IsProduction(),
		SampleRate:  1.0,
	})
	if err != nil {
		logger.Warn("observability init failed, continuing without", "error", err)
		obs = nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	kv := coord.NewRedisKV(redisClient)

	ticketStore := tickets.NewStore(db)
	rotation := time.Duration(cfg.QRRotationWindowSecs) * time.Second
	nonces := scan.NewNonceStore(kv, rotation)
	decider := scan.NewDecider(ticketStore, nonces, rotation, logger)

	manifests := offline.NewBuilder(ticketStore, []byte(cfg.HMACSecret), logger)

	rules, err := loadAnomalyRules(cfg.AnomalyRulesFile)
	if err != nil {
		return nil, err
	}
	anomalies := anomaly.NewEngine(ticketStore, anomaly.NewPostgresFindings(db), rules, logger)

	idem := coord.NewIdempotencyStore(kv, logger)
	if obs != nil {
		idem = idem.WithRecorder(obs)
	}
	recovery := coord.NewRecoveryStore(kv, logger)
	lock := coord.NewLock(kv)

	endpoints := make([]*chain.Endpoint, 0, len(cfg.ChainRPCEndpoints))
	for _, url := range cfg.ChainRPCEndpoints {
		endpoints = append(endpoints, &chain.Endpoint{URL: url, RPC: chain.NewHTTPRPC(url)})
	}
	chainPool := chain.NewPool(endpoints, logger)
	adapter := chain.NewAdapter(chainPool, logger)

	kmsProvider, err := buildKMS(ctx, cfg)
	if err != nil {
		return nil, err
	}
	vault := custody.NewVault(custody.NewPostgresStore(db), kmsProvider, cfg.KMSKeyID, logger)

	metadata, err := buildMetadataStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	orchestrator := mint.NewOrchestrator(ticketStore, idem, recovery, lock, metadata, adapter, vault, logger)

	archive, err := dlq.OpenArchive(cfg.DLQArchivePath)
	if err != nil {
		return nil, fmt.Errorf("open dlq archive: %w", err)
	}
	dlqStore := dlq.NewPostgresStore(db)
	processor := dlq.NewProcessor(dlqStore, archive, retryHandler(orchestrator), logger)

	// Mint failures flow into the DLQ; non-retryable ones also mark the
	// job's recovery state FAILED so replays stop resuming it.
	orchestrator.WithRetrySink(func(ctx context.Context, jobID, ticketID, tenantID, errMessage string) {
		item, err := processor.Add(ctx, jobID, ticketID, tenantID, errMessage)
		if err != nil {
			logger.Error("dead-letter insert failed", "job_id", jobID, "error", err)
			return
		}
		if item.Category == dlq.CategoryNonRetryable {
			if _, err := recovery.Checkpoint(ctx, jobID, ticketID, tenantID, mint.PointFailed,
				coord.RecoveryMetadata{Error: errMessage}); err != nil {
				logger.Error("failed checkpoint write failed", "job_id", jobID, "error", err)
			}
		}
	})

	monitor := treasury.NewMonitor(treasury.DefaultThresholds(), cfg.TreasuryWebhook, logger)

	var transfers *treasury.Transfer
	if cfg.TreasuryAddress != "" {
		whitelist, err := treasury.NewWhitelist(cfg.TreasuryWhitelist, logger)
		if err != nil {
			return nil, err
		}
		signTreasury := func(ctx context.Context, message []byte) ([]byte, error) {
			return vault.Sign(ctx, "platform", "treasury", message, "treasury transfer")
		}
		transfers = treasury.NewTransfer(whitelist, monitor, adapter, signTreasury, cfg.TreasuryAddress, logger)
	}

	return &services{
		cfg:           cfg,
		logger:        logger,
		db:            db,
		redisClient:   redisClient,
		observability: obs,
		ticketStore:   ticketStore,
		decider:       decider,
		manifests:     manifests,
		anomalies:     anomalies,
		orchestrator:  orchestrator,
		dlqProcessor:  processor,
		dlqArchive:    archive,
		chainPool:     chainPool,
		chainAdapter:  adapter,
		bulkheads:     resiliency.NewBulkhead(nil),
		monitor:       monitor,
		transfers:     transfers,
	}, nil
}

func (s *services) routes() http.Handler {
	decider := &analyzingDecider{inner: s.decider, engine: s.anomalies, obs: s.observability, logger: s.logger}
	server := api.NewServer(decider, s.manifests, s.orchestrator, s.bulkheads, []byte(s.cfg.JWTSecret), s.logger)
	if s.transfers != nil {
		server = server.WithTransfers(s.transfers)
	}
	return server.Routes(api.NewRateLimiter(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst))
}

func (s *services) Close() {
	if s.dlqArchive != nil {
		_ = s.dlqArchive.Close()
	}
	if s.redisClient != nil {
		_ = s.redisClient.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}

func buildKMS(ctx context.Context, cfg *config.Config) (kms.Provider, error) {
	if strings.HasPrefix(cfg.KMSKeyID, "arn:") {
		provider, err := kms.NewAWSProvider(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("aws kms: %w", err)
		}
		return provider, nil
	}
	return kms.NewLocalProvider(cfg.KMSKeyID)
}

// ruleFile is the on-disk shape of custom anomaly rules.
type ruleFile struct {
	Rules []struct {
		Name     string `yaml:"name"`
		Severity string `yaml:"severity"`
		Expr     string `yaml:"expr"`
	} `yaml:"rules"`
}

func loadAnomalyRules(path string) ([]*anomaly.Rule, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read anomaly rules: %w", err)
	}
	var file ruleFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse anomaly rules: %w", err)
	}
	defs := make([]anomaly.Rule, 0, len(file.Rules))
	for _, r := range file.Rules {
		defs = append(defs, anomaly.Rule{
			Name:     r.Name,
			Severity: anomaly.Severity(r.Severity),
			Expr:     r.Expr,
		})
	}
	return anomaly.CompileRules(defs)
}

// retryHandler re-runs dead-lettered mint jobs. Job IDs look like
// "mint:<tenant>:<idempotency-key>"; anything else has no retry path and
// stays queued until it is promoted and archived.
func retryHandler(orchestrator *mint.Orchestrator) dlq.Handler {
	return func(ctx context.Context, item *dlq.Item) error {
		parts := strings.SplitN(item.JobID, ":", 3)
		if len(parts) != 3 || parts[0] != "mint" {
			return fmt.Errorf("no retry path for job %s", item.JobID)
		}
		_, err := orchestrator.Mint(ctx, &mint.Request{
			TicketID:       item.TicketID,
			TenantID:       item.TenantID,
			IdempotencyKey: parts[2],
			RequestID:      "dlq-retry",
			Urgency:        chain.UrgencyMedium,
		})
		return err
	}
}
