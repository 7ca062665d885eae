// Command tickettoken-sync consumes blockchain sync requests from the bus
// and creates events on chain.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/tickettoken/core/pkg/api"
	"github.com/tickettoken/core/pkg/bus"
	"github.com/tickettoken/core/pkg/chain"
	"github.com/tickettoken/core/pkg/config"
	"github.com/tickettoken/core/pkg/custody"
	"github.com/tickettoken/core/pkg/dlq"
	"github.com/tickettoken/core/pkg/syncer"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
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
		return fmt.Errorf("refusing to start with %d configuration problems", len(problems))
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = redisClient.Close() }()

	endpoints := make([]*chain.Endpoint, 0, len(cfg.ChainRPCEndpoints))
	for _, url := range cfg.ChainRPCEndpoints {
		endpoints = append(endpoints, &chain.Endpoint{URL: url, RPC: chain.NewHTTPRPC(url)})
	}
	pool := chain.NewPool(endpoints, logger)
	pool.StartProbes()
	defer pool.StopProbes()
	adapter := chain.NewAdapter(pool, logger)

	kmsProvider, err := buildKMS(ctx, cfg)
	if err != nil {
		return err
	}
	vault := custody.NewVault(custody.NewPostgresStore(db), kmsProvider, cfg.KMSKeyID, logger)

	archive, err := dlq.OpenArchive(cfg.DLQArchivePath)
	if err != nil {
		return fmt.Errorf("open dlq archive: %w", err)
	}
	defer func() { _ = archive.Close() }()

	// Sync jobs have no automatic retry path beyond bus redelivery; the
	// processor here only promotes and archives them.
	noRetry := func(_ context.Context, item *dlq.Item) error {
		return fmt.Errorf("no retry path for job %s", item.JobID)
	}
	processor := dlq.NewProcessor(dlq.NewPostgresStore(db), archive, noRetry, logger)
	processor.Start()
	defer processor.Stop()

	signer := api.NewInternalSigner(cfg.ServiceName, []byte(cfg.InternalServiceSecret))
	creator := &chainEventCreator{adapter: adapter, vault: vault, logger: logger}
	consumer := syncer.NewConsumer(creator, processor, cfg.CallbackBaseURL, signer, logger)

	hostname, _ := os.Hostname()
	logger.Info("sync consumer starting", "topic", syncer.Topic, "consumer", hostname)
	err = consumer.Run(ctx, bus.NewRedisBus(redisClient, logger), hostname)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
