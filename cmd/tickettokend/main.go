// Command tickettokend runs the ticketing core: the scan/manifest/mint HTTP
// API, the DLQ processor, and treasury monitoring.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
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

	svc, err := buildServices(ctx, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	svc.dlqProcessor.Start()
	defer svc.dlqProcessor.Stop()
	svc.chainPool.StartProbes()
	defer svc.chainPool.StopProbes()
	if svc.cfg.TreasuryAddress != "" {
		go svc.watchTreasury(ctx)
	}

	server := &http.Server{
		Addr:              svc.cfg.HTTPAddr,
		Handler:           svc.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", svc.cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if svc.observability != nil {
		if err := svc.observability.Shutdown(shutdownCtx); err != nil {
			logger.Warn("observability shutdown failed", "error", err)
		}
	}
	return nil
}
