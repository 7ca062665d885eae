package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tickettoken/core/pkg/chain"
	"github.com/tickettoken/core/pkg/config"
	"github.com/tickettoken/core/pkg/custody"
	"github.com/tickettoken/core/pkg/kms"
	"github.com/tickettoken/core/pkg/syncer"
)

// systemUser owns per-tenant operational wallets.
const systemUser = "system"

// chainEventCreator registers an event on chain with the tenant's custodial
// wallet.
type chainEventCreator struct {
	adapter *chain.Adapter
	vault   *custody.Vault
	logger  *slog.Logger
}

func (c *chainEventCreator) CreateEvent(ctx context.Context, req *syncer.SyncRequest) error {
	tenantID := req.Metadata.TenantID
	wallet, err := c.vault.Ensure(ctx, tenantID, systemUser)
	if err != nil {
		return fmt.Errorf("ensure wallet: %w", err)
	}

	instructions := []chain.Instruction{{
		ProgramID: "event-registry",
		Accounts:  []string{wallet.Address, req.EventID},
		Data:      req.BlockchainData,
	}}

	est, err := c.adapter.Estimate(ctx, &chain.Transaction{
		Payer:        wallet.Address,
		Instructions: instructions,
	}, chain.UrgencyMedium)
	if err != nil {
		return fmt.Errorf("estimate: %w", err)
	}

	tx, err := c.adapter.Build(ctx, instructions, wallet.Address, est)
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}
	err = c.adapter.Sign(ctx, tx, func(ctx context.Context, message []byte) ([]byte, error) {
		return c.vault.Sign(ctx, tenantID, systemUser, message, "create event "+req.EventID)
	})
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}

	signature, err := c.adapter.Submit(ctx, tx)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	status, err := c.adapter.Confirm(ctx, signature, chain.CommitmentConfirmed, chain.DefaultConfirm)
	if err != nil {
		return fmt.Errorf("confirm %s: %w", signature, err)
	}

	c.logger.Info("event registered on chain",
		"event_id", req.EventID, "tenant_id", tenantID,
		"signature", signature, "slot", status.Slot)
	return nil
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
