package custody

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tickettoken/core/pkg/tenants"
)

// PostgresStore persists wallets and envelopes in custodial_wallets and
// wallet_keys. Every method runs in its own transaction with the tenant
// session variable bound.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetByUser(ctx context.Context, tenantID, userID string) (*Wallet, *WalletKey, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("custody: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := tenants.BindTx(ctx, tx, tenantID); err != nil {
		return nil, nil, err
	}

	w := &Wallet{}
	k := &WalletKey{}
	var lastAccessed sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT w.id, w.user_id, w.tenant_id, w.address, w.status, w.kms_key_id, w.key_version, w.created_at,
		       k.encrypted_secret, k.encrypted_data_key, k.iv, k.auth_tag, k.last_accessed_at, k.access_count
		FROM custodial_wallets w
		JOIN wallet_keys k ON k.wallet_id = w.id
		WHERE w.tenant_id = $1 AND w.user_id = $2`,
		tenantID, userID,
	).Scan(
		&w.ID, &w.UserID, &w.TenantID, &w.Address, &w.Status, &w.KMSKeyID, &w.KeyVersion, &w.CreatedAt,
		&k.EncryptedSecret, &k.EncryptedDataKey, &k.IV, &k.AuthTag, &lastAccessed, &k.AccessCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("custody: query wallet: %w", err)
	}
	if lastAccessed.Valid {
		k.LastAccessedAt = &lastAccessed.Time
	}
	k.WalletID = w.ID

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("custody: commit: %w", err)
	}
	return w, k, nil
}

func (s *PostgresStore) Create(ctx context.Context, w *Wallet, k *WalletKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("custody: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := tenants.BindTx(ctx, tx, w.TenantID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO custodial_wallets (id, user_id, tenant_id, address, status, kms_key_id, key_version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		w.ID, w.UserID, w.TenantID, w.Address, w.Status, w.KMSKeyID, w.KeyVersion, w.CreatedAt,
	); err != nil {
		return fmt.Errorf("custody: insert wallet: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_keys (wallet_id, encrypted_secret, encrypted_data_key, iv, auth_tag, access_count)
		VALUES ($1, $2, $3, $4, $5, 0)`,
		k.WalletID, k.EncryptedSecret, k.EncryptedDataKey, k.IV, k.AuthTag,
	); err != nil {
		return fmt.Errorf("custody: insert wallet key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("custody: commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordAccess(ctx context.Context, walletID, reason string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE wallet_keys
		SET access_count = access_count + 1, last_accessed_at = $2, last_access_reason = $3
		WHERE wallet_id = $1`,
		walletID, at, reason,
	)
	if err != nil {
		return fmt.Errorf("custody: record access: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, walletID string, status WalletStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE custodial_wallets SET status = $2 WHERE id = $1`,
		walletID, status,
	)
	if err != nil {
		return fmt.Errorf("custody: update status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrWalletNotFound
	}
	return nil
}
