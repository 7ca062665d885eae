// Package custody implements the custodial key vault: lazy per-user wallet
// creation with envelope encryption, and scoped signing that zeroes key
// material as soon as it leaves use.
package custody

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tickettoken/core/pkg/kms"
)

// Wallet status lifecycle. SUSPENDED and LOCKED are recoverable; ARCHIVED
// is not.
type WalletStatus string

const (
	WalletActive    WalletStatus = "ACTIVE"
	WalletSuspended WalletStatus = "SUSPENDED"
	WalletLocked    WalletStatus = "LOCKED"
	WalletArchived  WalletStatus = "ARCHIVED"
)

// ivLen is the GCM nonce length used for wallet secrets.
const ivLen = 12

// gcmTagLen is the GCM authentication tag length; stored separately from
// the ciphertext.
const gcmTagLen = 16

var (
	// ErrWalletNotFound means no wallet exists for the user.
	ErrWalletNotFound = errors.New("custody: wallet not found")
	// ErrWalletNotActive means the wallet status forbids signing.
	ErrWalletNotActive = errors.New("custody: wallet not active")
	// ErrKeyIntegrity means the decrypted key does not reproduce the stored
	// address. Fatal: the envelope or the row has been corrupted.
	ErrKeyIntegrity = errors.New("custody: key integrity violation")
	// ErrInvalidTransition rejects a status change the lifecycle forbids.
	ErrInvalidTransition = errors.New("custody: invalid status transition")
)

// Wallet is the public wallet record.
type Wallet struct {
	ID         string
	UserID     string
	TenantID   string
	Address    string // hex-encoded Ed25519 public key
	Status     WalletStatus
	KMSKeyID   string
	KeyVersion int
	CreatedAt  time.Time
}

// WalletKey is the stored envelope: the wallet secret encrypted by a data
// key, and the data key encrypted by the KMS master key.
type WalletKey struct {
	WalletID         string
	EncryptedSecret  []byte
	EncryptedDataKey []byte
	IV               []byte
	AuthTag          []byte
	LastAccessedAt   *time.Time
	AccessCount      int
}

// Store persists wallets and their envelopes.
type Store interface {
	GetByUser(ctx context.Context, tenantID, userID string) (*Wallet, *WalletKey, error)
	Create(ctx context.Context, w *Wallet, k *WalletKey) error
	RecordAccess(ctx context.Context, walletID, reason string, at time.Time) error
	UpdateStatus(ctx context.Context, walletID string, status WalletStatus) error
}

// Vault creates wallets lazily and signs on their behalf.
type Vault struct {
	store    Store
	provider kms.Provider
	keyID    string
	logger   *slog.Logger
	clock    func() time.Time
}

// NewVault creates a vault using the given KMS master key id.
func NewVault(store Store, provider kms.Provider, keyID string, logger *slog.Logger) *Vault {
	if logger == nil {
		logger = slog.Default()
	}
	return &Vault{
		store:    store,
		provider: provider,
		keyID:    keyID,
		logger:   logger.With("component", "custody"),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (v *Vault) WithClock(clock func() time.Time) *Vault {
	v.clock = clock
	return v
}

// Ensure returns the user's wallet, creating it on first use.
func (v *Vault) Ensure(ctx context.Context, tenantID, userID string) (*Wallet, error) {
	w, _, err := v.store.GetByUser(ctx, tenantID, userID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, ErrWalletNotFound) {
		return nil, err
	}
	return v.create(ctx, tenantID, userID)
}

// create generates an Ed25519 keypair, envelope-encrypts the private key,
// and zeroes every plaintext buffer before returning.
func (v *Vault) create(ctx context.Context, tenantID, userID string) (*Wallet, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("custody: generate keypair: %w", err)
	}
	defer kms.Zero(priv)

	dk, err := v.provider.GenerateDataKey(ctx, v.keyID)
	if err != nil {
		return nil, fmt.Errorf("custody: data key: %w", err)
	}
	defer kms.Zero(dk.Plaintext)

	iv := make([]byte, ivLen)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("custody: iv: %w", err)
	}

	sealed, err := sealSecret(dk.Plaintext, iv, priv)
	if err != nil {
		return nil, err
	}

	now := v.clock()
	w := &Wallet{
		ID:         uuid.NewString(),
		UserID:     userID,
		TenantID:   tenantID,
		Address:    hex.EncodeToString(pub),
		Status:     WalletActive,
		KMSKeyID:   v.keyID,
		KeyVersion: 1,
		CreatedAt:  now,
	}
	k := &WalletKey{
		WalletID:         w.ID,
		EncryptedSecret:  sealed[:len(sealed)-gcmTagLen],
		AuthTag:          sealed[len(sealed)-gcmTagLen:],
		EncryptedDataKey: dk.Ciphertext,
		IV:               iv,
	}

	if err := v.store.Create(ctx, w, k); err != nil {
		return nil, fmt.Errorf("custody: persist wallet: %w", err)
	}
	v.logger.Info("custodial wallet created", "wallet_id", w.ID, "tenant_id", tenantID)
	return w, nil
}

// Sign decrypts the wallet secret in a scoped buffer, signs the message,
// zeroes the secret, and records the access with the caller's reason.
func (v *Vault) Sign(ctx context.Context, tenantID, userID string, message []byte, reason string) ([]byte, error) {
	w, key, err := v.store.GetByUser(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	if w.Status != WalletActive {
		return nil, fmt.Errorf("%w: wallet %s is %s", ErrWalletNotActive, w.ID, w.Status)
	}

	dataKey, err := v.provider.DecryptDataKey(ctx, w.KMSKeyID, key.EncryptedDataKey)
	if err != nil {
		return nil, fmt.Errorf("custody: unwrap data key: %w", err)
	}
	defer kms.Zero(dataKey)

	secret, err := openSecret(dataKey, key.IV, append(append([]byte{}, key.EncryptedSecret...), key.AuthTag...))
	if err != nil {
		return nil, fmt.Errorf("custody: open envelope: %w", err)
	}
	defer kms.Zero(secret)

	priv := ed25519.PrivateKey(secret)
	derived := priv.Public().(ed25519.PublicKey)
	stored, err := hex.DecodeString(w.Address)
	if err != nil || subtle.ConstantTimeCompare(derived, stored) != 1 {
		v.logger.Error("wallet key integrity check failed", "wallet_id", w.ID)
		return nil, ErrKeyIntegrity
	}

	sig := ed25519.Sign(priv, message)

	if err := v.store.RecordAccess(ctx, w.ID, reason, v.clock()); err != nil {
		// The signature is already produced; the audit write failing is
		// logged, not fatal to the caller.
		v.logger.Error("record wallet access", "wallet_id", w.ID, "error", err)
	}
	return sig, nil
}

// SetStatus applies the lifecycle: ACTIVE -> {SUSPENDED, LOCKED, ARCHIVED};
// SUSPENDED/LOCKED -> ACTIVE or ARCHIVED; ARCHIVED is terminal.
func (v *Vault) SetStatus(ctx context.Context, tenantID, userID string, next WalletStatus) error {
	w, _, err := v.store.GetByUser(ctx, tenantID, userID)
	if err != nil {
		return err
	}
	if !validTransition(w.Status, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, w.Status, next)
	}
	return v.store.UpdateStatus(ctx, w.ID, next)
}

func validTransition(from, to WalletStatus) bool {
	switch from {
	case WalletActive:
		return to == WalletSuspended || to == WalletLocked || to == WalletArchived
	case WalletSuspended, WalletLocked:
		return to == WalletActive || to == WalletArchived
	default:
		return false
	}
}

func sealSecret(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("custody: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivLen)
	if err != nil {
		return nil, fmt.Errorf("custody: gcm: %w", err)
	}
	return gcm.Seal(nil, iv, plaintext, nil), nil
}

func openSecret(key, iv, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("custody: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivLen)
	if err != nil {
		return nil, fmt.Errorf("custody: gcm: %w", err)
	}
	return gcm.Open(nil, iv, sealed, nil)
}
