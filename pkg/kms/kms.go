// Package kms provides envelope-encryption data keys for the custodial key
// vault.
//
// A data key is generated per wallet: the plaintext half encrypts the wallet
// secret locally and is zeroed immediately; the ciphertext half is stored
// and sent back to the KMS for decryption whenever the wallet signs.
package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// DataKeyLen is the AES-256 key length.
const DataKeyLen = 32

// Timeout applied to every KMS round trip.
const Timeout = 5 * time.Second

// DataKey pairs the plaintext key with its KMS-encrypted form. Callers must
// zero Plaintext as soon as it has been used.
type DataKey struct {
	Plaintext  []byte
	Ciphertext []byte
	KeyID      string
}

// Provider is the external KMS capability set.
type Provider interface {
	// GenerateDataKey returns a fresh data key under the named master key.
	GenerateDataKey(ctx context.Context, keyID string) (*DataKey, error)

	// DecryptDataKey recovers the plaintext data key from its encrypted
	// form. The caller owns zeroing the result.
	DecryptDataKey(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error)
}

// Zero overwrites a sensitive buffer. No-op on nil.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// --- local provider ---

// LocalProvider implements Provider with an in-process master key. It backs
// tests and single-node deployments; production wiring uses AWSProvider.
type LocalProvider struct {
	mu     sync.RWMutex
	master map[string][]byte // keyID -> 32-byte master key
}

// NewLocalProvider creates a provider with one generated master key under
// the given id.
func NewLocalProvider(keyID string) (*LocalProvider, error) {
	master := make([]byte, DataKeyLen)
	if _, err := io.ReadFull(rand.Reader, master); err != nil {
		return nil, fmt.Errorf("kms: generate master key: %w", err)
	}
	return &LocalProvider{master: map[string][]byte{keyID: master}}, nil
}

// GenerateDataKey creates a random data key and wraps it with the master key
// using AES-256-GCM.
func (p *LocalProvider) GenerateDataKey(ctx context.Context, keyID string) (*DataKey, error) {
	master, err := p.masterKey(keyID)
	if err != nil {
		return nil, err
	}

	plaintext := make([]byte, DataKeyLen)
	if _, err := io.ReadFull(rand.Reader, plaintext); err != nil {
		return nil, fmt.Errorf("kms: generate data key: %w", err)
	}

	ciphertext, err := gcmSeal(master, plaintext)
	if err != nil {
		return nil, err
	}
	return &DataKey{Plaintext: plaintext, Ciphertext: ciphertext, KeyID: keyID}, nil
}

// DecryptDataKey unwraps a data key previously produced by GenerateDataKey.
func (p *LocalProvider) DecryptDataKey(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	master, err := p.masterKey(keyID)
	if err != nil {
		return nil, err
	}
	pt, err := gcmOpen(master, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("kms: unwrap data key: %w", err)
	}
	return pt, nil
}

func (p *LocalProvider) masterKey(keyID string) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	master, ok := p.master[keyID]
	if !ok {
		return nil, fmt.Errorf("kms: unknown master key %q", keyID)
	}
	return master, nil
}

// --- AES-256-GCM helpers ---

func gcmSeal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("kms: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("kms: gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("kms: nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func gcmOpen(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("kms: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("kms: gcm: %w", err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("kms: ciphertext too short")
	}
	nonce, ct := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}
