// Package vault encrypts and decrypts secure configuration values with a
// per-repository key.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize   = 32
	nonceSize = 12
	tagSize   = 16
)

// Vault encrypts and decrypts strings using a per-repository key.
type Vault interface {
	Encrypt(ctx context.Context, repositoryID, plaintext string) (string, error)
	Decrypt(ctx context.Context, repositoryID, ciphertext string) (string, error)
	LooksEncrypted(value string) bool
}

// Decrypter is the subset of Vault needed to obfuscate configs for display.
type Decrypter interface {
	Decrypt(ctx context.Context, repositoryID, ciphertext string) (string, error)
}

// KeySource returns the secret key material for a repository.
type KeySource interface {
	RepositoryKey(ctx context.Context, repositoryID string) ([]byte, error)
}

// NewKey generates fresh per-repository key material.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// AES is an AES-256-GCM Vault. Ciphertexts are base64-encoded nonce||sealed.
type AES struct {
	Keys KeySource
}

var _ Vault = (*AES)(nil)

func New(keys KeySource) *AES {
	return &AES{Keys: keys}
}

func (v *AES) aead(ctx context.Context, repositoryID string) (cipher.AEAD, error) {
	key, err := v.Keys.RepositoryKey(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("repository %s: %w", repositoryID, err)
	}
	return cipher.NewGCM(block)
}

func (v *AES) Encrypt(ctx context.Context, repositoryID, plaintext string) (string, error) {
	aead, err := v.aead(ctx, repositoryID)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (v *AES) Decrypt(ctx context.Context, repositoryID, ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	if len(raw) < nonceSize+tagSize {
		return "", fmt.Errorf("decrypt: ciphertext too short")
	}
	aead, err := v.aead(ctx, repositoryID)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	plain, err := aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}

// LooksEncrypted reports whether value has the shape of a vault ciphertext.
func (v *AES) LooksEncrypted(value string) bool {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return false
	}
	return len(raw) >= nonceSize+tagSize
}
