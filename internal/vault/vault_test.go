package vault_test

import (
	"context"
	"fmt"
	"testing"

	"buildline/internal/vault"
)

type staticKeys map[string][]byte

func (s staticKeys) RepositoryKey(ctx context.Context, repositoryID string) ([]byte, error) {
	key, ok := s[repositoryID]
	if !ok {
		return nil, fmt.Errorf("no key for %s", repositoryID)
	}
	return key, nil
}

func newTestVault(t *testing.T, repos ...string) *vault.AES {
	t.Helper()
	keys := staticKeys{}
	for _, id := range repos {
		key, err := vault.NewKey()
		if err != nil {
			t.Fatalf("new key: %v", err)
		}
		keys[id] = key
	}
	return vault.New(keys)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := newTestVault(t, "repo-1")
	ctx := context.Background()

	ct, err := v.Encrypt(ctx, "repo-1", "SECRET=hush")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if ct == "SECRET=hush" {
		t.Fatalf("ciphertext equals plaintext")
	}
	plain, err := v.Decrypt(ctx, "repo-1", ct)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain != "SECRET=hush" {
		t.Fatalf("got %q", plain)
	}
}

func TestDecryptWithWrongRepositoryKey(t *testing.T) {
	v := newTestVault(t, "repo-1", "repo-2")
	ctx := context.Background()

	ct, err := v.Encrypt(ctx, "repo-1", "SECRET=hush")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := v.Decrypt(ctx, "repo-2", ct); err == nil {
		t.Fatalf("cross-repository decrypt succeeded")
	}
}

func TestDecryptRejectsGarbage(t *testing.T) {
	v := newTestVault(t, "repo-1")
	ctx := context.Background()

	if _, err := v.Decrypt(ctx, "repo-1", "not base64!!"); err == nil {
		t.Fatalf("expected base64 error")
	}
	if _, err := v.Decrypt(ctx, "repo-1", "c2hvcnQ="); err == nil {
		t.Fatalf("expected short-ciphertext error")
	}
}

func TestLooksEncrypted(t *testing.T) {
	v := newTestVault(t, "repo-1")
	ctx := context.Background()

	ct, err := v.Encrypt(ctx, "repo-1", "SECRET=hush")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if !v.LooksEncrypted(ct) {
		t.Fatalf("ciphertext not recognized")
	}
	if v.LooksEncrypted("FOO=bar") {
		t.Fatalf("plain env token recognized as ciphertext")
	}
	if v.LooksEncrypted("c2hvcnQ=") {
		t.Fatalf("short base64 recognized as ciphertext")
	}
}
