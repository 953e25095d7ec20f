// Package obfuscate produces display-safe copies of build configurations
// with secure values redacted.
package obfuscate

import (
	"context"
	"log/slog"
	"strings"

	"buildline/internal/config"
	"buildline/internal/vault"
)

// Marker replaces the value part of a redacted secure variable.
const Marker = "[secure]"

// Engine rewrites secure env tokens for display. The stored config is never
// mutated; Config returns a fresh copy.
type Engine struct {
	Vault  vault.Decrypter
	Logger *slog.Logger
}

func New(v vault.Decrypter) Engine {
	return Engine{Vault: v}
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Config returns a display copy of c for the given repository. Every env row
// is rendered as a single space-joined string with secure tokens rewritten to
// "KEY=[secure]", and the global list is redacted token by token; a nil env
// stays nil. Non-env keys pass through unchanged and any lingering source_key
// field is dropped.
func (e Engine) Config(ctx context.Context, repositoryID string, c *config.Config) *config.Config {
	out := &config.Config{Legacy: c.Legacy}
	if c.GlobalEnv != nil {
		out.GlobalEnv = make([]config.EnvVar, 0, len(c.GlobalEnv))
		for _, v := range c.GlobalEnv {
			out.GlobalEnv = append(out.GlobalEnv, config.PlainVar(e.token(ctx, repositoryID, v)))
		}
	}
	for _, f := range c.Fields {
		if f.Key == "source_key" {
			continue
		}
		out.Fields = append(out.Fields, f)
	}
	if c.Env == nil {
		return out
	}
	out.Env = make([]config.EnvEntry, 0, len(c.Env))
	for _, entry := range c.Env {
		out.Env = append(out.Env, e.entry(ctx, repositoryID, entry))
	}
	return out
}

func (e Engine) entry(ctx context.Context, repositoryID string, entry config.EnvEntry) config.EnvEntry {
	parts := make([]string, 0, len(entry.Vars))
	for _, v := range entry.Vars {
		parts = append(parts, e.token(ctx, repositoryID, v))
	}
	return config.BareEntry(config.PlainVar(strings.Join(parts, " ")))
}

// token passes plain tokens through verbatim and redacts secure ones,
// keeping the variable name when the ciphertext decrypts cleanly.
func (e Engine) token(ctx context.Context, repositoryID string, v config.EnvVar) string {
	if !v.IsSecure() {
		return v.Plain
	}
	plain, err := e.Vault.Decrypt(ctx, repositoryID, v.Secure)
	if err != nil {
		e.logger().Debug("secure value did not decrypt", "repository_id", repositoryID, "err", err)
		return Marker
	}
	key, _, found := strings.Cut(plain, "=")
	if !found || key == "" {
		return Marker
	}
	return key + "=" + Marker
}
