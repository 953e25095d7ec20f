package obfuscate_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"buildline/internal/config"
	"buildline/internal/obfuscate"
)

// fakeDecrypter maps ciphertext to plaintext directly.
type fakeDecrypter map[string]string

func (f fakeDecrypter) Decrypt(ctx context.Context, repositoryID, ciphertext string) (string, error) {
	plain, ok := f[ciphertext]
	if !ok {
		return "", fmt.Errorf("bad ciphertext")
	}
	return plain, nil
}

func normalized(t *testing.T, raw string) *config.Config {
	t.Helper()
	c, err := config.NormalizeBytes([]byte(raw), false)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	return c
}

func rowString(entry config.EnvEntry) string {
	var parts []string
	for _, v := range entry.Vars {
		parts = append(parts, v.Plain)
	}
	return strings.Join(parts, " ")
}

func TestConfigRedactsSecureValues(t *testing.T) {
	c := normalized(t, `
env:
  global:
  - FOO=foo
  - secure: ct-1
  matrix:
  - BAR=bar
`)
	e := obfuscate.New(fakeDecrypter{"ct-1": "SECRET=hush"})
	out := e.Config(context.Background(), "repo-1", c)

	if len(out.Env) != 1 {
		t.Fatalf("env rows: %d", len(out.Env))
	}
	got := rowString(out.Env[0])
	if got != "BAR=bar FOO=foo SECRET=[secure]" {
		t.Fatalf("row = %q", got)
	}
	if strings.Contains(got, "hush") || strings.Contains(got, "ct-1") {
		t.Fatalf("secret leaked: %q", got)
	}
}

func TestConfigRedactsGlobalList(t *testing.T) {
	c := normalized(t, `
env:
  global:
  - FOO=foo
  - secure: ct-1
  matrix:
  - BAR=bar
`)
	e := obfuscate.New(fakeDecrypter{"ct-1": "SECRET=hush"})
	out := e.Config(context.Background(), "repo-1", c)

	if len(out.GlobalEnv) != 2 {
		t.Fatalf("global tokens: %d", len(out.GlobalEnv))
	}
	if out.GlobalEnv[0].Plain != "FOO=foo" {
		t.Fatalf("plain global token rewritten: %q", out.GlobalEnv[0].Plain)
	}
	if out.GlobalEnv[1].IsSecure() || out.GlobalEnv[1].Plain != "SECRET=[secure]" {
		t.Fatalf("secure global token = %+v", out.GlobalEnv[1])
	}
	enc, err := out.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if strings.Contains(string(enc), "ct-1") || strings.Contains(string(enc), "hush") {
		t.Fatalf("secret leaked into display form:\n%s", enc)
	}
}

func TestConfigMarkerOnlyWhenDecryptFails(t *testing.T) {
	c := normalized(t, `
env:
- secure: ct-unknown
`)
	e := obfuscate.New(fakeDecrypter{})
	out := e.Config(context.Background(), "repo-1", c)
	if got := rowString(out.Env[0]); got != obfuscate.Marker {
		t.Fatalf("row = %q, want bare marker", got)
	}
}

func TestConfigMarkerOnlyWhenPlaintextHasNoKey(t *testing.T) {
	c := normalized(t, `
env:
- secure: ct-1
`)
	e := obfuscate.New(fakeDecrypter{"ct-1": "no key value pair"})
	out := e.Config(context.Background(), "repo-1", c)
	if got := rowString(out.Env[0]); got != obfuscate.Marker {
		t.Fatalf("row = %q, want bare marker", got)
	}
}

func TestConfigLeavesNilEnvAlone(t *testing.T) {
	c := normalized(t, `language: go`)
	e := obfuscate.New(fakeDecrypter{})
	out := e.Config(context.Background(), "repo-1", c)
	if out.Env != nil {
		t.Fatalf("env materialized: %+v", out.Env)
	}
	if out.Field("language") == nil {
		t.Fatalf("passthrough field dropped")
	}
}

func TestConfigDropsSourceKey(t *testing.T) {
	c := normalized(t, `language: go`)
	c.Fields = append(c.Fields, config.Field{Key: "source_key"})
	e := obfuscate.New(fakeDecrypter{})
	out := e.Config(context.Background(), "repo-1", c)
	if out.Field("source_key") != nil {
		t.Fatalf("source_key survived obfuscation")
	}
}

func TestConfigDoesNotMutateInput(t *testing.T) {
	c := normalized(t, `
env:
- secure: ct-1
`)
	e := obfuscate.New(fakeDecrypter{"ct-1": "SECRET=hush"})
	_ = e.Config(context.Background(), "repo-1", c)
	if !c.Env[0].Vars[0].IsSecure() {
		t.Fatalf("stored config was rewritten")
	}
}

func TestConfigIdempotent(t *testing.T) {
	c := normalized(t, `
env:
  global:
  - secure: ct-1
  matrix:
  - BAR=bar
`)
	e := obfuscate.New(fakeDecrypter{"ct-1": "SECRET=hush"})
	ctx := context.Background()
	once := e.Config(ctx, "repo-1", c)
	twice := e.Config(ctx, "repo-1", once)
	if rowString(once.Env[0]) != rowString(twice.Env[0]) {
		t.Fatalf("second pass changed output: %q vs %q", rowString(once.Env[0]), rowString(twice.Env[0]))
	}
}
