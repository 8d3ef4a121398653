package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/taskgate/internal/routing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "taskgate.yaml", "server:\n  http_port: 9000\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPPort != 9000 || cfg.Server.Host != "0.0.0.0" {
		t.Fatalf("unexpected server config %+v", cfg.Server)
	}
	if cfg.Ledger.Backend != LedgerMemory || cfg.Ledger.DefaultGrant != 100 {
		t.Fatalf("unexpected ledger defaults %+v", cfg.Ledger)
	}
	if !cfg.RateLimit.Enabled || cfg.RateLimit.BurstSize != 20 {
		t.Fatalf("unexpected rate limit defaults %+v", cfg.RateLimit)
	}
	if cfg.Dispatch.Backoff.InitialMs != 200 {
		t.Fatalf("expected default backoff, got %+v", cfg.Dispatch.Backoff)
	}
	if cfg.Server.GRPCAddr() != "" {
		t.Fatalf("expected gRPC disabled by default, got %q", cfg.Server.GRPCAddr())
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TASKGATE_TEST_SECRET", "s3cret")
	t.Setenv("TASKGATE_TEST_DB", "postgresql://root@localhost:26257/taskgate")
	cfg, err := Load(writeConfig(t, "taskgate.yaml", `
database:
  url: ${TASKGATE_TEST_DB}
auth:
  jwt_secret: ${TASKGATE_TEST_SECRET}
  federated:
    project_ref: abcd
ledger:
  federated_max_cost: 5
routes:
  web.search:
    timeout: 10s
    credit_cost: 4
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.JWTSecret != "s3cret" || cfg.Auth.Federated.ProjectRef != "abcd" {
		t.Fatalf("unexpected auth config %+v", cfg.Auth)
	}
	if cfg.Ledger.Backend != LedgerCockroach {
		t.Fatalf("expected cockroach ledger with a database url, got %q", cfg.Ledger.Backend)
	}
	override := cfg.Routes[string(routing.OpWebSearch)]
	if override.Timeout != 10*time.Second || override.CreditCost == nil || *override.CreditCost != 4 {
		t.Fatalf("unexpected route override %+v", override)
	}
	if cfg.Database.Pool().MaxOpenConns != 25 {
		t.Fatalf("expected default pool size, got %+v", cfg.Database.Pool())
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, "taskgate.yaml", "server:\n  host: 0.0.0.0\n  extra: true\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "redis without addrs", content: "ledger:\n  backend: redis\n", want: "redis.addrs"},
		{name: "unknown ledger", content: "ledger:\n  backend: sqlite\n", want: "ledger.backend"},
		{name: "federated without local secret", content: "auth:\n  federated:\n    project_ref: abcd\n", want: "jwt_secret"},
		{name: "unknown route", content: "routes:\n  teleport:\n    timeout: 1s\n", want: "teleport"},
		{name: "api key without user", content: "auth:\n  api_keys:\n    - key: k\n", want: "api_keys[0]"},
		{name: "newer version", content: "version: 99\n", want: "newer than this build"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "taskgate.yaml", tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadJSON5WithInclude(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	if err := os.WriteFile(base, []byte("server:\n  http_port: 7000\n  host: 127.0.0.1\nledger:\n  default_grant: 50\n"), 0o600); err != nil {
		t.Fatalf("write base: %v", err)
	}
	main := filepath.Join(dir, "taskgate.json5")
	content := `{
  // local overrides
  "$include": "base.yaml",
  server: { http_port: 7100 },
}`
	if err := os.WriteFile(main, []byte(content), 0o600); err != nil {
		t.Fatalf("write main: %v", err)
	}

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPPort != 7100 || cfg.Server.Host != "127.0.0.1" {
		t.Fatalf("expected merged server config, got %+v", cfg.Server)
	}
	if cfg.Ledger.DefaultGrant != 50 {
		t.Fatalf("expected included default grant, got %d", cfg.Ledger.DefaultGrant)
	}
}

func TestLoadRawDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	_ = os.WriteFile(a, []byte("$include: b.yaml\n"), 0o600)
	_ = os.WriteFile(b, []byte("$include: a.yaml\n"), 0o600)
	if _, err := LoadRaw(a); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected include cycle error, got %v", err)
	}
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	_, err := Load(writeConfig(t, "taskgate.yaml", "server:\n  http_port: 1\n---\nserver:\n  http_port: 2\n"))
	if err == nil {
		t.Fatal("expected multi-document error")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Server.HTTPAddr() != "0.0.0.0:8080" {
		t.Fatalf("unexpected default address %q", cfg.Server.HTTPAddr())
	}
}

func TestExpandEnvKeepsInclude(t *testing.T) {
	t.Setenv("TASKGATE_TEST_HOST", "10.0.0.1")
	got := expandEnv("$include: base.yaml\nhost: ${TASKGATE_TEST_HOST}\n")
	if got != "$include: base.yaml\nhost: 10.0.0.1\n" {
		t.Fatalf("unexpected expansion %q", got)
	}
}

func TestCheckVersion(t *testing.T) {
	if err := checkVersion(CurrentVersion); err != nil {
		t.Fatalf("expected current version to pass, got %v", err)
	}
	for _, version := range []int{-1, CurrentVersion + 1} {
		if err := checkVersion(version); !errors.Is(err, ErrUnsupportedVersion) {
			t.Fatalf("version %d: expected ErrUnsupportedVersion, got %v", version, err)
		}
	}
	if err := checkVersion(CurrentVersion + 1); !strings.Contains(err.Error(), "upgrade taskgate") {
		t.Fatalf("expected upgrade hint, got %q", err.Error())
	}
}
