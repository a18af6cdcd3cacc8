package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/plaid-run/plaid/internal/domain"
)

func TestDefaultConfigLoadOverridesOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plaid.json")
	if err := os.WriteFile(path, []byte(`{"modules_dir":"/opt/rules","executor":{"workers":16}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ModulesDir != "/opt/rules" {
		t.Fatalf("ModulesDir = %q, want /opt/rules", cfg.ModulesDir)
	}
	if cfg.Executor.Workers != 16 {
		t.Fatalf("Executor.Workers = %d, want 16", cfg.Executor.Workers)
	}
	// Untouched fields keep their defaults.
	if cfg.EventBus.QueueSize != 2048 {
		t.Fatalf("EventBus.QueueSize = %d, want default 2048", cfg.EventBus.QueueSize)
	}
}

func TestLimitsConfigResolvePriority(t *testing.T) {
	l := LimitsConfig{
		Default: domain.ResourceLimits{ComputationLimit: 100},
		ByType: map[string]domain.ResourceLimits{
			"github": {ComputationLimit: 200},
		},
		ByModule: map[string]domain.ResourceLimits{
			"strict_github.wasm": {ComputationLimit: 50},
		},
	}

	if got := l.Resolve("other.wasm", "unknown-type").ComputationLimit; got != 100 {
		t.Fatalf("default tier = %d, want 100", got)
	}
	if got := l.Resolve("other.wasm", "github").ComputationLimit; got != 200 {
		t.Fatalf("type tier = %d, want 200", got)
	}
	if got := l.Resolve("strict_github.wasm", "github").ComputationLimit; got != 50 {
		t.Fatalf("module tier = %d, want 50", got)
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	cfg := DefaultConfig()
	t.Setenv("PLAID_MODULES_DIR", "/var/lib/plaid/modules")
	t.Setenv("PLAID_SIGNING_ENABLED", "true")
	t.Setenv("PLAID_SIGNATURES_REQUIRED", "3")

	LoadFromEnv(cfg)

	if cfg.ModulesDir != "/var/lib/plaid/modules" {
		t.Fatalf("ModulesDir = %q", cfg.ModulesDir)
	}
	if !cfg.Signing.Enabled {
		t.Fatal("Signing.Enabled = false, want true")
	}
	if cfg.Signing.SignaturesRequired != 3 {
		t.Fatalf("SignaturesRequired = %d, want 3", cfg.Signing.SignaturesRequired)
	}
}
