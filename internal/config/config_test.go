package config

import (
	"os"
	"testing"
	"time"
)

func noEnv(string) (string, bool) { return "", false }

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, meta, err := Load(WithEnv(noEnv))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != DefaultDBPath {
		t.Fatalf("expected default db_path, got %q", cfg.DBPath)
	}
	if cfg.SyncBudget != DefaultSyncBudget {
		t.Fatalf("expected default sync_budget, got %v", cfg.SyncBudget)
	}
	if meta.Source("db_path") != SourceDefault {
		t.Fatalf("expected db_path to default, got %s", meta.Source("db_path"))
	}
}

func TestLoadEnvOverridesDefault(t *testing.T) {
	lookup := func(key string) (string, bool) {
		if key == "DEEPRESEARCH_DB_PATH" {
			return "/tmp/custom.db", true
		}
		return "", false
	}
	cfg, meta, err := Load(WithEnv(lookup))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "/tmp/custom.db" {
		t.Fatalf("expected env override, got %q", cfg.DBPath)
	}
	if meta.Source("db_path") != SourceEnv {
		t.Fatalf("expected environment provenance, got %s", meta.Source("db_path"))
	}
}

func TestLoadOverridesWinOverEnvAndFile(t *testing.T) {
	lookup := func(key string) (string, bool) {
		if key == "DEEPRESEARCH_DB_PATH" {
			return "/tmp/from-env.db", true
		}
		return "", false
	}
	override := "/tmp/from-override.db"
	cfg, meta, err := Load(WithEnv(lookup), WithOverrides(Overrides{DBPath: &override}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != override {
		t.Fatalf("expected override to win, got %q", cfg.DBPath)
	}
	if meta.Source("db_path") != SourceOverride {
		t.Fatalf("expected override provenance, got %s", meta.Source("db_path"))
	}
}

func TestLoadReadsYAMLFile(t *testing.T) {
	path := writeTempYAML(t, `
provider_credential: secret-token
output_dir: /tmp/reports
sync_budget_seconds: 45
executor_capacity: 5
`)
	cfg, meta, err := Load(WithEnv(noEnv), WithConfigPath(path))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ProviderCredential != "secret-token" {
		t.Fatalf("expected credential from file, got %q", cfg.ProviderCredential)
	}
	if cfg.SyncBudget != 45*time.Second {
		t.Fatalf("expected 45s sync_budget, got %v", cfg.SyncBudget)
	}
	if cfg.ExecutorCapacity != 5 {
		t.Fatalf("expected executor_capacity 5, got %d", cfg.ExecutorCapacity)
	}
	if meta.Source("output_dir") != SourceFile {
		t.Fatalf("expected file provenance, got %s", meta.Source("output_dir"))
	}
}

func TestLoadToleratesMissingConfigFile(t *testing.T) {
	_, _, err := Load(WithEnv(noEnv), WithConfigPath("/nonexistent/path/config.yaml"))
	if err != nil {
		t.Fatalf("expected missing config file to be tolerated, got %v", err)
	}
}

func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	return f.Name()
}
