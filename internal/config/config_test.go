package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loom.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.DataRoot != "./data" || cfg.LogFormat != "text" || cfg.LogLevel != "info" {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.Maintenance.JobsSpec != "@hourly" || cfg.Maintenance.SnapshotKeep != 5 {
		t.Errorf("maintenance defaults = %+v", cfg.Maintenance)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
data_root: /var/lib/loom
log_format: json
provider: anthropic
model: claude-sonnet
pools:
  turn_max: 8
  python_max: 2
sandbox:
  max_concurrency: 4
  idle_ttl_seconds: 120
maintenance:
  jobs_spec: "0 0 * * * *"
  job_retention_hours: 24
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.DataRoot != "/var/lib/loom" || cfg.LogFormat != "json" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Provider != "anthropic" || cfg.Model != "claude-sonnet" {
		t.Errorf("llm = %q/%q", cfg.Provider, cfg.Model)
	}
	if cfg.Pools.TurnMax != 8 || cfg.Pools.PythonMax != 2 || cfg.Pools.SubagentMax != 0 {
		t.Errorf("pools = %+v", cfg.Pools)
	}
	if cfg.Sandbox.MaxConcurrency != 4 || cfg.Sandbox.IdleTTLSeconds != 120 {
		t.Errorf("sandbox = %+v", cfg.Sandbox)
	}
	if cfg.Maintenance.JobsSpec != "0 0 * * * *" || cfg.Maintenance.JobRetentionHours != 24 {
		t.Errorf("maintenance = %+v", cfg.Maintenance)
	}
	// Unset file fields keep their defaults.
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "data_root: /tmp\ndata_rot: oops\n")
	if _, err := Load(path); err == nil {
		t.Error("Load accepted an unknown key")
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("LOOM_TEST_ROOT", "/srv/loom")
	path := writeConfig(t, "data_root: ${LOOM_TEST_ROOT}/data\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.DataRoot != "/srv/loom/data" {
		t.Errorf("DataRoot = %q", cfg.DataRoot)
	}
}

func TestEnvOverridesBeatFile(t *testing.T) {
	t.Setenv("LOOM_DATA_ROOT", "/override")
	t.Setenv("LLM_PROVIDER", "openai")
	path := writeConfig(t, "data_root: /from-file\nprovider: anthropic\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.DataRoot != "/override" {
		t.Errorf("DataRoot = %q", cfg.DataRoot)
	}
	if cfg.Provider != "openai" {
		t.Errorf("Provider = %q", cfg.Provider)
	}
}

func TestLoadValidates(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad format", "log_format: xml\n", "log_format"},
		{"bad level", "log_level: loud\n", "log_level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load of a missing file succeeded")
	}
}
