// Package config loads the runtime configuration from a YAML file with
// ${ENV} expansion, then layers environment overrides on top. Unknown
// keys are rejected so typos fail at startup instead of silently using
// defaults.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	DataRoot  string `yaml:"data_root"`
	LogFormat string `yaml:"log_format"`
	LogLevel  string `yaml:"log_level"`

	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	Pools       Pools       `yaml:"pools"`
	Sandbox     Sandbox     `yaml:"sandbox"`
	Maintenance Maintenance `yaml:"maintenance"`
}

// Pools overrides capacity-pool limits. Zero values keep the pool
// defaults (which themselves read CHAT_*_MAX_* env variables).
type Pools struct {
	TurnMax       int `yaml:"turn_max"`
	TurnQueue     int `yaml:"turn_queue"`
	SubagentMax   int `yaml:"subagent_max"`
	SubagentQueue int `yaml:"subagent_queue"`
	PythonMax     int `yaml:"python_max"`
	PythonQueue   int `yaml:"python_queue"`
}

// Sandbox configures the sticky sandbox pool.
type Sandbox struct {
	MaxConcurrency        int `yaml:"max_concurrency"`
	MaxQueue              int `yaml:"max_queue"`
	IdleTTLSeconds        int `yaml:"idle_ttl_seconds"`
	ReaperIntervalSeconds int `yaml:"reaper_interval_seconds"`
}

// Maintenance configures the cron sweeps. An empty spec disables that
// sweep.
type Maintenance struct {
	JobsSpec          string `yaml:"jobs_spec"`
	JobRetentionHours int    `yaml:"job_retention_hours"`
	SnapshotsSpec     string `yaml:"snapshots_spec"`
	SnapshotKeep      int    `yaml:"snapshot_keep"`
	ArtifactsSpec     string `yaml:"artifacts_spec"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		DataRoot:  "./data",
		LogFormat: "text",
		LogLevel:  "info",
		Maintenance: Maintenance{
			JobsSpec:          "@hourly",
			JobRetentionHours: 72,
			SnapshotsSpec:     "@hourly",
			SnapshotKeep:      5,
			ArtifactsSpec:     "@hourly",
		},
	}
}

// Load reads path (optional), expands ${ENV} references, decodes
// strictly, fills defaults, and applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		expanded := os.ExpandEnv(string(data))
		dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.sanitize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Environment overrides beat both defaults and the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("LOOM_DATA_ROOT"); v != "" {
		c.DataRoot = v
	}
	if v := os.Getenv("LOOM_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("LOOM_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		c.Provider = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		c.Model = v
	}
	if v, ok := envInt("LOOM_JOB_RETENTION_HOURS"); ok {
		c.Maintenance.JobRetentionHours = v
	}
	if v, ok := envInt("LOOM_SNAPSHOT_KEEP"); ok {
		c.Maintenance.SnapshotKeep = v
	}
}

func (c *Config) sanitize() {
	d := Default()
	if strings.TrimSpace(c.DataRoot) == "" {
		c.DataRoot = d.DataRoot
	}
	if c.LogFormat == "" {
		c.LogFormat = d.LogFormat
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.Maintenance.JobRetentionHours <= 0 {
		c.Maintenance.JobRetentionHours = d.Maintenance.JobRetentionHours
	}
	if c.Maintenance.SnapshotKeep <= 0 {
		c.Maintenance.SnapshotKeep = d.Maintenance.SnapshotKeep
	}
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: log_format %q (want text or json)", c.LogFormat)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: log_level %q (want debug, info, warn or error)", c.LogLevel)
	}
	return nil
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
