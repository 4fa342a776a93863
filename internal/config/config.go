// Package config loads deployment configuration: defaults, then an optional
// YAML file, then environment overrides. Everything is passed explicitly at
// construction; no component reads configuration from package state.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the orchestration core.
type Config struct {
	// DatabaseURL is the Postgres connection string. Empty selects the
	// in-memory store and forces in-process locks.
	DatabaseURL string `yaml:"database_url" env:"RELAY_DATABASE_URL"`

	// DistributedLocks selects Postgres lease locks instead of in-process
	// mutexes. Requires DatabaseURL.
	DistributedLocks bool          `yaml:"distributed_locks" env:"RELAY_DISTRIBUTED_LOCKS"`
	LockTTL          time.Duration `yaml:"lock_ttl" env:"RELAY_LOCK_TTL"`

	// RunTimeout is the budget after which a RUNNING task is reclaimed.
	RunTimeout      time.Duration `yaml:"run_timeout" env:"RELAY_RUN_TIMEOUT"`
	ReapInterval    time.Duration `yaml:"reap_interval" env:"RELAY_REAP_INTERVAL"`
	ReapBatchSize   int           `yaml:"reap_batch_size" env:"RELAY_REAP_BATCH_SIZE"`
	ReapMaxPerSweep int           `yaml:"reap_max_per_sweep" env:"RELAY_REAP_MAX_PER_SWEEP"`

	// GateCacheTTL enables the gate's run-status cache; zero keeps the
	// correctness-over-latency behavior of re-querying per event.
	GateCacheTTL time.Duration `yaml:"gate_cache_ttl" env:"RELAY_GATE_CACHE_TTL"`

	// AllowedTypes overrides the gate's always-deliver allowlist.
	AllowedTypes []string `yaml:"allowed_types" env:"RELAY_ALLOWED_TYPES" envSeparator:","`

	// ClientBuffer is the per-client channel capacity of the broadcaster.
	ClientBuffer int `yaml:"client_buffer" env:"RELAY_CLIENT_BUFFER"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		LockTTL:         30 * time.Second,
		RunTimeout:      30 * time.Minute,
		ReapInterval:    time.Minute,
		ReapBatchSize:   50,
		ReapMaxPerSweep: 500,
		ClientBuffer:    64,
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, and environment variables, in that precedence order.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot work.
func (c Config) Validate() error {
	if c.DistributedLocks && c.DatabaseURL == "" {
		return fmt.Errorf("distributed locks require a database url")
	}
	if c.ReapBatchSize <= 0 {
		return fmt.Errorf("reap batch size must be positive, got %d", c.ReapBatchSize)
	}
	if c.ReapMaxPerSweep < c.ReapBatchSize {
		return fmt.Errorf("reap cap %d below batch size %d", c.ReapMaxPerSweep, c.ReapBatchSize)
	}
	if c.RunTimeout <= 0 {
		return fmt.Errorf("run timeout must be positive")
	}
	if c.ReapInterval <= 0 {
		return fmt.Errorf("reap interval must be positive")
	}
	return nil
}
