// Package config loads engine configuration from a YAML file with
// environment variable overrides. The encryption master key is accepted
// from the environment only, never from the file.
package config

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Logging    LoggingConfig    `yaml:"logging"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Cache      CacheConfig      `yaml:"cache"`
	Scanner    ScannerConfig    `yaml:"scanner"`
	Replay     ReplayConfig     `yaml:"replay"`
	Purge      PurgeConfig      `yaml:"purge"`
	Rules      RulesConfig      `yaml:"rules"`
}

type ServerConfig struct {
	// OpsAddr is the bind address for health and metrics endpoints.
	OpsAddr string `yaml:"ops_addr" env:"SERVICEHUB_OPS_ADDR"`
}

type DatabaseConfig struct {
	Path string `yaml:"path" env:"SERVICEHUB_DB_PATH"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"SERVICEHUB_LOG_LEVEL"`
	Pretty bool   `yaml:"pretty" env:"SERVICEHUB_LOG_PRETTY"`
}

type EncryptionConfig struct {
	// MasterKey is base64 or hex encoded, 32 bytes once decoded.
	// Environment only; a key in the config file would defeat the point.
	MasterKey string `yaml:"-" env:"SERVICEHUB_MASTER_KEY"`
}

// Key decodes the master key. Accepts standard base64 or hex.
func (e EncryptionConfig) Key() ([]byte, error) {
	if e.MasterKey == "" {
		return nil, fmt.Errorf("SERVICEHUB_MASTER_KEY is not set")
	}
	key, err := base64.StdEncoding.DecodeString(e.MasterKey)
	if err != nil {
		key, err = hex.DecodeString(e.MasterKey)
		if err != nil {
			return nil, fmt.Errorf("master key is neither base64 nor hex")
		}
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("master key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

type CacheConfig struct {
	IdleTTLMinutes int `yaml:"idle_ttl_minutes" env:"SERVICEHUB_CACHE_IDLE_TTL_MINUTES"`
}

// IdleTTL returns the wrapper eviction threshold.
func (c CacheConfig) IdleTTL() time.Duration {
	return time.Duration(c.IdleTTLMinutes) * time.Minute
}

type ScannerConfig struct {
	IntervalSeconds         int `yaml:"interval_seconds" env:"SERVICEHUB_SCANNER_INTERVAL_SECONDS"`
	MaxPeekPerEntity        int `yaml:"max_peek_per_entity" env:"SERVICEHUB_SCANNER_MAX_PEEK_PER_ENTITY"`
	MaxConcurrentNamespaces int `yaml:"max_concurrent_namespaces" env:"SERVICEHUB_SCANNER_MAX_CONCURRENT_NAMESPACES"`
	StaleThresholdSeconds   int `yaml:"stale_threshold_seconds" env:"SERVICEHUB_SCANNER_STALE_THRESHOLD_SECONDS"`
}

func (s ScannerConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

func (s ScannerConfig) StaleThreshold() time.Duration {
	return time.Duration(s.StaleThresholdSeconds) * time.Second
}

type ReplayPassConfig struct {
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	BatchSize   int `yaml:"batch_size" env:"BATCH_SIZE"`
	WaitSeconds int `yaml:"wait_seconds" env:"WAIT_SECONDS"`
}

func (r ReplayPassConfig) Wait() time.Duration {
	return time.Duration(r.WaitSeconds) * time.Second
}

type ReplayConfig struct {
	Single ReplayPassConfig `yaml:"single" envPrefix:"SERVICEHUB_REPLAY_SINGLE_"`
	Batch  ReplayPassConfig `yaml:"batch" envPrefix:"SERVICEHUB_REPLAY_BATCH_"`
}

type PurgeConfig struct {
	MaxAttempts int `yaml:"max_attempts" env:"SERVICEHUB_PURGE_MAX_ATTEMPTS"`
	BatchSize   int `yaml:"batch_size" env:"SERVICEHUB_PURGE_BATCH_SIZE"`
}

type RulesConfig struct {
	DefaultMaxReplaysPerHour int `yaml:"default_max_replays_per_hour" env:"SERVICEHUB_RULES_DEFAULT_MAX_REPLAYS_PER_HOUR"`
}

// Load reads the YAML file at path (skipped when path is empty), applies
// environment overrides, fills defaults, and validates.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		decoder := yaml.NewDecoder(f)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.OpsAddr == "" {
		c.Server.OpsAddr = ":9090"
	}
	if c.Database.Path == "" {
		c.Database.Path = "servicehub.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Cache.IdleTTLMinutes == 0 {
		c.Cache.IdleTTLMinutes = 60
	}
	if c.Scanner.IntervalSeconds == 0 {
		c.Scanner.IntervalSeconds = 10
	}
	if c.Scanner.MaxPeekPerEntity == 0 {
		c.Scanner.MaxPeekPerEntity = 100
	}
	if c.Scanner.MaxConcurrentNamespaces == 0 {
		c.Scanner.MaxConcurrentNamespaces = 4
	}
	if c.Scanner.StaleThresholdSeconds == 0 {
		c.Scanner.StaleThresholdSeconds = 2 * c.Scanner.IntervalSeconds
	}
	if c.Replay.Single.MaxAttempts == 0 {
		c.Replay.Single.MaxAttempts = 10
	}
	if c.Replay.Single.BatchSize == 0 {
		c.Replay.Single.BatchSize = 50
	}
	if c.Replay.Single.WaitSeconds == 0 {
		c.Replay.Single.WaitSeconds = 3
	}
	if c.Replay.Batch.MaxAttempts == 0 {
		c.Replay.Batch.MaxAttempts = 10
	}
	if c.Replay.Batch.BatchSize == 0 {
		c.Replay.Batch.BatchSize = 100
	}
	if c.Replay.Batch.WaitSeconds == 0 {
		c.Replay.Batch.WaitSeconds = 5
	}
	if c.Purge.MaxAttempts == 0 {
		c.Purge.MaxAttempts = 20
	}
	if c.Purge.BatchSize == 0 {
		c.Purge.BatchSize = 100
	}
	if c.Rules.DefaultMaxReplaysPerHour == 0 {
		c.Rules.DefaultMaxReplaysPerHour = 100
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if _, err := c.Encryption.Key(); err != nil {
		return fmt.Errorf("encryption: %w", err)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	positives := []struct {
		name  string
		value int
	}{
		{"cache.idle_ttl_minutes", c.Cache.IdleTTLMinutes},
		{"scanner.interval_seconds", c.Scanner.IntervalSeconds},
		{"scanner.max_peek_per_entity", c.Scanner.MaxPeekPerEntity},
		{"scanner.max_concurrent_namespaces", c.Scanner.MaxConcurrentNamespaces},
		{"scanner.stale_threshold_seconds", c.Scanner.StaleThresholdSeconds},
		{"replay.single.max_attempts", c.Replay.Single.MaxAttempts},
		{"replay.single.batch_size", c.Replay.Single.BatchSize},
		{"replay.single.wait_seconds", c.Replay.Single.WaitSeconds},
		{"replay.batch.max_attempts", c.Replay.Batch.MaxAttempts},
		{"replay.batch.batch_size", c.Replay.Batch.BatchSize},
		{"replay.batch.wait_seconds", c.Replay.Batch.WaitSeconds},
		{"purge.max_attempts", c.Purge.MaxAttempts},
		{"purge.batch_size", c.Purge.BatchSize},
		{"rules.default_max_replays_per_hour", c.Rules.DefaultMaxReplaysPerHour},
	}
	for _, p := range positives {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.name, p.value)
		}
	}
	return nil
}
