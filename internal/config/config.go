// Package config loads and validates the closed configuration set for
// the memory and skill substrate: a YAML file with a DefaultConfig()
// fallback and a Validate() pass.
package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ScoreWeights weights the terms of the episodic scoring function.
type ScoreWeights struct {
	Success    float64 `yaml:"success" json:"success"`
	Importance float64 `yaml:"importance" json:"importance"`
	Recency    float64 `yaml:"recency" json:"recency"`
	Utility    float64 `yaml:"utility" json:"utility"`
}

// TTLs holds the per-tier shared-KV expiry times.
type TTLs struct {
	Working  time.Duration `yaml:"working" json:"working"`
	Episodic time.Duration `yaml:"episodic" json:"episodic"`
	Semantic time.Duration `yaml:"semantic" json:"semantic"`
	Skill    time.Duration `yaml:"skill" json:"skill"`
	Session  time.Duration `yaml:"session" json:"session"`
}

// Config is the root, closed-set configuration object.
type Config struct {
	WorkingCapacity           int           `yaml:"working_capacity" json:"working_capacity"`
	CacheSize                 int           `yaml:"cache_size" json:"cache_size"`
	CacheTTL                  time.Duration `yaml:"cache_ttl_seconds" json:"cache_ttl_seconds"`
	CompressionThresholdBytes int           `yaml:"compression_threshold_bytes" json:"compression_threshold_bytes"`
	MaxPayloadBytes           int           `yaml:"max_payload_bytes" json:"max_payload_bytes"`
	RWReadTimeout             time.Duration `yaml:"rw_read_timeout_s" json:"rw_read_timeout_s"`
	RWWriteTimeout            time.Duration `yaml:"rw_write_timeout_s" json:"rw_write_timeout_s"`
	ProcessLockTimeout        time.Duration `yaml:"process_lock_timeout_s" json:"process_lock_timeout_s"`
	ConsolidationInterval     time.Duration `yaml:"consolidation_interval_s" json:"consolidation_interval_s"`
	PoolSize                  int           `yaml:"pool_size" json:"pool_size"`
	UnhealthyFailThreshold    int           `yaml:"unhealthy_fail_threshold" json:"unhealthy_fail_threshold"`
	TTL                       TTLs          `yaml:"ttl" json:"ttl"`
	ScoreWeights              ScoreWeights  `yaml:"score_weights" json:"score_weights"`
	RecencyTauDays            float64       `yaml:"recency_tau_days" json:"recency_tau_days"`

	DataDir        string `yaml:"data_dir" json:"data_dir"`
	DurableBackend string `yaml:"durable_backend" json:"durable_backend"` // "sqlite" or "bolt"
	RedisURL       string `yaml:"redis_url" json:"redis_url"`             // empty = no shared KV
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() *Config {
	return &Config{
		WorkingCapacity:           50,
		CacheSize:                 100,
		CacheTTL:                  3600 * time.Second,
		CompressionThresholdBytes: 1024,
		MaxPayloadBytes:           16 * 1024 * 1024,
		RWReadTimeout:             10 * time.Second,
		RWWriteTimeout:            30 * time.Second,
		ProcessLockTimeout:        60 * time.Second,
		ConsolidationInterval:     300 * time.Second,
		PoolSize:                  50,
		UnhealthyFailThreshold:    3,
		TTL: TTLs{
			Working:  1 * time.Hour,
			Episodic: 30 * 24 * time.Hour,
			Semantic: 90 * 24 * time.Hour,
			Skill:    180 * 24 * time.Hour,
			Session:  1 * time.Hour,
		},
		ScoreWeights: ScoreWeights{
			Success:    0.4,
			Importance: 0.3,
			Recency:    0.2,
			Utility:    0.1,
		},
		RecencyTauDays: 30,
		DataDir:        "memory",
		DurableBackend: "sqlite",
	}
}

// LoadConfig reads a YAML file at path, falling back to DefaultConfig if
// the file does not exist, and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the closed configuration set for internally consistent
// values. Score weights must sum to 1.
func (c *Config) Validate() error {
	if c.WorkingCapacity <= 0 {
		return fmt.Errorf("working_capacity must be > 0")
	}
	if c.CacheSize <= 0 {
		return fmt.Errorf("cache_size must be > 0")
	}
	if c.MaxPayloadBytes <= 0 {
		return fmt.Errorf("max_payload_bytes must be > 0")
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be > 0")
	}
	if c.DurableBackend != "sqlite" && c.DurableBackend != "bolt" {
		return fmt.Errorf("durable_backend must be \"sqlite\" or \"bolt\", got %q", c.DurableBackend)
	}

	sum := c.ScoreWeights.Success + c.ScoreWeights.Importance + c.ScoreWeights.Recency + c.ScoreWeights.Utility
	if math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("score_weights must sum to 1.0, got %f", sum)
	}

	return nil
}
