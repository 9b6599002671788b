// Package config defines the typed runtime configuration record shared by
// the node daemon and embedders, loadable from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/nodekit/runtime/catalog"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String implements fmt.Stringer.
func (d Duration) String() string { return time.Duration(d).String() }

type (
	// Config is the full runtime configuration.
	Config struct {
		// Node identifies and tunes the node runtime.
		Node NodeConfig `yaml:"node"`
		// Effect tunes the effect executor.
		Effect EffectConfig `yaml:"effect"`
		// Breaker tunes the shared circuit breaker settings.
		Breaker BreakerConfig `yaml:"breaker"`
		// Cache tunes the fingerprint cache.
		Cache CacheConfig `yaml:"cache"`
		// Catalog tunes the signed catalog manager.
		Catalog CatalogConfig `yaml:"catalog"`
		// Redis connects the Pulse bus. Empty means in-memory bus.
		Redis RedisConfig `yaml:"redis"`
		// Mongo connects the catalog registry. Empty disables refresh.
		Mongo MongoConfig `yaml:"mongo"`
	}

	// NodeConfig identifies and tunes one node.
	NodeConfig struct {
		ID             string   `yaml:"id"`
		Name           string   `yaml:"name"`
		DrainTimeout   Duration `yaml:"drain_timeout"`
		HealthInterval Duration `yaml:"health_interval"`
	}

	// EffectConfig tunes the effect executor.
	EffectConfig struct {
		MaxConcurrent int      `yaml:"max_concurrent"`
		RetryDelay    Duration `yaml:"retry_delay"`
		MaxRetries    int      `yaml:"max_retries"`
	}

	// BreakerConfig tunes the circuit breakers.
	BreakerConfig struct {
		FailureThreshold    int      `yaml:"failure_threshold"`
		RecoveryTimeout     Duration `yaml:"recovery_timeout"`
		HalfOpenMaxAttempts int      `yaml:"half_open_max_attempts"`
	}

	// CacheConfig tunes the fingerprint cache.
	CacheConfig struct {
		Enabled bool `yaml:"enabled"`
	}

	// CatalogConfig tunes the catalog manager.
	CatalogConfig struct {
		CachePath string         `yaml:"cache_path"`
		Policy    catalog.Policy `yaml:"policy"`
	}

	// RedisConfig connects the Pulse event bus.
	RedisConfig struct {
		URL      string `yaml:"url"`
		Password string `yaml:"password"`
	}

	// MongoConfig connects the catalog registry.
	MongoConfig struct {
		URI        string `yaml:"uri"`
		Database   string `yaml:"database"`
		Collection string `yaml:"collection"`
	}
)

// Default returns the standard configuration.
func Default() Config {
	return Config{
		Node: NodeConfig{
			Name:           "node",
			DrainTimeout:   Duration(30 * time.Second),
			HealthInterval: Duration(30 * time.Second),
		},
		Effect: EffectConfig{
			MaxConcurrent: 10,
			RetryDelay:    Duration(100 * time.Millisecond),
			MaxRetries:    3,
		},
		Breaker: BreakerConfig{
			FailureThreshold:    5,
			RecoveryTimeout:     Duration(60 * time.Second),
			HalfOpenMaxAttempts: 3,
		},
		Cache: CacheConfig{Enabled: true},
		Catalog: CatalogConfig{
			CachePath: "catalog.json",
		},
		Mongo: MongoConfig{
			Database:   "nodekit",
			Collection: "contributions",
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration invariants.
func (c *Config) Validate() error {
	if c.Node.Name == "" {
		return fmt.Errorf("node name is required")
	}
	if c.Node.DrainTimeout <= 0 {
		return fmt.Errorf("drain timeout must be positive, got %s", c.Node.DrainTimeout)
	}
	if c.Effect.MaxConcurrent <= 0 {
		return fmt.Errorf("effect max concurrency must be positive, got %d", c.Effect.MaxConcurrent)
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker failure threshold must be positive, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.RecoveryTimeout <= 0 {
		return fmt.Errorf("breaker recovery timeout must be positive, got %s", c.Breaker.RecoveryTimeout)
	}
	if c.Catalog.CachePath == "" {
		return fmt.Errorf("catalog cache path is required")
	}
	return nil
}
