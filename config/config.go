// Package config loads the YAML configuration file and applies environment
// overrides. Defaults are complete: an empty file yields a runnable local
// setup with the in-process bus and in-memory conversation store.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/forgeloop/forgeloop/keys"
)

// Config is the full runtime configuration.
type Config struct {
	Workspace string        `yaml:"workspace"`
	Redis     RedisConfig   `yaml:"redis"`
	NATS      NATSConfig    `yaml:"nats"`
	LLM       LLMConfig     `yaml:"llm"`
	Secrets   SecretConfig  `yaml:"secrets"`
	Loop      LoopConfig    `yaml:"loop"`
	Metrics   MetricsConfig `yaml:"metrics"`
	Keys      []keys.APIKey `yaml:"keys"`
}

// RedisConfig points the rate-limit store at a Redis instance.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// NATSConfig enables the broker-backed bus when a URL is set; empty keeps
// the in-process bus.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// LLMConfig tunes the request router.
type LLMConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	BaseBackoff       time.Duration `yaml:"base_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	MultiKeyEnabled   bool          `yaml:"multi_key_enabled"`
	ConversationLimit int           `yaml:"conversation_limit"`
}

// SecretConfig selects the secret backend.
type SecretConfig struct {
	StoreType string `yaml:"store_type"`
}

// LoopConfig tunes the iterative fix cycle.
type LoopConfig struct {
	MaxIterations int `yaml:"max_iterations"`
}

// MetricsConfig exposes the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig returns the complete default configuration.
func DefaultConfig() *Config {
	return &Config{
		Workspace: ".",
		Redis:     RedisConfig{URL: "redis://localhost:6379/0"},
		LLM: LLMConfig{
			MaxRetries:        3,
			BaseBackoff:       500 * time.Millisecond,
			MaxBackoff:        30 * time.Second,
			RequestTimeout:    180 * time.Second,
			MultiKeyEnabled:   true,
			ConversationLimit: 100,
		},
		Secrets: SecretConfig{StoreType: "env"},
		Loop:    LoopConfig{MaxIterations: 5},
	}
}

// Load reads the file when path is non-empty, merges it over the defaults
// and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets deployment environments override file settings without
// editing the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("SECRET_STORE_TYPE"); v != "" {
		c.Secrets.StoreType = v
	}
	if v := os.Getenv("LLM_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LLM.MaxRetries = n
		}
	}
	if v := os.Getenv("LLM_BASE_BACKOFF_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LLM.BaseBackoff = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("LLM_MULTI_KEY_ROUTER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.LLM.MultiKeyEnabled = b
		}
	}
	if v := os.Getenv("FORGELOOP_WORKSPACE"); v != "" {
		c.Workspace = v
	}
}

// Validate rejects configurations the runtime cannot start with.
func (c *Config) Validate() error {
	if c.Workspace == "" {
		return fmt.Errorf("workspace must not be empty")
	}
	if c.LLM.MaxRetries < 1 {
		return fmt.Errorf("llm.max_retries must be at least 1, got %d", c.LLM.MaxRetries)
	}
	if c.LLM.BaseBackoff <= 0 {
		return fmt.Errorf("llm.base_backoff must be positive")
	}
	if c.LLM.MaxBackoff < c.LLM.BaseBackoff {
		return fmt.Errorf("llm.max_backoff %s is below base_backoff %s", c.LLM.MaxBackoff, c.LLM.BaseBackoff)
	}
	if c.Loop.MaxIterations < 1 {
		return fmt.Errorf("loop.max_iterations must be at least 1, got %d", c.Loop.MaxIterations)
	}
	seen := make(map[string]bool, len(c.Keys))
	for _, key := range c.Keys {
		if key.KeyID == "" {
			return fmt.Errorf("every key needs a key_id")
		}
		if seen[key.KeyID] {
			return fmt.Errorf("duplicate key_id %q", key.KeyID)
		}
		seen[key.KeyID] = true
		if key.Provider == "" || key.ModelName == "" {
			return fmt.Errorf("key %s needs provider and model_name", key.KeyID)
		}
	}
	return nil
}
