// Package config loads the campaignd daemon configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "2s" or "72h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts back to time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RedisConfig configures the Redis-backed store.
type RedisConfig struct {
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	PoolSize     int    `yaml:"pool_size"`
	MinIdleConns int    `yaml:"min_idle_conns"`
}

// StorageConfig selects and configures the session store.
type StorageConfig struct {
	Driver string      `yaml:"driver"` // "memory" or "redis"
	Redis  RedisConfig `yaml:"redis"`
}

// AIConfig configures the completion provider for ai nodes.
type AIConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// Config is the campaignd daemon configuration.
type Config struct {
	Listen       string        `yaml:"listen"`
	Workers      int           `yaml:"workers"`
	TickInterval Duration      `yaml:"tick_interval"`
	MaxSteps     int           `yaml:"max_steps"`
	SessionTTL   Duration      `yaml:"session_ttl"`
	ClaimTTL     Duration      `yaml:"claim_ttl"`
	LogLevel     string        `yaml:"log_level"`
	Storage      StorageConfig `yaml:"storage"`
	AI           AIConfig      `yaml:"ai"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen:       ":8080",
		Workers:      8,
		TickInterval: Duration(2 * time.Second),
		MaxSteps:     100,
		SessionTTL:   Duration(72 * time.Hour),
		ClaimTTL:     Duration(time.Minute),
		LogLevel:     "info",
		Storage:      StorageConfig{Driver: "memory"},
	}
}

// Load reads a YAML config file on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}
