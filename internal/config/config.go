// Package config provides configuration loading and validation for tern.
// Supports YAML files with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a tern node.
type Config struct {
	Transport     TransportConfig     `yaml:"transport"`
	Breaker       BreakerConfig       `yaml:"breaker"`
	Engine        EngineConfig        `yaml:"engine"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type TransportConfig struct {
	ListenAddr          string `yaml:"listenAddr" env:"TERN_LISTEN_ADDR"`
	ReadTimeoutMs       int64  `yaml:"readTimeoutMs" env:"TERN_READ_TIMEOUT_MS"`
	WriteTimeoutMs      int64  `yaml:"writeTimeoutMs" env:"TERN_WRITE_TIMEOUT_MS"`
	MaxMessageSizeBytes int64  `yaml:"maxMessageSizeBytes" env:"TERN_MAX_MESSAGE_SIZE"`
}

type BreakerConfig struct {
	LimitBytes int64 `yaml:"limitBytes" env:"TERN_BREAKER_LIMIT"`
}

type EngineConfig struct {
	DataDir string `yaml:"dataDir" env:"TERN_DATA_DIR"`
}

type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metricsAddr" env:"TERN_METRICS_ADDR"`
	LogLevel    string `yaml:"logLevel" env:"TERN_LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" env:"TERN_LOG_FORMAT"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			ListenAddr:          ":9400",
			ReadTimeoutMs:       30000,
			WriteTimeoutMs:      30000,
			MaxMessageSizeBytes: 2 << 30, // 2 GiB
		},
		Breaker: BreakerConfig{
			LimitBytes: 512 * 1024 * 1024, // 512 MiB
		},
		Engine: EngineConfig{
			DataDir: "data",
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load returns the default configuration with environment overrides applied.
func Load() (*Config, error) {
	cfg := Default()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath reads a YAML config file, layering it over the defaults and
// applying environment overrides on top.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Transport.ListenAddr == "" {
		return fmt.Errorf("transport.listenAddr must not be empty")
	}
	if c.Transport.MaxMessageSizeBytes <= 0 {
		return fmt.Errorf("transport.maxMessageSizeBytes must be positive, got %d", c.Transport.MaxMessageSizeBytes)
	}
	if c.Breaker.LimitBytes < 0 {
		return fmt.Errorf("breaker.limitBytes must not be negative, got %d", c.Breaker.LimitBytes)
	}
	if c.Engine.DataDir == "" {
		return fmt.Errorf("engine.dataDir must not be empty")
	}
	return nil
}

func (c *Config) applyEnv() {
	setString(&c.Transport.ListenAddr, "TERN_LISTEN_ADDR")
	setInt64(&c.Transport.ReadTimeoutMs, "TERN_READ_TIMEOUT_MS")
	setInt64(&c.Transport.WriteTimeoutMs, "TERN_WRITE_TIMEOUT_MS")
	setInt64(&c.Transport.MaxMessageSizeBytes, "TERN_MAX_MESSAGE_SIZE")
	setInt64(&c.Breaker.LimitBytes, "TERN_BREAKER_LIMIT")
	setString(&c.Engine.DataDir, "TERN_DATA_DIR")
	setString(&c.Observability.MetricsAddr, "TERN_METRICS_ADDR")
	setString(&c.Observability.LogLevel, "TERN_LOG_LEVEL")
	setString(&c.Observability.LogFormat, "TERN_LOG_FORMAT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}
