// Package config loads pubsubd's process configuration from the
// environment, with an optional .env file for development convenience.
// The engine package itself takes no configuration from here: everything
// below shapes the reference server and its observability endpoints.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr        string `env:"PUBSUBD_ADDR" envDefault:":6380"`
	MetricsAddr string `env:"PUBSUBD_METRICS_ADDR" envDefault:":9120"`

	// Per-connection limits
	MaxLineBytes   int `env:"PUBSUBD_MAX_LINE_BYTES" envDefault:"65536"`
	MaxConnections int `env:"PUBSUBD_MAX_CONNECTIONS" envDefault:"10000"`

	// Monitoring
	SystemSampleInterval time.Duration `env:"PUBSUBD_SYSTEM_SAMPLE_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
//
// Optional logger parameter for structured logging. If nil, logs to stdout.
func Load(logger *zerolog.Logger) (*Config, error) {
	// Load .env file (optional - OK if it doesn't exist)
	// In production (Docker), we use environment variables directly
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		} else {
			fmt.Println("Info: No .env file found (using environment variables only)")
		}
	} else {
		if logger != nil {
			logger.Info().Msg("Loaded configuration from .env file")
		}
	}

	cfg := &Config{}

	// Parse environment variables into struct
	// This validates types and applies defaults
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	// Required fields (no sensible defaults)
	if c.Addr == "" {
		return fmt.Errorf("PUBSUBD_ADDR is required")
	}

	// Range checks
	if c.MaxLineBytes < 64 {
		return fmt.Errorf("PUBSUBD_MAX_LINE_BYTES must be >= 64, got %d", c.MaxLineBytes)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("PUBSUBD_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.SystemSampleInterval < time.Second {
		return fmt.Errorf("PUBSUBD_SYSTEM_SAMPLE_INTERVAL must be >= 1s, got %s", c.SystemSampleInterval)
	}

	// Logical checks
	if c.MetricsAddr == c.Addr {
		return fmt.Errorf("PUBSUBD_METRICS_ADDR must differ from PUBSUBD_ADDR (both %s)", c.Addr)
	}

	// Enum checks
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// Print logs configuration for debugging (human-readable format)
// For production, use LogConfig() with structured logging
func (c *Config) Print() {
	fmt.Println("=== pubsubd Configuration ===")
	fmt.Printf("Environment:      %s\n", c.Environment)
	fmt.Printf("Address:          %s\n", c.Addr)
	fmt.Printf("Metrics Address:  %s\n", c.MetricsAddr)
	fmt.Println("\n=== Limits ===")
	fmt.Printf("Max Line Bytes:   %d\n", c.MaxLineBytes)
	fmt.Printf("Max Connections:  %d\n", c.MaxConnections)
	fmt.Println("\n=== Monitoring ===")
	fmt.Printf("System Sampling:  %s\n", c.SystemSampleInterval)
	fmt.Println("\n=== Logging ===")
	fmt.Printf("Level:            %s\n", c.LogLevel)
	fmt.Printf("Format:           %s\n", c.LogFormat)
	fmt.Println("=============================")
}

// LogConfig logs configuration using structured logging
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("metrics_addr", c.MetricsAddr).
		Int("max_line_bytes", c.MaxLineBytes).
		Int("max_connections", c.MaxConnections).
		Dur("system_sample_interval", c.SystemSampleInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
