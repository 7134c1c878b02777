package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":6380" {
		t.Errorf("Addr = %q, want :6380", cfg.Addr)
	}
	if cfg.MetricsAddr != ":9120" {
		t.Errorf("MetricsAddr = %q, want :9120", cfg.MetricsAddr)
	}
	if cfg.MaxLineBytes != 65536 {
		t.Errorf("MaxLineBytes = %d, want 65536", cfg.MaxLineBytes)
	}
	if cfg.SystemSampleInterval != 15*time.Second {
		t.Errorf("SystemSampleInterval = %s, want 15s", cfg.SystemSampleInterval)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "json" {
		t.Errorf("logging defaults = (%s, %s), want (info, json)", cfg.LogLevel, cfg.LogFormat)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PUBSUBD_ADDR", ":7000")
	t.Setenv("PUBSUBD_MAX_CONNECTIONS", "42")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":7000" {
		t.Errorf("Addr = %q, want :7000", cfg.Addr)
	}
	if cfg.MaxConnections != 42 {
		t.Errorf("MaxConnections = %d, want 42", cfg.MaxConnections)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Addr:                 ":6380",
			MetricsAddr:          ":9120",
			MaxLineBytes:         65536,
			MaxConnections:       100,
			SystemSampleInterval: 15 * time.Second,
			LogLevel:             "info",
			LogFormat:            "json",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing addr", func(c *Config) { c.Addr = "" }, "PUBSUBD_ADDR"},
		{"line bytes too small", func(c *Config) { c.MaxLineBytes = 10 }, "PUBSUBD_MAX_LINE_BYTES"},
		{"zero connections", func(c *Config) { c.MaxConnections = 0 }, "PUBSUBD_MAX_CONNECTIONS"},
		{"sample too fast", func(c *Config) { c.SystemSampleInterval = time.Millisecond }, "PUBSUBD_SYSTEM_SAMPLE_INTERVAL"},
		{"addr collision", func(c *Config) { c.MetricsAddr = c.Addr }, "PUBSUBD_METRICS_ADDR"},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "LOG_LEVEL"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate = %v, want error mentioning %s", err, tt.wantErr)
			}
		})
	}
}
