// Package config provides configuration loading for the microfin client.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all client configuration.
type Config struct {
	// Base URL of the REST API (default "http://localhost:5000/api")
	APIURL string `json:"api_url" yaml:"api_url"`
	// WebSocket URL of the push channel; empty disables it
	RealtimeURL string `json:"realtime_url,omitempty" yaml:"realtime_url,omitempty"`

	// Listen address of the local shell (default "127.0.0.1:8090")
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`

	// Directory holding persisted credentials (default "~/.microfin")
	DataDir string `json:"data_dir" yaml:"data_dir"`
	// Credential backend: file, sqlite or memory (default "file")
	CredentialBackend string `json:"credential_backend" yaml:"credential_backend"`

	Refresh  RefreshConfig  `json:"refresh" yaml:"refresh"`
	Realtime RealtimeConfig `json:"realtime" yaml:"realtime"`

	// Profile refetch schedule, a duration ("5m") or cron spec; empty disables it
	KeepaliveSchedule string `json:"keepalive_schedule,omitempty" yaml:"keepalive_schedule,omitempty"`

	// OTLP gRPC endpoint for traces; empty disables tracing
	OTLPEndpoint string `json:"otlp_endpoint,omitempty" yaml:"otlp_endpoint,omitempty"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level" yaml:"log_level"`
}

// RefreshConfig tunes the token refresh coordinator.
type RefreshConfig struct {
	TimeoutSeconds int `json:"timeout_seconds" yaml:"timeout_seconds"`
	// Refresh ahead of a JWT's exp by this much; 0 disables proactive refresh
	SkewSeconds int `json:"skew_seconds" yaml:"skew_seconds"`
}

// RealtimeConfig tunes the push channel reconnect policy.
type RealtimeConfig struct {
	MaxRetries        int `json:"max_retries" yaml:"max_retries"`
	RetryDelaySeconds int `json:"retry_delay_seconds" yaml:"retry_delay_seconds"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	dataDir := ".microfin"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".microfin")
	}
	return Config{
		APIURL:            "http://localhost:5000/api",
		ListenAddr:        "127.0.0.1:8090",
		DataDir:           dataDir,
		CredentialBackend: "file",
		LogLevel:          "info",
		Refresh: RefreshConfig{
			TimeoutSeconds: 15,
			SkewSeconds:    30,
		},
		Realtime: RealtimeConfig{
			MaxRetries:        5,
			RetryDelaySeconds: 2,
		},
		KeepaliveSchedule: "5m",
	}
}

// Load reads configuration from a file, then overlays environment variables.
// Files ending in .yaml or .yml are parsed as YAML, anything else as JSON.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, &cfg)
		default:
			err = json.Unmarshal(data, &cfg)
		}
		if err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("MICROFIN_API_URL"); v != "" {
		cfg.APIURL = v
	}
	if v := os.Getenv("MICROFIN_REALTIME_URL"); v != "" {
		cfg.RealtimeURL = v
	}
	if v := os.Getenv("MICROFIN_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("MICROFIN_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("MICROFIN_CREDENTIAL_BACKEND"); v != "" {
		cfg.CredentialBackend = v
	}
	if v := os.Getenv("MICROFIN_KEEPALIVE"); v != "" {
		cfg.KeepaliveSchedule = v
	}
	if v := os.Getenv("MICROFIN_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("MICROFIN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	envInt("MICROFIN_REFRESH_TIMEOUT", &cfg.Refresh.TimeoutSeconds)
	envInt("MICROFIN_REFRESH_SKEW", &cfg.Refresh.SkewSeconds)
	envInt("MICROFIN_REALTIME_RETRIES", &cfg.Realtime.MaxRetries)
	envInt("MICROFIN_REALTIME_RETRY_DELAY", &cfg.Realtime.RetryDelaySeconds)

	return cfg, nil
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

// Save writes configuration to a file in the format its extension implies.
func (c Config) Save(path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

// WithProfile returns a copy whose data directory is scoped to profile.
func (c Config) WithProfile(profile string) Config {
	if profile != "" && profile != "default" {
		c.DataDir = filepath.Join(c.DataDir, "profiles", profile)
	}
	return c
}

// HasRealtime returns true if a push channel URL is configured.
func (c Config) HasRealtime() bool {
	return c.RealtimeURL != ""
}

// RefreshTimeout returns the refresh flight timeout.
func (c Config) RefreshTimeout() time.Duration {
	return time.Duration(c.Refresh.TimeoutSeconds) * time.Second
}

// RefreshSkew returns how far ahead of expiry tokens are renewed.
func (c Config) RefreshSkew() time.Duration {
	return time.Duration(c.Refresh.SkewSeconds) * time.Second
}

// RetryDelay returns the fixed delay between push channel reconnects.
func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.Realtime.RetryDelaySeconds) * time.Second
}
