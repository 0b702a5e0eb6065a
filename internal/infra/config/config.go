// Package config loads the flat YAML configuration file and applies
// CODERELAY_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Client    ClientConfig    `yaml:"client"`
	Servers   []ServerConfig  `yaml:"servers"`
	Retry     RetryConfig     `yaml:"retry"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	History   HistoryConfig   `yaml:"history"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
}

// ClientConfig holds connection-level settings.
type ClientConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	// ServerPath, when set, overrides executable resolution for every
	// server entry. Normally supplied via CODERELAY_SERVER_PATH.
	ServerPath string `yaml:"server_path,omitempty"`
}

// ServerConfig describes one backend server entry in the registry.
type ServerConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // "mcp" or "cli"
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args,omitempty"`
	Path      string            `yaml:"path,omitempty"` // explicit executable path, skips PATH lookup
	Env       map[string]string `yaml:"env,omitempty"`

	// CLI-transport options (ignored for mcp).
	Model          string   `yaml:"model,omitempty"`
	PermissionMode string   `yaml:"permission_mode,omitempty"`
	AllowedTools   []string `yaml:"allowed_tools,omitempty"`
}

// RetryConfig holds backoff settings.
type RetryConfig struct {
	// MaxRetries counts additional attempts after the first failure.
	// -1 disables retries; 0 is treated as unset and keeps the default.
	MaxRetries    int           `yaml:"max_retries"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	Jitter        bool          `yaml:"jitter"`
}

// RateLimitConfig holds request-budget settings.
type RateLimitConfig struct {
	MaxPerTool int           `yaml:"max_per_tool"`
	Window     time.Duration `yaml:"window"`
	PaceRPS    float64       `yaml:"pace_rps"`
	PaceBurst  int           `yaml:"pace_burst"`
}

// SessionsConfig holds session lifecycle settings.
type SessionsConfig struct {
	IdleThreshold   time.Duration `yaml:"idle_threshold"`
	CleanupSchedule string        `yaml:"cleanup_schedule"` // cron expression
}

// HistoryConfig holds call-history store settings.
type HistoryConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Path          string        `yaml:"path"`
	Retention     time.Duration `yaml:"retention"`
	PruneSchedule string        `yaml:"prune_schedule"` // cron expression
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Client: ClientConfig{
			DefaultTimeout: 2 * time.Minute,
			ReconnectDelay: 2 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries:    3,
			BaseDelay:     500 * time.Millisecond,
			MaxDelay:      10 * time.Second,
			BackoffFactor: 2.0,
			Jitter:        true,
		},
		RateLimit: RateLimitConfig{
			MaxPerTool: 30,
			Window:     time.Minute,
		},
		Sessions: SessionsConfig{
			IdleThreshold:   30 * time.Minute,
			CleanupSchedule: "*/5 * * * *",
		},
		History: HistoryConfig{
			Enabled:       false,
			Path:          "coderelay-history.db",
			Retention:     7 * 24 * time.Hour,
			PruneSchedule: "0 3 * * *",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file and applies env var overrides. A missing
// file is not an error; defaults plus env overrides are returned.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps CODERELAY_* env vars to config fields. The
// environment is read here, once, at load time; nothing else in the
// process consults it.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CODERELAY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Client.DefaultTimeout = d
		}
	}
	if v := os.Getenv("CODERELAY_SERVER_PATH"); v != "" {
		cfg.Client.ServerPath = v
	}
	if v := os.Getenv("CODERELAY_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("CODERELAY_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("CODERELAY_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("CODERELAY_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("CODERELAY_HISTORY_PATH"); v != "" {
		cfg.History.Path = v
	}
	if v := os.Getenv("CODERELAY_RATE_LIMIT_MAX_PER_TOOL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimit.MaxPerTool = n
		}
	}
	if v := os.Getenv("CODERELAY_RETRY_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			if n == 0 {
				n = -1 // explicit zero means no retries, not the default
			}
			cfg.Retry.MaxRetries = n
		}
	}
}
