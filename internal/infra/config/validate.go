package config

import (
	"fmt"
	"time"
)

// Call-timeout bounds enforced at load time and again per request.
const (
	MinTimeout = time.Second
	MaxTimeout = 30 * time.Minute
)

// Validate checks the loaded configuration for values that would only fail
// later at call time.
func Validate(cfg *Config) error {
	if cfg.Client.DefaultTimeout < MinTimeout || cfg.Client.DefaultTimeout > MaxTimeout {
		return fmt.Errorf("client.default_timeout %v out of range [%v, %v]",
			cfg.Client.DefaultTimeout, MinTimeout, MaxTimeout)
	}
	if cfg.Client.ReconnectDelay < 0 {
		return fmt.Errorf("client.reconnect_delay must not be negative")
	}

	if cfg.Retry.MaxRetries < -1 {
		return fmt.Errorf("retry.max_retries must be -1 (no retries) or >= 0")
	}
	if cfg.Retry.BaseDelay <= 0 {
		return fmt.Errorf("retry.base_delay must be positive")
	}
	if cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay %v below base_delay %v",
			cfg.Retry.MaxDelay, cfg.Retry.BaseDelay)
	}
	if cfg.Retry.BackoffFactor < 1 {
		return fmt.Errorf("retry.backoff_factor must be >= 1")
	}

	if cfg.RateLimit.MaxPerTool <= 0 {
		return fmt.Errorf("rate_limit.max_per_tool must be positive")
	}
	if cfg.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be positive")
	}

	seen := make(map[string]bool, len(cfg.Servers))
	for i, s := range cfg.Servers {
		if s.Name == "" {
			return fmt.Errorf("servers[%d]: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("servers[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true
		if s.Command == "" && s.Path == "" {
			return fmt.Errorf("server %q: command or path is required", s.Name)
		}
		switch s.Transport {
		case "", "mcp", "cli":
		default:
			return fmt.Errorf("server %q: unknown transport %q", s.Name, s.Transport)
		}
	}

	if cfg.History.Enabled && cfg.History.Path == "" {
		return fmt.Errorf("history.path is required when history is enabled")
	}
	return nil
}
