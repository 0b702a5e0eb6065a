// Package ratelimit tracks per-tool and global request budgets over a
// sliding time window. One Monitor belongs to exactly one connection so
// backend-reported quota state never leaks across connections.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Default monitor settings.
const (
	defaultMaxPerTool = 30
	defaultWindow     = time.Minute
)

// Config controls the monitor.
type Config struct {
	MaxPerTool int           `yaml:"max_per_tool"` // max requests per tool per window
	Window     time.Duration `yaml:"window"`
	// PaceRPS, when > 0, adds a token-bucket pacer smoothing the global
	// request rate on top of the window counters.
	PaceRPS   float64 `yaml:"pace_rps"`
	PaceBurst int     `yaml:"pace_burst"`
}

// Monitor is a sliding-window counter keyed by tool name, with an optional
// backend-imposed global remaining/reset pair. All methods are safe for
// concurrent use. Window expiry is evaluated lazily on access, never by a
// background timer.
type Monitor struct {
	mu          sync.Mutex
	maxPerTool  int
	window      time.Duration
	windowStart time.Time
	counts      map[string]int

	// Backend-reported global budget; remaining < 0 means none imposed.
	globalRemaining int
	globalReset     time.Time

	pacer *rate.Limiter

	now func() time.Time // injectable for tests
}

// New creates a Monitor from cfg, filling defaults for zero values.
func New(cfg Config) *Monitor {
	if cfg.MaxPerTool <= 0 {
		cfg.MaxPerTool = defaultMaxPerTool
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	m := &Monitor{
		maxPerTool:      cfg.MaxPerTool,
		window:          cfg.Window,
		counts:          make(map[string]int),
		globalRemaining: -1,
		now:             time.Now,
	}
	m.windowStart = m.now()
	if cfg.PaceRPS > 0 {
		burst := cfg.PaceBurst
		if burst <= 0 {
			burst = 1
		}
		m.pacer = rate.NewLimiter(rate.Limit(cfg.PaceRPS), burst)
	}
	return m
}

// Allowed reports whether a request for tool fits the current window and
// the global budget. It does not record anything.
func (m *Monitor) Allowed(tool string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollWindowLocked()
	if m.globalExhaustedLocked() {
		return false
	}
	if m.counts[tool] >= m.maxPerTool {
		return false
	}
	if m.pacer != nil && m.pacer.TokensAt(m.now()) < 1 {
		return false
	}
	return true
}

// Record counts one issued request for tool and decrements the global
// remaining budget if one is active.
func (m *Monitor) Record(tool string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollWindowLocked()
	m.counts[tool]++
	if m.globalRemaining > 0 {
		m.globalRemaining--
	}
	if m.pacer != nil {
		m.pacer.AllowN(m.now(), 1)
	}
}

// Update applies a backend-reported global budget: remaining requests and
// the time the budget resets.
func (m *Monitor) Update(remaining int, reset time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.globalRemaining = remaining
	m.globalReset = reset
}

// WaitTime returns how long until a request for tool would be allowed, or
// zero if it is allowed now.
func (m *Monitor) WaitTime(tool string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollWindowLocked()
	now := m.now()

	if m.globalExhaustedLocked() {
		if d := m.globalReset.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	if m.counts[tool] >= m.maxPerTool {
		if d := m.windowStart.Add(m.window).Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return 0
}

// Reset clears all per-tool counters and restarts the window.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts = make(map[string]int)
	m.windowStart = m.now()
}

// rollWindowLocked clears counters once the window has elapsed.
func (m *Monitor) rollWindowLocked() {
	now := m.now()
	if now.Sub(m.windowStart) >= m.window {
		m.counts = make(map[string]int)
		m.windowStart = now
	}
	// A backend-imposed budget expires at its reset time.
	if m.globalRemaining >= 0 && !m.globalReset.IsZero() && now.After(m.globalReset) {
		m.globalRemaining = -1
		m.globalReset = time.Time{}
	}
}

func (m *Monitor) globalExhaustedLocked() bool {
	return m.globalRemaining == 0
}
