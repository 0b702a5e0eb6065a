package ratelimit

import (
	"sync"
	"testing"
	"time"
)

func newTestMonitor(maxPerTool int, window time.Duration) (*Monitor, *time.Time) {
	m := New(Config{MaxPerTool: maxPerTool, Window: window})
	now := time.Now()
	m.now = func() time.Time { return now }
	m.windowStart = now
	return m, &now
}

func TestMonitorAllowsUnderLimit(t *testing.T) {
	m, _ := newTestMonitor(3, time.Minute)
	for i := 0; i < 3; i++ {
		if !m.Allowed("review") {
			t.Fatalf("request %d should be allowed", i+1)
		}
		m.Record("review")
	}
	if m.Allowed("review") {
		t.Error("fourth request should be blocked")
	}
}

func TestMonitorPerToolIsolation(t *testing.T) {
	m, _ := newTestMonitor(2, time.Minute)
	m.Record("generate")
	m.Record("generate")

	if m.Allowed("generate") {
		t.Error("generate should be blocked at limit")
	}
	if !m.Allowed("review") {
		t.Error("review should remain allowed")
	}
}

func TestMonitorWindowExpiry(t *testing.T) {
	m, now := newTestMonitor(2, time.Minute)
	m.Record("generate")
	m.Record("generate")
	if m.Allowed("generate") {
		t.Fatal("should be blocked within window")
	}

	*now = now.Add(61 * time.Second)
	if !m.Allowed("generate") {
		t.Error("should be allowed after window elapses")
	}
}

func TestMonitorWaitTime(t *testing.T) {
	m, now := newTestMonitor(1, time.Minute)
	if got := m.WaitTime("generate"); got != 0 {
		t.Errorf("WaitTime before any request = %v, want 0", got)
	}

	m.Record("generate")
	if got := m.WaitTime("generate"); got != time.Minute {
		t.Errorf("WaitTime at limit = %v, want 1m", got)
	}

	*now = now.Add(40 * time.Second)
	if got := m.WaitTime("generate"); got != 20*time.Second {
		t.Errorf("WaitTime mid-window = %v, want 20s", got)
	}
}

func TestMonitorGlobalBudget(t *testing.T) {
	m, now := newTestMonitor(100, time.Minute)
	reset := now.Add(30 * time.Second)
	m.Update(1, reset)

	if !m.Allowed("generate") {
		t.Fatal("one global request should remain")
	}
	m.Record("generate")

	if m.Allowed("generate") {
		t.Error("global budget exhausted, request should be blocked")
	}
	if m.Allowed("review") {
		t.Error("global budget applies across tools")
	}
	if got := m.WaitTime("generate"); got != 30*time.Second {
		t.Errorf("WaitTime = %v, want 30s until global reset", got)
	}

	// Budget expires at its reset time.
	*now = now.Add(31 * time.Second)
	if !m.Allowed("generate") {
		t.Error("expired global budget should no longer block")
	}
}

func TestMonitorReset(t *testing.T) {
	m, _ := newTestMonitor(1, time.Minute)
	m.Record("generate")
	if m.Allowed("generate") {
		t.Fatal("should be blocked before reset")
	}
	m.Reset()
	if !m.Allowed("generate") {
		t.Error("should be allowed after reset")
	}
}

func TestMonitorConcurrentAccess(t *testing.T) {
	m := New(Config{MaxPerTool: 1000, Window: time.Minute})
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Allowed("generate")
			m.Record("generate")
			m.WaitTime("generate")
		}()
	}
	wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts["generate"] != 100 {
		t.Errorf("count = %d, want 100", m.counts["generate"])
	}
}

func TestMonitorDefaults(t *testing.T) {
	m := New(Config{})
	if m.maxPerTool != defaultMaxPerTool {
		t.Errorf("maxPerTool = %d, want %d", m.maxPerTool, defaultMaxPerTool)
	}
	if m.window != defaultWindow {
		t.Errorf("window = %v, want %v", m.window, defaultWindow)
	}
}
