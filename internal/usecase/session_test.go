package usecase

import (
	"errors"
	"testing"
	"time"

	"coderelay/internal/domain"
)

func TestSessionCreateGeneratesULID(t *testing.T) {
	sm := NewSessionManager(nil)

	s := sm.Create("", "user-1", nil)
	if s.ID == "" {
		t.Fatal("expected generated id")
	}
	if len(s.ID) != 26 {
		t.Errorf("id %q is not a ULID", s.ID)
	}
	if s.State != SessionInitializing {
		t.Errorf("state = %s, want initializing", s.State)
	}
}

func TestSessionCreateExplicitIDIsIdempotent(t *testing.T) {
	sm := NewSessionManager(nil)

	a := sm.Create("sess-1", "user-1", nil)
	b := sm.Create("sess-1", "user-2", nil)
	if a != b {
		t.Error("duplicate id should return the existing session")
	}
	if b.UserID != "user-1" {
		t.Errorf("existing session mutated: UserID = %q", b.UserID)
	}
}

func TestSessionGetUnknown(t *testing.T) {
	sm := NewSessionManager(nil)
	_, err := sm.Get("missing")
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionLifecycleTransitions(t *testing.T) {
	sm := NewSessionManager(nil)
	s := sm.Create("sess-1", "", nil)

	if err := sm.BeginCall("sess-1", "call-1"); err != nil {
		t.Fatalf("BeginCall: %v", err)
	}
	if state, _, _ := s.Snapshot(); state != SessionActive {
		t.Errorf("state after BeginCall = %s, want active", state)
	}

	if err := sm.BeginCall("sess-1", "call-2"); err != nil {
		t.Fatalf("BeginCall: %v", err)
	}
	if n := s.ActiveCallCount(); n != 2 {
		t.Errorf("active calls = %d, want 2", n)
	}

	sm.EndCall("sess-1", "call-1")
	if state, _, _ := s.Snapshot(); state != SessionActive {
		t.Errorf("state with one call in flight = %s, want active", state)
	}

	sm.EndCall("sess-1", "call-2")
	if state, _, _ := s.Snapshot(); state != SessionIdle {
		t.Errorf("state with no calls in flight = %s, want idle", state)
	}

	sm.Complete("sess-1")
	if state, _, _ := s.Snapshot(); state != SessionCompleted {
		t.Errorf("state after Complete = %s, want completed", state)
	}
}

func TestSessionCompletedRejectsNewCalls(t *testing.T) {
	sm := NewSessionManager(nil)
	sm.Create("sess-1", "", nil)
	sm.Complete("sess-1")

	err := sm.BeginCall("sess-1", "call-1")
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestSessionBeginCallUnknownSession(t *testing.T) {
	sm := NewSessionManager(nil)
	err := sm.BeginCall("missing", "call-1")
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionStatistics(t *testing.T) {
	sm := NewSessionManager(nil)
	sm.Create("a", "", nil)
	sm.Create("b", "", nil)
	sm.Create("c", "", nil)

	sm.BeginCall("a", "call-1")
	sm.BeginCall("b", "call-2")
	sm.EndCall("b", "call-2")
	sm.Complete("c")

	stats := sm.Statistics()
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.Active != 1 || stats.Idle != 1 || stats.Completed != 1 {
		t.Errorf("stats = %+v, want 1 active, 1 idle, 1 completed", stats)
	}
}

func TestSessionCleanupIdle(t *testing.T) {
	sm := NewSessionManager(nil)
	now := time.Now()
	sm.now = func() time.Time { return now }

	sm.Create("old-idle", "", nil)
	sm.Create("old-busy", "", nil)
	sm.BeginCall("old-busy", "call-1")
	now = now.Add(2 * time.Hour)
	sm.Create("fresh", "", nil)

	reaped := sm.CleanupIdle(time.Hour)
	if reaped != 1 {
		t.Fatalf("reaped = %d, want 1", reaped)
	}
	if _, err := sm.Get("old-idle"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Error("old-idle should be removed")
	}
	// Sessions with in-flight calls are never reaped, however old.
	if _, err := sm.Get("old-busy"); err != nil {
		t.Errorf("old-busy should survive: %v", err)
	}
	if _, err := sm.Get("fresh"); err != nil {
		t.Errorf("fresh should survive: %v", err)
	}
}

func TestSessionCleanupIdleNoop(t *testing.T) {
	sm := NewSessionManager(nil)
	sm.Create("a", "", nil)
	if reaped := sm.CleanupIdle(time.Hour); reaped != 0 {
		t.Errorf("reaped = %d, want 0", reaped)
	}
}
