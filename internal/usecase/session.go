package usecase

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"coderelay/internal/domain"
)

// SessionState tracks where a session is in its lifecycle.
type SessionState string

const (
	SessionInitializing SessionState = "initializing"
	SessionActive       SessionState = "active"
	SessionIdle         SessionState = "idle"
	SessionCompleted    SessionState = "completed"
)

// SessionContext carries the per-session state shared across tool calls.
type SessionContext struct {
	mu           sync.RWMutex
	ID           string            `json:"id"`
	UserID       string            `json:"user_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	State        SessionState      `json:"state"`
	StartedAt    time.Time         `json:"started_at"`
	LastActivity time.Time         `json:"last_activity"`

	activeCalls map[string]struct{}
}

func generateULID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Snapshot returns a copy of the mutable fields for safe external reads.
func (s *SessionContext) Snapshot() (state SessionState, activeCalls []string, lastActivity time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	calls := make([]string, 0, len(s.activeCalls))
	for id := range s.activeCalls {
		calls = append(calls, id)
	}
	return s.State, calls, s.LastActivity
}

// ActiveCallCount returns the number of in-flight calls in this session.
func (s *SessionContext) ActiveCallCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.activeCalls)
}

// SessionStatistics is an aggregate count of sessions by state.
type SessionStatistics struct {
	Total        int `json:"total"`
	Initializing int `json:"initializing"`
	Active       int `json:"active"`
	Idle         int `json:"idle"`
	Completed    int `json:"completed"`
}

// SessionManager owns all session contexts for one process. Sessions move
// initializing -> active on the first call, active <-> idle as calls begin
// and end, and completed is terminal.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*SessionContext
	bus      domain.EventBus

	now func() time.Time // injectable for tests
}

// NewSessionManager creates a session manager. bus may be nil when no
// lifecycle events are wanted (tests).
func NewSessionManager(bus domain.EventBus) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*SessionContext),
		bus:      bus,
		now:      time.Now,
	}
}

// Create registers a new session. An empty id gets a generated ULID; a
// duplicate explicit id returns the existing session unchanged.
func (sm *SessionManager) Create(id, userID string, metadata map[string]string) *SessionContext {
	sm.mu.Lock()
	if id != "" {
		if s, ok := sm.sessions[id]; ok {
			sm.mu.Unlock()
			return s
		}
	}

	now := sm.now()
	if id == "" {
		id = generateULID(now)
	}
	s := &SessionContext{
		ID:           id,
		UserID:       userID,
		Metadata:     metadata,
		State:        SessionInitializing,
		StartedAt:    now,
		LastActivity: now,
		activeCalls:  make(map[string]struct{}),
	}
	sm.sessions[id] = s
	sm.mu.Unlock()

	sm.publish(domain.EventSessionCreated, id, nil)
	return s
}

// Get returns an existing session or ErrSessionNotFound.
func (sm *SessionManager) Get(id string) (*SessionContext, error) {
	sm.mu.RLock()
	s, ok := sm.sessions[id]
	sm.mu.RUnlock()
	if !ok {
		return nil, domain.NewProtocolError("SessionManager.Get", domain.ErrSessionNotFound, id)
	}
	return s, nil
}

// BeginCall records an in-flight call and moves the session to active.
// Completed sessions reject new calls.
func (sm *SessionManager) BeginCall(sessionID, callID string) error {
	s, err := sm.Get(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State == SessionCompleted {
		return domain.NewProtocolError("SessionManager.BeginCall", domain.ErrValidation,
			"session "+sessionID+" is completed")
	}
	s.activeCalls[callID] = struct{}{}
	s.State = SessionActive
	s.LastActivity = sm.now()
	return nil
}

// EndCall removes an in-flight call. A session with no remaining calls
// becomes idle. Unknown sessions or call ids are ignored.
func (sm *SessionManager) EndCall(sessionID, callID string) {
	s, err := sm.Get(sessionID)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.activeCalls, callID)
	s.LastActivity = sm.now()
	if s.State == SessionActive && len(s.activeCalls) == 0 {
		s.State = SessionIdle
	}
}

// Complete marks a session finished and publishes session:ended. It is
// idempotent; completing an unknown session is a no-op.
func (sm *SessionManager) Complete(sessionID string) {
	s, err := sm.Get(sessionID)
	if err != nil {
		return
	}

	s.mu.Lock()
	already := s.State == SessionCompleted
	s.State = SessionCompleted
	s.LastActivity = sm.now()
	s.mu.Unlock()

	if !already {
		sm.publish(domain.EventSessionEnded, sessionID, nil)
	}
}

// Statistics returns session counts grouped by state.
func (sm *SessionManager) Statistics() SessionStatistics {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	var stats SessionStatistics
	for _, s := range sm.sessions {
		s.mu.RLock()
		state := s.State
		s.mu.RUnlock()

		stats.Total++
		switch state {
		case SessionInitializing:
			stats.Initializing++
		case SessionActive:
			stats.Active++
		case SessionIdle:
			stats.Idle++
		case SessionCompleted:
			stats.Completed++
		}
	}
	return stats
}

// CleanupIdle completes and removes sessions whose last activity is older
// than threshold and that have no in-flight calls. Returns the number of
// sessions removed.
func (sm *SessionManager) CleanupIdle(threshold time.Duration) int {
	cutoff := sm.now().Add(-threshold)

	// Phase 1: identify candidates under read lock.
	sm.mu.RLock()
	var staleIDs []string
	for id, s := range sm.sessions {
		s.mu.RLock()
		stale := s.LastActivity.Before(cutoff) && len(s.activeCalls) == 0
		s.mu.RUnlock()
		if stale {
			staleIDs = append(staleIDs, id)
		}
	}
	sm.mu.RUnlock()

	if len(staleIDs) == 0 {
		return 0
	}

	// Phase 2: remove under write lock.
	sm.mu.Lock()
	removed := staleIDs[:0]
	for _, id := range staleIDs {
		if _, ok := sm.sessions[id]; ok {
			delete(sm.sessions, id)
			removed = append(removed, id)
		}
	}
	sm.mu.Unlock()

	for _, id := range removed {
		sm.publish(domain.EventSessionEnded, id, nil)
	}
	return len(removed)
}

func (sm *SessionManager) publish(t domain.EventType, sessionID string, payload any) {
	if sm.bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	sm.bus.Publish(context.Background(), domain.Event{
		Type:      t,
		Timestamp: sm.now(),
		SessionID: sessionID,
		Payload:   raw,
	})
}
