package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of lifecycle event being published.
type EventType string

const (
	EventConnectionState EventType = "connection:state"
	EventToolStart       EventType = "tool:start"
	EventToolComplete    EventType = "tool:complete"
	EventToolError       EventType = "tool:error"
	EventSessionCreated  EventType = "session:created"
	EventSessionEnded    EventType = "session:ended"
	EventQuotaDetected   EventType = "quota:detected"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for lifecycle events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// ConnectionStatePayload is the payload of EventConnectionState events.
type ConnectionStatePayload struct {
	Connection string `json:"connection"`
	From       string `json:"from"`
	To         string `json:"to"`
}

// ToolCallPayload is the payload of tool:* events.
type ToolCallPayload struct {
	Tool      string        `json:"tool"`
	Backend   string        `json:"backend,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	Success   bool          `json:"success,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Status    CallStatus    `json:"status,omitempty"`
	Error     string        `json:"error,omitempty"`
}
