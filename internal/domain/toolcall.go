package domain

import (
	"encoding/json"
	"time"
)

// Tool call timeout bounds. Requests outside these bounds fail validation;
// a zero timeout means "use the connection default".
const (
	MinCallTimeout = 1 * time.Second
	MaxCallTimeout = 30 * time.Minute
)

// CallStatus is the completion status of a tool call.
type CallStatus string

const (
	CallPending   CallStatus = "pending"
	CallRunning   CallStatus = "running"
	CallCompleted CallStatus = "completed"
	CallFailed    CallStatus = "failed"
	CallTimeout   CallStatus = "timeout"
)

// Terminal reports whether the status is final.
func (s CallStatus) Terminal() bool {
	return s == CallCompleted || s == CallFailed || s == CallTimeout
}

// ToolCallRequest describes one tool invocation. Immutable once issued.
type ToolCallRequest struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Timeout   time.Duration  `json:"timeout,omitempty"`  // zero = connection default
	Priority  int            `json:"priority,omitempty"` // informational; higher runs first where queued
	SessionID string         `json:"session_id,omitempty"`
	Iteration int            `json:"iteration,omitempty"`
}

// Validate checks the request shape. The tool name must be non-empty and a
// non-zero timeout must fall within [MinCallTimeout, MaxCallTimeout].
func (r ToolCallRequest) Validate() error {
	if r.Tool == "" {
		return NewProtocolError("ToolCallRequest.Validate", ErrValidation, "tool name is empty")
	}
	if r.Timeout != 0 && (r.Timeout < MinCallTimeout || r.Timeout > MaxCallTimeout) {
		return NewProtocolError("ToolCallRequest.Validate", ErrValidation,
			"timeout out of bounds ["+MinCallTimeout.String()+", "+MaxCallTimeout.String()+"]")
	}
	return nil
}

// ToolCallResult is the outcome of exactly one ToolCallRequest.
type ToolCallResult struct {
	Tool      string          `json:"tool"`
	SessionID string          `json:"session_id,omitempty"`
	Success   bool            `json:"success"`
	Content   string          `json:"content"`
	Raw       json.RawMessage `json:"raw,omitempty"` // machine-readable payload when the backend emits one
	Duration  time.Duration   `json:"duration"`
	Timestamp time.Time       `json:"timestamp"`
	Events    []ProgressEvent `json:"events,omitempty"` // progress captured during execution
	Status    CallStatus      `json:"status"`
}

// SetStatus applies a status transition. Terminal statuses are sticky: once
// completed/failed/timeout, the status never regresses to pending/running.
func (r *ToolCallResult) SetStatus(s CallStatus) {
	if r.Status.Terminal() && !s.Terminal() {
		return
	}
	r.Status = s
}

// ToolInfo describes one tool advertised by a backend's catalog.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}
