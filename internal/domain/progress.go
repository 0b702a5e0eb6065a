package domain

import "time"

// EventKind classifies a streamed progress event.
type EventKind string

const (
	KindToolStart  EventKind = "tool_start"
	KindToolResult EventKind = "tool_result"
	KindThinking   EventKind = "thinking"
	KindError      EventKind = "error"
	KindInfo       EventKind = "info"
	KindDebug      EventKind = "debug"
)

// Metadata keys attached to progress events.
const (
	MetaToolName    = "tool_name"     // detected tool name on tool_start events
	MetaRateLimited = "rate_limited"  // "true" when a rate-limit phrase was seen
	MetaResultError = "result_error"  // "true" on a failed terminal result record
)

// ProgressEvent is one streamed, typed notification describing what a
// subagent is doing before its final result is available. Events are
// append-only, never mutated after creation, and ordered by Seq within a
// session. Content preserves the original whitespace verbatim: reviewed
// code snippets in the content are whitespace-sensitive.
type ProgressEvent struct {
	SessionID string            `json:"session_id"`
	Timestamp time.Time         `json:"timestamp"`
	Kind      EventKind         `json:"kind"`
	Content   string            `json:"content"`
	Backend   string            `json:"backend,omitempty"` // originating backend/tool identifier
	Seq       uint64            `json:"seq"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// ProgressFunc receives progress events as they are produced.
// Implementations must not assume they run on any particular goroutine;
// the connection invokes them synchronously in registration order.
type ProgressFunc func(ProgressEvent)
