// Package backend manages connections to external coding-assistant
// subagents: executable resolution, the connection state machine, the
// transports that carry tool calls, and argument validation.
package backend

import (
	"context"
	"encoding/json"

	"coderelay/internal/domain"
)

// LineSink receives raw output lines as the backend produces them. May be
// nil when the caller does not want streaming output.
type LineSink func(line string)

// RawResult is a transport-level tool call outcome, before parsing and
// status assignment.
type RawResult struct {
	Content string
	Raw     json.RawMessage
	IsError bool
}

// Transport carries tool calls to one backend server. Implementations:
// stdio MCP (mcp.go) and vendor-CLI spawn (cli.go); tests use a fake.
type Transport interface {
	// Start establishes the transport. Idempotent implementations are not
	// required; the connection manager calls Start exactly once per
	// (re)connect attempt.
	Start(ctx context.Context) error
	// CallTool executes one tool call. Output lines stream to sink as they
	// arrive when the transport produces them.
	CallTool(ctx context.Context, tool string, args map[string]any, sink LineSink) (*RawResult, error)
	// ListTools returns the backend's advertised tool catalog.
	ListTools(ctx context.Context) ([]domain.ToolInfo, error)
	// Done is closed when the underlying process exits, expectedly or not.
	Done() <-chan struct{}
	Close() error
}
