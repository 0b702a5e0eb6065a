package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"coderelay/internal/domain"
	"coderelay/internal/infra/config"
)

// mcpClient abstracts the MCP client for testability.
type mcpClient interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// MCPTransport speaks the Model Context Protocol to a server subprocess
// over stdio.
type MCPTransport struct {
	srv      config.ServerConfig
	execPath string
	logger   *slog.Logger

	mu        sync.Mutex
	client    mcpClient
	done      chan struct{}
	closeOnce sync.Once
}

var _ Transport = (*MCPTransport)(nil)

// NewMCPTransport creates a transport for one server entry. execPath is the
// resolved executable from the registry.
func NewMCPTransport(srv config.ServerConfig, execPath string, logger *slog.Logger) *MCPTransport {
	return &MCPTransport{
		srv:      srv,
		execPath: execPath,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start spawns the server subprocess and performs the MCP initialize
// handshake.
func (t *MCPTransport) Start(ctx context.Context) error {
	c, err := mcpclient.NewStdioMCPClient(t.execPath, envSlice(t.srv.Env), t.srv.Args...)
	if err != nil {
		return domain.NewProtocolError("MCPTransport.Start", domain.ErrConnection, err.Error())
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "coderelay",
		Version: "1.0.0",
	}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return domain.NewProtocolError("MCPTransport.Start", domain.ErrConnection,
			"initialize handshake: "+err.Error())
	}

	t.mu.Lock()
	t.client = c
	t.mu.Unlock()

	t.logger.Info("mcp server started", "server", t.srv.Name, "path", t.execPath)
	return nil
}

// CallTool issues a tools/call request. MCP results arrive whole, so sink
// receives the extracted content as a single line.
func (t *MCPTransport) CallTool(ctx context.Context, tool string, args map[string]any, sink LineSink) (*RawResult, error) {
	c := t.currentClient()
	if c == nil {
		return nil, domain.NewProtocolError("MCPTransport.CallTool", domain.ErrNotConnected, t.srv.Name)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args

	result, err := c.CallTool(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.NewProtocolError("MCPTransport.CallTool", domain.ErrTimeout, tool)
		}
		return nil, domain.NewProtocolError("MCPTransport.CallTool", domain.ErrConnection, err.Error())
	}

	content := extractContent(result)
	if sink != nil {
		for _, line := range strings.Split(content, "\n") {
			sink(line)
		}
	}

	raw, _ := json.Marshal(result)
	return &RawResult{Content: content, Raw: raw, IsError: result.IsError}, nil
}

// ListTools returns the server's tool catalog.
func (t *MCPTransport) ListTools(ctx context.Context) ([]domain.ToolInfo, error) {
	c := t.currentClient()
	if c == nil {
		return nil, domain.NewProtocolError("MCPTransport.ListTools", domain.ErrNotConnected, t.srv.Name)
	}

	result, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, domain.NewProtocolError("MCPTransport.ListTools", domain.ErrConnection, err.Error())
	}

	tools := make([]domain.ToolInfo, 0, len(result.Tools))
	for _, mt := range result.Tools {
		var schema json.RawMessage
		if mt.InputSchema.Properties != nil || mt.InputSchema.Required != nil {
			if data, err := json.Marshal(mt.InputSchema); err == nil {
				schema = data
			}
		}
		tools = append(tools, domain.ToolInfo{
			Name:        mt.Name,
			Description: mt.Description,
			InputSchema: schema,
		})
	}
	return tools, nil
}

// Done is closed when the transport shuts down.
func (t *MCPTransport) Done() <-chan struct{} { return t.done }

// Close terminates the server subprocess. Safe to call more than once.
func (t *MCPTransport) Close() error {
	t.mu.Lock()
	c := t.client
	t.client = nil
	t.mu.Unlock()

	t.closeOnce.Do(func() { close(t.done) })

	if c == nil {
		return nil
	}
	if err := c.Close(); err != nil {
		return fmt.Errorf("close mcp client: %w", err)
	}
	return nil
}

func (t *MCPTransport) currentClient() mcpClient {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client
}

// extractContent converts MCP CallToolResult content to a string.
func extractContent(result *mcp.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if data, err := json.Marshal(v); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.Join(parts, "\n")
}

// envSlice converts a map of env vars to KEY=VALUE form.
func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, k+"="+v)
	}
	return result
}
