package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"coderelay/internal/domain"
	"coderelay/internal/infra/config"
)

// maxScanTokenSize bounds a single output line; assistant output can carry
// whole files in one stream-json record.
const maxScanTokenSize = 4 * 1024 * 1024

// CLITransport drives a vendor coding-assistant CLI directly: one
// subprocess per tool call, prompt in argv, stream-json records on stdout.
type CLITransport struct {
	srv      config.ServerConfig
	execPath string
	logger   *slog.Logger

	mu        sync.Mutex
	started   bool
	done      chan struct{}
	closeOnce sync.Once
}

var _ Transport = (*CLITransport)(nil)

// NewCLITransport creates a transport for one CLI server entry.
func NewCLITransport(srv config.ServerConfig, execPath string, logger *slog.Logger) *CLITransport {
	return &CLITransport{
		srv:      srv,
		execPath: execPath,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start verifies the executable is still present. The CLI spawns per call,
// so there is no long-lived process to establish here.
func (t *CLITransport) Start(ctx context.Context) error {
	if _, err := os.Stat(t.execPath); err != nil {
		return domain.NewProtocolError("CLITransport.Start", domain.ErrServerNotFound, t.execPath)
	}
	t.mu.Lock()
	t.started = true
	t.mu.Unlock()
	t.logger.Info("cli backend ready", "server", t.srv.Name, "path", t.execPath)
	return nil
}

// buildArgs assembles the CLI argv for one tool call. The prompt comes from
// the "prompt" argument when present; otherwise the whole call is passed as
// a JSON envelope the assistant can interpret.
func (t *CLITransport) buildArgs(tool string, args map[string]any) []string {
	prompt, ok := args["prompt"].(string)
	if !ok || prompt == "" {
		envelope, _ := json.Marshal(map[string]any{"tool": tool, "arguments": args})
		prompt = string(envelope)
	}

	argv := append([]string{}, t.srv.Args...)
	argv = append(argv, "-p", prompt, "--output-format", "stream-json", "--verbose")
	if t.srv.Model != "" {
		argv = append(argv, "--model", t.srv.Model)
	}
	if t.srv.PermissionMode != "" {
		argv = append(argv, "--permission-mode", t.srv.PermissionMode)
	}
	if len(t.srv.AllowedTools) > 0 {
		argv = append(argv, "--allowedTools", strings.Join(t.srv.AllowedTools, ","))
	}
	return argv
}

// resultRecord is the final stream-json record carrying the call outcome.
type resultRecord struct {
	Type    string `json:"type"`
	IsError bool   `json:"is_error"`
	Result  string `json:"result"`
}

// CallTool spawns the CLI, streams its stdout lines to sink, and extracts
// the final result record.
func (t *CLITransport) CallTool(ctx context.Context, tool string, args map[string]any, sink LineSink) (*RawResult, error) {
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if !started {
		return nil, domain.NewProtocolError("CLITransport.CallTool", domain.ErrNotConnected, t.srv.Name)
	}

	cmd := exec.CommandContext(ctx, t.execPath, t.buildArgs(tool, args)...)
	cmd.Env = append(os.Environ(), envSlice(t.srv.Env)...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, domain.NewProtocolError("CLITransport.CallTool", domain.ErrConnection, err.Error())
	}

	if err := cmd.Start(); err != nil {
		return nil, domain.NewProtocolError("CLITransport.CallTool", domain.ErrConnection, err.Error())
	}

	var (
		lines []string
		final *resultRecord
	)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)
	for scanner.Scan() {
		line := scanner.Text()
		lines = append(lines, line)
		if sink != nil {
			sink(line)
		}
		if strings.HasPrefix(strings.TrimSpace(line), "{") {
			var rec resultRecord
			if json.Unmarshal([]byte(line), &rec) == nil && rec.Type == "result" {
				final = &rec
			}
		}
	}

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return nil, domain.NewProtocolError("CLITransport.CallTool", domain.ErrTimeout, tool)
	}

	if final != nil {
		raw, _ := json.Marshal(final)
		return &RawResult{Content: final.Result, Raw: raw, IsError: final.IsError}, nil
	}

	if waitErr != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = waitErr.Error()
		}
		return &RawResult{Content: detail, IsError: true}, nil
	}
	return &RawResult{Content: strings.Join(lines, "\n")}, nil
}

// ListTools returns the tool catalog for a CLI backend. Vendor CLIs do not
// advertise a catalog over the wire, so this reflects the configured
// allowed-tools list.
func (t *CLITransport) ListTools(ctx context.Context) ([]domain.ToolInfo, error) {
	tools := make([]domain.ToolInfo, 0, len(t.srv.AllowedTools))
	for _, name := range t.srv.AllowedTools {
		tools = append(tools, domain.ToolInfo{Name: name})
	}
	return tools, nil
}

// Done is closed when the transport shuts down. CLI subprocesses live per
// call, so only Close closes this channel.
func (t *CLITransport) Done() <-chan struct{} { return t.done }

// Close marks the transport stopped. Safe to call more than once.
func (t *CLITransport) Close() error {
	t.mu.Lock()
	t.started = false
	t.mu.Unlock()
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}
