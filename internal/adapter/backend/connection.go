package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"coderelay/internal/adapter/stream"
	"coderelay/internal/domain"
	"coderelay/internal/infra/tracer"
	"coderelay/internal/usecase/quota"
	"coderelay/internal/usecase/ratelimit"
	"coderelay/internal/usecase/retry"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateClosing      State = "closing"
	StateError        State = "error"
)

// maxErrorDetail bounds how much backend output is carried in error text.
const maxErrorDetail = 500

// Options configures a Connection.
type Options struct {
	Name           string
	DefaultTimeout time.Duration
	ReconnectDelay time.Duration
	Retry          retry.Policy
	RateLimit      ratelimit.Config
	Logger         *slog.Logger
	Bus            domain.EventBus
}

// TransportFactory builds a fresh transport for each (re)connect attempt.
type TransportFactory func() (Transport, error)

type progressSub struct {
	id uint64
	fn domain.ProgressFunc
}

// Health is a point-in-time snapshot of connection health.
type Health struct {
	State     State         `json:"state"`
	Uptime    time.Duration `json:"uptime"`
	Successes uint64        `json:"successes"`
	Failures  uint64        `json:"failures"`
}

// Connection manages the lifecycle of one backend server: the state
// machine, retries, rate limiting, progress dispatch, and quota detection.
// Each connection owns its rate-limit monitor; backend-reported budgets
// never leak across connections.
type Connection struct {
	name           string
	factory        TransportFactory
	defaultTimeout time.Duration
	reconnectDelay time.Duration
	retryPolicy    retry.Policy
	logger         *slog.Logger
	bus            domain.EventBus

	limiter  *ratelimit.Monitor
	detector *quota.Detector

	mu            sync.Mutex
	state         State
	transport     Transport
	validator     *ArgumentValidator
	catalog       []domain.ToolInfo
	gen           uint64        // transport generation; stale exit watchers are ignored
	reconnectStop chan struct{} // closed by Disconnect to cancel a pending reconnect delay

	cbMu      sync.Mutex
	cbNextID  uint64
	callbacks []progressSub

	connectedAt atomic.Int64 // unix nanos, 0 when not connected
	successes   atomic.Uint64
	failures    atomic.Uint64

	now func() time.Time
}

// NewConnection creates a connection in the disconnected state.
func NewConnection(factory TransportFactory, opts Options) *Connection {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 2 * time.Minute
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 2 * time.Second
	}
	return &Connection{
		name:           opts.Name,
		factory:        factory,
		defaultTimeout: opts.DefaultTimeout,
		reconnectDelay: opts.ReconnectDelay,
		retryPolicy:    opts.Retry,
		logger:         opts.Logger,
		bus:            opts.Bus,
		limiter:        ratelimit.New(opts.RateLimit),
		detector:       quota.New(),
		state:          StateDisconnected,
		now:            time.Now,
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect establishes the transport, discovers the tool catalog, and
// compiles argument validators. Connecting an already-connected connection
// is a no-op; a concurrent connect attempt gets ErrConnectionInProgress.
// Transient failures retry with backoff before the connection settles in
// the error state. A handshake that outlives the default timeout fails
// with ErrTimeout.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.mu.Unlock()
		return domain.NewProtocolError("Connection.Connect", domain.ErrConnectionInProgress, c.name)
	}
	from := c.state
	c.state = StateConnecting
	gen := c.gen
	c.mu.Unlock()
	c.publishState(from, StateConnecting)

	ctx, cancel := context.WithTimeout(ctx, c.defaultTimeout)
	defer cancel()

	ctx, span := tracer.StartSpan(ctx, "Connection.Connect")
	span.SetAttributes(tracer.StringAttr("backend.server", c.name))
	defer span.End()

	if err := c.establish(ctx, gen); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, domain.ErrTimeout) {
			err = domain.NewProtocolError("Connection.Connect", domain.ErrTimeout,
				"handshake exceeded "+c.defaultTimeout.String())
		}
		tracer.RecordError(span, err)
		c.abortConnecting(gen)
		return err
	}
	tracer.SetOK(span)
	return nil
}

// establish runs the retrying connect sequence. The caller must have moved
// the state to connecting; gen is the generation observed at that moment.
// The commit is abandoned when the connection was closed in the meantime.
func (c *Connection) establish(ctx context.Context, gen uint64) error {
	type connected struct {
		tr        Transport
		validator *ArgumentValidator
		catalog   []domain.ToolInfo
	}

	result, err := retry.Do(ctx, c.retryPolicy, nil, func(ctx context.Context) (connected, error) {
		tr, err := c.factory()
		if err != nil {
			return connected{}, domain.NewProtocolError("Connection.Connect", domain.ErrConnection, err.Error())
		}
		if err := tr.Start(ctx); err != nil {
			tr.Close()
			return connected{}, err
		}
		catalog, err := tr.ListTools(ctx)
		if err != nil {
			tr.Close()
			return connected{}, err
		}
		validator, err := NewArgumentValidator(catalog)
		if err != nil {
			tr.Close()
			return connected{}, domain.NewProtocolError("Connection.Connect", domain.ErrConnection, err.Error())
		}
		return connected{tr: tr, validator: validator, catalog: catalog}, nil
	})
	if err != nil {
		c.logger.Error("connect failed", "server", c.name, "error", err)
		return err
	}

	c.mu.Lock()
	if c.gen != gen || c.state != StateConnecting {
		// Disconnected while the handshake was in flight.
		c.mu.Unlock()
		result.tr.Close()
		return domain.NewProtocolError("Connection.Connect", domain.ErrConnection,
			"connection closed during connect")
	}
	c.transport = result.tr
	c.validator = result.validator
	c.catalog = result.catalog
	c.state = StateConnected
	c.gen++
	gen = c.gen
	c.mu.Unlock()

	c.connectedAt.Store(c.now().UnixNano())
	c.logger.Info("connected", "server", c.name, "tools", len(result.catalog))
	c.publishState(StateConnecting, StateConnected)

	go c.watchExit(result.tr, gen)
	return nil
}

// Disconnect closes the transport and settles in disconnected. It never
// fails; close errors are logged, disconnecting an idle connection is a
// no-op.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	if c.state == StateDisconnected || c.state == StateClosing {
		c.mu.Unlock()
		return
	}
	from := c.state
	c.state = StateClosing
	tr := c.transport
	c.transport = nil
	c.validator = nil
	c.gen++ // invalidate the exit watcher and any in-flight establish
	if c.reconnectStop != nil {
		close(c.reconnectStop)
		c.reconnectStop = nil
	}
	c.mu.Unlock()

	c.publishState(from, StateClosing)
	if tr != nil {
		if err := tr.Close(); err != nil {
			c.logger.Warn("transport close error", "server", c.name, "error", err)
		}
	}
	c.connectedAt.Store(0)

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	c.publishState(StateClosing, StateDisconnected)
}

// watchExit reconnects when the transport exits while the connection still
// believes it is connected. Reconnects draw from the same retry budget as
// Connect. A Disconnect during the delay cancels the reconnect; the
// generation is re-checked around the delay and again at commit time so a
// stale watcher can never resurrect a closed connection.
func (c *Connection) watchExit(tr Transport, gen uint64) {
	<-tr.Done()

	c.mu.Lock()
	if c.gen != gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.transport = nil
	c.validator = nil
	stop := make(chan struct{})
	c.reconnectStop = stop
	c.mu.Unlock()

	c.connectedAt.Store(0)
	c.logger.Warn("transport exited unexpectedly, reconnecting",
		"server", c.name, "delay", c.reconnectDelay)
	c.publishState(StateConnected, StateConnecting)

	timer := time.NewTimer(c.reconnectDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-stop:
		return
	}

	c.mu.Lock()
	if c.gen != gen || c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.reconnectStop = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.defaultTimeout)
	defer cancel()
	if err := c.establish(ctx, gen); err != nil {
		c.abortConnecting(gen)
	}
}

// abortConnecting settles a failed connect attempt in the error state,
// unless the connection was closed out from under it in the meantime.
func (c *Connection) abortConnecting(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateError
	c.mu.Unlock()
	c.publishState(StateConnecting, StateError)
}

// CallTool executes one tool call end to end: request validation, schema
// validation, rate limiting, retrying transport execution with streaming
// progress, and quota inspection of failure payloads. The returned result
// is non-nil even on failure so callers keep the captured progress events.
func (c *Connection) CallTool(ctx context.Context, req domain.ToolCallRequest) (*domain.ToolCallResult, error) {
	c.mu.Lock()
	state := c.state
	tr := c.transport
	validator := c.validator
	c.mu.Unlock()

	result := &domain.ToolCallResult{
		Tool:      req.Tool,
		SessionID: req.SessionID,
		Timestamp: c.now(),
		Status:    domain.CallPending,
	}

	if state != StateConnected || tr == nil {
		result.SetStatus(domain.CallFailed)
		return result, domain.NewProtocolError("Connection.CallTool", domain.ErrNotConnected, c.name)
	}
	if err := req.Validate(); err != nil {
		result.SetStatus(domain.CallFailed)
		return result, err
	}
	if err := validator.Validate(req.Tool, req.Arguments); err != nil {
		result.SetStatus(domain.CallFailed)
		return result, err
	}

	if !c.limiter.Allowed(req.Tool) {
		wait := c.limiter.WaitTime(req.Tool)
		result.SetStatus(domain.CallFailed)
		return result, &domain.ProtocolError{
			Op:     "Connection.CallTool",
			Err:    domain.ErrRateLimit,
			Detail: fmt.Sprintf("tool %q over budget, retry in %s", req.Tool, quota.FormatDuration(wait)),
			Wait:   wait,
		}
	}
	c.limiter.Record(req.Tool)

	timeout := req.Timeout
	if timeout == 0 {
		timeout = c.defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	callCtx, span := tracer.StartSpan(callCtx, "Connection.CallTool")
	span.SetAttributes(
		tracer.StringAttr("backend.server", c.name),
		tracer.StringAttr("tool.name", req.Tool),
	)
	defer span.End()

	c.publishTool(domain.EventToolStart, req.SessionID, domain.ToolCallPayload{
		Tool:      req.Tool,
		SessionID: req.SessionID,
	})

	parser := stream.NewParser(req.SessionID, c.name)
	started := c.now()
	result.SetStatus(domain.CallRunning)

	raw, err := retry.Do(callCtx, c.retryPolicy, nil, func(ctx context.Context) (*RawResult, error) {
		// Each attempt streams from scratch.
		parser.Reset()
		result.Events = result.Events[:0]
		return tr.CallTool(ctx, req.Tool, req.Arguments, func(line string) {
			ev, ok := parser.ParseLine(line)
			if !ok {
				return
			}
			result.Events = append(result.Events, ev)
			c.dispatchProgress(ev)
		})
	})
	result.Duration = c.now().Sub(started)

	if err != nil {
		// A deadline that fires between attempts surfaces as a bare
		// context error; map it to the timeout kind callers match on.
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, domain.ErrTimeout) {
			err = domain.NewProtocolError("Connection.CallTool", domain.ErrTimeout,
				"tool "+req.Tool+" exceeded "+timeout.String())
		}
		return c.finishFailed(result, span, err)
	}

	result.Content = raw.Content
	result.Raw = raw.Raw

	if raw.IsError {
		return c.finishFailed(result, span, c.classifyFailure(req.Tool, raw.Content))
	}

	result.Success = true
	result.SetStatus(domain.CallCompleted)
	c.successes.Add(1)
	tracer.SetOK(span)
	c.publishTool(domain.EventToolComplete, req.SessionID, domain.ToolCallPayload{
		Tool:      req.Tool,
		SessionID: req.SessionID,
		Success:   true,
		Duration:  result.Duration,
		Status:    result.Status,
	})
	return result, nil
}

// classifyFailure turns a backend-reported failure payload into the right
// error. Quota-limit messages become rate-limit errors carrying the
// computed wait so wait-policy callers know how long to sleep.
func (c *Connection) classifyFailure(tool, content string) error {
	info := c.detector.Detect(content)
	if info.Detected {
		if info.ResetTime != nil {
			c.limiter.Update(0, *info.ResetTime)
		}
		c.publishQuota(info)
		return &domain.ProtocolError{
			Op:     "Connection.CallTool",
			Err:    domain.ErrRateLimit,
			Detail: fmt.Sprintf("usage limit reached, resets in %s", quota.FormatDuration(info.SleepDuration)),
			Wait:   info.SleepDuration,
		}
	}
	return domain.NewProtocolError("Connection.CallTool", domain.ErrToolExecution,
		truncate(content, maxErrorDetail)+" (tool "+tool+")")
}

// finishFailed settles a failed call: status, counters, span, tool:error
// event.
func (c *Connection) finishFailed(result *domain.ToolCallResult, span trace.Span, err error) (*domain.ToolCallResult, error) {
	if errors.Is(err, domain.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		result.SetStatus(domain.CallTimeout)
	} else {
		result.SetStatus(domain.CallFailed)
	}
	c.failures.Add(1)
	tracer.RecordError(span, err)
	c.publishTool(domain.EventToolError, result.SessionID, domain.ToolCallPayload{
		Tool:      result.Tool,
		SessionID: result.SessionID,
		Duration:  result.Duration,
		Status:    result.Status,
		Error:     err.Error(),
	})
	return result, err
}

// dispatchProgress invokes registered callbacks synchronously, in
// registration order. A panicking callback is recovered and logged; it
// never breaks the stream for the others.
func (c *Connection) dispatchProgress(ev domain.ProgressEvent) {
	c.cbMu.Lock()
	subs := make([]progressSub, len(c.callbacks))
	copy(subs, c.callbacks)
	c.cbMu.Unlock()

	for _, sub := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("progress callback panicked",
						"server", c.name, "panic", r)
				}
			}()
			sub.fn(ev)
		}()
	}
}

// OnProgress registers a progress callback and returns an unsubscribe
// function.
func (c *Connection) OnProgress(fn domain.ProgressFunc) func() {
	c.cbMu.Lock()
	c.cbNextID++
	id := c.cbNextID
	c.callbacks = append(c.callbacks, progressSub{id: id, fn: fn})
	c.cbMu.Unlock()

	return func() {
		c.cbMu.Lock()
		defer c.cbMu.Unlock()
		for i, sub := range c.callbacks {
			if sub.id == id {
				c.callbacks = append(c.callbacks[:i], c.callbacks[i+1:]...)
				return
			}
		}
	}
}

// Tools returns the catalog discovered at connect time.
func (c *Connection) Tools() []domain.ToolInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	tools := make([]domain.ToolInfo, len(c.catalog))
	copy(tools, c.catalog)
	return tools
}

// ListTools queries the backend for its current tool catalog. Unlike
// Tools it goes to the transport, so the listing reflects tools added or
// removed since connect; protocol failures surface as ErrToolExecution.
func (c *Connection) ListTools(ctx context.Context) ([]domain.ToolInfo, error) {
	c.mu.Lock()
	state := c.state
	tr := c.transport
	c.mu.Unlock()

	if state != StateConnected || tr == nil {
		return nil, domain.NewProtocolError("Connection.ListTools", domain.ErrNotConnected, c.name)
	}
	tools, err := tr.ListTools(ctx)
	if err != nil {
		return nil, domain.NewProtocolError("Connection.ListTools", domain.ErrToolExecution, err.Error())
	}
	return tools, nil
}

// Health returns a snapshot of connection health.
func (c *Connection) Health() Health {
	h := Health{
		State:     c.State(),
		Successes: c.successes.Load(),
		Failures:  c.failures.Load(),
	}
	if at := c.connectedAt.Load(); at > 0 {
		h.Uptime = c.now().Sub(time.Unix(0, at))
	}
	return h
}

// RateLimitWait reports how long a call for tool would have to wait now.
func (c *Connection) RateLimitWait(tool string) time.Duration {
	return c.limiter.WaitTime(tool)
}

func (c *Connection) publishState(from, to State) {
	if c.bus == nil {
		return
	}
	payload, _ := json.Marshal(domain.ConnectionStatePayload{
		Connection: c.name,
		From:       string(from),
		To:         string(to),
	})
	c.bus.Publish(context.Background(), domain.Event{
		Type:      domain.EventConnectionState,
		Timestamp: c.now(),
		Payload:   payload,
	})
}

func (c *Connection) publishTool(t domain.EventType, sessionID string, payload domain.ToolCallPayload) {
	if c.bus == nil {
		return
	}
	payload.Backend = c.name
	raw, _ := json.Marshal(payload)
	c.bus.Publish(context.Background(), domain.Event{
		Type:      t,
		Timestamp: c.now(),
		SessionID: sessionID,
		Payload:   raw,
	})
}

func (c *Connection) publishQuota(info quota.Info) {
	if c.bus == nil {
		return
	}
	raw, _ := json.Marshal(map[string]any{
		"source":   string(info.Source),
		"sleep":    info.SleepDuration.String(),
		"timezone": info.Timezone,
	})
	c.bus.Publish(context.Background(), domain.Event{
		Type:      domain.EventQuotaDetected,
		Timestamp: c.now(),
		Payload:   raw,
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
