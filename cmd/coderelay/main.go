package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"coderelay/internal/adapter/backend"
	"coderelay/internal/adapter/history"
	"coderelay/internal/domain"
	"coderelay/internal/infra/config"
	"coderelay/internal/infra/logger"
	"coderelay/internal/infra/tracer"
	"coderelay/internal/usecase"
	"coderelay/internal/usecase/eventbus"
	"coderelay/internal/usecase/ratelimit"
	"coderelay/internal/usecase/retry"
)

func main() {
	// Handle help flag first
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "call":
		if err := runCall(); err != nil {
			fmt.Fprintf(os.Stderr, "call: %v\n", err)
			os.Exit(1)
		}
	case "tools":
		if err := runTools(); err != nil {
			fmt.Fprintf(os.Stderr, "tools: %v\n", err)
			os.Exit(1)
		}
	case "doctor":
		if err := runDoctor(); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'coderelay --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`coderelay - resilient client for AI coding-assistant backends

USAGE:
    coderelay [COMMAND] [FLAGS]

COMMANDS:
    call SERVER TOOL [ARGS-JSON]   Invoke one tool and stream its progress
    tools SERVER                   List the tools a backend exposes
    doctor                         Check that configured backends resolve

    (no command) - Connect every configured backend and relay until stopped

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./coderelay.yaml)
    --session ID       Session id to attribute calls to
    --timeout DUR      Per-call timeout override (e.g. 90s, 5m)

CONFIGURATION:
    Config file: ./coderelay.yaml
    Environment: CODERELAY_* variables override config

EXAMPLES:
    coderelay doctor
    coderelay tools claude
    coderelay call claude review '{"path":"main.go"}'
    coderelay --config /etc/coderelay.yaml`)
}

type cliFlags struct {
	ConfigPath string
	SessionID  string
	Timeout    time.Duration
	Args       []string // positional args after the command
}

func parseFlags(argv []string) cliFlags {
	flags := cliFlags{ConfigPath: "coderelay.yaml"}
	for i := 0; i < len(argv); i++ {
		switch argv[i] {
		case "--config":
			if i+1 < len(argv) {
				i++
				flags.ConfigPath = argv[i]
			}
		case "--session":
			if i+1 < len(argv) {
				i++
				flags.SessionID = argv[i]
			}
		case "--timeout":
			if i+1 < len(argv) {
				i++
				if d, err := time.ParseDuration(argv[i]); err == nil {
					flags.Timeout = d
				}
			}
		default:
			if !strings.HasPrefix(argv[i], "-") {
				flags.Args = append(flags.Args, argv[i])
			}
		}
	}
	return flags
}

// runtime holds the shared wiring behind every command.
type runtime struct {
	cfg      *config.Config
	log      *slog.Logger
	bus      *eventbus.Bus
	registry *backend.Registry
	store    *history.Store

	cleanup []func()
}

func (rt *runtime) close() {
	for i := len(rt.cleanup) - 1; i >= 0; i-- {
		rt.cleanup[i]()
	}
}

func initRuntime(ctx context.Context, flags cliFlags) (*runtime, error) {
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	rt := &runtime{cfg: cfg, log: log}
	rt.cleanup = append(rt.cleanup, func() { logCloser() })

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("tracer: %w", err)
	}
	rt.cleanup = append(rt.cleanup, func() { tracerShutdown(context.Background()) })

	rt.bus = eventbus.New(log)
	rt.cleanup = append(rt.cleanup, rt.bus.Close)

	rt.registry = backend.NewRegistry(cfg)

	if cfg.History.Enabled {
		store, err := history.Open(cfg.History.Path)
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("history: %w", err)
		}
		rt.store = store
		rt.cleanup = append(rt.cleanup, func() {
			if err := store.Close(); err != nil {
				log.Error("close history store", "error", err)
			}
		})
		rt.recordFinishedCalls()
	}

	return rt, nil
}

// recordFinishedCalls persists every finished tool call off the event bus.
func (rt *runtime) recordFinishedCalls() {
	record := func(ctx context.Context, ev domain.Event) {
		var p domain.ToolCallPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return
		}
		err := rt.store.Record(ctx, history.Record{
			SessionID: p.SessionID,
			Backend:   p.Backend,
			Tool:      p.Tool,
			Status:    string(p.Status),
			Success:   p.Success,
			Duration:  p.Duration,
			Content:   p.Error,
			CreatedAt: ev.Timestamp,
		})
		if err != nil {
			rt.log.Error("record tool call", "tool", p.Tool, "error", err)
		}
	}
	rt.bus.Subscribe(domain.EventToolComplete, record)
	rt.bus.Subscribe(domain.EventToolError, record)
}

// connection builds a Connection for the named server, wiring the transport
// through the circuit breaker.
func (rt *runtime) connection(name string) (*backend.Connection, error) {
	srv, execPath, err := rt.registry.Resolve(name)
	if err != nil {
		return nil, err
	}

	factory := func() (backend.Transport, error) {
		var tr backend.Transport
		switch srv.Transport {
		case "cli":
			tr = backend.NewCLITransport(srv, execPath, rt.log)
		default:
			tr = backend.NewMCPTransport(srv, execPath, rt.log)
		}
		return backend.NewBreakerTransport(srv.Name, tr, backend.BreakerConfig{}, rt.log), nil
	}

	return backend.NewConnection(factory, backend.Options{
		Name:           srv.Name,
		DefaultTimeout: rt.cfg.Client.DefaultTimeout,
		ReconnectDelay: rt.cfg.Client.ReconnectDelay,
		Retry: retry.Policy{
			MaxRetries:    rt.cfg.Retry.MaxRetries,
			BaseDelay:     rt.cfg.Retry.BaseDelay,
			MaxDelay:      rt.cfg.Retry.MaxDelay,
			BackoffFactor: rt.cfg.Retry.BackoffFactor,
			Jitter:        rt.cfg.Retry.Jitter,
		},
		RateLimit: ratelimit.Config{
			MaxPerTool: rt.cfg.RateLimit.MaxPerTool,
			Window:     rt.cfg.RateLimit.Window,
			PaceRPS:    rt.cfg.RateLimit.PaceRPS,
			PaceBurst:  rt.cfg.RateLimit.PaceBurst,
		},
		Logger: rt.log,
		Bus:    rt.bus,
	}), nil
}

func run() error {
	flags := parseFlags(os.Args[1:])

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := initRuntime(ctx, flags)
	if err != nil {
		return err
	}
	defer rt.close()

	if len(rt.cfg.Servers) == 0 {
		return fmt.Errorf("no servers configured in %s", flags.ConfigPath)
	}

	sessions := usecase.NewSessionManager(rt.bus)

	var conns []*backend.Connection
	for _, name := range rt.registry.Names() {
		conn, err := rt.connection(name)
		if err != nil {
			return err
		}
		if err := conn.Connect(ctx); err != nil {
			rt.log.Error("connect failed", "server", name, "error", err)
			continue
		}
		rt.log.Info("backend connected", "server", name, "tools", len(conn.Tools()))
		conns = append(conns, conn)
	}
	if len(conns) == 0 {
		return fmt.Errorf("no backend could be connected")
	}
	defer func() {
		for _, conn := range conns {
			conn.Disconnect()
		}
	}()

	jobs := cron.New()
	_, err = jobs.AddFunc(rt.cfg.Sessions.CleanupSchedule, func() {
		if n := sessions.CleanupIdle(rt.cfg.Sessions.IdleThreshold); n > 0 {
			rt.log.Info("idle sessions cleaned", "count", n)
		}
	})
	if err != nil {
		return fmt.Errorf("session cleanup schedule: %w", err)
	}
	if rt.store != nil {
		_, err = jobs.AddFunc(rt.cfg.History.PruneSchedule, func() {
			cutoff := time.Now().Add(-rt.cfg.History.Retention)
			n, err := rt.store.Prune(context.Background(), cutoff)
			if err != nil {
				rt.log.Error("history prune", "error", err)
				return
			}
			if n > 0 {
				rt.log.Info("history pruned", "removed", n)
			}
		})
		if err != nil {
			return fmt.Errorf("history prune schedule: %w", err)
		}
	}
	jobs.Start()
	defer jobs.Stop()

	rt.log.Info("coderelay running", "backends", len(conns))
	<-ctx.Done()
	rt.log.Info("shutting down")
	return nil
}

func runCall() error {
	flags := parseFlags(os.Args[2:])
	if len(flags.Args) < 2 {
		return fmt.Errorf("usage: coderelay call SERVER TOOL [ARGS-JSON]")
	}
	server, tool := flags.Args[0], flags.Args[1]

	var args map[string]any
	if len(flags.Args) >= 3 {
		if err := json.Unmarshal([]byte(flags.Args[2]), &args); err != nil {
			return fmt.Errorf("parse args: %w", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := initRuntime(ctx, flags)
	if err != nil {
		return err
	}
	defer rt.close()

	sessions := usecase.NewSessionManager(rt.bus)
	sess := sessions.Create(flags.SessionID, "", nil)
	if err := sessions.BeginCall(sess.ID, tool); err != nil {
		return err
	}

	conn, err := rt.connection(server)
	if err != nil {
		return err
	}
	if err := conn.Connect(ctx); err != nil {
		return err
	}
	defer conn.Disconnect()

	unsubscribe := conn.OnProgress(func(ev domain.ProgressEvent) {
		fmt.Fprintf(os.Stderr, "[%s #%d] %s: %s\n", ev.Backend, ev.Seq, ev.Kind, ev.Content)
	})
	defer unsubscribe()

	result, err := conn.CallTool(ctx, domain.ToolCallRequest{
		Tool:      tool,
		Arguments: args,
		SessionID: sess.ID,
		Timeout:   flags.Timeout,
	})
	sessions.EndCall(sess.ID, tool)
	sessions.Complete(sess.ID)
	if err != nil {
		return err
	}

	fmt.Println(result.Content)
	fmt.Fprintf(os.Stderr, "done in %s (%d events)\n", result.Duration.Round(time.Millisecond), len(result.Events))
	return nil
}

func runTools() error {
	flags := parseFlags(os.Args[2:])
	if len(flags.Args) < 1 {
		return fmt.Errorf("usage: coderelay tools SERVER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := initRuntime(ctx, flags)
	if err != nil {
		return err
	}
	defer rt.close()

	conn, err := rt.connection(flags.Args[0])
	if err != nil {
		return err
	}
	if err := conn.Connect(ctx); err != nil {
		return err
	}
	defer conn.Disconnect()

	tools, err := conn.ListTools(ctx)
	if err != nil {
		return err
	}
	for _, t := range tools {
		if t.Description != "" {
			fmt.Printf("%-24s %s\n", t.Name, t.Description)
		} else {
			fmt.Println(t.Name)
		}
	}
	return nil
}

func runDoctor() error {
	flags := parseFlags(os.Args[2:])

	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	registry := backend.NewRegistry(cfg)

	names := registry.Names()
	if len(names) == 0 {
		fmt.Println("no servers configured")
		return nil
	}

	failed := 0
	for _, name := range names {
		srv, execPath, err := registry.Resolve(name)
		if err != nil {
			failed++
			fmt.Printf("✗ %s: %v\n", name, err)
			var perr *domain.ProtocolError
			if errors.As(err, &perr) {
				for _, s := range perr.Suggestions {
					fmt.Printf("    %s\n", s)
				}
			}
			continue
		}
		fmt.Printf("✓ %s (%s via %s)\n", name, execPath, srv.Transport)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d backends unavailable", failed, len(names))
	}
	return nil
}
