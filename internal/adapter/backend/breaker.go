package backend

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"coderelay/internal/domain"
)

// Default circuit breaker settings.
const (
	defaultBreakerMaxFailures uint32        = 5
	defaultBreakerTimeout     time.Duration = 30 * time.Second
	defaultBreakerInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures the transport circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32 `yaml:"max_failures"`
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration `yaml:"timeout"`
	// Interval is the cyclic period of the closed state for clearing failure counts.
	Interval time.Duration `yaml:"interval"`
}

// BreakerTransport wraps a Transport with a circuit breaker. When the
// backend subprocess fails repeatedly, the circuit opens and calls fail
// fast instead of hammering a dead process.
type BreakerTransport struct {
	inner   Transport
	breaker *gobreaker.CircuitBreaker[*RawResult]
	logger  *slog.Logger
}

var _ Transport = (*BreakerTransport)(nil)

// NewBreakerTransport wraps inner with a circuit breaker. Zero-valued cfg
// fields fall back to defaults.
func NewBreakerTransport(name string, inner Transport, cfg BreakerConfig, logger *slog.Logger) *BreakerTransport {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}

	cb := gobreaker.NewCircuitBreaker[*RawResult](gobreaker.Settings{
		Name:        "backend:" + name,
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// Validation failures are the caller's fault, not the backend's.
			return err == nil || errors.Is(err, domain.ErrValidation)
		},
	})

	return &BreakerTransport{inner: inner, breaker: cb, logger: logger}
}

func (b *BreakerTransport) Start(ctx context.Context) error {
	return b.inner.Start(ctx)
}

// CallTool routes the call through the circuit breaker.
func (b *BreakerTransport) CallTool(ctx context.Context, tool string, args map[string]any, sink LineSink) (*RawResult, error) {
	result, err := b.breaker.Execute(func() (*RawResult, error) {
		return b.inner.CallTool(ctx, tool, args, sink)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, domain.NewProtocolError("BreakerTransport.CallTool",
				domain.ErrConnection, "circuit open: "+err.Error())
		}
		return nil, err
	}
	return result, nil
}

func (b *BreakerTransport) ListTools(ctx context.Context) ([]domain.ToolInfo, error) {
	return b.inner.ListTools(ctx)
}

func (b *BreakerTransport) Done() <-chan struct{} { return b.inner.Done() }

func (b *BreakerTransport) Close() error { return b.inner.Close() }

// State returns the current circuit state for monitoring.
func (b *BreakerTransport) State() gobreaker.State { return b.breaker.State() }

// Counts returns the current failure/success counts.
func (b *BreakerTransport) Counts() gobreaker.Counts { return b.breaker.Counts() }
