package eventbus

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"coderelay/internal/domain"
)

func BenchmarkEventBusPublish(b *testing.B) {
	bus := New(slog.Default())
	ctx := context.Background()
	event := domain.Event{
		Type:      domain.EventToolComplete,
		Timestamp: time.Now(),
		SessionID: "bench-session",
	}

	bus.Subscribe(domain.EventToolComplete, func(_ context.Context, _ domain.Event) {})

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		bus.Publish(ctx, event)
	}

	bus.Close()
}

func BenchmarkEventBusPublishMultipleSubscribers(b *testing.B) {
	bus := New(slog.Default())
	ctx := context.Background()
	event := domain.Event{
		Type:      domain.EventToolComplete,
		Timestamp: time.Now(),
		SessionID: "bench-session",
	}

	for i := 0; i < 10; i++ {
		bus.Subscribe(domain.EventToolComplete, func(_ context.Context, _ domain.Event) {})
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		bus.Publish(ctx, event)
	}

	bus.Close()
}

func BenchmarkEventBusPublishNoSubscribers(b *testing.B) {
	bus := New(slog.Default())
	ctx := context.Background()
	event := domain.Event{
		Type:      domain.EventToolComplete,
		Timestamp: time.Now(),
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		bus.Publish(ctx, event)
	}

	bus.Close()
}
