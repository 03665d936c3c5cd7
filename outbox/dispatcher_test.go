package outbox_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	es "github.com/tccloudgames/eventsourcing"
	"github.com/tccloudgames/eventsourcing/eventstore/memory"
	"github.com/tccloudgames/eventsourcing/fixtures"
	"github.com/tccloudgames/eventsourcing/outbox"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var quiet = outbox.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))

func createGames(t *testing.T, store es.Store, n int) {
	t.Helper()
	registry := es.NewMessageTypeRegistry()
	fixtures.RegisterMessageTypes(registry)
	handle := es.NewCommandHandler(store, fixtures.NewGameAggregate, fixtures.DecideCreateGame,
		es.WithRepositoryOptions(es.WithMessageTypes(registry)))
	for range n {
		if _, err := handle(t.Context(), fixtures.CreateGameCommand{ID: uuid.New(), Name: "Go", Price: 1}); err != nil {
			t.Fatalf("create game: %v", err)
		}
	}
}

func TestDispatchOnce(t *testing.T) {
	store := memory.NewStore()
	createGames(t, store, 2)
	broker := fixtures.NewBrokerSpy()
	d := outbox.NewDispatcher(store, broker, outbox.Config{}, quiet)

	res, err := d.DispatchOnce(t.Context())
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Published != 2 || res.Failed != 0 {
		t.Errorf("result = %+v", res)
	}
	for _, msg := range broker.Messages() {
		if msg.RoutingKey != "game.gamecreated" || msg.MessageType != "EventContextGameCreatedIntegrationEvent" {
			t.Errorf("published %+v", msg)
		}
	}
	for _, row := range store.OutboxMessages() {
		if row.PublishedAt == nil {
			t.Errorf("row %s not marked published", row.ID)
		}
	}

	res, _ = d.DispatchOnce(t.Context())
	if res.Published != 0 {
		t.Errorf("published rows were dispatched again: %+v", res)
	}
}

func TestDispatchOnce_RetriesUntilMaxAttempts(t *testing.T) {
	store := memory.NewStore()
	createGames(t, store, 1)
	broker := fixtures.NewBrokerSpy().FailOnPublish(errors.New("broker down"))
	d := outbox.NewDispatcher(store, broker, outbox.Config{MaxAttempts: 2}, quiet)

	for i := range 3 {
		res, err := d.DispatchOnce(t.Context())
		if err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
		want := 1
		if i == 2 {
			want = 0
		}
		if res.Failed != want {
			t.Errorf("dispatch %d: failed = %d, want %d", i, res.Failed, want)
		}
	}

	row := store.OutboxMessages()[0]
	if row.Attempts != 2 || row.LastError != "broker down" || row.PublishedAt != nil {
		t.Errorf("row = %+v", row)
	}
}

func TestDispatchOnce_RestoresTraceContext(t *testing.T) {
	store := memory.NewStore()
	session, _ := store.OpenSession(t.Context())
	_ = session.Enlist(t.Context(), es.OutboxMessage{
		ID:    uuid.New(),
		Trace: map[string]string{"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"},
	})
	if err := session.SaveChanges(t.Context()); err != nil {
		t.Fatalf("save: %v", err)
	}

	var traceID string
	broker := fixtures.NewBrokerSpy()
	broker.PublishFn = func(ctx context.Context, msg es.OutboxMessage) error {
		traceID = trace.SpanContextFromContext(ctx).TraceID().String()
		return nil
	}

	d := outbox.NewDispatcher(store, broker, outbox.Config{}, quiet, outbox.WithPropagator(propagation.TraceContext{}))
	if _, err := d.DispatchOnce(t.Context()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if traceID != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace id = %q", traceID)
	}
}

func TestDispatchOnce_PublishTimeout(t *testing.T) {
	store := memory.NewStore()
	createGames(t, store, 1)

	broker := fixtures.NewBrokerSpy()
	broker.PublishFn = func(ctx context.Context, msg es.OutboxMessage) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Errorf("publish context has no deadline")
		}
		return nil
	}

	d := outbox.NewDispatcher(store, broker, outbox.Config{PublishTimeout: time.Second}, quiet)
	if _, err := d.DispatchOnce(t.Context()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
}

func TestDispatchOnce_ShutdownDoesNotSpendAttempts(t *testing.T) {
	store := memory.NewStore()
	createGames(t, store, 1)

	blocking := fixtures.NewBrokerSpy()
	blocking.PublishFn = func(ctx context.Context, msg es.OutboxMessage) error {
		<-ctx.Done()
		return ctx.Err()
	}
	d := outbox.NewDispatcher(store, blocking, outbox.Config{MaxAttempts: 3}, quiet)
	for i := range 3 {
		ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
		_, err := d.DispatchOnce(ctx)
		cancel()
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("dispatch %d: err = %v, want context.DeadlineExceeded", i, err)
		}
	}
	if row := store.OutboxMessages()[0]; row.Attempts != 0 || row.LastError != "" {
		t.Errorf("interrupted publishes counted: %+v", row)
	}

	broker := fixtures.NewBrokerSpy()
	res, err := outbox.NewDispatcher(store, broker, outbox.Config{MaxAttempts: 3}, quiet).DispatchOnce(t.Context())
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Published != 1 || len(broker.Messages()) != 1 {
		t.Errorf("result = %+v, want the message published once the relay is healthy", res)
	}
}

func TestRun_StopsWithContext(t *testing.T) {
	store := memory.NewStore()
	createGames(t, store, 3)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	broker := fixtures.NewBrokerSpy()
	d := outbox.NewDispatcher(store, broker, outbox.Config{PollInterval: 5 * time.Millisecond}, quiet)

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for len(broker.Messages()) < 3 {
		select {
		case <-deadline:
			t.Fatalf("published %d of 3 messages", len(broker.Messages()))
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}

type failingSource struct {
	calls int
	err   error
}

func (s *failingSource) Pending(context.Context, es.PendingOptions, func(context.Context, es.OutboxMessage) error) (es.DispatchResult, error) {
	s.calls++
	return es.DispatchResult{}, s.err
}

func TestRun_BacksOffOnSourceErrors(t *testing.T) {
	source := &failingSource{err: errors.New("database unavailable")}
	d := outbox.NewDispatcher(source, fixtures.NewBrokerSpy(), outbox.Config{}, quiet,
		outbox.WithBackOff(func() backoff.BackOff {
			return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
		}),
	)

	err := d.Run(t.Context())
	if !errors.Is(err, source.err) {
		t.Fatalf("Run returned %v, want source error", err)
	}
	if source.calls != 3 {
		t.Errorf("calls = %d, want 3", source.calls)
	}
}
