// Package storetest holds the behaviour every eventsourcing.Store
// implementation must share. Store packages call Run from their tests.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	es "github.com/tccloudgames/eventsourcing"
	"github.com/tccloudgames/eventsourcing/fixtures"
	"github.com/tccloudgames/eventsourcing/outbox"
)

// Store is a store with an outbox the dispatcher can drain.
type Store interface {
	es.Store
	outbox.Source
}

// Factory returns an empty store. It is called once per sub-test.
type Factory func(t *testing.T) Store

var occurred = time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

// Run executes the shared store behaviour against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, store Store)
	}{
		{"StartAndLoad", testStartAndLoad},
		{"StagedWritesInvisible", testStagedWritesInvisible},
		{"StartExistingConflicts", testStartExistingConflicts},
		{"AppendExpectedStates", testAppendExpectedStates},
		{"FlushRechecksConcurrency", testFlushRechecksConcurrency},
		{"FlushIsAtomic", testFlushIsAtomic},
		{"CancelledFlushDiscards", testCancelledFlushDiscards},
		{"BatchOutcome", testBatchOutcome},
		{"DeleteStream", testDeleteStream},
		{"StreamIDs", testStreamIDs},
		{"ClosedSession", testClosedSession},
		{"ConcurrentAppends", testConcurrentAppends},
		{"PendingOutbox", testPendingOutbox},
		{"PendingLimit", testPendingLimit},
		{"PendingCancelledPublish", testPendingCancelledPublish},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t)
			t.Cleanup(func() { _ = store.Close() })
			tt.fn(t, store)
		})
	}
}

func records(id uuid.UUID, events ...es.DomainEvent) []es.Record {
	out := make([]es.Record, len(events))
	for i, ev := range events {
		out[i] = es.Record{
			EventID:    uuid.New(),
			StreamID:   id,
			Event:      ev,
			Metadata:   map[string]any{es.MetadataCorrelationID: "corr-1"},
			OccurredAt: occurred,
		}
	}
	return out
}

func created(id uuid.UUID, name string) es.DomainEvent {
	return fixtures.GameCreatedDomainEvent{BaseDomainEvent: es.BaseDomainEvent{Aggregate: id, Occurred: occurred}, Name: name, Price: 10}
}

func priced(id uuid.UUID, price float64) es.DomainEvent {
	return fixtures.GamePriceChangedDomainEvent{BaseDomainEvent: es.BaseDomainEvent{Aggregate: id, Occurred: occurred}, Price: price}
}

func message(id uuid.UUID) es.OutboxMessage {
	return es.OutboxMessage{
		ID:            uuid.New(),
		MessageType:   "EventContextGameCreatedIntegrationEvent",
		RoutingKey:    "game.gamecreated",
		AggregateType: "GameAggregate",
		AggregateID:   id,
		Headers:       map[string]string{es.HeaderAggregateID: id.String()},
		Payload:       []byte(`{"eventData":{}}`),
		Trace:         map[string]string{"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"},
	}
}

func open(t *testing.T, store Store) es.Session {
	t.Helper()
	s, err := store.OpenSession(t.Context())
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func load(t *testing.T, s es.Session, id uuid.UUID) []*es.Record {
	t.Helper()
	iter, err := s.LoadStream(t.Context(), id)
	if err != nil {
		t.Fatalf("load stream %s: %v", id, err)
	}
	out, err := iter.All(t.Context())
	if err != nil {
		t.Fatalf("iterate stream %s: %v", id, err)
	}
	return out
}

func start(t *testing.T, store Store, id uuid.UUID, events ...es.DomainEvent) {
	t.Helper()
	s := open(t, store)
	if err := s.StartStream(t.Context(), id, "GameAggregate", records(id, events...)); err != nil {
		t.Fatalf("start stream: %v", err)
	}
	if err := s.SaveChanges(t.Context()); err != nil {
		t.Fatalf("save changes: %v", err)
	}
}

// drain publishes every pending message and returns them in order.
func drain(t *testing.T, store Store) []es.OutboxMessage {
	t.Helper()
	var out []es.OutboxMessage
	_, err := store.Pending(t.Context(), es.PendingOptions{}, func(_ context.Context, msg es.OutboxMessage) error {
		out = append(out, msg)
		return nil
	})
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	return out
}

func testStartAndLoad(t *testing.T, store Store) {
	id := uuid.New()
	start(t, store, id, created(id, "Chess"), priced(id, 12))

	got := load(t, open(t, store), id)
	if len(got) != 2 {
		t.Fatalf("records = %d, want 2", len(got))
	}
	for i, rec := range got {
		if rec.Version != uint64(i+1) {
			t.Errorf("records[%d].Version = %d", i, rec.Version)
		}
		if rec.StreamID != id || rec.AggregateType != "GameAggregate" {
			t.Errorf("records[%d] = stream %s type %q", i, rec.StreamID, rec.AggregateType)
		}
		if !rec.OccurredAt.Equal(occurred) {
			t.Errorf("records[%d].OccurredAt = %v", i, rec.OccurredAt)
		}
		if rec.Metadata[es.MetadataCorrelationID] != "corr-1" {
			t.Errorf("records[%d].Metadata = %v", i, rec.Metadata)
		}
	}
	ev, ok := got[0].Event.(fixtures.GameCreatedDomainEvent)
	if !ok || ev.Name != "Chess" || ev.AggregateID() != id {
		t.Errorf("first event = %#v", got[0].Event)
	}
	if ev, ok := got[1].Event.(fixtures.GamePriceChangedDomainEvent); !ok || ev.Price != 12 {
		t.Errorf("second event = %#v", got[1].Event)
	}

	_, err := open(t, store).LoadStream(t.Context(), uuid.New())
	if !errors.Is(err, es.ErrStreamNotFound) {
		t.Errorf("missing stream: err = %v", err)
	}
}

func testStagedWritesInvisible(t *testing.T, store Store) {
	id := uuid.New()
	s := open(t, store)
	other := open(t, store)

	if err := s.StartStream(t.Context(), id, "GameAggregate", records(id, created(id, "Go"))); err != nil {
		t.Fatalf("start stream: %v", err)
	}
	if v, exists, err := s.StreamVersion(t.Context(), id); err != nil || !exists || v != 1 {
		t.Errorf("own view = %d, %v, %v", v, exists, err)
	}
	if _, exists, _ := other.StreamVersion(t.Context(), id); exists {
		t.Errorf("staged stream visible to another session")
	}
	if _, err := other.LoadStream(t.Context(), id); !errors.Is(err, es.ErrStreamNotFound) {
		t.Errorf("staged stream loadable: %v", err)
	}

	if err := s.SaveChanges(t.Context()); err != nil {
		t.Fatalf("save changes: %v", err)
	}
	if v, exists, _ := other.StreamVersion(t.Context(), id); !exists || v != 1 {
		t.Errorf("after flush = %d, %v", v, exists)
	}
}

func testStartExistingConflicts(t *testing.T, store Store) {
	id := uuid.New()
	start(t, store, id, created(id, "Go"))

	err := open(t, store).StartStream(t.Context(), id, "GameAggregate", records(id, created(id, "Again")))
	var conflict *es.ConcurrencyConflictError
	if !errors.As(err, &conflict) || conflict.Actual != 1 {
		t.Errorf("err = %v, want conflict at version 1", err)
	}
}

func testAppendExpectedStates(t *testing.T, store Store) {
	id := uuid.New()
	start(t, store, id, created(id, "Go"))

	tests := []struct {
		name     string
		expected es.StreamState
		conflict bool
	}{
		{"any", es.Any{}, false},
		{"exists", es.StreamExists{}, false},
		{"explicit match", es.ExplicitRevision(1), false},
		{"explicit stale", es.ExplicitRevision(0), true},
		{"explicit ahead", es.ExplicitRevision(2), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := open(t, store)
			err := s.Append(t.Context(), id, tt.expected, records(id, priced(id, 1)))
			if got := errors.Is(err, es.ErrConcurrencyConflict); got != tt.conflict {
				t.Errorf("err = %v, conflict = %v", err, tt.conflict)
			}
			s.Discard()
		})
	}

	err := open(t, store).Append(t.Context(), uuid.New(), es.Any{}, records(id, priced(id, 1)))
	if !errors.Is(err, es.ErrStreamNotFound) {
		t.Errorf("append to missing stream: err = %v", err)
	}
}

func testFlushRechecksConcurrency(t *testing.T, store Store) {
	id := uuid.New()
	start(t, store, id, created(id, "Go"))

	first := open(t, store)
	second := open(t, store)
	for _, s := range []es.Session{first, second} {
		if err := s.Append(t.Context(), id, es.ExplicitRevision(1), records(id, priced(id, 2))); err != nil {
			t.Fatalf("stage append: %v", err)
		}
		if err := s.Enlist(t.Context(), message(id)); err != nil {
			t.Fatalf("enlist: %v", err)
		}
	}

	if err := first.SaveChanges(t.Context()); err != nil {
		t.Fatalf("first flush: %v", err)
	}
	var conflict *es.ConcurrencyConflictError
	if err := second.SaveChanges(t.Context()); !errors.As(err, &conflict) {
		t.Fatalf("second flush: err = %v, want conflict", err)
	}
	if conflict.Stream != id {
		t.Errorf("conflict stream = %s", conflict.Stream)
	}

	if n := len(load(t, open(t, store), id)); n != 2 {
		t.Errorf("stream length = %d, want 2", n)
	}
	if n := len(drain(t, store)); n != 1 {
		t.Errorf("outbox rows = %d, want only the winner's", n)
	}

	// the losing session is reusable once reset
	if err := second.Append(t.Context(), id, es.ExplicitRevision(2), records(id, priced(id, 3))); err != nil {
		t.Fatalf("restage: %v", err)
	}
	if err := second.SaveChanges(t.Context()); err != nil {
		t.Fatalf("retry flush: %v", err)
	}
}

func testFlushIsAtomic(t *testing.T, store Store) {
	taken, fresh := uuid.New(), uuid.New()
	s := open(t, store)
	if err := s.StartStream(t.Context(), taken, "GameAggregate", records(taken, created(taken, "A"))); err != nil {
		t.Fatalf("stage: %v", err)
	}

	// another writer creates one of the streams first
	start(t, store, taken, created(taken, "B"))

	if err := s.StartStream(t.Context(), fresh, "GameAggregate", records(fresh, created(fresh, "C"))); err != nil {
		t.Fatalf("stage: %v", err)
	}
	_ = s.Enlist(t.Context(), message(fresh))

	if err := s.SaveChanges(t.Context()); !errors.Is(err, es.ErrConcurrencyConflict) {
		t.Fatalf("flush: err = %v, want conflict", err)
	}

	reader := open(t, store)
	if _, exists, _ := reader.StreamVersion(t.Context(), fresh); exists {
		t.Errorf("stream from a failed flush became durable")
	}
	if got := load(t, reader, taken); len(got) != 1 || got[0].Event.(fixtures.GameCreatedDomainEvent).Name != "B" {
		t.Errorf("winner's stream was modified")
	}
	if n := len(drain(t, store)); n != 0 {
		t.Errorf("outbox rows = %d, want 0", n)
	}
}

func testCancelledFlushDiscards(t *testing.T, store Store) {
	id := uuid.New()
	s := open(t, store)
	_ = s.StartStream(t.Context(), id, "GameAggregate", records(id, created(id, "Go")))
	_ = s.Enlist(t.Context(), message(id))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if err := s.SaveChanges(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	if err := s.SaveChanges(t.Context()); err != nil {
		t.Fatalf("flush after cancel: %v", err)
	}
	if _, exists, _ := open(t, store).StreamVersion(t.Context(), id); exists {
		t.Errorf("cancelled work was flushed later")
	}
	if n := len(drain(t, store)); n != 0 {
		t.Errorf("outbox rows = %d, want 0", n)
	}
}

func testBatchOutcome(t *testing.T, store Store) {
	ctx := t.Context()
	s := open(t, store)

	flushedID := uuid.New()
	_ = s.StartStream(ctx, flushedID, "GameAggregate", records(flushedID, created(flushedID, "Go")))
	flushed := s.Batch()
	if err := s.SaveChanges(ctx); err != nil {
		t.Fatalf("save changes: %v", err)
	}
	if !s.Flushed(flushed) {
		t.Errorf("successful flush not reported")
	}
	if s.Batch() == flushed {
		t.Errorf("batch did not advance after flush")
	}

	discardedID := uuid.New()
	_ = s.StartStream(ctx, discardedID, "GameAggregate", records(discardedID, created(discardedID, "Go")))
	discarded := s.Batch()
	s.Discard()

	_ = s.Append(ctx, flushedID, es.ExplicitRevision(1), records(flushedID, priced(flushedID, 3)))
	failed := s.Batch()
	other := open(t, store)
	_ = other.Append(ctx, flushedID, es.ExplicitRevision(1), records(flushedID, priced(flushedID, 4)))
	if err := other.SaveChanges(ctx); err != nil {
		t.Fatalf("competing flush: %v", err)
	}
	if err := s.SaveChanges(ctx); err == nil {
		t.Fatalf("stale append flushed")
	}

	// A later empty flush succeeds without reviving earlier batches.
	if err := s.SaveChanges(ctx); err != nil {
		t.Fatalf("empty flush: %v", err)
	}
	if s.Flushed(discarded) {
		t.Errorf("discarded batch reported flushed")
	}
	if s.Flushed(failed) {
		t.Errorf("failed batch reported flushed")
	}
	if !s.Flushed(flushed) {
		t.Errorf("earlier flush forgotten")
	}
}

func testDeleteStream(t *testing.T, store Store) {
	id := uuid.New()
	start(t, store, id, created(id, "Go"), priced(id, 2))

	s := open(t, store)
	if err := s.DeleteStream(t.Context(), id, es.ExplicitRevision(1)); !errors.Is(err, es.ErrConcurrencyConflict) {
		t.Errorf("stale delete: err = %v", err)
	}
	if err := s.DeleteStream(t.Context(), id, es.ExplicitRevision(2)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.SaveChanges(t.Context()); err != nil {
		t.Fatalf("flush delete: %v", err)
	}

	reader := open(t, store)
	if _, err := reader.LoadStream(t.Context(), id); !errors.Is(err, es.ErrStreamNotFound) {
		t.Errorf("deleted stream loadable: %v", err)
	}
	if v, exists, _ := reader.StreamVersion(t.Context(), id); !exists || v != 2 {
		t.Errorf("deleted stream version = %d, %v; want it to still exist for writes", v, exists)
	}
	if err := reader.StartStream(t.Context(), id, "GameAggregate", records(id, created(id, "Again"))); !errors.Is(err, es.ErrConcurrencyConflict) {
		t.Errorf("recreate deleted stream: err = %v", err)
	}
	if err := open(t, store).DeleteStream(t.Context(), uuid.New(), es.Any{}); !errors.Is(err, es.ErrStreamNotFound) {
		t.Errorf("delete missing: err = %v", err)
	}

	w := open(t, store)
	if err := w.Append(t.Context(), id, es.Any{}, records(id, priced(id, 3))); err != nil {
		t.Fatalf("stage append: %v", err)
	}
	if err := w.SaveChanges(t.Context()); !errors.Is(err, es.ErrStreamDeleted) {
		t.Errorf("append to deleted stream: err = %v", err)
	}
}

func testStreamIDs(t *testing.T, store Store) {
	a, b, gone := uuid.New(), uuid.New(), uuid.New()
	start(t, store, a, created(a, "A"))
	start(t, store, gone, created(gone, "Gone"))
	start(t, store, b, created(b, "B"))

	s := open(t, store)
	other := uuid.New()
	if err := s.StartStream(t.Context(), other, "UserAggregate", records(other, created(other, "U"))); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := s.DeleteStream(t.Context(), gone, es.Any{}); err != nil {
		t.Fatalf("stage delete: %v", err)
	}
	if err := s.SaveChanges(t.Context()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	ids, err := open(t, store).StreamIDs(t.Context(), "GameAggregate")
	if err != nil {
		t.Fatalf("stream ids: %v", err)
	}
	if len(ids) != 2 || ids[0] != a || ids[1] != b {
		t.Errorf("ids = %v, want [%s %s]", ids, a, b)
	}
}

func testClosedSession(t *testing.T, store Store) {
	s, err := store.OpenSession(t.Context())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = s.Close()

	if _, err := s.LoadStream(t.Context(), uuid.New()); !errors.Is(err, es.ErrSessionClosed) {
		t.Errorf("LoadStream after Close: %v", err)
	}
	if err := s.SaveChanges(t.Context()); !errors.Is(err, es.ErrSessionClosed) {
		t.Errorf("SaveChanges after Close: %v", err)
	}
}

func testConcurrentAppends(t *testing.T, store Store) {
	id := uuid.New()
	start(t, store, id, created(id, "Go"))

	const writers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := store.OpenSession(context.Background())
			if err != nil {
				t.Errorf("open: %v", err)
				return
			}
			defer s.Close()
			if err := s.Append(context.Background(), id, es.ExplicitRevision(1), records(id, priced(id, float64(i)))); err != nil {
				return
			}
			if err := s.SaveChanges(context.Background()); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, es.ErrConcurrencyConflict) {
				t.Errorf("flush: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("wins = %d, want exactly 1", wins)
	}
	if n := len(load(t, open(t, store), id)); n != 2 {
		t.Errorf("stream length = %d, want 2", n)
	}
}

func testPendingCancelledPublish(t *testing.T, store Store) {
	id := uuid.New()
	s := open(t, store)
	_ = s.StartStream(t.Context(), id, "GameAggregate", records(id, created(id, "Go")))
	msg := message(id)
	_ = s.Enlist(t.Context(), msg)
	if err := s.SaveChanges(t.Context()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	_, err := store.Pending(ctx, es.PendingOptions{MaxAttempts: 1}, func(ctx context.Context, _ es.OutboxMessage) error {
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	var seen []es.OutboxMessage
	res, err := store.Pending(t.Context(), es.PendingOptions{MaxAttempts: 1}, func(_ context.Context, m es.OutboxMessage) error {
		seen = append(seen, m)
		return nil
	})
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if res.Published != 1 || len(seen) != 1 {
		t.Fatalf("result = %+v, want the interrupted message published", res)
	}
	if seen[0].Attempts != 0 || seen[0].LastError != "" {
		t.Errorf("interrupted publish counted: attempts = %d, last error = %q", seen[0].Attempts, seen[0].LastError)
	}
}

func testPendingOutbox(t *testing.T, store Store) {
	id := uuid.New()
	s := open(t, store)
	_ = s.StartStream(t.Context(), id, "GameAggregate", records(id, created(id, "Go")))
	first, second := message(id), message(id)
	_ = s.Enlist(t.Context(), first)
	_ = s.Enlist(t.Context(), second)
	if err := s.SaveChanges(t.Context()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	boom := errors.New("broker down")
	var seen []es.OutboxMessage
	res, err := store.Pending(t.Context(), es.PendingOptions{Limit: 10}, func(_ context.Context, msg es.OutboxMessage) error {
		seen = append(seen, msg)
		if msg.ID == second.ID {
			return boom
		}
		return nil
	})
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if res.Published != 1 || res.Failed != 1 {
		t.Errorf("result = %+v", res)
	}
	if len(seen) != 2 || seen[0].ID != first.ID || seen[1].ID != second.ID {
		t.Fatalf("publish order = %v", seen)
	}

	got := seen[0]
	if got.MessageType != first.MessageType || got.RoutingKey != first.RoutingKey || got.AggregateID != id || got.AggregateType != "GameAggregate" {
		t.Errorf("message = %+v", got)
	}
	if got.Headers[es.HeaderAggregateID] != id.String() || got.Trace["traceparent"] != first.Trace["traceparent"] {
		t.Errorf("headers = %v, trace = %v", got.Headers, got.Trace)
	}
	if string(got.Payload) != string(first.Payload) {
		t.Errorf("payload = %s", got.Payload)
	}
	if got.CreatedAt.IsZero() {
		t.Errorf("created at not set")
	}

	res, _ = store.Pending(t.Context(), es.PendingOptions{MaxAttempts: 1}, func(context.Context, es.OutboxMessage) error {
		t.Errorf("message past max attempts was redelivered")
		return nil
	})
	if res.Published+res.Failed != 0 {
		t.Errorf("result = %+v", res)
	}

	var retried es.OutboxMessage
	res, _ = store.Pending(t.Context(), es.PendingOptions{}, func(_ context.Context, msg es.OutboxMessage) error {
		retried = msg
		return nil
	})
	if res.Published != 1 || retried.Attempts != 1 || retried.LastError != boom.Error() {
		t.Errorf("retry = %+v, message = %+v", res, retried)
	}

	if n := len(drain(t, store)); n != 0 {
		t.Errorf("published messages redelivered: %d", n)
	}
}

func testPendingLimit(t *testing.T, store Store) {
	id := uuid.New()
	s := open(t, store)
	_ = s.StartStream(t.Context(), id, "GameAggregate", records(id, created(id, "Go")))
	for range 5 {
		_ = s.Enlist(t.Context(), message(id))
	}
	if err := s.SaveChanges(t.Context()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	res, err := store.Pending(t.Context(), es.PendingOptions{Limit: 2}, func(context.Context, es.OutboxMessage) error { return nil })
	if err != nil || res.Published != 2 {
		t.Errorf("result = %+v, %v", res, err)
	}
	if n := len(drain(t, store)); n != 3 {
		t.Errorf("remaining = %d, want 3", n)
	}
}
