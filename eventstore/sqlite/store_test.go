package sqlite_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	es "github.com/tccloudgames/eventsourcing"
	"github.com/tccloudgames/eventsourcing/eventstore/sqlite"
	"github.com/tccloudgames/eventsourcing/eventstore/storetest"
	"github.com/tccloudgames/eventsourcing/fixtures"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(t.Context(), filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return store
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store { return newStore(t) })
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := sqlite.Open(t.Context(), " "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	for i := range 2 {
		store, err := sqlite.Open(t.Context(), path)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		_ = store.Close()
	}
}

func TestReopenKeepsStreams(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	store, err := sqlite.Open(t.Context(), path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	id := uuid.New()
	s, _ := store.OpenSession(t.Context())
	_ = s.StartStream(t.Context(), id, "GameAggregate", []es.Record{{EventID: uuid.New(), StreamID: id, Event: fixtures.GameCreatedDomainEvent{Name: "Go"}}})
	if err := s.SaveChanges(t.Context()); err != nil {
		t.Fatalf("save: %v", err)
	}
	_ = store.Close()

	store, err = sqlite.Open(t.Context(), path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	s, _ = store.OpenSession(t.Context())
	if v, exists, err := s.StreamVersion(t.Context(), id); err != nil || !exists || v != 1 {
		t.Errorf("version = %d, %v, %v", v, exists, err)
	}
}

func TestSaveChanges_OutboxFailureRollsBack(t *testing.T) {
	store := newStore(t)
	defer store.Close()

	s, _ := store.OpenSession(t.Context())
	defer s.Close()

	id := uuid.New()
	msg := es.OutboxMessage{ID: uuid.New(), MessageType: "GameCreated", RoutingKey: "game.created", AggregateID: id}
	_ = s.StartStream(t.Context(), id, "GameAggregate", []es.Record{{EventID: uuid.New(), StreamID: id, Event: fixtures.GameCreatedDomainEvent{Name: "Go"}}})
	_ = s.Enlist(t.Context(), msg)
	_ = s.Enlist(t.Context(), msg)

	var pubErr *es.PublishError
	if err := s.SaveChanges(t.Context()); !errors.As(err, &pubErr) {
		t.Fatalf("err = %v, want PublishError", err)
	}
	if pubErr.MessageID != msg.ID {
		t.Errorf("message id = %s", pubErr.MessageID)
	}
	if _, exists, _ := s.StreamVersion(t.Context(), id); exists {
		t.Errorf("stream committed without its outbox rows")
	}
}

func TestSaveChanges_UnregisteredEventRollsBack(t *testing.T) {
	store := newStore(t)
	defer store.Close()

	type unregistered struct{ es.BaseDomainEvent }
	s, _ := store.OpenSession(t.Context())
	defer s.Close()

	id := uuid.New()
	_ = s.StartStream(t.Context(), id, "GameAggregate", []es.Record{{EventID: uuid.New(), StreamID: id, Event: unregistered{}}})
	if err := s.SaveChanges(t.Context()); err == nil {
		t.Fatalf("expected encode error")
	}
	if _, exists, _ := s.StreamVersion(t.Context(), id); exists {
		t.Errorf("stream written despite encode failure")
	}
}
