package eventsourcing

import (
	"reflect"
	"time"

	"github.com/google/uuid"
)

var now = time.Now

// Aggregate is implemented by every type that embeds AggregateRoot and knows
// how to apply its own events. Apply is used both while handling a command
// and while replaying the stream, so it must not add events itself.
type Aggregate interface {
	AggregateID() uuid.UUID
	AggregateVersion() uint64
	UncommittedEvents() []DomainEvent
	Apply(event DomainEvent)

	root() *AggregateRoot
}

// AggregateRoot holds identity, audit timestamps, the activation flag and the
// buffer of events not yet durable. Concrete aggregates embed it by value.
type AggregateRoot struct {
	id        uuid.UUID
	createdAt time.Time
	updatedAt time.Time
	isActive  bool

	// version is the stream version the aggregate was loaded at.
	version uint64
	events  []DomainEvent
	// generation increments every time a flushed prefix is cleared.
	generation uint64
}

// NewAggregateRoot returns an active root with both timestamps set to now.
func NewAggregateRoot(id uuid.UUID) AggregateRoot {
	t := now().UTC()
	return AggregateRoot{id: id, createdAt: t, updatedAt: t, isActive: true}
}

func (a *AggregateRoot) root() *AggregateRoot { return a }

func (a *AggregateRoot) AggregateID() uuid.UUID   { return a.id }
func (a *AggregateRoot) AggregateVersion() uint64 { return a.version }
func (a *AggregateRoot) CreatedAt() time.Time     { return a.createdAt }
func (a *AggregateRoot) UpdatedAt() time.Time     { return a.updatedAt }
func (a *AggregateRoot) IsActive() bool           { return a.isActive }

func (a *AggregateRoot) SetID(id uuid.UUID)       { a.id = id }
func (a *AggregateRoot) SetCreatedAt(t time.Time) { a.createdAt = t.UTC() }
func (a *AggregateRoot) SetUpdatedAt(t time.Time) { a.updatedAt = t.UTC() }
func (a *AggregateRoot) SetActivate()             { a.isActive = true }
func (a *AggregateRoot) SetDeactivate()           { a.isActive = false }
func (a *AggregateRoot) SetActive(active bool)    { a.isActive = active }

// AddNewEvent appends event to the uncommitted buffer. Insertion order is
// stream order. The base never emits events on its own.
func (a *AggregateRoot) AddNewEvent(event DomainEvent) error {
	if isNil(event) {
		return ErrNullEvent
	}
	a.events = append(a.events, event)
	return nil
}

// UncommittedEvents returns a copy of the pending buffer.
func (a *AggregateRoot) UncommittedEvents() []DomainEvent {
	out := make([]DomainEvent, len(a.events))
	copy(out, a.events)
	return out
}

// HasUncommittedEvents reports whether the buffer holds anything.
func (a *AggregateRoot) HasUncommittedEvents() bool { return len(a.events) > 0 }

// MarkEventsAsCommitted clears the events flushed under token. Events added
// after the token was issued remain buffered. A zero token is a no-op.
// Repository.Commit calls it once the token's batch is durable; calling it
// directly skips that check.
func (a *AggregateRoot) MarkEventsAsCommitted(token CommitToken) error {
	if token.IsZero() {
		return nil
	}
	if token.aggregateID != a.id || token.generation != a.generation || token.count > len(a.events) {
		return ErrStaleCommitToken
	}

	rest := make([]DomainEvent, len(a.events)-token.count)
	copy(rest, a.events[token.count:])
	a.events = rest
	a.version = token.version
	a.generation++
	return nil
}

// issue hands out a token covering every currently buffered event, which
// will be at stream version `version` once the session batch is durable.
func (a *AggregateRoot) issue(version, batch uint64) CommitToken {
	return CommitToken{
		aggregateID: a.id,
		count:       len(a.events),
		generation:  a.generation,
		version:     version,
		batch:       batch,
	}
}

// replayed records the version reached after applying history.
func (a *AggregateRoot) replayed(version uint64) {
	a.version = version
	a.events = nil
}

// CommitToken is returned by Repository.Save and must be presented to Commit.
// It binds the flush to the exact buffer state that was staged.
type CommitToken struct {
	aggregateID uuid.UUID
	count       int
	generation  uint64
	version     uint64
	// batch is the session batch the events were staged in.
	batch uint64
}

// IsZero reports whether the token covers no events.
func (t CommitToken) IsZero() bool { return t.count == 0 }

// Events returns how many events the token covers.
func (t CommitToken) Events() int { return t.count }

// Version returns the stream version once the covered events are durable.
func (t CommitToken) Version() uint64 { return t.version }

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
