package fixtures

import (
	"context"
	"sync"

	"github.com/google/uuid"
	es "github.com/tccloudgames/eventsourcing"
)

// SessionSpy wraps a Session, counts calls and allows injecting failures.
// Calls are forwarded to Next unless a Fn override or an injected error
// intercepts them.
type SessionSpy struct {
	mu sync.Mutex

	Next es.Session

	// Function overrides for custom behavior
	SaveChangesFn func(ctx context.Context) error

	// Call tracking
	LoadStreamCalls    int
	StreamVersionCalls int
	StartStreamCalls   int
	AppendCalls        int
	DeleteStreamCalls  int
	EnlistCalls        int
	SaveChangesCalls   int
	DiscardCalls       int

	// Captured arguments
	Enlisted []es.OutboxMessage

	// Error injection
	loadErr        error
	saveChangesErr error
	enlistErr      error
}

// NewSessionSpy wraps next.
func NewSessionSpy(next es.Session) *SessionSpy {
	return &SessionSpy{Next: next}
}

// FailOnLoad configures the session to return err from LoadStream.
func (s *SessionSpy) FailOnLoad(err error) *SessionSpy {
	s.loadErr = err
	return s
}

// FailOnSaveChanges configures the session to return err from SaveChanges.
// Staged work is discarded, as a real session would.
func (s *SessionSpy) FailOnSaveChanges(err error) *SessionSpy {
	s.saveChangesErr = err
	return s
}

// FailOnEnlist configures the session to reject outbox messages.
func (s *SessionSpy) FailOnEnlist(err error) *SessionSpy {
	s.enlistErr = err
	return s
}

func (s *SessionSpy) count(c *int) {
	s.mu.Lock()
	*c++
	s.mu.Unlock()
}

func (s *SessionSpy) LoadStream(ctx context.Context, id uuid.UUID) (*es.Iterator[*es.Record], error) {
	s.count(&s.LoadStreamCalls)
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return s.Next.LoadStream(ctx, id)
}

func (s *SessionSpy) StreamVersion(ctx context.Context, id uuid.UUID) (uint64, bool, error) {
	s.count(&s.StreamVersionCalls)
	return s.Next.StreamVersion(ctx, id)
}

func (s *SessionSpy) StreamIDs(ctx context.Context, aggregateType string) ([]uuid.UUID, error) {
	return s.Next.StreamIDs(ctx, aggregateType)
}

func (s *SessionSpy) StartStream(ctx context.Context, id uuid.UUID, aggregateType string, records []es.Record) error {
	s.count(&s.StartStreamCalls)
	return s.Next.StartStream(ctx, id, aggregateType, records)
}

func (s *SessionSpy) Append(ctx context.Context, id uuid.UUID, expected es.StreamState, records []es.Record) error {
	s.count(&s.AppendCalls)
	return s.Next.Append(ctx, id, expected, records)
}

func (s *SessionSpy) DeleteStream(ctx context.Context, id uuid.UUID, expected es.StreamState) error {
	s.count(&s.DeleteStreamCalls)
	return s.Next.DeleteStream(ctx, id, expected)
}

func (s *SessionSpy) Enlist(ctx context.Context, msg es.OutboxMessage) error {
	s.count(&s.EnlistCalls)
	if s.enlistErr != nil {
		return s.enlistErr
	}
	s.mu.Lock()
	s.Enlisted = append(s.Enlisted, msg)
	s.mu.Unlock()
	return s.Next.Enlist(ctx, msg)
}

func (s *SessionSpy) SaveChanges(ctx context.Context) error {
	s.count(&s.SaveChangesCalls)
	if s.SaveChangesFn != nil {
		return s.SaveChangesFn(ctx)
	}
	if s.saveChangesErr != nil {
		s.Next.Discard()
		return s.saveChangesErr
	}
	return s.Next.SaveChanges(ctx)
}

func (s *SessionSpy) Discard() {
	s.count(&s.DiscardCalls)
	s.Next.Discard()
}

func (s *SessionSpy) Batch() uint64 { return s.Next.Batch() }

func (s *SessionSpy) Flushed(batch uint64) bool { return s.Next.Flushed(batch) }

func (s *SessionSpy) Close() error {
	return s.Next.Close()
}

// Writes returns how many staging calls the session received.
func (s *SessionSpy) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.StartStreamCalls + s.AppendCalls + s.DeleteStreamCalls + s.EnlistCalls
}

// StoreSpy is a Store whose sessions are SessionSpies over another Store.
type StoreSpy struct {
	mu sync.Mutex

	Next es.Store

	// Wrap, when set, is applied to every new spy before it is returned.
	Wrap func(*SessionSpy)

	OpenSessionCalls int
	Sessions         []*SessionSpy
}

func NewStoreSpy(next es.Store) *StoreSpy {
	return &StoreSpy{Next: next}
}

func (s *StoreSpy) OpenSession(ctx context.Context) (es.Session, error) {
	inner, err := s.Next.OpenSession(ctx)
	if err != nil {
		return nil, err
	}
	spy := NewSessionSpy(inner)
	if s.Wrap != nil {
		s.Wrap(spy)
	}
	s.mu.Lock()
	s.OpenSessionCalls++
	s.Sessions = append(s.Sessions, spy)
	s.mu.Unlock()
	return spy, nil
}

func (s *StoreSpy) Close() error { return s.Next.Close() }
