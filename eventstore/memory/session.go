package memory

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	es "github.com/tccloudgames/eventsourcing"
)

type session struct {
	store   *Store
	changes es.Changes
	closed  bool
}

func (s *session) durable(id uuid.UUID) (uint64, bool) {
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()
	return s.store.version(id)
}

func (s *session) LoadStream(ctx context.Context, id uuid.UUID) (*es.Iterator[*es.Record], error) {
	if err := s.usable(ctx); err != nil {
		return nil, err
	}
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()

	st, ok := s.store.streams[id]
	if !ok || st.deleted {
		return nil, fmt.Errorf("load stream %s: %w", id, es.ErrStreamNotFound)
	}
	records := make([]*es.Record, len(st.records))
	for i, rec := range st.records {
		cp := *rec
		records[i] = &cp
	}
	return es.NewSliceIterator(records), nil
}

func (s *session) StreamVersion(ctx context.Context, id uuid.UUID) (uint64, bool, error) {
	if err := s.usable(ctx); err != nil {
		return 0, false, err
	}
	if v, exists, ok := s.changes.Staged(id); ok {
		return v, exists, nil
	}
	v, exists := s.durable(id)
	return v, exists, nil
}

func (s *session) StreamIDs(ctx context.Context, aggregateType string) ([]uuid.UUID, error) {
	if err := s.usable(ctx); err != nil {
		return nil, err
	}
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()

	var ids []uuid.UUID
	for _, id := range s.store.order {
		st := s.store.streams[id]
		if st.aggregateType == aggregateType && !st.deleted {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *session) StartStream(ctx context.Context, id uuid.UUID, aggregateType string, records []es.Record) error {
	if err := s.usable(ctx); err != nil {
		return err
	}
	v, exists := s.durable(id)
	return s.changes.Start(id, aggregateType, records, v, exists)
}

func (s *session) Append(ctx context.Context, id uuid.UUID, expected es.StreamState, records []es.Record) error {
	if err := s.usable(ctx); err != nil {
		return err
	}
	v, exists := s.durable(id)
	return s.changes.Append(id, expected, records, v, exists)
}

func (s *session) DeleteStream(ctx context.Context, id uuid.UUID, expected es.StreamState) error {
	if err := s.usable(ctx); err != nil {
		return err
	}
	v, exists := s.durable(id)
	return s.changes.Delete(id, expected, v, exists)
}

func (s *session) Enlist(ctx context.Context, msg es.OutboxMessage) error {
	if err := s.usable(ctx); err != nil {
		return err
	}
	s.changes.Enlist(msg)
	return nil
}

func (s *session) SaveChanges(ctx context.Context) (err error) {
	if s.closed {
		return es.ErrSessionClosed
	}
	defer func() { s.changes.Finish(err) }()

	if err := ctx.Err(); err != nil {
		return err
	}
	if s.changes.Empty() {
		return nil
	}

	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if s.store.closed {
		return es.ErrSessionClosed
	}
	return s.store.apply(&s.changes)
}

func (s *session) Discard() {
	s.changes.Reset()
}

func (s *session) Batch() uint64 { return s.changes.Batch() }

func (s *session) Flushed(batch uint64) bool { return s.changes.Flushed(batch) }

func (s *session) Close() error {
	s.changes.Reset()
	s.closed = true
	return nil
}

func (s *session) usable(ctx context.Context) error {
	if s.closed {
		return es.ErrSessionClosed
	}
	return ctx.Err()
}
