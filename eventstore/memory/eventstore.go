// Package memory provides an in-process Store with sessions, optimistic
// concurrency and an outbox. It is meant for tests and single-process use.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	es "github.com/tccloudgames/eventsourcing"
)

var (
	_ es.Store   = (*Store)(nil)
	_ es.Session = (*session)(nil)
)

type stream struct {
	aggregateType string
	records       []*es.Record
	deleted       bool
}

type outboxEntry struct {
	msg      es.OutboxMessage
	inFlight bool
}

// Store keeps streams and outbox rows in memory. A flush holds the write lock
// for its whole duration, which makes it atomic with respect to every other
// session.
type Store struct {
	mu      sync.RWMutex
	streams map[uuid.UUID]*stream
	order   []uuid.UUID
	outbox  []*outboxEntry
	closed  bool

	outboxFault func(es.OutboxMessage) error
	now         func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithOutboxFault makes every flush fail when fn returns an error for one of
// the staged outbox messages. It simulates an outbox table that rejects rows.
func WithOutboxFault(fn func(es.OutboxMessage) error) Option {
	return func(s *Store) { s.outboxFault = fn }
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		streams: make(map[uuid.UUID]*stream),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) OpenSession(ctx context.Context) (es.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("open session: %w", es.ErrSessionClosed)
	}
	return &session{store: s}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// StreamLength returns the number of durable records in a stream, deleted
// or not.
func (s *Store) StreamLength(id uuid.UUID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.streams[id]; ok {
		return len(st.records)
	}
	return 0
}

// OutboxMessages returns a copy of every outbox row in insertion order.
func (s *Store) OutboxMessages() []es.OutboxMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]es.OutboxMessage, len(s.outbox))
	for i, e := range s.outbox {
		out[i] = e.msg
	}
	return out
}

func (s *Store) version(id uuid.UUID) (uint64, bool) {
	st, ok := s.streams[id]
	if !ok {
		return 0, false
	}
	return uint64(len(st.records)), true
}

// apply validates and applies changes. The caller holds the write lock.
func (s *Store) apply(ch *es.Changes) error {
	type working struct {
		version uint64
		exists  bool
		deleted bool
	}
	view := map[uuid.UUID]working{}
	lookup := func(id uuid.UUID) working {
		if w, ok := view[id]; ok {
			return w
		}
		st, ok := s.streams[id]
		if !ok {
			return working{}
		}
		return working{version: uint64(len(st.records)), exists: true, deleted: st.deleted}
	}

	for _, c := range ch.Streams {
		w := lookup(c.StreamID)
		if err := es.CheckStreamState(c.StreamID, c.Expected, w.exists, w.version); err != nil {
			return err
		}
		if c.Kind != es.ChangeStart && !w.exists {
			return fmt.Errorf("stream %s: %w", c.StreamID, es.ErrStreamNotFound)
		}
		if w.deleted {
			return fmt.Errorf("stream %s: %w", c.StreamID, es.ErrStreamDeleted)
		}
		switch c.Kind {
		case es.ChangeStart, es.ChangeAppend:
			w.version += uint64(len(c.Records))
			w.exists = true
		case es.ChangeDelete:
			w.deleted = true
		}
		view[c.StreamID] = w
	}

	for _, msg := range ch.Outbox {
		if s.outboxFault != nil {
			if err := s.outboxFault(msg); err != nil {
				return &es.PublishError{MessageID: msg.ID, Err: err}
			}
		}
	}

	for _, c := range ch.Streams {
		switch c.Kind {
		case es.ChangeStart:
			st := &stream{aggregateType: c.AggregateType}
			s.streams[c.StreamID] = st
			s.order = append(s.order, c.StreamID)
			st.append(c.Records)
		case es.ChangeAppend:
			s.streams[c.StreamID].append(c.Records)
		case es.ChangeDelete:
			s.streams[c.StreamID].deleted = true
		}
	}

	created := s.now().UTC()
	for _, msg := range ch.Outbox {
		msg.Headers = maps.Clone(msg.Headers)
		msg.Trace = maps.Clone(msg.Trace)
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = created
		}
		s.outbox = append(s.outbox, &outboxEntry{msg: msg})
	}
	return nil
}

func (st *stream) append(records []es.Record) {
	records = slices.Clone(records)
	es.Renumber(records, uint64(len(st.records)))
	for i := range records {
		rec := records[i]
		rec.Metadata = maps.Clone(rec.Metadata)
		rec.AggregateType = st.aggregateType
		st.records = append(st.records, &rec)
	}
}
