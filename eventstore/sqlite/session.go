package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	es "github.com/tccloudgames/eventsourcing"
)

type session struct {
	store   *Store
	changes es.Changes
	closed  bool
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func streamRow(ctx context.Context, q querier, id uuid.UUID) (version uint64, deleted, exists bool, err error) {
	err = q.QueryRowContext(ctx, `SELECT version, deleted FROM es_streams WHERE id = ?`, id.String()).
		Scan(&version, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, false, nil
	}
	if err != nil {
		return 0, false, false, fmt.Errorf("stream %s: %w", id, err)
	}
	return version, deleted, true, nil
}

func (s *session) durable(ctx context.Context, id uuid.UUID) (uint64, bool, error) {
	v, _, exists, err := streamRow(ctx, s.store.db, id)
	return v, exists, err
}

func (s *session) LoadStream(ctx context.Context, id uuid.UUID) (*es.Iterator[*es.Record], error) {
	if err := s.usable(ctx); err != nil {
		return nil, err
	}

	var (
		aggregateType string
		deleted       bool
	)
	err := s.store.db.QueryRowContext(ctx, `SELECT aggregate_type, deleted FROM es_streams WHERE id = ?`, id.String()).
		Scan(&aggregateType, &deleted)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && deleted) {
		return nil, fmt.Errorf("load stream %s: %w", id, es.ErrStreamNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load stream %s: %w", id, err)
	}

	rows, err := s.store.db.QueryContext(ctx, `
		SELECT event_id, version, event_type, data, metadata, occurred_at
		FROM es_events
		WHERE stream_id = ?
		ORDER BY version
	`, id.String())
	if err != nil {
		return nil, fmt.Errorf("load stream %s: %w", id, err)
	}
	defer rows.Close()

	var records []*es.Record
	for rows.Next() {
		var (
			rec        = &es.Record{StreamID: id, AggregateType: aggregateType}
			eventType  string
			data       []byte
			metadata   []byte
			occurredAt int64
		)
		if err := rows.Scan(&rec.EventID, &rec.Version, &eventType, &data, &metadata, &occurredAt); err != nil {
			return nil, fmt.Errorf("load stream %s: %w", id, err)
		}
		if rec.Event, err = es.DecodeEvent(eventType, data); err != nil {
			return nil, fmt.Errorf("load stream %s: %w", id, err)
		}
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("load stream %s: metadata: %w", id, err)
		}
		rec.OccurredAt = fromMillis(occurredAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load stream %s: %w", id, err)
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
	return s.durable(ctx, id)
}

func (s *session) StreamIDs(ctx context.Context, aggregateType string) ([]uuid.UUID, error) {
	if err := s.usable(ctx); err != nil {
		return nil, err
	}
	rows, err := s.store.db.QueryContext(ctx, `
		SELECT id FROM es_streams
		WHERE aggregate_type = ? AND deleted = 0
		ORDER BY seq
	`, aggregateType)
	if err != nil {
		return nil, fmt.Errorf("stream ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("stream ids: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *session) StartStream(ctx context.Context, id uuid.UUID, aggregateType string, records []es.Record) error {
	if err := s.usable(ctx); err != nil {
		return err
	}
	v, exists, err := s.durable(ctx, id)
	if err != nil {
		return err
	}
	return s.changes.Start(id, aggregateType, records, v, exists)
}

func (s *session) Append(ctx context.Context, id uuid.UUID, expected es.StreamState, records []es.Record) error {
	if err := s.usable(ctx); err != nil {
		return err
	}
	v, exists, err := s.durable(ctx, id)
	if err != nil {
		return err
	}
	return s.changes.Append(id, expected, records, v, exists)
}

func (s *session) DeleteStream(ctx context.Context, id uuid.UUID, expected es.StreamState) error {
	if err := s.usable(ctx); err != nil {
		return err
	}
	v, exists, err := s.durable(ctx, id)
	if err != nil {
		return err
	}
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
	if s.closed || s.store.closed.Load() {
		return es.ErrSessionClosed
	}
	defer func() { s.changes.Finish(err) }()

	if err := ctx.Err(); err != nil {
		return err
	}
	if s.changes.Empty() {
		return nil
	}

	tx, err := s.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	created := toMillis(s.store.now())
	for _, c := range s.changes.Streams {
		if err := s.flushStream(ctx, tx, c, created); err != nil {
			return err
		}
	}
	for _, msg := range s.changes.Outbox {
		if err := insertOutbox(ctx, tx, msg, created); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &es.PublishError{MessageID: msg.ID, Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// flushStream re-checks the staged expectation inside the write lock and
// applies the change.
func (s *session) flushStream(ctx context.Context, tx *sql.Tx, c es.StreamChange, created int64) error {
	version, deleted, exists, err := streamRow(ctx, tx, c.StreamID)
	if err != nil {
		return err
	}
	if err := es.CheckStreamState(c.StreamID, c.Expected, exists, version); err != nil {
		return err
	}
	if c.Kind != es.ChangeStart && !exists {
		return fmt.Errorf("stream %s: %w", c.StreamID, es.ErrStreamNotFound)
	}
	if deleted {
		return fmt.Errorf("stream %s: %w", c.StreamID, es.ErrStreamDeleted)
	}

	next := version + uint64(len(c.Records))
	switch c.Kind {
	case es.ChangeStart:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO es_streams (id, aggregate_type, version, created_at) VALUES (?, ?, ?, ?)
		`, c.StreamID.String(), c.AggregateType, next, created)
	case es.ChangeAppend:
		_, err = tx.ExecContext(ctx, `UPDATE es_streams SET version = ? WHERE id = ?`, next, c.StreamID.String())
	case es.ChangeDelete:
		_, err = tx.ExecContext(ctx, `UPDATE es_streams SET deleted = 1 WHERE id = ?`, c.StreamID.String())
	}
	if err != nil {
		return s.txError(ctx, c, version, err)
	}

	for i, rec := range c.Records {
		name, data, err := es.EncodeEvent(rec.Event)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", rec.EventID, err)
		}
		metadata, err := json.Marshal(nonNil(rec.Metadata))
		if err != nil {
			return fmt.Errorf("encode metadata %s: %w", rec.EventID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO es_events (stream_id, version, event_id, event_type, data, metadata, occurred_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, c.StreamID.String(), version+uint64(i)+1, rec.EventID.String(), name, string(data), string(metadata), toMillis(rec.OccurredAt))
		if err != nil {
			return s.txError(ctx, c, version, err)
		}
	}
	return nil
}

func insertOutbox(ctx context.Context, tx *sql.Tx, msg es.OutboxMessage, created int64) error {
	headers, err := json.Marshal(nonNil(msg.Headers))
	if err != nil {
		return err
	}
	trace, err := json.Marshal(nonNil(msg.Trace))
	if err != nil {
		return err
	}
	if !msg.CreatedAt.IsZero() {
		created = toMillis(msg.CreatedAt)
	}
	payload := msg.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO es_outbox (id, message_type, routing_key, aggregate_type, aggregate_id, headers, payload, trace, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID.String(), msg.MessageType, msg.RoutingKey, msg.AggregateType, msg.AggregateID.String(),
		string(headers), payload, string(trace), created)
	return err
}

func (s *session) txError(ctx context.Context, c es.StreamChange, actual uint64, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if isUniqueViolation(err) {
		return &es.ConcurrencyConflictError{Stream: c.StreamID, Expected: c.Expected, Actual: actual}
	}
	return fmt.Errorf("%s stream %s: %w", c.Kind, c.StreamID, err)
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

func nonNil[M ~map[K]V, K comparable, V any](m M) M {
	if m == nil {
		return M{}
	}
	return m
}
