package postgres

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	es "github.com/tccloudgames/eventsourcing"
)

const uniqueViolation = "23505"

type session struct {
	store   *Store
	changes es.Changes
	closed  bool
}

func (s *session) durable(ctx context.Context, id uuid.UUID) (uint64, bool, error) {
	var version int64
	err := s.store.pool.QueryRow(ctx, `SELECT version FROM es_streams WHERE id = $1`, id).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("stream version %s: %w", id, err)
	}
	return uint64(version), true, nil
}

func (s *session) LoadStream(ctx context.Context, id uuid.UUID) (*es.Iterator[*es.Record], error) {
	if err := s.usable(ctx); err != nil {
		return nil, err
	}

	var (
		aggregateType string
		deleted       bool
	)
	err := s.store.pool.QueryRow(ctx, `SELECT aggregate_type, deleted FROM es_streams WHERE id = $1`, id).
		Scan(&aggregateType, &deleted)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && deleted) {
		return nil, fmt.Errorf("load stream %s: %w", id, es.ErrStreamNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load stream %s: %w", id, err)
	}

	rows, err := s.store.pool.Query(ctx, `
		SELECT event_id, version, event_type, data, metadata, occurred_at
		FROM es_events
		WHERE stream_id = $1
		ORDER BY version
	`, id)
	if err != nil {
		return nil, fmt.Errorf("load stream %s: %w", id, err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*es.Record, error) {
		var (
			rec       = &es.Record{StreamID: id, AggregateType: aggregateType}
			version   int64
			eventType string
			data      []byte
		)
		if err := row.Scan(&rec.EventID, &version, &eventType, &data, &rec.Metadata, &rec.OccurredAt); err != nil {
			return nil, err
		}
		ev, err := es.DecodeEvent(eventType, data)
		if err != nil {
			return nil, err
		}
		rec.Event = ev
		rec.Version = uint64(version)
		rec.OccurredAt = rec.OccurredAt.UTC()
		return rec, nil
	})
	if err != nil {
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
	rows, err := s.store.pool.Query(ctx, `
		SELECT id FROM es_streams
		WHERE aggregate_type = $1 AND NOT deleted
		ORDER BY seq
	`, aggregateType)
	if err != nil {
		return nil, fmt.Errorf("stream ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("stream ids: %w", err)
	}
	return ids, nil
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

	events, err := encodeEvents(s.changes.Streams)
	if err != nil {
		return err
	}

	tx, err := s.store.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for i, c := range s.changes.Streams {
		if err := s.flushStream(ctx, tx, c, events[i]); err != nil {
			return err
		}
	}
	if err := s.flushOutbox(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *session) flushStream(ctx context.Context, tx pgx.Tx, c es.StreamChange, events []eventRow) error {
	var after uint64
	switch c.Kind {
	case es.ChangeStart:
		tag, err := tx.Exec(ctx, `
			INSERT INTO es_streams (id, aggregate_type, version)
			VALUES ($1, $2, $3)
			ON CONFLICT (id) DO NOTHING
		`, c.StreamID, c.AggregateType, int64(len(events)))
		if err != nil {
			return s.txError(ctx, c, err)
		}
		if tag.RowsAffected() == 0 {
			return s.diagnose(ctx, tx, c)
		}
	case es.ChangeAppend:
		expected := uint64(c.Expected.(es.ExplicitRevision))
		tag, err := tx.Exec(ctx, `
			UPDATE es_streams SET version = version + $2
			WHERE id = $1 AND version = $3 AND NOT deleted
		`, c.StreamID, int64(len(events)), int64(expected))
		if err != nil {
			return s.txError(ctx, c, err)
		}
		if tag.RowsAffected() == 0 {
			return s.diagnose(ctx, tx, c)
		}
		after = expected
	case es.ChangeDelete:
		tag, err := tx.Exec(ctx, `
			UPDATE es_streams SET deleted = TRUE
			WHERE id = $1 AND version = $2 AND NOT deleted
		`, c.StreamID, int64(uint64(c.Expected.(es.ExplicitRevision))))
		if err != nil {
			return s.txError(ctx, c, err)
		}
		if tag.RowsAffected() == 0 {
			return s.diagnose(ctx, tx, c)
		}
		return nil
	}

	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i, ev := range events {
		batch.Queue(`
			INSERT INTO es_events (stream_id, version, event_id, event_type, data, metadata, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, c.StreamID, int64(after)+int64(i)+1, ev.eventID, ev.eventType, ev.data, ev.metadata, ev.occurredAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return s.txError(ctx, c, err)
	}
	return nil
}

func (s *session) flushOutbox(ctx context.Context, tx pgx.Tx) error {
	if len(s.changes.Outbox) == 0 {
		return nil
	}
	created := s.store.now().UTC()
	batch := &pgx.Batch{}
	for _, msg := range s.changes.Outbox {
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = created
		}
		batch.Queue(`
			INSERT INTO es_outbox (id, message_type, routing_key, aggregate_type, aggregate_id, headers, payload, trace, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, msg.ID, msg.MessageType, msg.RoutingKey, msg.AggregateType, msg.AggregateID,
			nonNil(msg.Headers), nonNilBytes(msg.Payload), nonNil(msg.Trace), msg.CreatedAt)
	}

	br := tx.SendBatch(ctx, batch)
	for _, msg := range s.changes.Outbox {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &es.PublishError{MessageID: msg.ID, Err: err}
		}
	}
	return br.Close()
}

// diagnose explains why a guarded stream write matched no row.
func (s *session) diagnose(ctx context.Context, tx pgx.Tx, c es.StreamChange) error {
	var (
		version int64
		deleted bool
	)
	err := tx.QueryRow(ctx, `SELECT version, deleted FROM es_streams WHERE id = $1`, c.StreamID).Scan(&version, &deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("stream %s: %w", c.StreamID, es.ErrStreamNotFound)
	}
	if err != nil {
		return s.txError(ctx, c, err)
	}
	if err := es.CheckStreamState(c.StreamID, c.Expected, true, uint64(version)); err != nil {
		return err
	}
	if deleted {
		return fmt.Errorf("stream %s: %w", c.StreamID, es.ErrStreamDeleted)
	}
	return &es.ConcurrencyConflictError{Stream: c.StreamID, Expected: c.Expected, Actual: uint64(version)}
}

// txError maps a failed statement. A duplicate event position means another
// writer got there first.
func (s *session) txError(ctx context.Context, c es.StreamChange, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return &es.ConcurrencyConflictError{Stream: c.StreamID, Expected: c.Expected}
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

type eventRow struct {
	eventID    uuid.UUID
	eventType  string
	data       []byte
	metadata   map[string]any
	occurredAt time.Time
}

// encodeEvents serializes every staged record before the transaction starts,
// indexed like changes.
func encodeEvents(changes []es.StreamChange) ([][]eventRow, error) {
	out := make([][]eventRow, len(changes))
	for i, c := range changes {
		rows := make([]eventRow, len(c.Records))
		for j, rec := range c.Records {
			name, data, err := es.EncodeEvent(rec.Event)
			if err != nil {
				return nil, fmt.Errorf("encode event %s: %w", rec.EventID, err)
			}
			rows[j] = eventRow{
				eventID:    rec.EventID,
				eventType:  name,
				data:       data,
				metadata:   nonNil(rec.Metadata),
				occurredAt: rec.OccurredAt.UTC(),
			}
		}
		out[i] = rows
	}
	return out, nil
}

func nonNil[M ~map[K]V, K comparable, V any](m M) M {
	if m == nil {
		return M{}
	}
	return maps.Clone(m)
}

func nonNilBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
