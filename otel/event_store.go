package otel

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/tccloudgames/eventsourcing"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	_ eventsourcing.Store   = (*TelemetryStore)(nil)
	_ eventsourcing.Session = (*telemetrySession)(nil)
)

// TelemetryStore decorates every session it opens with spans and metrics.
type TelemetryStore struct {
	next eventsourcing.Store
	cfg  *config
}

// WithEventStoreTelemetry wraps a Store with OpenTelemetry tracing and metrics.
//
// Spans are recorded for stream loads and for SaveChanges. Staging calls are
// counted but not traced since they do not touch the database.
//
// Example Usage:
//
//	store := otel.WithEventStoreTelemetry(postgres.New(pool))
func WithEventStoreTelemetry(next eventsourcing.Store, options ...Option) *TelemetryStore {
	return &TelemetryStore{next: next, cfg: newConfig(options)}
}

func (t *TelemetryStore) OpenSession(ctx context.Context) (eventsourcing.Session, error) {
	s, err := t.next.OpenSession(ctx)
	if err != nil {
		EventStoreErrors.Add(ctx, 1, metric.WithAttributes(AttrOperation.String("open_session")))
		return nil, err
	}
	return &telemetrySession{next: s, cfg: t.cfg}, nil
}

func (t *TelemetryStore) Close() error {
	return t.next.Close()
}

type telemetrySession struct {
	next eventsourcing.Session
	cfg  *config

	events   int
	messages int
}

// LoadStream traces the full iteration, not just the call that opens it.
func (s *telemetrySession) LoadStream(ctx context.Context, id uuid.UUID) (*eventsourcing.Iterator[*eventsourcing.Record], error) {
	op := metric.WithAttributes(AttrOperation.String("load_stream"))
	EventStoreLoads.Add(ctx, 1, op)

	iter, err := s.next.LoadStream(ctx, id)
	if err != nil {
		if !errors.Is(err, eventsourcing.ErrStreamNotFound) {
			EventStoreErrors.Add(ctx, 1, op)
		}
		return iter, err
	}

	var (
		span      trace.Span
		startedAt time.Time
		count     int64
	)

	return eventsourcing.NewIteratorFunc(func(ctx context.Context) (*eventsourcing.Record, error) {
		if span == nil {
			startedAt = time.Now()
			_, span = tracer.Start(ctx, s.cfg.spanName("EventStore.LoadStream"),
				trace.WithSpanKind(trace.SpanKindClient),
				trace.WithAttributes(s.cfg.attributes(ctx, AttrStreamID.String(id.String()))...),
			)
		}

		if !iter.Next(ctx) {
			span.SetAttributes(AttrEventCount.Int64(count))
			EventStoreDuration.Record(ctx, float64(time.Since(startedAt).Milliseconds()), op)

			err := iter.Err()
			if err != nil {
				EventStoreErrors.Add(ctx, 1, op)
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				span.End()
				return nil, err
			}
			span.End()
			return nil, io.EOF
		}

		count++
		EventsLoaded.Add(ctx, 1)
		return iter.Value(), nil
	}), nil
}

func (s *telemetrySession) StreamVersion(ctx context.Context, id uuid.UUID) (uint64, bool, error) {
	return s.next.StreamVersion(ctx, id)
}

func (s *telemetrySession) StreamIDs(ctx context.Context, aggregateType string) ([]uuid.UUID, error) {
	ids, err := s.next.StreamIDs(ctx, aggregateType)
	if err != nil {
		EventStoreErrors.Add(ctx, 1, metric.WithAttributes(AttrOperation.String("stream_ids")))
	}
	return ids, err
}

func (s *telemetrySession) StartStream(ctx context.Context, id uuid.UUID, aggregateType string, records []eventsourcing.Record) error {
	if err := s.next.StartStream(ctx, id, aggregateType, records); err != nil {
		s.countStagingError(ctx, err)
		return err
	}
	s.events += len(records)
	return nil
}

func (s *telemetrySession) Append(ctx context.Context, id uuid.UUID, expected eventsourcing.StreamState, records []eventsourcing.Record) error {
	if err := s.next.Append(ctx, id, expected, records); err != nil {
		s.countStagingError(ctx, err)
		return err
	}
	s.events += len(records)
	return nil
}

func (s *telemetrySession) DeleteStream(ctx context.Context, id uuid.UUID, expected eventsourcing.StreamState) error {
	err := s.next.DeleteStream(ctx, id, expected)
	if err != nil {
		s.countStagingError(ctx, err)
	}
	return err
}

func (s *telemetrySession) Enlist(ctx context.Context, msg eventsourcing.OutboxMessage) error {
	if err := s.next.Enlist(ctx, msg); err != nil {
		return err
	}
	s.messages++
	return nil
}

// SaveChanges records the flush as a client span. Appended and enlisted
// counters only move when the flush succeeds.
func (s *telemetrySession) SaveChanges(ctx context.Context) error {
	events, messages := s.events, s.messages
	s.events, s.messages = 0, 0

	op := metric.WithAttributes(AttrOperation.String("save_changes"))
	ctx, span := tracer.Start(ctx, s.cfg.spanName("EventStore.SaveChanges"),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(s.cfg.attributes(ctx,
			AttrEventCount.Int(events),
			AttrOutboxCount.Int(messages),
		)...),
	)
	defer span.End()

	start := time.Now()
	err := s.next.SaveChanges(ctx)
	EventStoreDuration.Record(ctx, float64(time.Since(start).Milliseconds()), op)
	EventStoreSaves.Add(ctx, 1, op)

	if err != nil {
		var conflict *eventsourcing.ConcurrencyConflictError
		if errors.As(err, &conflict) {
			ConcurrencyConflicts.Add(ctx, 1, op)
		} else {
			EventStoreErrors.Add(ctx, 1, op)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	EventsAppended.Add(ctx, int64(events))
	OutboxEnlisted.Add(ctx, int64(messages))
	span.SetStatus(codes.Ok, "")
	return nil
}

func (s *telemetrySession) Discard() {
	s.events, s.messages = 0, 0
	s.next.Discard()
}

func (s *telemetrySession) Batch() uint64 { return s.next.Batch() }

func (s *telemetrySession) Flushed(batch uint64) bool { return s.next.Flushed(batch) }

func (s *telemetrySession) Close() error {
	return s.next.Close()
}

func (s *telemetrySession) countStagingError(ctx context.Context, err error) {
	var conflict *eventsourcing.ConcurrencyConflictError
	if errors.As(err, &conflict) {
		ConcurrencyConflicts.Add(ctx, 1, metric.WithAttributes(AttrOperation.String("stage")))
	}
}
