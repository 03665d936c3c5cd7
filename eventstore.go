package eventsourcing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Record is one durable stream entry: a domain event at a position in its
// aggregate's stream.
type Record struct {
	EventID       uuid.UUID
	StreamID      uuid.UUID
	AggregateType string
	Event         DomainEvent
	Metadata      map[string]any
	// Version is the 1-based position within the stream.
	Version    uint64
	OccurredAt time.Time
}

// Store opens units of work against an append-only event store that also
// owns an outbox table.
type Store interface {
	// OpenSession starts a unit of work. Nothing it stages is visible to
	// other sessions until SaveChanges succeeds.
	OpenSession(ctx context.Context) (Session, error)

	// Close releases any resources held by the Store, such as network
	// connections or file handles. Implementations should make Close
	// idempotent.
	Close() error
}

// Session is a unit of work bound to a single logical transaction. Reads go to
// durable state; writes are staged in memory and flushed together by
// SaveChanges. A Session is not safe for concurrent use.
//
// Implementations must guarantee:
//   - Stream appends, stream deletions and outbox messages staged in one
//     session become durable atomically, or not at all.
//   - Optimistic concurrency is checked again inside the flush, so that of
//     two sessions appending at the same expected version exactly one wins.
//   - Iteration order from LoadStream is ascending by version.
type Session interface {
	// LoadStream returns the durable records of a stream.
	//
	// Errors:
	//   - ErrStreamNotFound if the stream does not exist or was deleted.
	LoadStream(ctx context.Context, id uuid.UUID) (*Iterator[*Record], error)

	// StreamVersion reports the stream's version, including anything
	// staged in this session but not yet flushed. A deleted stream still
	// exists for the purpose of writes.
	StreamVersion(ctx context.Context, id uuid.UUID) (version uint64, exists bool, err error)

	// StreamIDs lists the live streams of one aggregate type in creation order.
	StreamIDs(ctx context.Context, aggregateType string) ([]uuid.UUID, error)

	// StartStream stages the creation of a stream with its first records.
	//
	// Errors:
	//   - *ConcurrencyConflictError if the stream already exists. The check
	//     is repeated during SaveChanges.
	StartStream(ctx context.Context, id uuid.UUID, aggregateType string, records []Record) error

	// Append stages records at the end of an existing stream.
	//
	// Parameters:
	//   - expected: one of Any, StreamExists or ExplicitRevision. NoStream
	//     is rejected; use StartStream.
	//
	// Errors:
	//   - *ConcurrencyConflictError if expected does not hold.
	Append(ctx context.Context, id uuid.UUID, expected StreamState, records []Record) error

	// DeleteStream stages a tombstone for the stream.
	DeleteStream(ctx context.Context, id uuid.UUID, expected StreamState) error

	// Enlist stages an outbox message in the same transaction.
	Enlist(ctx context.Context, msg OutboxMessage) error

	// SaveChanges flushes everything staged. On any error nothing becomes
	// durable and the staged work is discarded. An outbox write failure is
	// reported as *PublishError. The session can be reused afterwards.
	SaveChanges(ctx context.Context) error

	// Discard drops staged work without flushing it.
	Discard()

	// Batch identifies the work currently staged. It changes every time
	// SaveChanges or Discard ends the batch.
	Batch() uint64

	// Flushed reports whether batch became durable through a successful
	// SaveChanges. Discarded batches and failed flushes report false.
	Flushed(batch uint64) bool

	// Close discards staged work and releases the session.
	Close() error
}
