package eventsourcing

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrNullEvent is returned when a nil event is buffered on an aggregate.
	ErrNullEvent = errors.New("event cannot be nil")

	ErrAggregateNotFound        = errors.New("aggregate not found")
	ErrConcurrencyConflict      = errors.New("concurrency conflict")
	ErrMessageTypeNotRegistered = errors.New("message type not registered")
	ErrSerialization            = errors.New("serialization failed")
	ErrPublishFailure           = errors.New("publish failed")

	// ErrStaleCommitToken is returned when a commit token does not describe
	// the aggregate's current buffer, or when the session batch it was
	// staged in was discarded instead of flushed.
	ErrStaleCommitToken = errors.New("stale commit token")

	// ErrMessageWithoutEvent is returned by Save when envelopes are supplied
	// for an aggregate with nothing to append.
	ErrMessageWithoutEvent = errors.New("outbox message without a stream event")

	ErrStreamNotFound = errors.New("stream not found")
	ErrStreamExists   = errors.New("stream already exists")
	ErrStreamDeleted  = errors.New("stream is deleted")

	ErrDuplicateHandler      = errors.New("duplicate handler")
	ErrBusinessRuleViolation = errors.New("business rule violation")
	ErrSkippedMessage        = errors.New("message skipped")
	ErrSessionClosed         = errors.New("session is closed")
)

// AggregateNotFoundError reports a Load or Delete on an id with no stream.
type AggregateNotFoundError struct {
	AggregateType string
	ID            uuid.UUID
}

func (e *AggregateNotFoundError) Error() string {
	return fmt.Sprintf("entity of type %s with id %s not found", e.AggregateType, e.ID)
}

func (e *AggregateNotFoundError) Unwrap() error { return ErrAggregateNotFound }

// ConcurrencyConflictError reports that a stream advanced between load and save.
type ConcurrencyConflictError struct {
	Stream   uuid.UUID
	Expected StreamState
	Actual   uint64
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on stream %q: (expected %s, actual version %d)", e.Stream, e.Expected, e.Actual)
}

func (e *ConcurrencyConflictError) Unwrap() error { return ErrConcurrencyConflict }

// MessageTypeNotRegisteredError names the type or wire name that had no
// flattened-name registration.
type MessageTypeNotRegisteredError struct {
	Type string
}

func (e *MessageTypeNotRegisteredError) Error() string {
	return fmt.Sprintf("message type not registered: %s", e.Type)
}

func (e *MessageTypeNotRegisteredError) Unwrap() error { return ErrMessageTypeNotRegistered }

type SerializationError struct {
	Type string
	Err  error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialize %s: %v", e.Type, e.Err)
}

func (e *SerializationError) Is(target error) bool { return target == ErrSerialization }
func (e *SerializationError) Unwrap() error        { return e.Err }

// PublishError reports an outbox message that could not be durably staged.
// The surrounding commit is rolled back when it is returned.
type PublishError struct {
	MessageID uuid.UUID
	Err       error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish message %s: %v", e.MessageID, e.Err)
}

func (e *PublishError) Is(target error) bool { return target == ErrPublishFailure }
func (e *PublishError) Unwrap() error        { return e.Err }

// ErrSkippedEvent is returned when a handler cannot handle the message type.
type ErrSkippedEvent struct {
	MessageType string
}

func (e ErrSkippedEvent) Error() string {
	return fmt.Sprintf("skipped message of type %s", e.MessageType)
}

func (e ErrSkippedEvent) Unwrap() error { return ErrSkippedMessage }

type EventStoreError struct {
	Err error
}

func (e *EventStoreError) Error() string {
	return fmt.Sprintf("eventstore error: %v", e.Err)
}

func (e *EventStoreError) Unwrap() error {
	return e.Err
}

func WrapEventStoreError(err error) error {
	if err == nil {
		return nil
	}
	var es *EventStoreError
	if errors.As(err, &es) {
		return err
	}
	return &EventStoreError{Err: err}
}
