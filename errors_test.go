package eventsourcing

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
)

func TestErrorStrings(t *testing.T) {
	id := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	cause := errors.New("boom")

	tests := []struct {
		err  error
		want string
	}{
		{&AggregateNotFoundError{AggregateType: "GameAggregate", ID: id}, "entity of type GameAggregate with id 11111111-1111-1111-1111-111111111111 not found"},
		{&ConcurrencyConflictError{Stream: id, Expected: ExplicitRevision(2), Actual: 3}, `concurrency conflict on stream "11111111-1111-1111-1111-111111111111": (expected version 2, actual version 3)`},
		{&MessageTypeNotRegisteredError{Type: "EventContextX"}, "message type not registered: EventContextX"},
		{&SerializationError{Type: "EventContextX", Err: cause}, "serialize EventContextX: boom"},
		{&PublishError{MessageID: id, Err: cause}, "publish message 11111111-1111-1111-1111-111111111111: boom"},
		{ErrSkippedEvent{MessageType: "EventContextX"}, "skipped message of type EventContextX"},
		{&EventStoreError{Err: cause}, "eventstore error: boom"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestErrorMatching(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name   string
		err    error
		target error
	}{
		{"not found", &AggregateNotFoundError{}, ErrAggregateNotFound},
		{"conflict", &ConcurrencyConflictError{Expected: Any{}}, ErrConcurrencyConflict},
		{"not registered", &MessageTypeNotRegisteredError{}, ErrMessageTypeNotRegistered},
		{"serialization", &SerializationError{Err: cause}, ErrSerialization},
		{"serialization cause", &SerializationError{Err: cause}, cause},
		{"publish", &PublishError{Err: cause}, ErrPublishFailure},
		{"publish cause", &PublishError{Err: cause}, cause},
		{"skipped", ErrSkippedEvent{}, ErrSkippedMessage},
		{"wrapped", fmt.Errorf("commit: %w", &PublishError{Err: cause}), ErrPublishFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.target) {
				t.Errorf("errors.Is(%v, %v) = false", tt.err, tt.target)
			}
		})
	}
}

func TestWrapEventStoreError(t *testing.T) {
	if WrapEventStoreError(nil) != nil {
		t.Errorf("nil must stay nil")
	}
	cause := errors.New("boom")
	wrapped := WrapEventStoreError(cause)
	if !errors.Is(wrapped, cause) {
		t.Errorf("cause lost")
	}
	if WrapEventStoreError(wrapped) != wrapped {
		t.Errorf("double wrap")
	}
}

func TestCheckStreamState(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		name     string
		expected StreamState
		exists   bool
		current  uint64
		ok       bool
	}{
		{"any on missing", Any{}, false, 0, true},
		{"any on existing", Any{}, true, 5, true},
		{"nil is any", nil, true, 5, true},
		{"no stream on missing", NoStream{}, false, 0, true},
		{"no stream on existing", NoStream{}, true, 1, false},
		{"exists on existing", StreamExists{}, true, 1, true},
		{"exists on missing", StreamExists{}, false, 0, false},
		{"revision match", ExplicitRevision(3), true, 3, true},
		{"revision mismatch", ExplicitRevision(3), true, 4, false},
		{"revision on missing", ExplicitRevision(3), false, 0, false},
		{"revision zero on missing", ExplicitRevision(0), false, 0, true},
		{"revision zero on existing", ExplicitRevision(0), true, 2, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckStreamState(id, tt.expected, tt.exists, tt.current)
			if (err == nil) != tt.ok {
				t.Fatalf("err = %v, want ok=%v", err, tt.ok)
			}
			if err != nil && !errors.Is(err, ErrConcurrencyConflict) {
				t.Errorf("err = %v, want conflict", err)
			}
		})
	}
}
