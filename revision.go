package eventsourcing

import (
	"fmt"

	"github.com/google/uuid"
)

// StreamState is the expectation a writer holds about a stream when it
// appends to or deletes it.
type StreamState interface {
	fmt.Stringer
	streamState()
}

// Any means append without checking current revision.
type Any struct{}

func (Any) streamState()   {}
func (Any) String() string { return "any version" }

// NoStream means the stream should not exist yet.
type NoStream struct{}

func (NoStream) streamState()   {}
func (NoStream) String() string { return "no stream" }

// StreamExists means the stream must exist.
type StreamExists struct{}

func (StreamExists) streamState()   {}
func (StreamExists) String() string { return "an existing stream" }

// ExplicitRevision matches exactly a numeric revision.
type ExplicitRevision uint64

func (ExplicitRevision) streamState() {}
func (r ExplicitRevision) String() string {
	return fmt.Sprintf("version %d", uint64(r))
}

// CheckStreamState validates expected against the stream's current state and
// returns a *ConcurrencyConflictError when they disagree.
func CheckStreamState(stream uuid.UUID, expected StreamState, exists bool, current uint64) error {
	ok := true
	switch e := expected.(type) {
	case nil, Any:
	case NoStream:
		ok = !exists
	case StreamExists:
		ok = exists
	case ExplicitRevision:
		if uint64(e) == 0 {
			ok = !exists || current == 0
		} else {
			ok = exists && current == uint64(e)
		}
	default:
		return fmt.Errorf("unsupported stream state %T", expected)
	}
	if !ok {
		return &ConcurrencyConflictError{Stream: stream, Expected: expected, Actual: current}
	}
	return nil
}
