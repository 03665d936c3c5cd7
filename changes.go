package eventsourcing

import (
	"fmt"

	"github.com/google/uuid"
)

// ChangeKind identifies a staged stream write.
type ChangeKind int

const (
	ChangeStart ChangeKind = iota + 1
	ChangeAppend
	ChangeDelete
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeStart:
		return "start"
	case ChangeAppend:
		return "append"
	case ChangeDelete:
		return "delete"
	}
	return fmt.Sprintf("ChangeKind(%d)", int(k))
}

// StreamChange is one staged write to a stream.
type StreamChange struct {
	Kind          ChangeKind
	StreamID      uuid.UUID
	AggregateType string
	// Expected is the state the stream must be in when the change is flushed.
	Expected StreamState
	Records  []Record
}

type stagedStream struct {
	version uint64
	exists  bool
}

// Changes accumulates the writes of one session until they are flushed.
// Store implementations embed it to share staging and the early
// concurrency checks; the flush itself must check again against durable
// state.
type Changes struct {
	Streams []StreamChange
	Outbox  []OutboxMessage

	view map[uuid.UUID]stagedStream
	// batch numbers the current staged work. It advances whenever the
	// work is flushed or dropped.
	batch   uint64
	flushed map[uint64]struct{}
}

// Batch identifies the work currently staged.
func (c *Changes) Batch() uint64 { return c.batch }

// Flushed reports whether batch was made durable by a successful flush.
// A batch that was discarded, or whose flush failed, never is.
func (c *Changes) Flushed(batch uint64) bool {
	_, ok := c.flushed[batch]
	return ok
}

// Finish ends the current batch after a flush attempt. The batch counts as
// flushed only when err is nil.
func (c *Changes) Finish(err error) {
	if err == nil {
		if c.flushed == nil {
			c.flushed = make(map[uint64]struct{})
		}
		c.flushed[c.batch] = struct{}{}
	}
	c.Reset()
}

// Staged returns the version a stream will have after the staged writes,
// if this change set touches it.
func (c *Changes) Staged(id uuid.UUID) (version uint64, exists bool, ok bool) {
	s, ok := c.view[id]
	return s.version, s.exists, ok
}

// Start stages a new stream. current and exists describe durable state and
// are ignored when the stream was already touched by this change set.
func (c *Changes) Start(id uuid.UUID, aggregateType string, records []Record, current uint64, exists bool) error {
	current, exists = c.resolve(id, current, exists)
	if err := CheckStreamState(id, NoStream{}, exists, current); err != nil {
		return err
	}
	c.Streams = append(c.Streams, StreamChange{
		Kind:          ChangeStart,
		StreamID:      id,
		AggregateType: aggregateType,
		Expected:      NoStream{},
		Records:       cloneRecords(records),
	})
	c.track(id, uint64(len(records)), true)
	return nil
}

// Append stages records at the end of an existing stream.
func (c *Changes) Append(id uuid.UUID, expected StreamState, records []Record, current uint64, exists bool) error {
	if _, ok := expected.(NoStream); ok {
		return fmt.Errorf("append to stream %s: %w: use StartStream for new streams", id, ErrStreamNotFound)
	}
	current, exists = c.resolve(id, current, exists)
	if !exists {
		return fmt.Errorf("append to stream %s: %w", id, ErrStreamNotFound)
	}
	if err := CheckStreamState(id, expected, exists, current); err != nil {
		return err
	}
	c.Streams = append(c.Streams, StreamChange{
		Kind:     ChangeAppend,
		StreamID: id,
		Expected: ExplicitRevision(current),
		Records:  cloneRecords(records),
	})
	c.track(id, current+uint64(len(records)), true)
	return nil
}

// Delete stages a tombstone for a stream.
func (c *Changes) Delete(id uuid.UUID, expected StreamState, current uint64, exists bool) error {
	current, exists = c.resolve(id, current, exists)
	if !exists {
		return fmt.Errorf("delete stream %s: %w", id, ErrStreamNotFound)
	}
	if err := CheckStreamState(id, expected, exists, current); err != nil {
		return err
	}
	c.Streams = append(c.Streams, StreamChange{
		Kind:     ChangeDelete,
		StreamID: id,
		Expected: ExplicitRevision(current),
	})
	c.track(id, current, true)
	return nil
}

func (c *Changes) Enlist(msg OutboxMessage) {
	c.Outbox = append(c.Outbox, msg)
}

func (c *Changes) Empty() bool {
	return len(c.Streams) == 0 && len(c.Outbox) == 0
}

// Reset drops the staged work and starts a new batch.
func (c *Changes) Reset() {
	c.Streams = nil
	c.Outbox = nil
	c.view = nil
	c.batch++
}

func (c *Changes) resolve(id uuid.UUID, current uint64, exists bool) (uint64, bool) {
	if s, ok := c.view[id]; ok {
		return s.version, s.exists
	}
	return current, exists
}

func (c *Changes) track(id uuid.UUID, version uint64, exists bool) {
	if c.view == nil {
		c.view = make(map[uuid.UUID]stagedStream)
	}
	c.view[id] = stagedStream{version: version, exists: exists}
}

// Renumber assigns consecutive versions to records following after.
func Renumber(records []Record, after uint64) {
	for i := range records {
		records[i].Version = after + uint64(i) + 1
	}
}

func cloneRecords(records []Record) []Record {
	out := make([]Record, len(records))
	copy(out, records)
	return out
}
