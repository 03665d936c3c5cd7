package memory

import (
	"context"

	es "github.com/tccloudgames/eventsourcing"
)

// Pending hands unpublished outbox messages to publish in insertion order and
// records the outcome. Messages being published by a concurrent call are
// skipped. publish runs without the store lock held. A publish that fails
// because ctx ended is not counted as an attempt.
func (s *Store) Pending(ctx context.Context, opts es.PendingOptions, publish func(ctx context.Context, msg es.OutboxMessage) error) (es.DispatchResult, error) {
	var result es.DispatchResult
	if err := ctx.Err(); err != nil {
		return result, err
	}

	s.mu.Lock()
	var batch []*outboxEntry
	for _, e := range s.outbox {
		if opts.Limit > 0 && len(batch) >= opts.Limit {
			break
		}
		if e.inFlight || e.msg.PublishedAt != nil {
			continue
		}
		if opts.MaxAttempts > 0 && e.msg.Attempts >= opts.MaxAttempts {
			continue
		}
		e.inFlight = true
		batch = append(batch, e)
	}
	s.mu.Unlock()

	for i, e := range batch {
		if ctx.Err() != nil {
			s.release(batch[i:])
			return result, ctx.Err()
		}
		err := publish(ctx, e.msg)
		if err != nil && ctx.Err() != nil {
			s.release(batch[i:])
			return result, ctx.Err()
		}

		s.mu.Lock()
		e.inFlight = false
		if err != nil {
			e.msg.Attempts++
			e.msg.LastError = err.Error()
			result.Failed++
		} else {
			t := s.now().UTC()
			e.msg.PublishedAt = &t
			result.Published++
		}
		s.mu.Unlock()
	}
	return result, nil
}

func (s *Store) release(entries []*outboxEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		e.inFlight = false
	}
}
