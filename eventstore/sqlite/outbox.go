package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	es "github.com/tccloudgames/eventsourcing"
)

// Pending hands unpublished outbox messages to publish in insertion order
// and records each outcome as soon as it is known. Calls on the same Store
// run one at a time. A publish that fails because ctx ended is not counted
// as an attempt.
func (s *Store) Pending(ctx context.Context, opts es.PendingOptions, publish func(ctx context.Context, msg es.OutboxMessage) error) (es.DispatchResult, error) {
	var result es.DispatchResult
	if err := ctx.Err(); err != nil {
		return result, err
	}
	s.relay.Lock()
	defer s.relay.Unlock()

	limit := -1
	if opts.Limit > 0 {
		limit = opts.Limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, message_type, routing_key, aggregate_type, aggregate_id,
		       headers, payload, trace, created_at, attempts, last_error
		FROM es_outbox
		WHERE published_at IS NULL AND (? = 0 OR attempts < ?)
		ORDER BY seq
		LIMIT ?
	`, opts.MaxAttempts, opts.MaxAttempts, limit)
	if err != nil {
		return result, fmt.Errorf("fetch outbox: %w", err)
	}

	type claimed struct {
		seq int64
		msg es.OutboxMessage
	}
	var batch []claimed
	for rows.Next() {
		var (
			c              claimed
			headers, trace []byte
			created        int64
		)
		if err := rows.Scan(&c.seq, &c.msg.ID, &c.msg.MessageType, &c.msg.RoutingKey, &c.msg.AggregateType, &c.msg.AggregateID,
			&headers, &c.msg.Payload, &trace, &created, &c.msg.Attempts, &c.msg.LastError); err != nil {
			_ = rows.Close()
			return result, fmt.Errorf("fetch outbox: %w", err)
		}
		if err := json.Unmarshal(headers, &c.msg.Headers); err != nil {
			_ = rows.Close()
			return result, fmt.Errorf("decode headers of %s: %w", c.msg.ID, err)
		}
		if err := json.Unmarshal(trace, &c.msg.Trace); err != nil {
			_ = rows.Close()
			return result, fmt.Errorf("decode trace of %s: %w", c.msg.ID, err)
		}
		c.msg.CreatedAt = fromMillis(created)
		batch = append(batch, c)
	}
	if err := rows.Close(); err != nil {
		return result, fmt.Errorf("fetch outbox: %w", err)
	}
	if err := rows.Err(); err != nil {
		return result, fmt.Errorf("fetch outbox: %w", err)
	}

	record := context.WithoutCancel(ctx)
	for _, c := range batch {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if perr := publish(ctx, c.msg); perr != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			if _, err := s.db.ExecContext(record,
				`UPDATE es_outbox SET attempts = attempts + 1, last_error = ? WHERE seq = ?`, perr.Error(), c.seq,
			); err != nil {
				return result, fmt.Errorf("record failure: %w", err)
			}
			result.Failed++
			continue
		}
		if _, err := s.db.ExecContext(record,
			`UPDATE es_outbox SET published_at = ? WHERE seq = ?`, toMillis(s.now()), c.seq,
		); err != nil {
			return result, fmt.Errorf("mark published: %w", err)
		}
		result.Published++
	}
	return result, nil
}
