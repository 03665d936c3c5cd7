package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	es "github.com/tccloudgames/eventsourcing"
)

// Pending claims unpublished outbox rows in insertion order and hands each to
// publish. Claimed rows stay locked until the batch commits, so a concurrent
// relay skips them instead of waiting. Outcomes are recorded even when ctx is
// cancelled mid-batch; a publish cut short by ctx leaves its row untouched.
func (s *Store) Pending(ctx context.Context, opts es.PendingOptions, publish func(ctx context.Context, msg es.OutboxMessage) error) (es.DispatchResult, error) {
	var result es.DispatchResult
	if err := ctx.Err(); err != nil {
		return result, err
	}

	var limit any
	if opts.Limit > 0 {
		limit = opts.Limit
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return result, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	rows, err := tx.Query(ctx, `
		SELECT seq, id, message_type, routing_key, aggregate_type, aggregate_id,
		       headers, payload, trace, created_at, attempts, last_error
		FROM es_outbox
		WHERE published_at IS NULL AND ($2::int = 0 OR attempts < $2::int)
		ORDER BY seq
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit, opts.MaxAttempts)
	if err != nil {
		return result, fmt.Errorf("fetch outbox: %w", err)
	}

	type claimed struct {
		seq int64
		msg es.OutboxMessage
	}
	batch, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (claimed, error) {
		var c claimed
		err := row.Scan(&c.seq, &c.msg.ID, &c.msg.MessageType, &c.msg.RoutingKey, &c.msg.AggregateType, &c.msg.AggregateID,
			&c.msg.Headers, &c.msg.Payload, &c.msg.Trace, &c.msg.CreatedAt, &c.msg.Attempts, &c.msg.LastError)
		c.msg.CreatedAt = c.msg.CreatedAt.UTC()
		return c, err
	})
	if err != nil {
		return result, fmt.Errorf("fetch outbox: %w", err)
	}

	record := context.WithoutCancel(ctx)
	for _, c := range batch {
		if ctx.Err() != nil {
			break
		}
		if err := publish(ctx, c.msg); err != nil {
			if ctx.Err() != nil {
				break
			}
			_, err = tx.Exec(record, `
				UPDATE es_outbox SET attempts = attempts + 1, last_error = $2 WHERE seq = $1
			`, c.seq, err.Error())
			if err != nil {
				return es.DispatchResult{}, fmt.Errorf("record failure: %w", err)
			}
			result.Failed++
			continue
		}
		if _, err := tx.Exec(record, `UPDATE es_outbox SET published_at = $2 WHERE seq = $1`, c.seq, s.now().UTC()); err != nil {
			return es.DispatchResult{}, fmt.Errorf("mark published: %w", err)
		}
		result.Published++
	}

	if err := tx.Commit(record); err != nil {
		return es.DispatchResult{}, fmt.Errorf("commit outbox: %w", err)
	}
	return result, ctx.Err()
}
