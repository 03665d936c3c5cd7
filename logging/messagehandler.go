package logging

import (
	"context"
	"errors"
	"log/slog"

	es "github.com/tccloudgames/eventsourcing"
)

// WithMessageLogging logs the start and outcome of every handled message.
// Typed handlers keep their message type and can still be routed.
func WithMessageLogging(logger *slog.Logger, next es.MessageHandler) es.MessageHandler {
	return es.DecorateMessageHandler(next, func(ctx context.Context, msg es.Publishable) error {
		l := logger.With(
			"message-id", msg.MessageID(),
			"message-type", msg.EventType(),
			"causation", es.CausationFromContext(ctx),
			"correlation", msg.CorrelationID(),
			"aggregateId", msg.AggregateID(),
		)

		l.DebugContext(ctx, "message processing started")

		err := next.Handle(ctx, msg)

		switch {
		case err == nil:
			l.DebugContext(ctx, "message processed successfully")
		case errors.Is(err, es.ErrSkippedMessage):
			l.DebugContext(ctx, "message skipped")
		default:
			l.ErrorContext(ctx, "error processing message", "error", err)
		}

		return err
	})
}
