package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tccloudgames/eventsourcing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// WithMessageTelemetry wraps a MessageHandler with an internal span and
// handler metrics. Typed handlers built with OnMessage keep their message
// type so they can still be passed to NewMessageRouter.
func WithMessageTelemetry(next eventsourcing.MessageHandler) eventsourcing.MessageHandler {
	return eventsourcing.DecorateMessageHandler(next, func(ctx context.Context, msg eventsourcing.Publishable) error {
		attr := []attribute.KeyValue{
			AttrMessageType.String(msg.EventType()),
			AttrMessageID.String(msg.MessageID().String()),
			AttrAggregateType.String(msg.AggregateType()),
			AttrAggregateID.String(msg.AggregateID().String()),
		}
		typeAttr := metric.WithAttributes(AttrMessageType.String(msg.EventType()))

		ctx, span := tracer.Start(ctx, fmt.Sprintf("message.handle %s", msg.EventType()),
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(attr...),
		)
		defer span.End()

		startTime := time.Now()
		err := next.Handle(ctx, msg)
		MessagesDuration.Record(ctx, float64(time.Since(startTime).Milliseconds()), typeAttr)

		if err != nil {
			if errors.Is(err, eventsourcing.ErrSkippedMessage) {
				span.SetStatus(codes.Ok, "message skipped")
			} else {
				MessagesErrors.Add(ctx, 1, typeAttr)
				span.SetStatus(codes.Error, err.Error())
				span.RecordError(err)
			}
			return err
		}
		span.SetStatus(codes.Ok, "")
		return nil
	})
}
