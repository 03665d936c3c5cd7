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
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var (
	_ eventsourcing.Broker   = (*TelemetryBroker)(nil)
	_ eventsourcing.Receiver = (*TelemetryReceiver)(nil)
)

// TelemetryBroker wraps a Broker with a producer span per publish.
//
// The span is a child of the dispatcher's context and links to the trace
// captured when the message was saved, so that the relay's work can be found
// from the originating request.
type TelemetryBroker struct {
	next eventsourcing.Broker
	cfg  *config
}

// WithBrokerTelemetry wraps a Broker with OpenTelemetry tracing and metrics.
//
// Metrics recorded:
//   - OutboxPublished: messages accepted by the broker.
//   - OutboxFailed: publish errors.
//   - OutboxDuration: publish time in milliseconds.
//
// Example Usage:
//
//	broker := otel.WithBrokerTelemetry(kafka.NewBroker(writer))
func WithBrokerTelemetry(next eventsourcing.Broker, options ...Option) *TelemetryBroker {
	return &TelemetryBroker{next: next, cfg: newConfig(options)}
}

func (t *TelemetryBroker) Publish(ctx context.Context, msg eventsourcing.OutboxMessage) error {
	typeAttr := metric.WithAttributes(AttrMessageType.String(msg.MessageType))

	ctx, span := tracer.Start(ctx, t.cfg.spanName(fmt.Sprintf("outbox.publish %s", msg.RoutingKey)),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithLinks(originLink(t.cfg.Propagator, msg, "outbox.message.saved")...),
		trace.WithAttributes(t.cfg.attributes(ctx, messageAttributes(msg)...)...),
	)
	defer span.End()

	start := time.Now()
	err := t.next.Publish(ctx, msg)
	OutboxDuration.Record(ctx, float64(time.Since(start).Milliseconds()), typeAttr)

	if err != nil {
		OutboxFailed.Add(ctx, 1, typeAttr)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	OutboxPublished.Add(ctx, 1, typeAttr)
	span.SetStatus(codes.Ok, "")
	return nil
}

func (t *TelemetryBroker) Close() error {
	return t.next.Close()
}

// TelemetryReceiver wraps a Receiver with a consumer span per delivery.
type TelemetryReceiver struct {
	next eventsourcing.Receiver
	cfg  *config
}

// WithReceiverTelemetry wraps a Receiver with OpenTelemetry tracing and metrics.
//
// The consumer span links to the trace captured in the message. A skipped
// message leaves the span status Ok and is not counted as an error.
//
// Example Usage:
//
//	router := es.NewMessageRouter(nil, es.OnMessage(projectGameCreated))
//	err := subscriber.Subscribe(ctx, "game.#", otel.WithReceiverTelemetry(router))
func WithReceiverTelemetry(next eventsourcing.Receiver, options ...Option) *TelemetryReceiver {
	return &TelemetryReceiver{next: next, cfg: newConfig(options)}
}

func (t *TelemetryReceiver) Deliver(ctx context.Context, msg eventsourcing.OutboxMessage) error {
	typeAttr := metric.WithAttributes(AttrMessageType.String(msg.MessageType))

	ctx, span := tracer.Start(ctx, t.cfg.spanName(fmt.Sprintf("message.receive %s", msg.RoutingKey)),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithLinks(originLink(t.cfg.Propagator, msg, "message.consumed.from.outbox")...),
		trace.WithAttributes(t.cfg.attributes(ctx, messageAttributes(msg)...)...),
	)
	defer span.End()

	MessagesHandled.Add(ctx, 1, typeAttr)

	start := time.Now()
	err := t.next.Deliver(ctx, msg)
	MessagesDuration.Record(ctx, float64(time.Since(start).Milliseconds()), typeAttr)

	if err != nil {
		if errors.Is(err, eventsourcing.ErrSkippedMessage) {
			span.SetStatus(codes.Ok, "message skipped")
			return err
		}
		MessagesErrors.Add(ctx, 1, typeAttr)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func messageAttributes(msg eventsourcing.OutboxMessage) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrMessageID.String(msg.ID.String()),
		AttrMessageType.String(msg.MessageType),
		AttrRoutingKey.String(msg.RoutingKey),
		AttrAggregateType.String(msg.AggregateType),
		AttrAggregateID.String(msg.AggregateID.String()),
		AttrAttempt.Int(msg.Attempts),
	}
}

// originLink returns a link to the span context stored in msg.Trace, or nil
// when none was captured.
func originLink(p propagation.TextMapPropagator, msg eventsourcing.OutboxMessage, reason string) []trace.Link {
	if len(msg.Trace) == 0 {
		return nil
	}
	origin := trace.SpanContextFromContext(p.Extract(context.Background(), propagation.MapCarrier(msg.Trace)))
	if !origin.IsValid() {
		return nil
	}
	return []trace.Link{{
		SpanContext: origin,
		Attributes:  []attribute.KeyValue{attribute.String("link.reason", reason)},
	}}
}
