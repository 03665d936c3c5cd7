package otel

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/tccloudgames/eventsourcing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// WithCommandTelemetry wraps a CommandHandler with OpenTelemetry tracing and metrics.
//
// For each command the wrapper:
//  1. Starts an internal span named "command.handle {type}" carrying the
//     command type and aggregate id.
//  2. Tracks the command in CommandsInFlight while the handler runs.
//  3. Records CommandsDuration and adds the resulting stream version and
//     event count to the span.
//  4. Counts the outcome in CommandsHandled or CommandsFailed.
//
// Behavior Details:
//   - A *ConcurrencyConflictError increments ConcurrencyConflicts and adds a
//     "concurrency_conflict" span event.
//   - A business rule violation leaves the span status Ok; the command was
//     handled, it was just rejected.
//   - Any other error marks the span as Error and records it.
//
// Example Usage:
//
//	handler := otel.WithCommandTelemetry(es.NewCommandHandler(store, NewGameAggregate, DecideCreateGame))
//	result, err := handler(ctx, CreateGameCommand{ID: id})
func WithCommandTelemetry[C eventsourcing.Command](next eventsourcing.CommandHandler[C]) eventsourcing.CommandHandler[C] {
	commandType := reflect.TypeFor[C]().String()
	typeAttr := metric.WithAttributes(AttrCommandType.String(commandType))

	return func(ctx context.Context, cmd C) (eventsourcing.CommandResult, error) {
		attr := []attribute.KeyValue{
			AttrCommandType.String(commandType),
			AttrAggregateID.String(cmd.AggregateID().String()),
		}

		ctx, span := tracer.Start(ctx, fmt.Sprintf("command.handle %s", commandType),
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(attr...),
		)
		defer span.End()

		CommandsInFlight.Add(ctx, 1, typeAttr)
		defer CommandsInFlight.Add(ctx, -1, typeAttr)

		startTime := time.Now()
		result, err := next(ctx, cmd)
		CommandsDuration.Record(ctx, float64(time.Since(startTime).Milliseconds()), typeAttr)

		span.SetAttributes(
			AttrStreamVersion.Int64(int64(result.Version)),
			AttrEventCount.Int(result.Events),
		)

		if err == nil {
			span.SetStatus(codes.Ok, "")
			CommandsHandled.Add(ctx, 1, typeAttr)
			return result, nil
		}

		CommandsFailed.Add(ctx, 1, typeAttr)

		var conflict *eventsourcing.ConcurrencyConflictError
		if errors.As(err, &conflict) {
			ConcurrencyConflicts.Add(ctx, 1, typeAttr)
			span.AddEvent("concurrency_conflict", trace.WithAttributes(
				AttrStreamID.String(conflict.Stream.String()),
			))
		}

		if errors.Is(err, eventsourcing.ErrBusinessRuleViolation) {
			span.SetStatus(codes.Ok, fmt.Sprintf("business rule violation: %v", err))
			span.AddEvent("business_rule_violation")
			return result, err
		}

		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return result, err
	}
}
