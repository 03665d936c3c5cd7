package otel

import (
	"github.com/tccloudgames/eventsourcing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/tccloudgames/eventsourcing"
)

// Semantic attribute keys following OpenTelemetry conventions
const (
	// Command attributes
	AttrCommandType = attribute.Key("eventsourcing.command.type")
	AttrAggregateID = attribute.Key("eventsourcing.aggregate.id")

	// Stream attributes
	AttrStreamID      = attribute.Key("eventsourcing.stream.id")
	AttrStreamVersion = attribute.Key("eventsourcing.stream.version")
	AttrEventCount    = attribute.Key("eventsourcing.events.count")

	// Message attributes
	AttrMessageType   = attribute.Key("eventsourcing.message.type")
	AttrMessageID     = attribute.Key("eventsourcing.message.id")
	AttrRoutingKey    = attribute.Key("eventsourcing.message.routing_key")
	AttrAggregateType = attribute.Key("eventsourcing.aggregate.type")
	AttrOutboxCount   = attribute.Key("eventsourcing.outbox.count")
	AttrAttempt       = attribute.Key("eventsourcing.outbox.attempt")

	// Operation attributes
	AttrOperation = attribute.Key("eventsourcing.operation")
)

var (
	meter  = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(eventsourcing.InstrumentationVersion))
	tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(eventsourcing.InstrumentationVersion))

	// Command metrics
	CommandsHandled, _ = meter.Int64Counter(
		"eventsourcing.commands.handled",
		metric.WithDescription("Total number of commands handled"),
		metric.WithUnit("{command}"),
	)

	CommandsDuration, _ = meter.Float64Histogram(
		"eventsourcing.commands.duration",
		metric.WithDescription("Command handling duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000),
	)

	CommandsInFlight, _ = meter.Int64UpDownCounter(
		"eventsourcing.commands.in_flight",
		metric.WithDescription("Number of commands currently being processed"),
		metric.WithUnit("{command}"),
	)

	CommandsFailed, _ = meter.Int64Counter(
		"eventsourcing.commands.failed",
		metric.WithDescription("Number of failed commands"),
		metric.WithUnit("{command}"),
	)

	// Event metrics
	EventsAppended, _ = meter.Int64Counter(
		"eventsourcing.events.appended",
		metric.WithDescription("Number of events staged for append"),
		metric.WithUnit("{event}"),
	)

	EventsLoaded, _ = meter.Int64Counter(
		"eventsourcing.events.loaded",
		metric.WithDescription("Number of events loaded from streams"),
		metric.WithUnit("{event}"),
	)

	// Outbox metrics
	OutboxEnlisted, _ = meter.Int64Counter(
		"eventsourcing.outbox.enlisted",
		metric.WithDescription("Number of messages staged in the outbox"),
		metric.WithUnit("{message}"),
	)

	OutboxPublished, _ = meter.Int64Counter(
		"eventsourcing.outbox.published",
		metric.WithDescription("Number of outbox messages accepted by a broker"),
		metric.WithUnit("{message}"),
	)

	OutboxFailed, _ = meter.Int64Counter(
		"eventsourcing.outbox.failed",
		metric.WithDescription("Number of failed broker publishes"),
		metric.WithUnit("{message}"),
	)

	OutboxDuration, _ = meter.Float64Histogram(
		"eventsourcing.outbox.duration",
		metric.WithDescription("Broker publish duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)

	// Message handler metrics
	MessagesHandled, _ = meter.Int64Counter(
		"eventsourcing.messages.handled",
		metric.WithDescription("Number of messages handled by receivers"),
		metric.WithUnit("{message}"),
	)

	MessagesErrors, _ = meter.Int64Counter(
		"eventsourcing.messages.errors",
		metric.WithDescription("Number of message handler errors"),
		metric.WithUnit("{error}"),
	)

	MessagesDuration, _ = meter.Float64Histogram(
		"eventsourcing.messages.duration",
		metric.WithDescription("Message handler duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)

	// EventStore metrics
	EventStoreSaves, _ = meter.Int64Counter(
		"eventsourcing.eventstore.saves",
		metric.WithDescription("Number of SaveChanges calls"),
		metric.WithUnit("{operation}"),
	)

	EventStoreLoads, _ = meter.Int64Counter(
		"eventsourcing.eventstore.loads",
		metric.WithDescription("Number of load operations"),
		metric.WithUnit("{operation}"),
	)

	EventStoreDuration, _ = meter.Float64Histogram(
		"eventsourcing.eventstore.duration",
		metric.WithDescription("Event store operation duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)

	EventStoreErrors, _ = meter.Int64Counter(
		"eventsourcing.eventstore.errors",
		metric.WithDescription("Number of event store errors"),
		metric.WithUnit("{error}"),
	)

	// System metrics
	ConcurrencyConflicts, _ = meter.Int64Counter(
		"eventsourcing.concurrency.conflicts",
		metric.WithDescription("Number of concurrency conflicts"),
		metric.WithUnit("{conflict}"),
	)
)
