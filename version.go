package eventsourcing

// InstrumentationVersion is reported by the otel subpackage as the meter and
// tracer version.
const InstrumentationVersion = "0.4.0"
