// Package kafka publishes outbox messages to Kafka topics and consumes them
// back into receivers.
//
// Every routing key maps to a topic named after its first segment, and the
// aggregate id is the record key, so one aggregate's messages stay ordered
// within a partition.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	es "github.com/tccloudgames/eventsourcing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

var _ es.Broker = (*Broker)(nil)

// Writer is the part of *kafka.Writer the broker uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Broker writes outbox messages to Kafka.
type Broker struct {
	writer     Writer
	topic      func(routingKey string) string
	propagator propagation.TextMapPropagator
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithTopic overrides the routing key to topic mapping. Defaults to TopicFor.
func WithTopic(fn func(routingKey string) string) BrokerOption {
	return func(b *Broker) { b.topic = fn }
}

// WithBrokerPropagator sets the propagator that writes trace headers.
// Defaults to the global propagator.
func WithBrokerPropagator(p propagation.TextMapPropagator) BrokerOption {
	return func(b *Broker) { b.propagator = p }
}

// NewWriter returns a writer that partitions by record key and waits for all
// in-sync replicas.
func NewWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
}

// NewBroker returns a broker writing through w.
//
// Example Usage:
//
//	broker := kafka.NewBroker(kafka.NewWriter(kafka.SplitBrokers(cfg.KafkaBrokers)))
//	defer broker.Close()
func NewBroker(w Writer, opts ...BrokerOption) *Broker {
	b := &Broker{writer: w, topic: TopicFor}
	for _, o := range opts {
		o(b)
	}
	if b.propagator == nil {
		b.propagator = otel.GetTextMapPropagator()
	}
	return b
}

// Publish writes msg and returns once the write is acknowledged. The trace
// context of ctx is carried in the headers; when ctx has none, the trace
// captured at save time is used.
func (b *Broker) Publish(ctx context.Context, msg es.OutboxMessage) error {
	trace := propagation.MapCarrier{}
	b.propagator.Inject(ctx, trace)
	if len(trace) == 0 {
		trace = msg.Trace
	}

	topic := b.topic(msg.RoutingKey)
	if err := b.writer.WriteMessages(ctx, toMessage(msg, topic, trace)); err != nil {
		return fmt.Errorf("kafka write %s to %s: %w", msg.ID, topic, err)
	}
	return nil
}

func (b *Broker) Close() error {
	return b.writer.Close()
}
