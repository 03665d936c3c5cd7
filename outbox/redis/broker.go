// Package redis relays outbox messages over Redis pub/sub.
//
// Each message is published as JSON on the channel named by its routing key
// under a prefix. Pub/sub drops messages nobody is listening for, so this
// transport suits fan-out to live consumers rather than durable delivery.
package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	es "github.com/tccloudgames/eventsourcing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

var _ es.Broker = (*Broker)(nil)

// Publisher is the part of *redis.Client the broker uses.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *goredis.IntCmd
}

type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewClient returns a client for cfg.
func NewClient(cfg Config) *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Broker publishes outbox messages to Redis channels.
type Broker struct {
	client     Publisher
	prefix     string
	propagator propagation.TextMapPropagator
	close      func() error
}

// Option configures a Broker or Subscriber.
type Option func(*options)

type options struct {
	prefix     string
	propagator propagation.TextMapPropagator
}

// WithChannelPrefix sets the channel prefix. Defaults to DefaultChannelPrefix.
func WithChannelPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithPropagator sets the propagator for the trace fields. Defaults to the
// global propagator.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(o *options) { o.propagator = p }
}

func newOptions(opts []Option) options {
	o := options{prefix: DefaultChannelPrefix}
	for _, fn := range opts {
		fn(&o)
	}
	if o.propagator == nil {
		o.propagator = otel.GetTextMapPropagator()
	}
	return o
}

// NewBroker returns a broker publishing through client. Close closes client
// when it implements io.Closer.
func NewBroker(client Publisher, opts ...Option) *Broker {
	o := newOptions(opts)
	b := &Broker{client: client, prefix: o.prefix, propagator: o.propagator}
	if c, ok := client.(interface{ Close() error }); ok {
		b.close = c.Close
	}
	return b
}

// Publish sends msg on its routing key's channel.
func (b *Broker) Publish(ctx context.Context, msg es.OutboxMessage) error {
	trace := propagation.MapCarrier{}
	b.propagator.Inject(ctx, trace)
	if len(trace) == 0 {
		trace = msg.Trace
	}

	data, err := encode(msg, trace)
	if err != nil {
		return &es.SerializationError{Type: msg.MessageType, Err: err}
	}
	channel := b.prefix + msg.RoutingKey
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s to %s: %w", msg.ID, channel, err)
	}
	return nil
}

func (b *Broker) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}
