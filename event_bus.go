package eventsourcing

import "context"

// Broker publishes outbox messages to a transport. Publish must not return
// before the transport has accepted the message; the dispatcher marks the
// row published only then.
type Broker interface {
	Publish(ctx context.Context, msg OutboxMessage) error

	// Close flushes pending writes and releases connections.
	Close() error
}

// Receiver consumes transport messages, typically a *MessageRouter.
type Receiver interface {
	Deliver(ctx context.Context, msg OutboxMessage) error
}

// SubscriberConfig holds per-subscription settings shared by Subscriber
// implementations.
type SubscriberConfig struct {
	// Name identifies the subscription in errors and logs. Defaults to the
	// pattern.
	Name string
	// BufferSize bounds messages queued for a receiver. Defaults to 64.
	BufferSize int
}

// SubscriberOption configures a subscription.
type SubscriberOption func(*SubscriberConfig)

// WithSubscriptionName names a subscription.
func WithSubscriptionName(name string) SubscriberOption {
	return func(c *SubscriberConfig) { c.Name = name }
}

// WithBufferSize sets how many messages may wait for a busy receiver.
func WithBufferSize(n int) SubscriberOption {
	return func(c *SubscriberConfig) { c.BufferSize = n }
}

// NewSubscriberConfig applies options over the defaults for pattern.
func NewSubscriberConfig(pattern string, options ...SubscriberOption) SubscriberConfig {
	cfg := SubscriberConfig{Name: pattern, BufferSize: 64}
	for _, o := range options {
		o(&cfg)
	}
	if cfg.BufferSize < 0 {
		cfg.BufferSize = 0
	}
	return cfg
}

// Subscriber delivers messages from a transport to receivers. Messages are
// not guaranteed to be delivered in order across aggregates.
type Subscriber interface {
	// Subscribe registers r for every message whose routing key matches
	// pattern (see MatchRoutingKey) and returns. Delivery stops when ctx
	// ends or the Subscriber is closed.
	Subscribe(ctx context.Context, pattern string, r Receiver, options ...SubscriberOption) error

	// Errors returns an error channel where async handling errors are sent.
	Errors() <-chan error

	// Close closes the Subscriber and waits for all receivers to finish.
	Close() error
}
