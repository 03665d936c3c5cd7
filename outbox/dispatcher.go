// Package outbox relays committed outbox messages to a broker.
//
// Messages are written by Repository.Save in the same transaction as the
// stream events they describe. A Dispatcher polls the store for rows that
// were not yet accepted by the broker and hands them over one at a time,
// so delivery is at-least-once and consumers deduplicate on message-id.
package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	es "github.com/tccloudgames/eventsourcing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Source is implemented by stores that own an outbox table.
//
// Pending claims a batch of unpublished messages, calls publish for each in
// creation order and records the outcome: a nil error marks the message
// published, any other error increments its attempt count and stores the
// error text. A message claimed by one call is not handed to a concurrent
// call.
type Source interface {
	Pending(ctx context.Context, opts es.PendingOptions, publish func(ctx context.Context, msg es.OutboxMessage) error) (es.DispatchResult, error)
}

// Config tunes a Dispatcher.
type Config struct {
	// PollInterval is the wait between batches. Defaults to one second.
	PollInterval time.Duration
	// BatchSize bounds one batch. Defaults to 100.
	BatchSize int
	// MaxAttempts stops retrying a message after this many failures.
	// Zero retries forever.
	MaxAttempts int
	// PublishTimeout bounds a single broker call. Zero means no timeout.
	PublishTimeout time.Duration
}

// Dispatcher moves outbox messages from a Source to a Broker.
type Dispatcher struct {
	source     Source
	broker     es.Broker
	cfg        Config
	logger     *slog.Logger
	propagator propagation.TextMapPropagator
	newBackOff func() backoff.BackOff
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithPropagator sets the propagator used to restore the trace context
// captured at save time. Defaults to the global propagator.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(d *Dispatcher) { d.propagator = p }
}

// WithBackOff sets the policy Run uses after a failed batch. Defaults to an
// exponential backoff capped at one minute that never gives up.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(d *Dispatcher) { d.newBackOff = fn }
}

// NewDispatcher returns a dispatcher relaying from source to broker.
//
// Example Usage:
//
//	d := outbox.NewDispatcher(store, kafka.NewBroker(writer), outbox.Config{BatchSize: 50})
//	go d.Run(ctx)
func NewDispatcher(source Source, broker es.Broker, cfg Config, opts ...Option) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	d := &Dispatcher{
		source: source,
		broker: broker,
		cfg:    cfg,
		logger: slog.Default(),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxInterval = time.Minute
			b.MaxElapsedTime = 0
			return b
		},
	}
	for _, o := range opts {
		o(d)
	}
	if d.propagator == nil {
		d.propagator = otel.GetTextMapPropagator()
	}
	return d
}

// DispatchOnce relays a single batch. Broker failures are counted in the
// result, not returned; the error reports a failing Source.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (es.DispatchResult, error) {
	opts := es.PendingOptions{Limit: d.cfg.BatchSize, MaxAttempts: d.cfg.MaxAttempts}
	return d.source.Pending(ctx, opts, d.publish)
}

// Run dispatches batches until ctx ends. A full batch is followed
// immediately by the next one; otherwise Run waits PollInterval. When the
// Source fails, Run waits according to the backoff policy before polling
// again. Run returns ctx.Err() or the error that made the policy give up.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.InfoContext(ctx, "outbox dispatcher started",
		"poll-interval", d.cfg.PollInterval,
		"batch-size", d.cfg.BatchSize,
	)
	defer d.logger.InfoContext(ctx, "outbox dispatcher stopped")

	b := backoff.WithContext(d.newBackOff(), ctx)
	for {
		result, err := d.DispatchOnce(ctx)

		wait := d.cfg.PollInterval
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			wait = b.NextBackOff()
			if wait == backoff.Stop {
				return err
			}
			d.logger.ErrorContext(ctx, "outbox batch failed", "error", err, "retry-in", wait)
		default:
			b.Reset()
			if result.Published+result.Failed > 0 {
				d.logger.DebugContext(ctx, "outbox batch dispatched",
					"published", result.Published,
					"failed", result.Failed,
				)
			}
			if result.Published+result.Failed >= d.cfg.BatchSize {
				wait = 0
			}
		}

		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
}

func (d *Dispatcher) publish(ctx context.Context, msg es.OutboxMessage) error {
	if len(msg.Trace) > 0 {
		ctx = d.propagator.Extract(ctx, propagation.MapCarrier(msg.Trace))
	}
	if d.cfg.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.PublishTimeout)
		defer cancel()
	}

	err := d.broker.Publish(ctx, msg)
	if err != nil && !errors.Is(err, context.Canceled) {
		d.logger.WarnContext(ctx, "outbox publish failed",
			"message-id", msg.ID,
			"message-type", msg.MessageType,
			"routing-key", msg.RoutingKey,
			"aggregate-id", msg.AggregateID,
			"attempt", msg.Attempts+1,
			"error", err,
		)
	}
	return err
}
