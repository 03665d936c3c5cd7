package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/segmentio/kafka-go"
	es "github.com/tccloudgames/eventsourcing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

var _ es.Subscriber = (*Subscriber)(nil)

// Reader is the part of *kafka.Reader the subscriber uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Subscriber consumes topics with one consumer group per subscription.
type Subscriber struct {
	newReader  func(topic, group string) Reader
	propagator propagation.TextMapPropagator

	mu     sync.Mutex
	subs   map[string]context.CancelFunc
	closed bool
	errs   chan error
	wg     sync.WaitGroup
}

// SubscriberOption configures a Subscriber.
type SubscriberOption func(*Subscriber)

// WithReaderFactory replaces the function that opens a reader for a topic
// and consumer group.
func WithReaderFactory(fn func(topic, group string) Reader) SubscriberOption {
	return func(s *Subscriber) { s.newReader = fn }
}

// WithSubscriberPropagator sets the propagator whose fields are read back
// into OutboxMessage.Trace. Defaults to the global propagator.
func WithSubscriberPropagator(p propagation.TextMapPropagator) SubscriberOption {
	return func(s *Subscriber) { s.propagator = p }
}

func NewSubscriber(brokers []string, opts ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		newReader: func(topic, group string) Reader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers:  brokers,
				GroupID:  group,
				Topic:    topic,
				MinBytes: 1,
				MaxBytes: 10e6,
			})
		},
		subs: make(map[string]context.CancelFunc),
		errs: make(chan error, 64),
	}
	for _, o := range opts {
		o(s)
	}
	if s.propagator == nil {
		s.propagator = otel.GetTextMapPropagator()
	}
	return s
}

// Subscribe starts consuming the topic named by the first segment of
// pattern, using the subscription name as consumer group. Records whose
// routing key does not match pattern are committed without delivery.
// Receiver errors are sent to Errors and the record is still committed.
func (s *Subscriber) Subscribe(ctx context.Context, pattern string, r es.Receiver, opts ...es.SubscriberOption) error {
	prefix, _, _ := strings.Cut(pattern, ".")
	if prefix == "" || prefix == "*" || prefix == "#" {
		return fmt.Errorf("pattern %q must start with a literal segment", pattern)
	}
	if r == nil {
		return errors.New("receiver cannot be nil")
	}
	cfg := es.NewSubscriberConfig(pattern, opts...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("subscriber is closed")
	}
	if _, exists := s.subs[cfg.Name]; exists {
		return fmt.Errorf("subscription %q: %w", cfg.Name, es.ErrDuplicateHandler)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.subs[cfg.Name] = cancel
	reader := s.newReader(prefix+".events", cfg.Name)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.remove(cfg.Name)
		defer reader.Close()
		s.consume(ctx, cfg.Name, pattern, reader, r)
	}()
	return nil
}

func (s *Subscriber) consume(ctx context.Context, name, pattern string, reader Reader, r es.Receiver) {
	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				s.report(fmt.Errorf("subscription %q: fetch: %w", name, err))
			}
			return
		}

		msg := fromMessage(m, s.propagator)
		if es.MatchRoutingKey(pattern, msg.RoutingKey) {
			if err := r.Deliver(ctx, msg); err != nil && !errors.Is(err, es.ErrSkippedMessage) {
				s.report(fmt.Errorf("subscription %q: message %s: %w", name, msg.ID, err))
			}
		}
		if err := reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.report(fmt.Errorf("subscription %q: commit offset %d: %w", name, m.Offset, err))
		}
	}
}

func (s *Subscriber) report(err error) {
	select {
	case s.errs <- err:
	default:
		// Drop error if channel full
	}
}

func (s *Subscriber) remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.subs[name]; ok {
		cancel()
		delete(s.subs, name)
	}
}

func (s *Subscriber) Errors() <-chan error {
	return s.errs
}

// Close cancels every subscription, waits for the readers to close and
// closes the error channel.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, cancel := range s.subs {
		cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
	close(s.errs)
	return nil
}
