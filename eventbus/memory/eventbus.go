// Package memory provides an in-process Broker and Subscriber. Messages
// published by the outbox dispatcher are fanned out to every subscription
// whose pattern matches the routing key.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	es "github.com/tccloudgames/eventsourcing"
)

var (
	_ es.Broker     = (*EventBus)(nil)
	_ es.Subscriber = (*EventBus)(nil)
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("eventbus is closed")

type subscriber struct {
	name     string
	pattern  string
	receiver es.Receiver
	messages chan es.OutboxMessage
	done     chan struct{}
	once     sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

// EventBus delivers messages to subscribers on one goroutine per
// subscription, in publish order.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool
	errs   chan error
	wg     sync.WaitGroup
}

func NewEventBus() *EventBus {
	return &EventBus{
		subs: make(map[string]*subscriber),
		errs: make(chan error, 64),
	}
}

// Subscribe registers r under the subscription name, which defaults to the
// pattern. Names must be unique.
func (b *EventBus) Subscribe(ctx context.Context, pattern string, r es.Receiver, opts ...es.SubscriberOption) error {
	if pattern == "" || r == nil {
		return errors.New("pattern and receiver cannot be empty")
	}
	cfg := es.NewSubscriberConfig(pattern, opts...)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if _, exists := b.subs[cfg.Name]; exists {
		return fmt.Errorf("subscription %q: %w", cfg.Name, es.ErrDuplicateHandler)
	}

	s := &subscriber{
		name:     cfg.Name,
		pattern:  pattern,
		receiver: r,
		messages: make(chan es.OutboxMessage, cfg.BufferSize),
		done:     make(chan struct{}),
	}
	b.subs[cfg.Name] = s

	b.wg.Add(1)
	go b.run(s)

	go func() {
		select {
		case <-ctx.Done():
			b.remove(s)
		case <-s.done:
		}
	}()
	return nil
}

// Publish hands msg to every matching subscription. It blocks while a
// subscription's buffer is full.
func (b *EventBus) Publish(ctx context.Context, msg es.OutboxMessage) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	var targets []*subscriber
	for _, s := range b.subs {
		if es.MatchRoutingKey(s.pattern, msg.RoutingKey) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.messages <- msg:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *EventBus) Errors() <-chan error {
	return b.errs
}

// Close stops every subscription, waits for in-flight deliveries and closes
// the error channel.
func (b *EventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for name, s := range b.subs {
		s.stop()
		delete(b.subs, name)
	}
	b.mu.Unlock()

	b.wg.Wait()
	close(b.errs)
	return nil
}

func (b *EventBus) run(s *subscriber) {
	defer b.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.done
		cancel()
	}()

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.messages:
			err := s.receiver.Deliver(ctx, msg)
			if err == nil || errors.Is(err, es.ErrSkippedMessage) {
				continue
			}
			select {
			case b.errs <- fmt.Errorf("subscription %q: message %s: %w", s.name, msg.ID, err):
			default:
				// Drop error if channel full
			}
		}
	}
}

func (b *EventBus) remove(s *subscriber) {
	b.mu.Lock()
	if b.subs[s.name] == s {
		delete(b.subs, s.name)
	}
	b.mu.Unlock()
	s.stop()
}
