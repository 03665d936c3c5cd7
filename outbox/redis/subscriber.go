package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	es "github.com/tccloudgames/eventsourcing"
)

var _ es.Subscriber = (*Subscriber)(nil)

// Subscriber delivers messages from Redis channels to receivers.
type Subscriber struct {
	client *goredis.Client
	prefix string

	mu     sync.Mutex
	subs   map[string]context.CancelFunc
	closed bool
	errs   chan error
	wg     sync.WaitGroup
}

func NewSubscriber(client *goredis.Client, opts ...Option) *Subscriber {
	o := newOptions(opts)
	return &Subscriber{
		client: client,
		prefix: o.prefix,
		subs:   make(map[string]context.CancelFunc),
		errs:   make(chan error, 64),
	}
}

// Subscribe pattern-subscribes to the channels covering pattern and returns
// once Redis confirmed the subscription. The name is reserved while Redis is
// contacted, so Close and other Subscribe calls do not wait on the network.
func (s *Subscriber) Subscribe(ctx context.Context, pattern string, r es.Receiver, opts ...es.SubscriberOption) error {
	if pattern == "" || r == nil {
		return errors.New("pattern and receiver cannot be empty")
	}
	cfg := es.NewSubscriberConfig(pattern, opts...)
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return errors.New("subscriber is closed")
	}
	if _, exists := s.subs[cfg.Name]; exists {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("subscription %q: %w", cfg.Name, es.ErrDuplicateHandler)
	}
	s.subs[cfg.Name] = cancel
	s.mu.Unlock()

	ps := s.client.PSubscribe(ctx, channelPattern(s.prefix, pattern))
	_, err := ps.Receive(ctx)

	s.mu.Lock()
	if err == nil && s.closed {
		err = errors.New("subscriber is closed")
	}
	if err != nil {
		delete(s.subs, cfg.Name)
		s.mu.Unlock()
		cancel()
		_ = ps.Close()
		return fmt.Errorf("subscribe %q: %w", pattern, err)
	}
	s.wg.Add(1)
	s.mu.Unlock()

	sub := subscription{name: cfg.Name, pattern: pattern, prefix: s.prefix, receiver: r, report: s.report}
	go func() {
		defer s.wg.Done()
		defer s.remove(cfg.Name)
		defer ps.Close()
		ch := ps.Channel(goredis.WithChannelSize(cfg.BufferSize))
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				sub.deliver(ctx, m)
			}
		}
	}()
	return nil
}

type subscription struct {
	name     string
	pattern  string
	prefix   string
	receiver es.Receiver
	report   func(error)
}

func (sub subscription) deliver(ctx context.Context, m *goredis.Message) {
	if m == nil || !es.MatchRoutingKey(sub.pattern, strings.TrimPrefix(m.Channel, sub.prefix)) {
		return
	}
	msg, err := decode([]byte(m.Payload))
	if err != nil {
		sub.report(fmt.Errorf("subscription %q: channel %s: %w", sub.name, m.Channel, err))
		return
	}
	if err := sub.receiver.Deliver(ctx, msg); err != nil && !errors.Is(err, es.ErrSkippedMessage) {
		sub.report(fmt.Errorf("subscription %q: message %s: %w", sub.name, msg.ID, err))
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

// Close ends every subscription and closes the error channel. The client is
// left open.
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
