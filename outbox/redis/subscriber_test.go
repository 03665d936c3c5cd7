package redis

import (
	"errors"
	"net"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	es "github.com/tccloudgames/eventsourcing"
	"github.com/tccloudgames/eventsourcing/fixtures"
)

// silentServer accepts connections and never answers, so any command sent
// to it blocks until its deadline.
func silentServer(t *testing.T) (addr string, accepted <-chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ch := make(chan struct{}, 16)
	var conns []net.Conn
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			conns = append(conns, c)
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		<-done
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return ln.Addr().String(), ch
}

func TestSubscribe_DoesNotHoldLockDuringHandshake(t *testing.T) {
	addr, accepted := silentServer(t)
	client := goredis.NewClient(&goredis.Options{
		Addr:                  addr,
		ReadTimeout:           2 * time.Second,
		MaxRetries:            -1,
		ContextTimeoutEnabled: true,
	})
	defer client.Close()

	sub := NewSubscriber(client)
	receiver := fixtures.NewReceiverSpy()

	first := make(chan error, 1)
	go func() { first <- sub.Subscribe(t.Context(), "game.*", receiver) }()

	select {
	case <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatalf("subscriber never connected")
	}

	duplicate := make(chan error, 1)
	go func() { duplicate <- sub.Subscribe(t.Context(), "game.*", receiver) }()
	select {
	case err := <-duplicate:
		if !errors.Is(err, es.ErrDuplicateHandler) {
			t.Errorf("duplicate subscribe: err = %v, want ErrDuplicateHandler", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("duplicate subscribe waited on the pending handshake")
	}

	closed := make(chan error, 1)
	go func() { closed <- sub.Close() }()
	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("close: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("close waited on the pending handshake")
	}

	select {
	case err := <-first:
		if err == nil {
			t.Errorf("subscribe succeeded against a silent server after close")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("pending subscribe never returned")
	}
}
