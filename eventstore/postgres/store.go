// Package postgres stores event streams and the outbox in PostgreSQL.
//
// A session flush runs in one transaction: stream rows are advanced with a
// compare-and-set on their version, events and outbox rows are inserted, and
// nothing is visible to other sessions until the commit. Pending claims outbox
// rows with FOR UPDATE SKIP LOCKED so several relays can share a database.
package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	es "github.com/tccloudgames/eventsourcing"
)

var (
	_ es.Store   = (*Store)(nil)
	_ es.Session = (*session)(nil)
)

//go:embed schema.sql
var schema string

// Store is a PostgreSQL backed event store.
type Store struct {
	pool   *pgxpool.Pool
	owned  bool
	closed atomic.Bool
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for outbox timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns a store using pool. The pool stays owned by the caller.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open connects to databaseURL and returns a store that closes the pool
// with itself.
func Open(ctx context.Context, databaseURL string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	s := New(pool, opts...)
	s.owned = true
	return s, nil
}

// Migrate creates the stream, event and outbox tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Store) OpenSession(ctx context.Context) (es.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, fmt.Errorf("open session: %w", es.ErrSessionClosed)
	}
	return &session{store: s}, nil
}

func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.owned {
		s.pool.Close()
	}
	return nil
}
