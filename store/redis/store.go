package redis

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xraph/conductor/event"
	"github.com/xraph/conductor/output"
)

// Compile-time interface checks.
var (
	_ output.Store = (*Store)(nil)
	_ event.Store  = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithPrefix sets the key prefix. Defaults to "conductor:".
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithRetention expires every key a workflow writes d after its last
// write. Zero keeps keys forever.
func WithRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

// Store implements output.Store and event.Store backed by Redis.
type Store struct {
	client    redis.Cmdable
	logger    *slog.Logger
	prefix    string
	retention time.Duration
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client redis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default(), prefix: "conductor:"}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.Cmdable { return s.client }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }

// expire queues an EXPIRE for each key when retention is configured.
func (s *Store) expire(ctx context.Context, pipe redis.Pipeliner, keys ...string) {
	if s.retention <= 0 {
		return
	}
	for _, k := range keys {
		pipe.Expire(ctx, k, s.retention)
	}
}
