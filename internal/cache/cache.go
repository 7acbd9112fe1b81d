// Package cache wraps the Redis client used as CHAPPS's sole mutable
// shared state (spec.md §3, §5). No example repo in the retrieval pack
// carries a real Redis client (see DESIGN.md), so this package is built
// directly on the ecosystem's go-redis/v9, shaped the way the teacher
// shapes its own thin client wrappers: one process-wide client,
// constructed once, passed down explicitly.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/chapps-dev/chapps/framework/cfg"
	"github.com/chapps-dev/chapps/internal/metrics"
	"github.com/redis/go-redis/v9"
)

// Client wraps a *redis.Client (or Sentinel-backed *redis.Client when
// sentinel_servers is configured) with the bounded per-op timeout
// spec.md §5 requires.
type Client struct {
	rdb       *redis.Client
	OpTimeout time.Duration
}

// New constructs a Client from the [Redis] config section.
func New(c cfg.Redis) *Client {
	var rdb *redis.Client
	if len(c.SentinelServers) > 0 {
		rdb = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    c.SentinelDataset,
			SentinelAddrs: c.SentinelServers,
			DB:            c.DB,
		})
	} else {
		rdb = redis.NewClient(&redis.Options{
			Addr: fmt.Sprintf("%s:%d", c.Server, c.Port),
			DB:   c.DB,
		})
	}

	timeout := c.OpTimeout.AsDuration()
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{rdb: rdb, OpTimeout: timeout}
}

// Raw exposes the underlying go-redis client for callers (policies)
// that need operations this wrapper does not expose directly.
func (c *Client) Raw() *redis.Client { return c.rdb }

// WithTimeout derives a bounded context for a single Redis round-trip.
func (c *Client) WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.OpTimeout)
}

func (c *Client) Close() error { return c.rdb.Close() }

// ErrUnavailable wraps Redis connectivity failures. Policies return it
// to the handler, and internal/server answers the request with DUNNO
// (spec.md §7, CacheUnavailable).
type ErrUnavailable struct {
	Err error
}

func (e *ErrUnavailable) Error() string { return "cache: redis unavailable: " + e.Err.Error() }
func (e *ErrUnavailable) Unwrap() error { return e.Err }
func (e *ErrUnavailable) Temporary() bool { return true }

// NewErrUnavailable wraps a Redis round-trip failure and records it on
// the redis_unavailable_total metric, so every call site that degrades
// to a safe fallback is visible in one place rather than each policy
// instrumenting its own Redis errors.
func NewErrUnavailable(err error) *ErrUnavailable {
	metrics.RedisUnavailable.WithLabelValues("cache").Inc()
	return &ErrUnavailable{Err: err}
}
