package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// BoolFlag reads a cached "1"/"0" string flag at key; on miss it calls
// load to populate the value from the RDBMS and caches the result for
// ttl. Used identically by GRL's grl:opt:<domain> and SPF's
// spf:opt:<domain> gating (spec.md §4.5 step 2, §4.6 step 1), which
// share the same cache-then-load shape.
func (c *Client) BoolFlag(ctx context.Context, key string, ttlSeconds int, load func(context.Context) (bool, error)) (bool, error) {
	rctx, cancel := c.WithTimeout(ctx)
	defer cancel()

	val, err := c.rdb.Get(rctx, key).Result()
	if err == nil {
		return val == "1", nil
	}
	if err != redis.Nil {
		return false, NewErrUnavailable(err)
	}

	flag, err := load(ctx)
	if err != nil {
		return false, err
	}

	str := "0"
	if flag {
		str = "1"
	}
	sctx, scancel := c.WithTimeout(ctx)
	defer scancel()
	// Cache-write failures are not fatal: the decision already has its
	// answer, only the next request pays the RDBMS read again.
	_ = c.rdb.Set(sctx, key, str, time.Duration(ttlSeconds)*time.Second).Err()

	return flag, nil
}

// StringFlag reads a cached "1"/"0" decision at key without a load
// fallback, returning ok=false on a cache miss. Used by SDA, whose
// miss path needs two keys tried in sequence before falling back to
// the RDBMS (spec.md §4.4 step 2).
func (c *Client) StringFlag(ctx context.Context, key string) (value string, ok bool, err error) {
	rctx, cancel := c.WithTimeout(ctx)
	defer cancel()

	val, err := c.rdb.Get(rctx, key).Result()
	if err == nil {
		return val, true, nil
	}
	if err == redis.Nil {
		return "", false, nil
	}
	return "", false, NewErrUnavailable(err)
}

// SetFlag caches a "1"/"0" decision at key for ttlSeconds.
func (c *Client) SetFlag(ctx context.Context, key string, flag bool, ttlSeconds int) error {
	ctx2, cancel := c.WithTimeout(ctx)
	defer cancel()
	str := "0"
	if flag {
		str = "1"
	}
	if err := c.rdb.Set(ctx2, key, str, time.Duration(ttlSeconds)*time.Second).Err(); err != nil {
		return NewErrUnavailable(err)
	}
	return nil
}
