package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

// Redis shares fixed windows across instances through INCR on a per-window key.
// Any Redis error falls back to the embedded process-local limiter.
type Redis struct {
	client   redis.UniversalClient
	prefix   string
	max      int
	length   time.Duration
	now      func() time.Time
	fallback *FixedWindow
}

// NewRedis returns a shared-counter limiter with the same semantics as FixedWindow.
func NewRedis(client redis.UniversalClient, prefix string, max int, length time.Duration, opts ...Option) *Redis {
	fallback := NewFixedWindow(max, length, opts...)
	return &Redis{
		client:   client,
		prefix:   prefix,
		max:      fallback.max,
		length:   fallback.length,
		now:      fallback.now,
		fallback: fallback,
	}
}

// Check implements Limiter.
func (r *Redis) Check(ctx context.Context, clientID string) Result {
	now := r.now()
	// Windows are aligned to multiples of the window length so all instances agree on the key.
	start := now.Truncate(r.length)
	reset := start.Add(r.length)
	key := r.prefix + ":" + clientID + ":" + strconv.FormatInt(start.Unix(), 10)

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.PExpire(ctx, key, r.length+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warnw("rate limit redis unavailable, using local window", "prefix", r.prefix, "error", err)
		return r.fallback.Check(ctx, clientID)
	}
	return newResult(int(incr.Val()), r.max, reset)
}

// Sweep clears the fallback table; Redis expires its own keys.
func (r *Redis) Sweep() int {
	return r.fallback.Sweep()
}

// Run sweeps the fallback table every interval until ctx is done.
func (r *Redis) Run(ctx context.Context, interval time.Duration) {
	r.fallback.Run(ctx, interval)
}
