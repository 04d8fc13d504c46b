package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func TestFixedWindowBlocksAfterMaxAndResets(t *testing.T) {
	clock := newClock()
	l := NewFixedWindow(3, time.Minute, WithClock(clock.Now))
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res := l.Check(ctx, "10.0.0.1|curl")
		require.True(t, res.Allowed)
		require.Equal(t, i, res.Current)
		require.Equal(t, 3-i, res.Remaining)
	}

	res := l.Check(ctx, "10.0.0.1|curl")
	require.False(t, res.Allowed)
	require.Equal(t, 4, res.Current)
	require.Equal(t, 0, res.Remaining)
	require.Equal(t, clock.Now().Add(time.Minute), res.ResetTime)

	clock.Advance(time.Minute)
	res = l.Check(ctx, "10.0.0.1|curl")
	require.True(t, res.Allowed)
	require.Equal(t, 1, res.Current)
}

func TestFixedWindowIsolatesClients(t *testing.T) {
	l := NewFixedWindow(1, time.Minute)
	ctx := context.Background()

	require.True(t, l.Check(ctx, "a").Allowed)
	require.False(t, l.Check(ctx, "a").Allowed)
	require.True(t, l.Check(ctx, "b").Allowed)
}

func TestFixedWindowInstancesDoNotShareState(t *testing.T) {
	api := NewFixedWindow(1, time.Minute)
	auth := NewFixedWindow(1, time.Minute)
	ctx := context.Background()

	require.True(t, api.Check(ctx, "a").Allowed)
	require.True(t, auth.Check(ctx, "a").Allowed)
}

func TestSweepRemovesExpiredWindows(t *testing.T) {
	clock := newClock()
	l := NewFixedWindow(5, time.Minute, WithClock(clock.Now))
	ctx := context.Background()

	l.Check(ctx, "a")
	clock.Advance(30 * time.Second)
	l.Check(ctx, "b")
	require.Equal(t, 2, l.Len())

	clock.Advance(30 * time.Second)
	require.Equal(t, 1, l.Sweep())
	require.Equal(t, 1, l.Len())
}

func TestFixedWindowConcurrentChecksCountExactly(t *testing.T) {
	l := NewFixedWindow(50, time.Hour)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check(ctx, "shared").Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 50, allowed)
}

func TestRedisFallsBackToLocalWindowWhenUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	l := NewRedis(client, "rl:test", 1, time.Minute)
	ctx := context.Background()

	require.True(t, l.Check(ctx, "a").Allowed)
	require.False(t, l.Check(ctx, "a").Allowed)
}
