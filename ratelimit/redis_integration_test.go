package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisSharesWindowAcrossInstances(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	client := startRedis(t)
	ctx := context.Background()

	clock := newClock()
	a := NewRedis(client, "rl:api", 2, time.Minute, WithClock(clock.Now))
	b := NewRedis(client, "rl:api", 2, time.Minute, WithClock(clock.Now))

	require.True(t, a.Check(ctx, "client").Allowed)
	require.True(t, b.Check(ctx, "client").Allowed)
	res := a.Check(ctx, "client")
	require.False(t, res.Allowed)
	require.Equal(t, 3, res.Current)

	clock.Advance(time.Minute)
	res = b.Check(ctx, "client")
	require.True(t, res.Allowed)
	require.Equal(t, 1, res.Current)
}
