package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"coreflow-backend/database/dbtest"
)

func TestMain(m *testing.M) { dbtest.Main(m) }

func TestGormStoreLifecycle(t *testing.T) {
	db := dbtest.Open(t)
	svc, clock := newService(NewGormStore(db))
	ctx := context.Background()

	res, err := svc.Begin(ctx, request("pg-1"))
	require.NoError(t, err)
	require.True(t, res.Proceed)

	res, err = svc.Begin(ctx, request("pg-1"))
	require.NoError(t, err)
	require.Equal(t, OutcomeInProgress, res.Outcome)

	require.NoError(t, svc.Fail(ctx, "pg-1", errors.New("timeout")))
	res, err = svc.Begin(ctx, request("pg-1"))
	require.NoError(t, err)
	require.True(t, res.Proceed)

	require.NoError(t, svc.Complete(ctx, "pg-1", Response{
		Status:  201,
		Body:    []byte(`{"ok":true}`),
		Headers: map[string]string{"Content-Type": "application/json"},
	}))
	res, err = svc.Begin(ctx, request("pg-1"))
	require.NoError(t, err)
	require.Equal(t, OutcomeReplay, res.Outcome)
	require.Equal(t, 201, res.Cached.Status)
	require.JSONEq(t, `{"ok":true}`, string(res.Cached.Body))
	require.Equal(t, "application/json", res.Cached.Headers["Content-Type"])

	clock.Advance(2 * time.Hour)
	res, err = svc.Begin(ctx, request("pg-1"))
	require.NoError(t, err)
	require.True(t, res.Proceed)
}

func TestGormStoreConcurrentAcquireHasOneWinner(t *testing.T) {
	db := dbtest.Open(t)
	svc, _ := newService(NewGormStore(db))
	ctx := context.Background()

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Begin(ctx, request("pg-race"))
			if err == nil && res.Proceed {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), winners.Load())
}

func TestGormStorePurge(t *testing.T) {
	db := dbtest.Open(t)
	svc, clock := newService(NewGormStore(db))
	ctx := context.Background()

	_, err := svc.Begin(ctx, request("pg-old"))
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)

	n, err := svc.Purge(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}
