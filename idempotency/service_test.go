package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"coreflow-backend/apperr"
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

func newService(store Store) (*Service, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return NewService(store, Options{TTL: time.Hour, LockTimeout: time.Minute, MaxAttempts: 3, Now: clock.Now}), clock
}

func request(key string) Request {
	return Request{Key: key, Method: "post", Endpoint: "/api/invoices", RequestHash: "h1", TenantID: "acme", UserID: "u1"}
}

func TestBeginFirstSightProceeds(t *testing.T) {
	svc, _ := newService(NewMemoryStore())
	res, err := svc.Begin(context.Background(), request("abc"))
	require.NoError(t, err)
	require.True(t, res.Proceed)
	require.Equal(t, OutcomeProceed, res.Outcome)
	require.Nil(t, res.Cached)
}

func TestBeginWhileProcessingReturnsInProgress(t *testing.T) {
	svc, _ := newService(NewMemoryStore())
	ctx := context.Background()
	_, err := svc.Begin(ctx, request("abc"))
	require.NoError(t, err)

	res, err := svc.Begin(ctx, request("abc"))
	require.NoError(t, err)
	require.False(t, res.Proceed)
	require.Equal(t, OutcomeInProgress, res.Outcome)
	require.Nil(t, res.Cached)
}

func TestCompletedKeyReplaysStoredResponse(t *testing.T) {
	svc, _ := newService(NewMemoryStore())
	ctx := context.Background()
	_, err := svc.Begin(ctx, request("abc"))
	require.NoError(t, err)
	require.NoError(t, svc.Complete(ctx, "abc", Response{
		Status:  201,
		Body:    []byte(`{"id":7}`),
		Headers: map[string]string{"Content-Type": "application/json"},
	}))

	res, err := svc.Begin(ctx, request("abc"))
	require.NoError(t, err)
	require.False(t, res.Proceed)
	require.Equal(t, OutcomeReplay, res.Outcome)
	require.NotNil(t, res.Cached)
	require.Equal(t, 201, res.Cached.Status)
	require.Equal(t, `{"id":7}`, string(res.Cached.Body))
	require.Equal(t, "application/json", res.Cached.Headers["Content-Type"])
}

func TestKeyReuseWithDifferentRequestIsRejected(t *testing.T) {
	svc, _ := newService(NewMemoryStore())
	ctx := context.Background()
	_, err := svc.Begin(ctx, request("abc"))
	require.NoError(t, err)

	other := request("abc")
	other.RequestHash = "h2"
	_, err = svc.Begin(ctx, other)
	require.True(t, apperr.HasCode(err, apperr.CodeKeyReuse))
}

func TestFailedKeyCanBeRetriedUntilExhausted(t *testing.T) {
	svc, _ := newService(NewMemoryStore())
	ctx := context.Background()

	for attempt := 1; attempt <= 3; attempt++ {
		res, err := svc.Begin(ctx, request("abc"))
		require.NoError(t, err, "attempt %d", attempt)
		require.True(t, res.Proceed, "attempt %d", attempt)
		require.NoError(t, svc.Fail(ctx, "abc", errors.New("downstream timeout")))
	}

	_, err := svc.Begin(ctx, request("abc"))
	require.True(t, apperr.HasCode(err, apperr.CodeKeyExhausted))
}

func TestExpiredRecordIsTreatedAsAbsent(t *testing.T) {
	svc, clock := newService(NewMemoryStore())
	ctx := context.Background()
	_, err := svc.Begin(ctx, request("abc"))
	require.NoError(t, err)
	require.NoError(t, svc.Complete(ctx, "abc", Response{Status: 200, Body: []byte("ok")}))

	clock.Advance(time.Hour)
	other := request("abc")
	other.RequestHash = "h2"
	res, err := svc.Begin(ctx, other)
	require.NoError(t, err)
	require.True(t, res.Proceed)
}

func TestStaleLockIsReacquired(t *testing.T) {
	svc, clock := newService(NewMemoryStore())
	ctx := context.Background()
	_, err := svc.Begin(ctx, request("abc"))
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	res, err := svc.Begin(ctx, request("abc"))
	require.NoError(t, err)
	require.False(t, res.Proceed)

	clock.Advance(31 * time.Second)
	res, err = svc.Begin(ctx, request("abc"))
	require.NoError(t, err)
	require.True(t, res.Proceed)
}

func TestCompleteWithoutOwnershipFails(t *testing.T) {
	svc, _ := newService(NewMemoryStore())
	err := svc.Complete(context.Background(), "missing", Response{Status: 200})
	require.ErrorIs(t, err, ErrNotProcessing)
}

func TestBeginRejectsBadKeys(t *testing.T) {
	svc, _ := newService(NewMemoryStore())
	_, err := svc.Begin(context.Background(), request("   "))
	require.True(t, apperr.HasCode(err, apperr.CodeInvalid))

	long := make([]byte, MaxKeyLength+1)
	for i := range long {
		long[i] = 'k'
	}
	_, err = svc.Begin(context.Background(), request(string(long)))
	require.True(t, apperr.HasCode(err, apperr.CodeInvalid))
}

func TestConcurrentBeginRunsHandlerOnce(t *testing.T) {
	svc, _ := newService(NewMemoryStore())
	ctx := context.Background()

	var executions atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Begin(ctx, request("race"))
			if err != nil || !res.Proceed {
				return
			}
			executions.Add(1)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), executions.Load())
}

func TestAwaitReturnsResponseOnceCompleted(t *testing.T) {
	svc, _ := newService(NewMemoryStore())
	ctx := context.Background()
	_, err := svc.Begin(ctx, request("abc"))
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = svc.Complete(ctx, "abc", Response{Status: 201, Body: []byte("created")})
	}()

	resp, err := svc.Await(ctx, "abc", 5*time.Millisecond, time.Second)
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Equal(t, 201, resp.Status)
	require.Equal(t, "created", string(resp.Body))
}

func TestAwaitGivesUpWhenHolderFails(t *testing.T) {
	svc, _ := newService(NewMemoryStore())
	ctx := context.Background()
	_, err := svc.Begin(ctx, request("abc"))
	require.NoError(t, err)
	require.NoError(t, svc.Fail(ctx, "abc", errors.New("boom")))

	resp, err := svc.Await(ctx, "abc", 5*time.Millisecond, time.Second)
	require.NoError(t, err)
	require.Nil(t, resp)
}

func TestPurgeDropsExpiredRecords(t *testing.T) {
	store := NewMemoryStore()
	svc, clock := newService(store)
	ctx := context.Background()
	_, err := svc.Begin(ctx, request("old"))
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	_, err = svc.Begin(ctx, request("new"))
	require.NoError(t, err)

	n, err := svc.Purge(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = store.Get(ctx, "old")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, "new")
	require.NoError(t, err)
}
