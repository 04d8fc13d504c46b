package webhooks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"coreflow-backend/alerts"
	"coreflow-backend/apperr"
	"coreflow-backend/config"
	"coreflow-backend/models"
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

type fixture struct {
	svc      *Service
	store    *MemoryStore
	registry *Registry
	clock    *fakeClock
	alerts   *alerts.Recorder
	fail     atomic.Bool
	calls    atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    NewMemoryStore(),
		registry: NewRegistry(),
		clock:    &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)},
		alerts:   &alerts.Recorder{},
	}
	f.registry.Handle("payments", "*", func(context.Context, Delivery) error {
		f.calls.Add(1)
		if f.fail.Load() {
			return errors.New("downstream unavailable")
		}
		return nil
	})
	f.svc = NewService(f.store, f.registry, Options{
		Backoff:        Backoff{Base: 30 * time.Second, Max: time.Hour},
		AttemptTimeout: time.Second,
		Alerter:        f.alerts,
		Now:            f.clock.Now,
	})
	return f
}

func (f *fixture) record(t *testing.T, in FailureInput) *models.WebhookFailure {
	t.Helper()
	if in.SourceProvider == "" {
		in.SourceProvider = "payments"
	}
	out, err := f.svc.RecordFailure(context.Background(), in)
	require.NoError(t, err)
	return out
}

func TestRecordFailureSchedulesFirstRetry(t *testing.T) {
	f := newFixture(t)
	got := f.record(t, FailureInput{
		EventType: "payment.succeeded",
		Payload:   []byte(`{"id":"evt_1"}`),
		Headers:   map[string]string{"X-Event-Type": "payment.succeeded"},
		Reason:    "db timeout",
		TenantID:  "acme",
	})

	require.Equal(t, 1, got.AttemptCount)
	require.Equal(t, DefaultMaxRetries, got.MaxRetries)
	require.Equal(t, models.WebhookPending, got.Status)
	require.Equal(t, models.PriorityMedium, got.Priority)
	require.Equal(t, f.clock.Now().Add(30*time.Second), *got.ScheduledRetryAt)
	require.True(t, got.ScheduledRetryAt.After(*got.LastAttemptAt))
	require.Equal(t, "payment.succeeded", got.OriginalHeaders.Data()["X-Event-Type"])
}

func TestPriorityDerivation(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, models.PriorityCritical, f.record(t, FailureInput{ImpactLevel: "critical"}).Priority)
	require.Equal(t, models.PriorityMedium, f.record(t, FailureInput{ImpactLevel: "low"}).Priority)
	require.Equal(t, models.PriorityHigh, f.record(t, FailureInput{ImpactLevel: "critical", Priority: models.PriorityHigh}).Priority)
}

func TestRecordFailureRequiresProvider(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.RecordFailure(context.Background(), FailureInput{SourceProvider: " "})
	require.True(t, apperr.HasCode(err, apperr.CodeInvalid))
}

func TestDueForRetryOrdersByPriorityThenSchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	low := f.record(t, FailureInput{Priority: models.PriorityLow})
	f.clock.Advance(time.Second)
	medium := f.record(t, FailureInput{})
	f.clock.Advance(time.Second)
	critical := f.record(t, FailureInput{ImpactLevel: "critical"})
	f.clock.Advance(time.Second)
	high := f.record(t, FailureInput{Priority: models.PriorityHigh})
	f.clock.Advance(time.Second)
	medium2 := f.record(t, FailureInput{})

	due, err := f.svc.DueForRetry(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	require.Empty(t, due)

	due, err = f.svc.DueForRetry(ctx, f.clock.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	ids := make([]string, len(due))
	for i, d := range due {
		ids[i] = d.ID
	}
	require.Equal(t, []string{critical.ID, high.ID, medium.ID, medium2.ID, low.ID}, ids)
}

func TestRetrySuccessRecovers(t *testing.T) {
	f := newFixture(t)
	failure := f.record(t, FailureInput{EventType: "payment.succeeded"})

	got, err := f.svc.Retry(context.Background(), failure.ID)
	require.NoError(t, err)
	require.Equal(t, models.WebhookRecovered, got.Status)
	require.NotNil(t, got.RecoveredAt)
	require.Equal(t, 2, got.AttemptCount)

	due, err := f.svc.DueForRetry(context.Background(), f.clock.Now().Add(24*time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, due)

	_, err = f.svc.Retry(context.Background(), failure.ID)
	require.ErrorIs(t, err, ErrConcurrentUpdate)
}

func TestCriticalFailureAbandonedAfterFiveFailedRetries(t *testing.T) {
	f := newFixture(t)
	f.fail.Store(true)
	ctx := context.Background()
	failure := f.record(t, FailureInput{EventType: "payment.succeeded", ImpactLevel: "critical", MaxRetries: 5, TenantID: "acme"})
	require.Equal(t, models.PriorityCritical, failure.Priority)

	for i := 1; i <= 5; i++ {
		f.clock.Advance(2 * time.Hour)
		due, err := f.svc.DueForRetry(ctx, f.clock.Now(), 10)
		require.NoError(t, err)
		require.Len(t, due, 1, "retry %d", i)

		got, err := f.svc.Retry(ctx, failure.ID)
		require.NoError(t, err)
		require.Equal(t, 1+i, got.AttemptCount)
		if i < 5 {
			require.Equal(t, models.WebhookPending, got.Status, "retry %d", i)
			require.Nil(t, got.AbandonedAt)
			require.True(t, got.ScheduledRetryAt.After(*got.LastAttemptAt))
			require.Empty(t, f.alerts.Alerts())
		} else {
			require.Equal(t, models.WebhookAbandoned, got.Status)
			require.NotNil(t, got.AbandonedAt)
			require.Nil(t, got.ScheduledRetryAt)
		}
	}

	f.clock.Advance(48 * time.Hour)
	due, err := f.svc.DueForRetry(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	require.Empty(t, due)

	raised := f.alerts.Alerts()
	require.Len(t, raised, 1)
	require.Equal(t, apperr.CodeWebhookAbandoned, raised[0].Code)
	require.Equal(t, failure.ID, raised[0].Subject)
	require.Equal(t, "acme", raised[0].TenantID)
	require.Equal(t, int32(5), f.calls.Load())
}

func TestRetryBackoffDoubles(t *testing.T) {
	f := newFixture(t)
	f.fail.Store(true)
	failure := f.record(t, FailureInput{})

	got, err := f.svc.Retry(context.Background(), failure.ID)
	require.NoError(t, err)
	require.Equal(t, time.Minute, got.ScheduledRetryAt.Sub(*got.LastAttemptAt))

	got, err = f.svc.Retry(context.Background(), failure.ID)
	require.NoError(t, err)
	require.Equal(t, 2*time.Minute, got.ScheduledRetryAt.Sub(*got.LastAttemptAt))
}

func TestAbandonAndReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	failure := f.record(t, FailureInput{})

	got, err := f.svc.Abandon(ctx, failure.ID, "duplicate event")
	require.NoError(t, err)
	require.Equal(t, models.WebhookAbandoned, got.Status)
	require.Equal(t, "duplicate event", got.FailureReason)
	require.Len(t, f.alerts.Alerts(), 1)

	_, err = f.svc.Abandon(ctx, failure.ID, "again")
	require.True(t, apperr.HasCode(err, apperr.CodeInvalid))

	f.fail.Store(true)
	got, err = f.svc.Replay(ctx, failure.ID)
	require.NoError(t, err)
	require.Equal(t, models.WebhookAbandoned, got.Status)
	require.Equal(t, 1, got.AttemptCount)

	f.fail.Store(false)
	got, err = f.svc.Replay(ctx, failure.ID)
	require.NoError(t, err)
	require.Equal(t, models.WebhookRecovered, got.Status)
	require.Equal(t, 1, got.AttemptCount)

	_, err = f.svc.Replay(ctx, failure.ID)
	require.ErrorIs(t, err, ErrConcurrentUpdate)
}

func TestIngestCapturesFailuresOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stored, err := f.svc.Ingest(ctx, Delivery{Provider: "payments", EventType: "payment.succeeded"}, "", "")
	require.NoError(t, err)
	require.Nil(t, stored)

	stored, err = f.svc.Ingest(ctx, Delivery{Provider: "unknown", EventType: "x", TenantID: "acme"}, "critical", "revenue")
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Contains(t, stored.FailureReason, ErrNoHandler.Error())
	require.Equal(t, models.PriorityCritical, stored.Priority)
	require.Equal(t, "revenue", *stored.BusinessImpact)
}

func TestIngestKeepsPanicStack(t *testing.T) {
	f := newFixture(t)
	f.registry.Handle("crm", "contact.updated", func(context.Context, Delivery) error {
		var m map[string]int
		m["boom"]++
		return nil
	})

	stored, err := f.svc.Ingest(context.Background(), Delivery{Provider: "crm", EventType: "contact.updated"}, "", "")
	require.NoError(t, err)
	require.NotNil(t, stored.StackTrace)
	require.Contains(t, *stored.StackTrace, "goroutine")
}

func TestListFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.record(t, FailureInput{TenantID: "acme"})
	f.record(t, FailureInput{TenantID: "globex"})
	f.record(t, FailureInput{SourceProvider: "crm", TenantID: "acme"})

	rows, total, err := f.svc.List(ctx, Filter{TenantID: "acme"})
	require.NoError(t, err)
	require.Equal(t, int64(2), total)
	require.Len(t, rows, 2)

	rows, total, err = f.svc.List(ctx, Filter{Provider: "crm"})
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	require.Equal(t, "crm", rows[0].SourceProvider)
}

func TestSweeperRetriesDueFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.record(t, FailureInput{})
	f.record(t, FailureInput{ImpactLevel: "critical"})
	f.record(t, FailureInput{SourceProvider: "unknown"})
	f.clock.Advance(time.Minute)

	sweeper := NewSweeper(f.svc, config.Webhooks{Workers: 2, BatchSize: 10, AttemptTimeout: time.Second})
	report, err := sweeper.RetryDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, report.Due)
	require.Equal(t, 2, report.Recovered)
	require.Equal(t, 1, report.Rescheduled)

	report, err = sweeper.RetryDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, report.Due)
}

func TestReleaseStaleReturnsStuckRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	failure := f.record(t, FailureInput{})

	stuck, err := f.store.Get(ctx, failure.ID)
	require.NoError(t, err)
	stuck.Status = models.WebhookProcessing
	require.NoError(t, f.store.Update(ctx, stuck, models.WebhookPending))

	f.clock.Advance(10 * time.Minute)
	n, err := f.svc.ReleaseStale(ctx, time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	got, err := f.svc.Get(ctx, failure.ID)
	require.NoError(t, err)
	require.Equal(t, models.WebhookPending, got.Status)
	require.NotNil(t, got.ScheduledRetryAt)
	require.Nil(t, got.AbandonedAt)
	require.Empty(t, f.alerts.Alerts())
}

func TestReleaseStaleAbandonsExhaustedRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	failure := f.record(t, FailureInput{MaxRetries: 1})

	stuck, err := f.store.Get(ctx, failure.ID)
	require.NoError(t, err)
	stuck.Status = models.WebhookProcessing
	stuck.AttemptCount = 2
	require.NoError(t, f.store.Update(ctx, stuck, models.WebhookPending))

	f.clock.Advance(10 * time.Minute)
	n, err := f.svc.ReleaseStale(ctx, time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	got, err := f.svc.Get(ctx, failure.ID)
	require.NoError(t, err)
	require.Equal(t, models.WebhookAbandoned, got.Status)
	require.NotNil(t, got.AbandonedAt)
	require.True(t, got.AbandonedAt.Equal(f.clock.Now()))
	require.Nil(t, got.ScheduledRetryAt)

	raised := f.alerts.Alerts()
	require.Len(t, raised, 1)
	require.Equal(t, apperr.CodeWebhookAbandoned, raised[0].Code)
	require.Equal(t, failure.ID, raised[0].Subject)

	due, err := f.svc.DueForRetry(ctx, f.clock.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, due)
}
