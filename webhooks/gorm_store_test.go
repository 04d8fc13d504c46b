package webhooks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"coreflow-backend/alerts"
	"coreflow-backend/database/dbtest"
	"coreflow-backend/models"
)

func TestMain(m *testing.M) { dbtest.Main(m) }

func TestGormStoreRetryLifecycle(t *testing.T) {
	db := dbtest.Open(t)
	registry := NewRegistry()
	registry.Handle("payments", "*", func(context.Context, Delivery) error { return errors.New("still down") })
	rec := &alerts.Recorder{}
	svc := NewService(NewGormStore(db), registry, Options{
		Backoff:    Backoff{Base: time.Second, Max: time.Minute},
		MaxRetries: 2,
		Alerter:    rec,
	})
	ctx := context.Background()

	failure, err := svc.RecordFailure(ctx, FailureInput{
		EventType:      "payment.succeeded",
		SourceProvider: "payments",
		Payload:        []byte(`{"amount":"10.00"}`),
		Headers:        map[string]string{"X-Tenant-ID": "acme"},
		Reason:         "boom",
		TenantID:       "acme",
		ImpactLevel:    "critical",
	})
	require.NoError(t, err)

	stored, err := svc.Get(ctx, failure.ID)
	require.NoError(t, err)
	require.Equal(t, `{"amount":"10.00"}`, string(stored.Payload))
	require.Equal(t, "acme", stored.OriginalHeaders.Data()["X-Tenant-ID"])
	require.Equal(t, models.PriorityCritical, stored.Priority)

	got, err := svc.Retry(ctx, failure.ID)
	require.NoError(t, err)
	require.Equal(t, models.WebhookPending, got.Status)
	require.Equal(t, 2, got.AttemptCount)

	got, err = svc.Retry(ctx, failure.ID)
	require.NoError(t, err)
	require.Equal(t, models.WebhookAbandoned, got.Status)
	require.Equal(t, 3, got.AttemptCount)
	require.Len(t, rec.Alerts(), 1)

	due, err := svc.DueForRetry(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, due)

	rows, total, err := svc.List(ctx, Filter{Status: models.WebhookAbandoned, TenantID: "acme"})
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	require.Equal(t, failure.ID, rows[0].ID)
}

func TestGormStoreDueOrdering(t *testing.T) {
	db := dbtest.Open(t)
	svc := NewService(NewGormStore(db), NewRegistry(), Options{Backoff: Backoff{Base: time.Second, Max: time.Second}})
	ctx := context.Background()

	low, err := svc.RecordFailure(ctx, FailureInput{SourceProvider: "p", Priority: models.PriorityLow})
	require.NoError(t, err)
	critical, err := svc.RecordFailure(ctx, FailureInput{SourceProvider: "p", ImpactLevel: "critical"})
	require.NoError(t, err)
	medium, err := svc.RecordFailure(ctx, FailureInput{SourceProvider: "p"})
	require.NoError(t, err)

	due, err := svc.DueForRetry(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 3)
	require.Equal(t, critical.ID, due[0].ID)
	require.Equal(t, medium.ID, due[1].ID)
	require.Equal(t, low.ID, due[2].ID)
}

func TestGormStoreReleaseStale(t *testing.T) {
	db := dbtest.Open(t)
	store := NewGormStore(db)
	rec := &alerts.Recorder{}
	svc := NewService(store, NewRegistry(), Options{Backoff: Backoff{Base: time.Second, Max: time.Second}, MaxRetries: 1, Alerter: rec})
	ctx := context.Background()

	retryable, err := svc.RecordFailure(ctx, FailureInput{SourceProvider: "p"})
	require.NoError(t, err)
	exhausted, err := svc.RecordFailure(ctx, FailureInput{SourceProvider: "p"})
	require.NoError(t, err)

	long := time.Now().Add(-time.Hour).UTC().Truncate(time.Microsecond)
	require.NoError(t, db.Model(&models.WebhookFailure{}).Where("id = ?", retryable.ID).
		Updates(map[string]any{"status": models.WebhookProcessing, "updated_at": long}).Error)
	require.NoError(t, db.Model(&models.WebhookFailure{}).Where("id = ?", exhausted.ID).
		Updates(map[string]any{"status": models.WebhookProcessing, "attempt_count": 2, "updated_at": long}).Error)

	n, err := svc.ReleaseStale(ctx, time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	got, err := svc.Get(ctx, retryable.ID)
	require.NoError(t, err)
	require.Equal(t, models.WebhookPending, got.Status)
	require.NotNil(t, got.ScheduledRetryAt)
	require.Nil(t, got.AbandonedAt)

	got, err = svc.Get(ctx, exhausted.ID)
	require.NoError(t, err)
	require.Equal(t, models.WebhookAbandoned, got.Status)
	require.NotNil(t, got.AbandonedAt)
	require.Nil(t, got.ScheduledRetryAt)

	raised := rec.Alerts()
	require.Len(t, raised, 1)
	require.Equal(t, exhausted.ID, raised[0].Subject)
}
