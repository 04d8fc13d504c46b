// Package webhooks captures failed inbound webhooks in a dead-letter queue and retries them
// with exponential backoff until they recover or are abandoned.
package webhooks

import (
	"context"
	"errors"
	"time"

	"coreflow-backend/models"
)

var (
	// ErrNotFound is returned for an unknown failure id.
	ErrNotFound = errors.New("webhooks: failure not found")
	// ErrConcurrentUpdate is returned when the row left the expected status before the write.
	ErrConcurrentUpdate = errors.New("webhooks: concurrent update")
)

// Filter narrows List.
type Filter struct {
	Status   models.WebhookStatus
	Provider string
	TenantID string
	Limit    int
	Offset   int
}

// Store persists webhook failures. Update is conditional on the current status.
type Store interface {
	Create(ctx context.Context, f *models.WebhookFailure) error
	Get(ctx context.Context, id string) (*models.WebhookFailure, error)
	// Update writes the mutable fields of f if the row still has status from.
	Update(ctx context.Context, f *models.WebhookFailure, from models.WebhookStatus) error
	// Due returns pending rows scheduled at or before now, highest priority first, then oldest
	// schedule first.
	Due(ctx context.Context, now time.Time, limit int) ([]models.WebhookFailure, error)
	List(ctx context.Context, filter Filter) ([]models.WebhookFailure, int64, error)
	// ReleaseStale returns processing rows untouched since before to pending, or to abandoned
	// when they have no retries left. It returns the released rows in their new state.
	ReleaseStale(ctx context.Context, before, now time.Time) ([]models.WebhookFailure, error)
}
