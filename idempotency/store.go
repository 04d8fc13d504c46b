// Package idempotency guarantees at-most-once execution of mutating requests keyed by a
// client-supplied Idempotency-Key.
package idempotency

import (
	"context"
	"errors"
	"time"

	"coreflow-backend/models"
)

var (
	// ErrNotFound is returned when no record exists for a key.
	ErrNotFound = errors.New("idempotency: record not found")
	// ErrNotProcessing is returned when completing or failing a key nobody holds.
	ErrNotProcessing = errors.New("idempotency: record is not processing")
)

// Response is the snapshot replayed to retried requests.
type Response struct {
	Status  int               `json:"status"`
	Body    []byte            `json:"body"`
	Headers map[string]string `json:"headers"`
}

// Store persists idempotency records. Every mutation is a single conditional statement so
// concurrent callers cannot both own a key.
type Store interface {
	// Acquire inserts rec, or replaces an expired record with the same key, and reports
	// whether the caller now owns the key.
	Acquire(ctx context.Context, rec *models.IdempotencyKey, now time.Time) (bool, error)
	// Get loads the record for key.
	Get(ctx context.Context, key string) (*models.IdempotencyKey, error)
	// Reacquire flips a failed record (attempt_count < maxAttempts) or a processing record locked
	// before staleBefore back to processing.
	Reacquire(ctx context.Context, key string, now, staleBefore time.Time, maxAttempts int) (bool, error)
	// Complete stores the response and clears the processing flag.
	Complete(ctx context.Context, key string, resp Response, now time.Time) error
	// Fail records an error, bumps attempt_count and clears the processing flag.
	Fail(ctx context.Context, key string, reason string, now time.Time) error
	// DeleteExpired removes records whose expiry is before the given time.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
