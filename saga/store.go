// Package saga records multi-step business transactions and drives their compensation.
package saga

import (
	"context"
	"errors"
	"time"

	"coreflow-backend/models"
)

var (
	// ErrNotFound is returned when a transaction id is unknown.
	ErrNotFound = errors.New("saga: transaction not found")
	// ErrConcurrentUpdate is returned when another actor changed the log first.
	ErrConcurrentUpdate = errors.New("saga: concurrent update")
	// ErrInvalidTransition is returned for a step or status change the state machine forbids.
	ErrInvalidTransition = errors.New("saga: invalid transition")
)

// Store persists transaction logs.
type Store interface {
	Create(ctx context.Context, tx *models.TransactionLog) error
	Get(ctx context.Context, transactionID string) (*models.TransactionLog, error)
	// Save writes next only if the stored row still matches prev's status, current step and
	// updated_at; otherwise it returns ErrConcurrentUpdate.
	Save(ctx context.Context, next, prev *models.TransactionLog) error
	// ListStale returns non-terminal logs last updated before the given time, oldest first.
	ListStale(ctx context.Context, before time.Time, limit int) ([]models.TransactionLog, error)
}
