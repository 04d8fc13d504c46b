// Package eventstore keeps the append-only domain event log, aggregate snapshots and the
// checkpoints of the projections fed from it.
package eventstore

import (
	"context"
	"errors"

	"coreflow-backend/models"
)

var (
	// ErrVersionConflict is returned when another writer appended to the aggregate first.
	ErrVersionConflict = errors.New("eventstore: version conflict")
	// ErrNoSnapshot is returned when an aggregate has no snapshot yet.
	ErrNoSnapshot = errors.New("eventstore: no snapshot")
)

// Store persists events, snapshots and checkpoints.
type Store interface {
	// Append inserts events atomically. A duplicate (aggregate, version) fails with
	// ErrVersionConflict and nothing is written.
	Append(ctx context.Context, events []models.DomainEvent) error
	Load(ctx context.Context, aggregateType, aggregateID string, afterVersion int) ([]models.DomainEvent, error)
	Version(ctx context.Context, aggregateType, aggregateID string) (int, error)
	ReadAll(ctx context.Context, afterPosition int64, limit int) ([]models.DomainEvent, error)
	SaveSnapshot(ctx context.Context, snap *models.EventSnapshot) error
	LatestSnapshot(ctx context.Context, aggregateType, aggregateID string) (*models.EventSnapshot, error)
	Checkpoint(ctx context.Context, name string) (int64, error)
	SaveCheckpoint(ctx context.Context, name string, position int64) error
}
