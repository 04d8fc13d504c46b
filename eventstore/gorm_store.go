package eventstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"coreflow-backend/database"
	"coreflow-backend/models"
)

// GormStore keeps events in domain_events and its adjunct tables.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// WithDB returns a store bound to db, typically an open transaction, so events commit together
// with the state change that produced them.
func (s *GormStore) WithDB(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Append(ctx context.Context, events []models.DomainEvent) error {
	if len(events) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&events).Error
	})
	if database.IsUniqueViolation(err) {
		return ErrVersionConflict
	}
	return err
}

func (s *GormStore) Load(ctx context.Context, aggregateType, aggregateID string, afterVersion int) ([]models.DomainEvent, error) {
	var out []models.DomainEvent
	err := s.db.WithContext(ctx).
		Where("aggregate_type = ? AND aggregate_id = ? AND version > ?", aggregateType, aggregateID, afterVersion).
		Order("version ASC").
		Find(&out).Error
	return out, err
}

func (s *GormStore) Version(ctx context.Context, aggregateType, aggregateID string) (int, error) {
	var v int
	err := s.db.WithContext(ctx).Model(&models.DomainEvent{}).
		Where("aggregate_type = ? AND aggregate_id = ?", aggregateType, aggregateID).
		Select("COALESCE(MAX(version), 0)").
		Scan(&v).Error
	return v, err
}

func (s *GormStore) ReadAll(ctx context.Context, afterPosition int64, limit int) ([]models.DomainEvent, error) {
	var out []models.DomainEvent
	err := s.db.WithContext(ctx).
		Where("position > ?", afterPosition).
		Order("position ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (s *GormStore) SaveSnapshot(ctx context.Context, snap *models.EventSnapshot) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "aggregate_type"}, {Name: "aggregate_id"}, {Name: "version"}},
			DoUpdates: clause.AssignmentColumns([]string{"state", "created_at"}),
		}).
		Create(snap).Error
}

func (s *GormStore) LatestSnapshot(ctx context.Context, aggregateType, aggregateID string) (*models.EventSnapshot, error) {
	var snap models.EventSnapshot
	err := s.db.WithContext(ctx).
		Where("aggregate_type = ? AND aggregate_id = ?", aggregateType, aggregateID).
		Order("version DESC").
		First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *GormStore) Checkpoint(ctx context.Context, name string) (int64, error) {
	var cp models.ProjectionCheckpoint
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return cp.Position, err
}

// SaveCheckpoint never moves a checkpoint backwards.
func (s *GormStore) SaveCheckpoint(ctx context.Context, name string, position int64) error {
	cp := models.ProjectionCheckpoint{Name: name, Position: position, UpdatedAt: time.Now().UTC()}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "name"}},
			DoUpdates: clause.Set{
				{Column: clause.Column{Name: "position"}, Value: gorm.Expr("GREATEST(projection_checkpoints.position, EXCLUDED.position)")},
				{Column: clause.Column{Name: "updated_at"}, Value: gorm.Expr("EXCLUDED.updated_at")},
			},
		}).
		Create(&cp).Error
}
