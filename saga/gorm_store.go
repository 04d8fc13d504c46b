package saga

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"coreflow-backend/models"
)

var openStatuses = []models.TransactionStatus{
	models.TransactionStarted,
	models.TransactionInProgress,
	models.TransactionCompensating,
}

// GormStore keeps logs in the transaction_logs table.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Create(ctx context.Context, tx *models.TransactionLog) error {
	return s.db.WithContext(ctx).Create(tx).Error
}

func (s *GormStore) Get(ctx context.Context, transactionID string) (*models.TransactionLog, error) {
	var tx models.TransactionLog
	err := s.db.WithContext(ctx).Where("transaction_id = ?", transactionID).First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (s *GormStore) Save(ctx context.Context, next, prev *models.TransactionLog) error {
	res := s.db.WithContext(ctx).Model(&models.TransactionLog{}).
		Where("transaction_id = ? AND status = ? AND current_step = ? AND updated_at = ?",
			prev.TransactionID, prev.Status, prev.CurrentStep, prev.UpdatedAt).
		Updates(map[string]any{
			"status":          next.Status,
			"steps":           next.Steps,
			"current_step":    next.CurrentStep,
			"rollback_reason": next.RollbackReason,
			"completed_at":    next.CompletedAt,
			"updated_at":      next.UpdatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConcurrentUpdate
	}
	return nil
}

func (s *GormStore) ListStale(ctx context.Context, before time.Time, limit int) ([]models.TransactionLog, error) {
	var out []models.TransactionLog
	err := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", openStatuses, before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
