package webhooks

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"coreflow-backend/models"
)

const priorityOrder = `CASE priority WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END`

var mutableColumns = []string{
	"status", "attempt_count", "failure_reason", "stack_trace", "last_attempt_at",
	"scheduled_retry_at", "recovered_at", "abandoned_at", "updated_at",
}

// GormStore keeps failures in the webhook_failures table.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Create(ctx context.Context, f *models.WebhookFailure) error {
	return s.db.WithContext(ctx).Create(f).Error
}

func (s *GormStore) Get(ctx context.Context, id string) (*models.WebhookFailure, error) {
	var f models.WebhookFailure
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *GormStore) Update(ctx context.Context, f *models.WebhookFailure, from models.WebhookStatus) error {
	res := s.db.WithContext(ctx).Model(&models.WebhookFailure{}).
		Where("id = ? AND status = ?", f.ID, from).
		Select(mutableColumns).
		Updates(f)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConcurrentUpdate
	}
	return nil
}

func (s *GormStore) Due(ctx context.Context, now time.Time, limit int) ([]models.WebhookFailure, error) {
	var out []models.WebhookFailure
	err := s.db.WithContext(ctx).
		Where("status = ? AND scheduled_retry_at <= ?", models.WebhookPending, now).
		Order(priorityOrder).
		Order("scheduled_retry_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (s *GormStore) List(ctx context.Context, filter Filter) ([]models.WebhookFailure, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.WebhookFailure{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Provider != "" {
		q = q.Where("source_provider = ?", filter.Provider)
	}
	if filter.TenantID != "" {
		q = q.Where("tenant_id = ?", filter.TenantID)
	}
	q = q.Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []models.WebhookFailure
	err := q.Order("created_at DESC").Limit(filter.Limit).Offset(filter.Offset).Find(&out).Error
	return out, total, err
}

const hasRetriesLeft = "attempt_count <= max_retries"

func (s *GormStore) ReleaseStale(ctx context.Context, before, now time.Time) ([]models.WebhookFailure, error) {
	var released []models.WebhookFailure
	err := s.db.WithContext(ctx).Model(&released).
		Clauses(clause.Returning{}).
		Where("status = ? AND updated_at < ?", models.WebhookProcessing, before).
		Updates(map[string]any{
			"status":             gorm.Expr("CASE WHEN "+hasRetriesLeft+" THEN ? ELSE ? END", models.WebhookPending, models.WebhookAbandoned),
			"scheduled_retry_at": gorm.Expr("CASE WHEN "+hasRetriesLeft+" THEN ?::timestamptz ELSE NULL END", now),
			"abandoned_at":       gorm.Expr("CASE WHEN "+hasRetriesLeft+" THEN NULL ELSE ?::timestamptz END", now),
			"updated_at":         now,
		}).Error
	return released, err
}
