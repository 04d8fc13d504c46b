package idempotency

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"coreflow-backend/models"
)

const acquireSQL = `
INSERT INTO idempotency_keys (
    key, tenant_id, method, endpoint, user_id, request_hash,
    is_processing, response_status, attempt_count, locked_at, expires_at, created_at, updated_at
)
VALUES (?, ?, ?, ?, ?, ?, TRUE, 0, 0, ?, ?, ?, ?)
ON CONFLICT (key) DO UPDATE SET
    tenant_id        = EXCLUDED.tenant_id,
    method           = EXCLUDED.method,
    endpoint         = EXCLUDED.endpoint,
    user_id          = EXCLUDED.user_id,
    request_hash     = EXCLUDED.request_hash,
    is_processing    = TRUE,
    response_status  = 0,
    response_body    = NULL,
    response_headers = NULL,
    attempt_count    = 0,
    last_error       = NULL,
    locked_at        = EXCLUDED.locked_at,
    processed_at     = NULL,
    expires_at       = EXCLUDED.expires_at,
    created_at       = EXCLUDED.created_at,
    updated_at       = EXCLUDED.updated_at
WHERE idempotency_keys.expires_at <= ?`

// GormStore persists records in the idempotency_keys table.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore returns a Store backed by db.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Acquire implements Store. The unique index on key makes the insert the single arbiter.
func (s *GormStore) Acquire(ctx context.Context, rec *models.IdempotencyKey, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Exec(acquireSQL,
		rec.Key, rec.TenantID, rec.Method, rec.Endpoint, rec.UserID, rec.RequestHash,
		rec.LockedAt, rec.ExpiresAt, rec.CreatedAt, rec.UpdatedAt,
		now,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Get implements Store.
func (s *GormStore) Get(ctx context.Context, key string) (*models.IdempotencyKey, error) {
	var rec models.IdempotencyKey
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Reacquire implements Store.
func (s *GormStore) Reacquire(ctx context.Context, key string, now, staleBefore time.Time, maxAttempts int) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.IdempotencyKey{}).
		Where("key = ? AND expires_at > ? AND response_status = 0", key, now).
		Where("(is_processing = FALSE AND attempt_count < ?) OR (is_processing = TRUE AND locked_at < ?)", maxAttempts, staleBefore).
		Updates(map[string]any{
			"is_processing": true,
			"locked_at":     now,
			"updated_at":    now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Complete implements Store.
func (s *GormStore) Complete(ctx context.Context, key string, resp Response, now time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.IdempotencyKey{}).
		Where("key = ? AND is_processing = TRUE", key).
		Updates(map[string]any{
			"is_processing":    false,
			"response_status":  resp.Status,
			"response_body":    resp.Body,
			"response_headers": datatypes.NewJSONType(copyHeaders(resp.Headers)),
			"processed_at":     now,
			"updated_at":       now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotProcessing
	}
	return nil
}

// Fail implements Store.
func (s *GormStore) Fail(ctx context.Context, key string, reason string, now time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.IdempotencyKey{}).
		Where("key = ? AND is_processing = TRUE", key).
		Updates(map[string]any{
			"is_processing": false,
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"last_error":    reason,
			"updated_at":    now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotProcessing
	}
	return nil
}

// DeleteExpired implements Store.
func (s *GormStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at < ?", before).Delete(&models.IdempotencyKey{})
	return res.RowsAffected, res.Error
}
