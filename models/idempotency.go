package models

import (
	"time"

	"gorm.io/datatypes"
)

// IdempotencyKey records one mutating request identified by a client-supplied key.
// ResponseStatus 0 means no response has been captured yet.
type IdempotencyKey struct {
	ID              uint                                  `json:"id" gorm:"primaryKey"`
	Key             string                                `json:"key" gorm:"size:128;uniqueIndex"` // header value
	TenantID        *string                               `json:"tenant_id" gorm:"size:64;index"`
	Method          string                                `json:"method" gorm:"size:10"`
	Endpoint        string                                `json:"endpoint" gorm:"size:255"`
	UserID          *string                               `json:"user_id" gorm:"size:128"`
	RequestHash     string                                `json:"request_hash" gorm:"size:64"` // sha256 of method|path|body|tenant|user
	IsProcessing    bool                                  `json:"is_processing"`
	ResponseStatus  int                                   `json:"response_status"`
	ResponseBody    []byte                                `json:"-" gorm:"type:bytea"`
	ResponseHeaders datatypes.JSONType[map[string]string] `json:"response_headers" gorm:"type:jsonb"`
	AttemptCount    int                                   `json:"attempt_count"`
	LastError       *string                               `json:"last_error"`
	LockedAt        *time.Time                            `json:"locked_at"`
	ProcessedAt     *time.Time                            `json:"processed_at"`
	ExpiresAt       time.Time                             `json:"expires_at" gorm:"index"`
	CreatedAt       time.Time                             `json:"created_at"`
	UpdatedAt       time.Time                             `json:"updated_at"`
}

// Completed reports whether a response snapshot has been stored.
func (k *IdempotencyKey) Completed() bool {
	return !k.IsProcessing && k.ResponseStatus != 0
}

// Expired reports whether the record no longer matches incoming requests.
func (k *IdempotencyKey) Expired(now time.Time) bool {
	return !now.Before(k.ExpiresAt)
}
