package models

import (
	"time"

	"gorm.io/datatypes"
)

// WebhookStatus is the dead-letter lifecycle of a failed delivery.
type WebhookStatus string

const (
	WebhookPending    WebhookStatus = "pending"
	WebhookProcessing WebhookStatus = "processing"
	WebhookRecovered  WebhookStatus = "recovered"
	WebhookAbandoned  WebhookStatus = "abandoned"
)

// Priority orders retries; higher business impact is retried first.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank sorts priorities, lower first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	default:
		return 3
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// WebhookFailure is a failed inbound webhook kept for retry and forensic replay.
// Payload and headers are retained for the life of the row.
type WebhookFailure struct {
	ID               string                                `json:"id" gorm:"primaryKey;type:uuid"`
	EventType        string                                `json:"event_type" gorm:"size:128"`
	SourceProvider   string                                `json:"source_provider" gorm:"size:64;index"`
	Payload          []byte                                `json:"payload" gorm:"type:bytea"`
	OriginalHeaders  datatypes.JSONType[map[string]string] `json:"original_headers" gorm:"type:jsonb"`
	FailureReason    string                                `json:"failure_reason"`
	StackTrace       *string                               `json:"stack_trace"`
	AttemptCount     int                                   `json:"attempt_count"`
	MaxRetries       int                                   `json:"max_retries" gorm:"default:5"`
	Status           WebhookStatus                         `json:"status" gorm:"size:20"`
	Priority         Priority                              `json:"priority" gorm:"size:20"`
	TenantID         *string                               `json:"tenant_id" gorm:"size:64;index"`
	ImpactLevel      *string                               `json:"impact_level" gorm:"size:20"`
	BusinessImpact   *string                               `json:"business_impact"`
	LastAttemptAt    *time.Time                            `json:"last_attempt_at"`
	ScheduledRetryAt *time.Time                            `json:"scheduled_retry_at"`
	RecoveredAt      *time.Time                            `json:"recovered_at"`
	AbandonedAt      *time.Time                            `json:"abandoned_at"`
	CreatedAt        time.Time                             `json:"created_at"`
	UpdatedAt        time.Time                             `json:"updated_at"`
}
