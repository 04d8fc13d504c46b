package models

import (
	"time"

	"gorm.io/datatypes"
)

// TransactionStatus is the saga state machine.
type TransactionStatus string

const (
	TransactionStarted      TransactionStatus = "started"
	TransactionInProgress   TransactionStatus = "in_progress"
	TransactionCompleted    TransactionStatus = "completed"
	TransactionCompensating TransactionStatus = "compensating"
	TransactionFailed       TransactionStatus = "failed"
	TransactionRolledBack   TransactionStatus = "rolled_back"
)

// Terminal reports whether no further transitions are expected.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case TransactionCompleted, TransactionFailed, TransactionRolledBack:
		return true
	}
	return false
}

// Advancing reports whether forward steps may still run.
func (s TransactionStatus) Advancing() bool {
	return s == TransactionStarted || s == TransactionInProgress
}

// StepStatus tracks a single saga step.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepCompleted   StepStatus = "completed"
	StepCompensated StepStatus = "compensated"
	StepFailed      StepStatus = "failed"
)

// TransactionStep is one ordered step record persisted inside the log.
type TransactionStep struct {
	Name          string         `json:"name"`
	Status        StepStatus     `json:"status"`
	Result        datatypes.JSON `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	Compensation  string         `json:"compensation,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	CompensatedAt *time.Time     `json:"compensated_at,omitempty"`
}

// TransactionLog is the durable record of a multi-step operation.
type TransactionLog struct {
	ID              uint                                 `json:"-" gorm:"primaryKey"`
	TransactionID   string                               `json:"transaction_id" gorm:"size:64;uniqueIndex"`
	TransactionType string                               `json:"transaction_type" gorm:"size:64;index"`
	TenantID        string                               `json:"tenant_id" gorm:"size:64;index"`
	EntityType      string                               `json:"entity_type" gorm:"size:64"`
	EntityID        string                               `json:"entity_id" gorm:"size:64"`
	Status          TransactionStatus                    `json:"status" gorm:"size:20;index"`
	Steps           datatypes.JSONSlice[TransactionStep] `json:"steps" gorm:"type:jsonb"`
	CurrentStep     int                                  `json:"current_step"`
	TransactionData datatypes.JSON                       `json:"transaction_data" gorm:"type:jsonb"`
	RollbackReason  *string                              `json:"rollback_reason"`
	StartedAt       time.Time                            `json:"started_at"`
	CompletedAt     *time.Time                           `json:"completed_at"`
	UpdatedAt       time.Time                            `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (t TransactionLog) Clone() TransactionLog {
	out := t
	out.Steps = make(datatypes.JSONSlice[TransactionStep], len(t.Steps))
	copy(out.Steps, t.Steps)
	if t.TransactionData != nil {
		out.TransactionData = append(datatypes.JSON(nil), t.TransactionData...)
	}
	return out
}
