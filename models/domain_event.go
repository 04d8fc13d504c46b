package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// DomainEvent is one entry of the append-only event log.
// Position is the global order; Version is the order within one aggregate.
type DomainEvent struct {
	Position      int64          `json:"position" gorm:"primaryKey;autoIncrement"`
	ID            string         `json:"id" gorm:"type:uuid;uniqueIndex"`
	TenantID      string         `json:"tenant_id" gorm:"size:64;index"`
	AggregateType string         `json:"aggregate_type" gorm:"size:64;uniqueIndex:idx_domain_events_aggregate_version,priority:1"`
	AggregateID   string         `json:"aggregate_id" gorm:"size:64;uniqueIndex:idx_domain_events_aggregate_version,priority:2"`
	Version       int            `json:"version" gorm:"uniqueIndex:idx_domain_events_aggregate_version,priority:3"`
	EventType     string         `json:"event_type" gorm:"size:128"`
	Payload       datatypes.JSON `json:"payload" gorm:"type:jsonb"`
	Metadata      datatypes.JSON `json:"metadata" gorm:"type:jsonb"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

// EventSnapshot stores aggregate state at a version so loads can skip older events.
type EventSnapshot struct {
	ID            uint           `json:"-" gorm:"primaryKey"`
	TenantID      string         `json:"tenant_id" gorm:"size:64"`
	AggregateType string         `json:"aggregate_type" gorm:"size:64;uniqueIndex:idx_event_snapshots_aggregate_version,priority:1"`
	AggregateID   string         `json:"aggregate_id" gorm:"size:64;uniqueIndex:idx_event_snapshots_aggregate_version,priority:2"`
	Version       int            `json:"version" gorm:"uniqueIndex:idx_event_snapshots_aggregate_version,priority:3"`
	State         datatypes.JSON `json:"state" gorm:"type:jsonb"`
	CreatedAt     time.Time      `json:"created_at"`
}

// ProjectionCheckpoint is the last global position a projection has applied.
type ProjectionCheckpoint struct {
	Name      string    `json:"name" gorm:"primaryKey;size:64"`
	Position  int64     `json:"position"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TenantLedger is the read model built from invoice and payment events.
type TenantLedger struct {
	TenantID         string          `json:"tenant_id" gorm:"primaryKey;size:64"`
	InvoicesIssued   int             `json:"invoices_issued"`
	IssuedTotal      decimal.Decimal `json:"issued_total" gorm:"type:numeric(14,2)"`
	InvoicesReverted int             `json:"invoices_reverted"`
	PaymentsReceived int             `json:"payments_received"`
	PaidTotal        decimal.Decimal `json:"paid_total" gorm:"type:numeric(14,2)"`
	LastPosition     int64           `json:"last_position"`
	UpdatedAt        time.Time       `json:"updated_at"`
}
