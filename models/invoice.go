package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// InvoiceStatus tracks issuance; "issuing" only exists while the issue saga runs.
type InvoiceStatus string

const (
	InvoiceDraft   InvoiceStatus = "draft"
	InvoiceIssuing InvoiceStatus = "issuing"
	InvoiceIssued  InvoiceStatus = "issued"
)

// Invoice is the current/live state of a commercial document.
type Invoice struct {
	ID            uint     `json:"id" gorm:"primaryKey"`
	TenantID      string   `json:"-" gorm:"size:64;not null;index"`
	InvoiceNumber *string  `json:"invoice_number" gorm:"size:32"`
	CId           uint     `json:"customer_id"`
	Customer      Customer `json:"customer,omitempty" gorm:"foreignKey:CId;references:Id"`

	// Live items (latest state)
	Items    []InvoiceItem   `json:"items" gorm:"foreignKey:InvoiceID;constraint:OnDelete:CASCADE"`
	Subtotal decimal.Decimal `json:"subtotal" gorm:"type:numeric(12,2)"`
	TaxTotal decimal.Decimal `json:"tax_total" gorm:"type:numeric(12,2)"`
	Total    decimal.Decimal `json:"total" gorm:"type:numeric(12,2)"`

	// State
	Status      InvoiceStatus `json:"status" gorm:"size:20;not null;default:draft"`
	PublishedAt *time.Time    `json:"published_at"`
	Version     int           `json:"version" gorm:"not null;default:1"`

	// Payments rollup
	PaidTotal decimal.Decimal `json:"paid_total" gorm:"type:numeric(12,2)"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type InvoiceItem struct {
	ID          uint            `json:"id" gorm:"primaryKey"`
	InvoiceID   uint            `json:"-" gorm:"index"`
	Description string          `json:"description"`
	Amount      int             `json:"amount"`
	UnitPrice   decimal.Decimal `json:"unit_price" gorm:"type:numeric(12,2)"`
	TaxRate     decimal.Decimal `json:"tax_rate" gorm:"type:numeric(5,4)"`
	NetPrice    decimal.Decimal `json:"net_price" gorm:"type:numeric(12,2)"`
	TaxAmount   decimal.Decimal `json:"tax_amount" gorm:"type:numeric(12,2)"`
	GrossPrice  decimal.Decimal `json:"gross_price" gorm:"type:numeric(12,2)"`
}

// Immutable snapshot
type InvoiceVersion struct {
	ID            uint           `json:"id" gorm:"primaryKey"`
	TenantID      string         `json:"-" gorm:"size:64;not null"`
	InvoiceID     uint           `json:"invoice_id"`
	VersionNo     int            `json:"version_no" gorm:"not null"`
	Kind          string         `json:"kind" gorm:"size:20"` // "issued"
	TransactionID string         `json:"transaction_id" gorm:"size:64"`
	Snapshot      datatypes.JSON `json:"snapshot" gorm:"type:jsonb"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Payment survives re-issues; Reference is unique per tenant so provider retries record once.
type Payment struct {
	ID        uint            `json:"id" gorm:"primaryKey"`
	TenantID  string          `json:"-" gorm:"size:64;not null"`
	InvoiceID uint            `json:"invoice_id"`
	Amount    decimal.Decimal `json:"amount" gorm:"type:numeric(12,2)"`
	Method    string          `json:"method"`
	Reference string          `json:"reference" gorm:"size:128"`
	Note      string          `json:"note"`
	PaidAt    time.Time       `json:"paid_at"`
	CreatedAt time.Time       `json:"created_at"`
}

// InvoiceSequence hands out per-tenant invoice numbers.
type InvoiceSequence struct {
	TenantID string `gorm:"primaryKey;size:64"`
	NextNo   int64  `gorm:"not null"`
}
