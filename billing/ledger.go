package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"coreflow-backend/eventstore"
	"coreflow-backend/models"
)

// LedgerProjectionName is the checkpoint name of the tenant ledger.
const LedgerProjectionName = "tenant_ledger"

// LedgerProjection keeps one tenant_ledgers row per tenant. The row's LastPosition makes a
// replayed event a no-op.
type LedgerProjection struct {
	db *gorm.DB
}

func NewLedgerProjection(db *gorm.DB) *LedgerProjection {
	return &LedgerProjection{db: db}
}

func (p *LedgerProjection) Name() string { return LedgerProjectionName }

func (p *LedgerProjection) Apply(ctx context.Context, ev models.DomainEvent) error {
	if ev.TenantID == "" {
		return nil
	}
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seed := models.TenantLedger{TenantID: ev.TenantID, UpdatedAt: time.Now().UTC()}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return err
		}
		var ledger models.TenantLedger
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ?", ev.TenantID).
			First(&ledger).Error; err != nil {
			return err
		}
		if ev.Position <= ledger.LastPosition {
			return nil
		}
		if err := applyLedger(&ledger, ev); err != nil {
			return err
		}
		ledger.UpdatedAt = time.Now().UTC()
		return tx.Save(&ledger).Error
	})
}

// applyLedger folds ev into l.
func applyLedger(l *models.TenantLedger, ev models.DomainEvent) error {
	switch ev.EventType {
	case EventInvoiceIssued, EventInvoiceIssueReverted:
		var p IssuedPayload
		if err := eventstore.Decode(ev, &p); err != nil {
			return fmt.Errorf("decode %s: %w", ev.EventType, err)
		}
		total, err := decimal.NewFromString(p.Total)
		if err != nil {
			return fmt.Errorf("%s total: %w", ev.EventType, err)
		}
		if ev.EventType == EventInvoiceIssued {
			l.InvoicesIssued++
			l.IssuedTotal = l.IssuedTotal.Add(total)
		} else {
			l.InvoicesReverted++
			l.IssuedTotal = l.IssuedTotal.Sub(total)
		}
	case EventPaymentRecorded:
		var p PaymentPayload
		if err := eventstore.Decode(ev, &p); err != nil {
			return fmt.Errorf("decode %s: %w", ev.EventType, err)
		}
		amount, err := decimal.NewFromString(p.Amount)
		if err != nil {
			return fmt.Errorf("%s amount: %w", ev.EventType, err)
		}
		l.PaymentsReceived++
		l.PaidTotal = l.PaidTotal.Add(amount)
	}
	l.LastPosition = ev.Position
	return nil
}

// GetLedger returns the tenant's ledger, zeroed when no event has been projected yet.
func GetLedger(ctx context.Context, db *gorm.DB, tenantID string) (*models.TenantLedger, error) {
	var ledger models.TenantLedger
	err := db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&ledger).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.TenantLedger{TenantID: tenantID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &ledger, nil
}
