package billing

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"coreflow-backend/apperr"
	"coreflow-backend/database"
	"coreflow-backend/models"
	"coreflow-backend/utils"
)

type ItemInput struct {
	Description string           `json:"description" validate:"required,max=500"`
	Amount      int              `json:"amount" validate:"required,min=1"`
	UnitPrice   decimal.Decimal  `json:"unit_price"`
	TaxRate     *decimal.Decimal `json:"tax_rate" normalize:"-"`
}

type InvoiceInput struct {
	CustomerID uint        `json:"customer_id" validate:"required"`
	Items      []ItemInput `json:"items" validate:"required,min=1,dive"`
}

// buildItems prices every line and returns the rounded invoice totals.
func buildItems(in []ItemInput) (items []models.InvoiceItem, subtotal, taxTotal, total decimal.Decimal, err error) {
	items = make([]models.InvoiceItem, 0, len(in))
	for i, it := range in {
		utils.Normalize(&it)
		if it.UnitPrice.IsNegative() {
			return nil, subtotal, taxTotal, total, apperr.New(apperr.CodeInvalid,
				apperr.WithMessage("unit_price must not be negative"), apperr.WithDetail("item", i))
		}
		rate := utils.DefaultVATRate
		if it.TaxRate != nil {
			rate = *it.TaxRate
		}
		if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
			return nil, subtotal, taxTotal, total, apperr.New(apperr.CodeInvalid,
				apperr.WithMessage("tax_rate must be between 0 and 1"), apperr.WithDetail("item", i))
		}
		net, tax, gross := utils.LineTotals(it.UnitPrice, it.Amount, rate)
		items = append(items, models.InvoiceItem{
			Description: it.Description,
			Amount:      it.Amount,
			UnitPrice:   utils.Round2(it.UnitPrice),
			TaxRate:     rate,
			NetPrice:    net,
			TaxAmount:   tax,
			GrossPrice:  gross,
		})
		subtotal = subtotal.Add(net)
		taxTotal = taxTotal.Add(tax)
		total = total.Add(gross)
	}
	return items, utils.Round2(subtotal), utils.Round2(taxTotal), utils.Round2(total), nil
}

// CreateInvoice stores a draft invoice for one of the tenant's customers.
func CreateInvoice(ctx context.Context, db *gorm.DB, tenantID string, in InvoiceInput) (*models.Invoice, error) {
	if _, err := GetCustomer(ctx, db, tenantID, in.CustomerID); err != nil {
		return nil, err
	}
	items, subtotal, taxTotal, total, err := buildItems(in.Items)
	if err != nil {
		return nil, err
	}
	invoice := models.Invoice{
		TenantID:  tenantID,
		CId:       in.CustomerID,
		Items:     items,
		Subtotal:  subtotal,
		TaxTotal:  taxTotal,
		Total:     total,
		Status:    models.InvoiceDraft,
		Version:   1,
		PaidTotal: decimal.Zero,
	}
	if err := db.WithContext(ctx).Omit("Customer").Create(&invoice).Error; err != nil {
		return nil, err
	}
	return GetInvoice(ctx, db, tenantID, invoice.ID)
}

func ListInvoices(ctx context.Context, db *gorm.DB, tenantID string, status string) ([]models.Invoice, error) {
	q := db.WithContext(ctx).Scopes(database.TenantScope(tenantID)).Preload("Items").Preload("Customer")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var invoices []models.Invoice
	err := q.Order("id").Find(&invoices).Error
	return invoices, err
}

func GetInvoice(ctx context.Context, db *gorm.DB, tenantID string, id uint) (*models.Invoice, error) {
	var invoice models.Invoice
	err := db.WithContext(ctx).Scopes(database.TenantScope(tenantID)).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Preload("Customer").
		Where("id = ?", id).
		First(&invoice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.New(apperr.CodeNotFound, apperr.WithMessage("invoice not found"))
	}
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

// ListVersions returns the immutable snapshots taken each time the invoice was issued.
func ListVersions(ctx context.Context, db *gorm.DB, tenantID string, invoiceID uint) ([]models.InvoiceVersion, error) {
	if _, err := GetInvoice(ctx, db, tenantID, invoiceID); err != nil {
		return nil, err
	}
	var versions []models.InvoiceVersion
	err := db.WithContext(ctx).Scopes(database.TenantScope(tenantID)).
		Where("invoice_id = ?", invoiceID).
		Order("version_no").
		Find(&versions).Error
	return versions, err
}

func ListPayments(ctx context.Context, db *gorm.DB, tenantID string, invoiceID uint) ([]models.Payment, error) {
	if _, err := GetInvoice(ctx, db, tenantID, invoiceID); err != nil {
		return nil, err
	}
	var payments []models.Payment
	err := db.WithContext(ctx).Scopes(database.TenantScope(tenantID)).
		Where("invoice_id = ?", invoiceID).
		Order("paid_at, id").
		Find(&payments).Error
	return payments, err
}
