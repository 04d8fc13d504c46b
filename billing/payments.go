package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"coreflow-backend/apperr"
	"coreflow-backend/database"
	"coreflow-backend/eventstore"
	"coreflow-backend/models"
	"coreflow-backend/utils"
	"coreflow-backend/webhooks"
)

// Webhook provider and event type handled by PaymentWebhook.
const (
	ProviderPayments      = "payments"
	EventPaymentSucceeded = "payment.succeeded"
)

var validate = validator.New()

// PaymentInput records money received for an issued invoice. Reference identifies the payment
// at the provider and makes recording idempotent.
type PaymentInput struct {
	InvoiceID uint            `json:"invoice_id" validate:"required"`
	Amount    decimal.Decimal `json:"amount"`
	Method    string          `json:"method" validate:"max=64"`
	Reference string          `json:"reference" validate:"required,max=128"`
	Note      string          `json:"note" validate:"max=1000"`
	PaidAt    *time.Time      `json:"paid_at"`
}

// PaymentPayload is the payload of payment.recorded events.
type PaymentPayload struct {
	PaymentID uint      `json:"payment_id"`
	InvoiceID uint      `json:"invoice_id"`
	Amount    string    `json:"amount"`
	Method    string    `json:"method"`
	Reference string    `json:"reference"`
	PaidAt    time.Time `json:"paid_at"`
}

var errNotIssued = apperr.New(apperr.CodeInvalid, apperr.WithHTTP(409), apperr.WithMessage("payments can only be recorded for issued invoices"))

// RecordPayment stores a payment, raises the invoice's paid total and appends payment.recorded
// in one database transaction. A reference seen before returns the stored payment with
// created false.
func (s *Service) RecordPayment(ctx context.Context, tenantID string, in PaymentInput) (*models.Payment, bool, error) {
	utils.Normalize(&in)
	if err := validate.Struct(in); err != nil {
		return nil, false, apperr.New(apperr.CodeInvalid, apperr.WithMessage(err.Error()), apperr.WithCause(err))
	}
	if !in.Amount.IsPositive() {
		return nil, false, apperr.New(apperr.CodeInvalid, apperr.WithMessage("amount must be positive"))
	}
	paidAt := s.now()
	if in.PaidAt != nil {
		paidAt = in.PaidAt.UTC()
	}

	var payment models.Payment
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var inv models.Invoice
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Scopes(database.TenantScope(tenantID)).
			Where("id = ?", in.InvoiceID).
			First(&inv).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.New(apperr.CodeNotFound, apperr.WithMessage("invoice not found"))
		}
		if err != nil {
			return err
		}

		found, err := existingPayment(tx, tenantID, in.Reference, &payment)
		if err != nil || found {
			return err
		}
		if inv.Status != models.InvoiceIssued {
			return errNotIssued
		}

		payment = models.Payment{
			TenantID:  tenantID,
			InvoiceID: inv.ID,
			Amount:    in.Amount,
			Method:    in.Method,
			Reference: in.Reference,
			Note:      in.Note,
			PaidAt:    paidAt,
		}
		err = tx.Transaction(func(sp *gorm.DB) error { return sp.Create(&payment).Error })
		if database.IsUniqueViolation(err) {
			// recorded concurrently against another invoice
			_, err = existingPayment(tx, tenantID, in.Reference, &payment)
			return err
		}
		if err != nil {
			return err
		}
		created = true

		if err := tx.Model(&models.Invoice{}).Where("id = ?", inv.ID).
			Updates(map[string]any{"paid_total": gorm.Expr("paid_total + ?", payment.Amount), "updated_at": s.now()}).Error; err != nil {
			return err
		}

		_, err = eventstore.New(s.store.WithDB(tx)).AppendNext(ctx, eventstore.Aggregate{
			TenantID: tenantID,
			Type:     AggregateInvoice,
			ID:       strconv.FormatUint(uint64(inv.ID), 10),
		}, eventstore.NewEvent{
			Type: EventPaymentRecorded,
			Payload: PaymentPayload{
				PaymentID: payment.ID,
				InvoiceID: inv.ID,
				Amount:    payment.Amount.StringFixed(2),
				Method:    payment.Method,
				Reference: payment.Reference,
				PaidAt:    payment.PaidAt,
			},
		})
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		log.Infow("payment recorded", "tenant_id", tenantID, "invoice_id", payment.InvoiceID,
			"reference", payment.Reference, "amount", payment.Amount.StringFixed(2))
	}
	return &payment, created, nil
}

func existingPayment(tx *gorm.DB, tenantID, reference string, out *models.Payment) (bool, error) {
	err := tx.Scopes(database.TenantScope(tenantID)).Where("reference = ?", reference).First(out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}

// PaymentWebhook handles payments/payment.succeeded deliveries. The delivery's tenant owns
// the invoice.
func (s *Service) PaymentWebhook(ctx context.Context, d webhooks.Delivery) error {
	if d.TenantID == "" {
		return errors.New("payment webhook without tenant")
	}
	var in PaymentInput
	if err := json.Unmarshal(d.Payload, &in); err != nil {
		return fmt.Errorf("decode payment webhook: %w", err)
	}
	_, _, err := s.RecordPayment(ctx, d.TenantID, in)
	return err
}

// RegisterHandlers installs the billing webhook handlers on r.
func (s *Service) RegisterHandlers(r *webhooks.Registry) {
	r.Handle(ProviderPayments, EventPaymentSucceeded, s.PaymentWebhook)
}
