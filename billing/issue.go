package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"coreflow-backend/apperr"
	"coreflow-backend/eventstore"
	"coreflow-backend/models"
	"coreflow-backend/saga"
)

// TxInvoiceIssue is the saga type that turns a draft into an issued invoice.
const TxInvoiceIssue = "invoice.issue"

// Step names of the issue saga, in execution order.
const (
	StepLockDraft       = "lock_draft"
	StepAssignNumber    = "assign_number"
	StepSnapshotVersion = "snapshot_version"
	StepPublish         = "publish"
	StepEmitEvent       = "emit_event"
)

type issueData struct {
	InvoiceID       uint `json:"invoice_id"`
	ExpectedVersion int  `json:"expected_version"`
}

// IssuedPayload is the payload of invoice.issued and invoice.issue_reverted events.
type IssuedPayload struct {
	InvoiceID     uint   `json:"invoice_id"`
	InvoiceNumber string `json:"invoice_number"`
	Total         string `json:"total"`
	VersionNo     int    `json:"version_no"`
	TransactionID string `json:"transaction_id"`
}

var errNotDraft = apperr.New(apperr.CodeInvalid, apperr.WithHTTP(409), apperr.WithMessage("invoice is not a draft"))

// IssueDefinition returns the issue saga. Every step checks for its own earlier effect so a
// resumed transaction can run it again.
func (s *Service) IssueDefinition() saga.Definition {
	return saga.Definition{
		Type: TxInvoiceIssue,
		Steps: []saga.Step{
			{Name: StepLockDraft, Execute: s.lockDraft, Compensate: s.unlockDraft},
			{Name: StepAssignNumber, Execute: s.assignNumber, Compensate: s.clearNumber},
			{Name: StepSnapshotVersion, Execute: s.snapshotVersion, Compensate: s.dropSnapshot},
			{Name: StepPublish, Execute: s.publish, Compensate: s.unpublish},
			{Name: StepEmitEvent, Execute: s.emitIssued, Compensate: s.emitReverted},
		},
	}
}

// IssueInvoice runs the issue saga for a draft at expectedVersion. The transaction log is
// returned even when the saga rolled back.
func (s *Service) IssueInvoice(ctx context.Context, tenantID string, invoiceID uint, expectedVersion int) (*models.Invoice, *models.TransactionLog, error) {
	if expectedVersion < 1 {
		return nil, nil, apperr.New(apperr.CodeInvalid, apperr.WithMessage("version is required"))
	}
	if _, err := GetInvoice(ctx, s.db, tenantID, invoiceID); err != nil {
		return nil, nil, err
	}
	txLog, err := s.sagas.Run(ctx, TxInvoiceIssue, saga.StartInput{
		TenantID:   tenantID,
		EntityType: AggregateInvoice,
		EntityID:   strconv.FormatUint(uint64(invoiceID), 10),
		Data:       issueData{InvoiceID: invoiceID, ExpectedVersion: expectedVersion},
	})
	if err != nil {
		return nil, txLog, err
	}
	invoice, err := GetInvoice(ctx, s.db, tenantID, invoiceID)
	return invoice, txLog, err
}

func bindIssue(ex *saga.Execution) (issueData, error) {
	var d issueData
	if err := ex.Bind(&d); err != nil {
		return d, fmt.Errorf("decode issue data: %w", err)
	}
	if d.InvoiceID == 0 {
		return d, errors.New("issue data has no invoice id")
	}
	return d, nil
}

func (s *Service) invoiceQuery(ctx context.Context, ex *saga.Execution, id uint) *gorm.DB {
	return s.db.WithContext(ctx).Model(&models.Invoice{}).Where("id = ? AND tenant_id = ?", id, ex.TenantID)
}

func (s *Service) lockDraft(ctx context.Context, ex *saga.Execution) (any, error) {
	d, err := bindIssue(ex)
	if err != nil {
		return nil, err
	}
	res := s.invoiceQuery(ctx, ex, d.InvoiceID).
		Where("status = ? AND version = ?", models.InvoiceDraft, d.ExpectedVersion).
		Updates(map[string]any{
			"status":     models.InvoiceIssuing,
			"version":    gorm.Expr("version + 1"),
			"updated_at": s.now(),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 1 {
		return map[string]int{"version": d.ExpectedVersion + 1}, nil
	}

	inv, err := GetInvoice(ctx, s.db, ex.TenantID, d.InvoiceID)
	if err != nil {
		return nil, err
	}
	switch {
	case inv.Status == models.InvoiceIssuing && inv.Version == d.ExpectedVersion+1:
		// this transaction locked it before a restart
		return map[string]int{"version": inv.Version}, nil
	case inv.Status != models.InvoiceDraft:
		return nil, errNotDraft
	default:
		return nil, apperr.New(apperr.CodeVersionConflict,
			apperr.WithMessage("invoice was modified concurrently"),
			apperr.WithDetail("current_version", inv.Version))
	}
}

func (s *Service) unlockDraft(ctx context.Context, ex *saga.Execution) error {
	d, err := bindIssue(ex)
	if err != nil {
		return err
	}
	return s.invoiceQuery(ctx, ex, d.InvoiceID).
		Where("status = ?", models.InvoiceIssuing).
		Updates(map[string]any{
			"status":     models.InvoiceDraft,
			"version":    gorm.Expr("version + 1"),
			"updated_at": s.now(),
		}).Error
}

type numberResult struct {
	InvoiceNumber string `json:"invoice_number"`
}

// FormatInvoiceNumber renders the n-th number of a year.
func FormatInvoiceNumber(year int, n int64) string {
	return fmt.Sprintf("%d-%05d", year, n)
}

func (s *Service) assignNumber(ctx context.Context, ex *saga.Execution) (any, error) {
	d, err := bindIssue(ex)
	if err != nil {
		return nil, err
	}
	var out numberResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var inv models.Invoice
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND tenant_id = ?", d.InvoiceID, ex.TenantID).
			First(&inv).Error; err != nil {
			return err
		}
		if inv.InvoiceNumber != nil {
			out.InvoiceNumber = *inv.InvoiceNumber
			return nil
		}
		if inv.Status != models.InvoiceIssuing {
			return errNotDraft
		}

		var n int64
		err := tx.Raw(`INSERT INTO invoice_sequences (tenant_id, next_no) VALUES (?, 2)
			ON CONFLICT (tenant_id) DO UPDATE SET next_no = invoice_sequences.next_no + 1
			RETURNING next_no - 1`, ex.TenantID).Scan(&n).Error
		if err != nil {
			return fmt.Errorf("next invoice number: %w", err)
		}
		out.InvoiceNumber = FormatInvoiceNumber(s.now().Year(), n)
		return tx.Model(&models.Invoice{}).
			Where("id = ? AND invoice_number IS NULL", inv.ID).
			Updates(map[string]any{"invoice_number": out.InvoiceNumber, "updated_at": s.now()}).Error
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// clearNumber frees the number on rollback. The sequence is not rewound, so numbers of
// rolled back issues leave gaps.
func (s *Service) clearNumber(ctx context.Context, ex *saga.Execution) error {
	d, err := bindIssue(ex)
	if err != nil {
		return err
	}
	return s.invoiceQuery(ctx, ex, d.InvoiceID).
		Where("status = ?", models.InvoiceIssuing).
		Updates(map[string]any{"invoice_number": nil, "updated_at": s.now()}).Error
}

type snapshotResult struct {
	VersionNo int `json:"version_no"`
}

func (s *Service) snapshotVersion(ctx context.Context, ex *saga.Execution) (any, error) {
	d, err := bindIssue(ex)
	if err != nil {
		return nil, err
	}
	var existing models.InvoiceVersion
	err = s.db.WithContext(ctx).Where("transaction_id = ?", ex.TransactionID).First(&existing).Error
	if err == nil {
		return snapshotResult{VersionNo: existing.VersionNo}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	inv, err := GetInvoice(ctx, s.db, ex.TenantID, d.InvoiceID)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(inv)
	if err != nil {
		return nil, fmt.Errorf("encode invoice snapshot: %w", err)
	}

	var next int
	if err := s.db.WithContext(ctx).Model(&models.InvoiceVersion{}).
		Where("invoice_id = ?", inv.ID).
		Select("COALESCE(MAX(version_no), 0) + 1").
		Scan(&next).Error; err != nil {
		return nil, err
	}
	version := models.InvoiceVersion{
		TenantID:      ex.TenantID,
		InvoiceID:     inv.ID,
		VersionNo:     next,
		Kind:          "issued",
		TransactionID: ex.TransactionID,
		Snapshot:      datatypes.JSON(raw),
		CreatedAt:     s.now(),
	}
	if err := s.db.WithContext(ctx).Create(&version).Error; err != nil {
		return nil, fmt.Errorf("store invoice version: %w", err)
	}
	return snapshotResult{VersionNo: version.VersionNo}, nil
}

func (s *Service) dropSnapshot(ctx context.Context, ex *saga.Execution) error {
	return s.db.WithContext(ctx).
		Where("transaction_id = ? AND tenant_id = ?", ex.TransactionID, ex.TenantID).
		Delete(&models.InvoiceVersion{}).Error
}

func (s *Service) publish(ctx context.Context, ex *saga.Execution) (any, error) {
	d, err := bindIssue(ex)
	if err != nil {
		return nil, err
	}
	now := s.now()
	res := s.invoiceQuery(ctx, ex, d.InvoiceID).
		Where("status = ?", models.InvoiceIssuing).
		Updates(map[string]any{"status": models.InvoiceIssued, "published_at": now, "updated_at": now})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		inv, err := GetInvoice(ctx, s.db, ex.TenantID, d.InvoiceID)
		if err != nil {
			return nil, err
		}
		if inv.Status != models.InvoiceIssued || inv.PublishedAt == nil {
			return nil, fmt.Errorf("publish invoice %d: status is %s", d.InvoiceID, inv.Status)
		}
		now = *inv.PublishedAt
	}
	return map[string]time.Time{"published_at": now}, nil
}

func (s *Service) unpublish(ctx context.Context, ex *saga.Execution) error {
	d, err := bindIssue(ex)
	if err != nil {
		return err
	}
	return s.invoiceQuery(ctx, ex, d.InvoiceID).
		Where("status = ?", models.InvoiceIssued).
		Updates(map[string]any{"status": models.InvoiceIssuing, "published_at": nil, "updated_at": s.now()}).Error
}

// eventFor finds the event of eventType this transaction already wrote for the invoice.
func (s *Service) eventFor(ctx context.Context, invoiceID uint, eventType, transactionID string) (*models.DomainEvent, error) {
	var ev models.DomainEvent
	err := s.db.WithContext(ctx).
		Where("aggregate_type = ? AND aggregate_id = ? AND event_type = ?", AggregateInvoice, strconv.FormatUint(uint64(invoiceID), 10), eventType).
		Where("metadata->>'transaction_id' = ?", transactionID).
		First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &ev, err
}

func (s *Service) issuedPayload(ctx context.Context, ex *saga.Execution, d issueData) (IssuedPayload, error) {
	inv, err := GetInvoice(ctx, s.db, ex.TenantID, d.InvoiceID)
	if err != nil {
		return IssuedPayload{}, err
	}
	p := IssuedPayload{InvoiceID: inv.ID, Total: inv.Total.StringFixed(2), TransactionID: ex.TransactionID}
	if inv.InvoiceNumber != nil {
		p.InvoiceNumber = *inv.InvoiceNumber
	}
	var snap snapshotResult
	if _, err := ex.Result(StepSnapshotVersion, &snap); err != nil {
		return p, err
	}
	p.VersionNo = snap.VersionNo
	return p, nil
}

func (s *Service) appendOnce(ctx context.Context, ex *saga.Execution, d issueData, eventType string) (any, error) {
	existing, err := s.eventFor(ctx, d.InvoiceID, eventType, ex.TransactionID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return map[string]int64{"position": existing.Position}, nil
	}
	payload, err := s.issuedPayload(ctx, ex, d)
	if err != nil {
		return nil, err
	}
	out, err := s.events.AppendNext(ctx, eventstore.Aggregate{
		TenantID: ex.TenantID,
		Type:     AggregateInvoice,
		ID:       strconv.FormatUint(uint64(d.InvoiceID), 10),
	}, eventstore.NewEvent{
		Type:     eventType,
		Payload:  payload,
		Metadata: map[string]any{"transaction_id": ex.TransactionID},
	})
	if err != nil {
		return nil, fmt.Errorf("append %s: %w", eventType, err)
	}
	log.Infow("invoice event recorded", "event_type", eventType, "invoice_id", d.InvoiceID,
		"tenant_id", ex.TenantID, "position", out[0].Position)
	return map[string]int64{"position": out[0].Position}, nil
}

func (s *Service) emitIssued(ctx context.Context, ex *saga.Execution) (any, error) {
	d, err := bindIssue(ex)
	if err != nil {
		return nil, err
	}
	return s.appendOnce(ctx, ex, d, EventInvoiceIssued)
}

// emitReverted records the reversal only when the issued event made it into the log.
func (s *Service) emitReverted(ctx context.Context, ex *saga.Execution) error {
	d, err := bindIssue(ex)
	if err != nil {
		return err
	}
	issued, err := s.eventFor(ctx, d.InvoiceID, EventInvoiceIssued, ex.TransactionID)
	if err != nil || issued == nil {
		return err
	}
	_, err = s.appendOnce(ctx, ex, d, EventInvoiceIssueReverted)
	return err
}
