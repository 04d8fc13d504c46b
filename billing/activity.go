package billing

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"

	"coreflow-backend/apperr"
	"coreflow-backend/eventstore"
	"coreflow-backend/models"
)

// activitySnapshotEvery is how many replayed events trigger a fresh snapshot.
const activitySnapshotEvery = 10

// InvoiceActivity is an invoice's history folded from its event stream.
type InvoiceActivity struct {
	InvoiceID     uint            `json:"invoice_id"`
	InvoiceNumber string          `json:"invoice_number,omitempty"`
	Issued        bool            `json:"issued"`
	TimesIssued   int             `json:"times_issued"`
	TimesReverted int             `json:"times_reverted"`
	Payments      int             `json:"payments"`
	Paid          decimal.Decimal `json:"paid"`
	LastEventAt   *time.Time      `json:"last_event_at,omitempty"`
	Version       int             `json:"version"`
}

func applyActivity(state any, ev models.DomainEvent) error {
	a := state.(*InvoiceActivity)
	switch ev.EventType {
	case EventInvoiceIssued:
		var p IssuedPayload
		if err := eventstore.Decode(ev, &p); err != nil {
			return err
		}
		a.Issued = true
		a.TimesIssued++
		a.InvoiceNumber = p.InvoiceNumber
	case EventInvoiceIssueReverted:
		a.Issued = false
		a.TimesReverted++
	case EventPaymentRecorded:
		var p PaymentPayload
		if err := eventstore.Decode(ev, &p); err != nil {
			return err
		}
		amount, err := decimal.NewFromString(p.Amount)
		if err != nil {
			return err
		}
		a.Payments++
		a.Paid = a.Paid.Add(amount)
	}
	at := ev.OccurredAt
	a.LastEventAt = &at
	a.Version = ev.Version
	return nil
}

// InvoiceActivity rebuilds the invoice's activity from the latest snapshot and the events after
// it, storing a new snapshot once enough events had to be replayed.
func (s *Service) InvoiceActivity(ctx context.Context, tenantID string, invoiceID uint) (*InvoiceActivity, error) {
	if _, err := GetInvoice(ctx, s.db, tenantID, invoiceID); err != nil {
		return nil, err
	}
	id := strconv.FormatUint(uint64(invoiceID), 10)
	state := &InvoiceActivity{InvoiceID: invoiceID}
	version, replayed, err := s.events.Rehydrate(ctx, AggregateInvoice, id, state, applyActivity)
	if err != nil {
		return nil, apperr.New(apperr.CodeInternal, apperr.WithCause(err))
	}
	state.Version = version
	if replayed >= activitySnapshotEvery {
		agg := eventstore.Aggregate{TenantID: tenantID, Type: AggregateInvoice, ID: id}
		if err := s.events.SaveSnapshot(ctx, agg, version, state); err != nil {
			log.Warnw("save activity snapshot", "invoice_id", invoiceID, "version", version, "error", err)
		}
	}
	return state, nil
}
