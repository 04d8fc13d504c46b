// Package billing holds the customer, invoice and payment operations of the API. Invoice
// issuance runs as a saga; payments and issuance are recorded as domain events.
package billing

import (
	"time"

	"gorm.io/gorm"

	"coreflow-backend/eventstore"
	"coreflow-backend/saga"
)

// Event and aggregate names written to the event store.
const (
	AggregateInvoice = "invoice"

	EventInvoiceIssued        = "invoice.issued"
	EventInvoiceIssueReverted = "invoice.issue_reverted"
	EventPaymentRecorded      = "payment.recorded"
)

// Service runs billing operations that span several writes.
type Service struct {
	db     *gorm.DB
	store  *eventstore.GormStore
	events *eventstore.EventStore
	sagas  *saga.Coordinator
	now    func() time.Time
}

// NewService wires the billing operations and registers the invoice issue saga with coord.
func NewService(db *gorm.DB, coord *saga.Coordinator) *Service {
	store := eventstore.NewGormStore(db)
	s := &Service{
		db:     db,
		store:  store,
		events: eventstore.New(store),
		sagas:  coord,
		now:    func() time.Time { return time.Now().UTC() },
	}
	coord.Register(s.IssueDefinition())
	return s
}

// Events exposes the event store the service writes to.
func (s *Service) Events() *eventstore.EventStore {
	return s.events
}
