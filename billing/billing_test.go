package billing

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"coreflow-backend/apperr"
	"coreflow-backend/models"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestBuildItemsPricesLinesAndTotals(t *testing.T) {
	reduced := dec("0.10")
	items, subtotal, taxTotal, total, err := buildItems([]ItemInput{
		{Description: "  Consulting ", Amount: 3, UnitPrice: dec("99.999")},
		{Description: "Books", Amount: 2, UnitPrice: dec("12.50"), TaxRate: &reduced},
	})
	require.NoError(t, err)
	require.Len(t, items, 2)

	require.Equal(t, "Consulting", items[0].Description)
	require.True(t, items[0].UnitPrice.Equal(dec("100.00")))
	require.True(t, items[0].NetPrice.Equal(dec("300.00")))
	require.True(t, items[0].TaxAmount.Equal(dec("60.00")))
	require.True(t, items[1].TaxRate.Equal(reduced))
	require.True(t, items[1].GrossPrice.Equal(dec("27.50")))

	require.True(t, subtotal.Equal(dec("325.00")), subtotal.String())
	require.True(t, taxTotal.Equal(dec("62.50")), taxTotal.String())
	require.True(t, total.Equal(dec("387.50")), total.String())
}

func TestBuildItemsRejectsBadRates(t *testing.T) {
	tooHigh := dec("1.5")
	_, _, _, _, err := buildItems([]ItemInput{{Description: "x", Amount: 1, UnitPrice: dec("1"), TaxRate: &tooHigh}})
	require.True(t, apperr.HasCode(err, apperr.CodeInvalid))

	_, _, _, _, err = buildItems([]ItemInput{{Description: "x", Amount: 1, UnitPrice: dec("-1")}})
	require.True(t, apperr.HasCode(err, apperr.CodeInvalid))
}

func TestFormatInvoiceNumber(t *testing.T) {
	require.Equal(t, "2026-00042", FormatInvoiceNumber(2026, 42))
	require.Equal(t, "2026-123456", FormatInvoiceNumber(2026, 123456))
}

func event(t *testing.T, pos int64, typ string, payload any) models.DomainEvent {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return models.DomainEvent{
		Position:   pos,
		TenantID:   "acme",
		EventType:  typ,
		Version:    int(pos),
		Payload:    datatypes.JSON(raw),
		OccurredAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestApplyLedgerFoldsBillingEvents(t *testing.T) {
	var l models.TenantLedger
	require.NoError(t, applyLedger(&l, event(t, 1, EventInvoiceIssued, IssuedPayload{InvoiceID: 1, Total: "120.00"})))
	require.NoError(t, applyLedger(&l, event(t, 2, EventInvoiceIssued, IssuedPayload{InvoiceID: 2, Total: "30.00"})))
	require.NoError(t, applyLedger(&l, event(t, 3, EventInvoiceIssueReverted, IssuedPayload{InvoiceID: 2, Total: "30.00"})))
	require.NoError(t, applyLedger(&l, event(t, 4, EventPaymentRecorded, PaymentPayload{InvoiceID: 1, Amount: "50.00"})))
	require.NoError(t, applyLedger(&l, event(t, 5, "customer.touched", map[string]string{})))

	require.Equal(t, 2, l.InvoicesIssued)
	require.Equal(t, 1, l.InvoicesReverted)
	require.Equal(t, 1, l.PaymentsReceived)
	require.True(t, l.IssuedTotal.Equal(dec("120.00")))
	require.True(t, l.PaidTotal.Equal(dec("50.00")))
	require.Equal(t, int64(5), l.LastPosition)

	require.Error(t, applyLedger(&l, event(t, 6, EventPaymentRecorded, PaymentPayload{Amount: "lots"})))
}

func TestApplyActivity(t *testing.T) {
	a := &InvoiceActivity{InvoiceID: 7}
	require.NoError(t, applyActivity(a, event(t, 1, EventInvoiceIssued, IssuedPayload{InvoiceID: 7, InvoiceNumber: "2026-00001"})))
	require.NoError(t, applyActivity(a, event(t, 2, EventPaymentRecorded, PaymentPayload{Amount: "10.00"})))
	require.NoError(t, applyActivity(a, event(t, 3, EventPaymentRecorded, PaymentPayload{Amount: "2.50"})))

	require.True(t, a.Issued)
	require.Equal(t, "2026-00001", a.InvoiceNumber)
	require.Equal(t, 2, a.Payments)
	require.True(t, a.Paid.Equal(dec("12.50")))
	require.Equal(t, 3, a.Version)
	require.NotNil(t, a.LastEventAt)

	require.NoError(t, applyActivity(a, event(t, 4, EventInvoiceIssueReverted, IssuedPayload{InvoiceID: 7})))
	require.False(t, a.Issued)
	require.Equal(t, 1, a.TimesReverted)
}
