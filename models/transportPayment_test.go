package models_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/mmdatafocus/purchases_backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var paidOn = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func payment(billId string, method string, amount string) models.NewTransportPaymentEntry {
	return models.NewTransportPaymentEntry{BillId: billId, Method: method, Amount: dec(amount), Date: &paidOn}
}

func newLedger(t *testing.T, ctx context.Context, name string, bills ...string) *models.TransportPayment {
	t.Helper()
	in := &models.NewTransportPayment{TransportName: name, TransportType: models.TransportTypeLogistic}
	for _, b := range bills {
		in.Billings = append(in.Billings, models.NewTransportBilling{InvoiceNo: b, Amount: dec("100"), Date: &paidOn})
	}
	tp, err := models.CreateTransportPayment(ctx, in)
	require.NoError(t, err)
	return tp
}

func setPayments(ctx context.Context, id int, payments ...models.NewTransportPaymentEntry) (*models.TransportPayment, error) {
	if payments == nil {
		payments = []models.NewTransportPaymentEntry{}
	}
	return models.UpdateTransportPaymentLedger(ctx, id, &models.TransportLedgerUpdate{Payments: payments})
}

func TestTransportLedger_MethodChangeMovesMirror(t *testing.T) {
	ctx, _ := openTestDB(t)
	seedAccounts(t, ctx, "CASH", "BANK")
	tp := newLedger(t, ctx, "FastMove", "B1")

	tp, err := setPayments(ctx, tp.ID, payment("B1", "CASH", "100"))
	require.NoError(t, err)
	require.Len(t, tp.Payments, 1)
	assert.Equal(t, "B1", tp.Payments[0].ReferenceId)
	assert.Equal(t, []string{"B1"}, mirrorRefs(t, ctx, "CASH"))
	requireTotals(t, tp.LedgerTotals, "100", "100")

	tp, err = setPayments(ctx, tp.ID, payment("B1", "BANK", "100"))
	require.NoError(t, err)
	assert.Empty(t, mirrorRefs(t, ctx, "CASH"))
	assert.Equal(t, []string{"B1"}, mirrorRefs(t, ctx, "BANK"))
	requireTotals(t, tp.LedgerTotals, "100", "100")
}

func TestTransportLedger_MethodChangeConflictsWithExistingMirror(t *testing.T) {
	ctx, _ := openTestDB(t)
	seedAccounts(t, ctx, "CASH", "BANK")
	fast := newLedger(t, ctx, "FastMove", "B1")
	road := newLedger(t, ctx, "RoadKing", "B1")

	_, err := setPayments(ctx, fast.ID, payment("B1", "CASH", "100"))
	require.NoError(t, err)
	_, err = setPayments(ctx, road.ID, payment("B1", "BANK", "100"))
	require.NoError(t, err)

	_, err = setPayments(ctx, fast.ID, payment("B1", "BANK", "100"))
	require.Error(t, err)
	assert.True(t, models.IsConflict(err))

	// nothing moved
	assert.Equal(t, []string{"B1"}, mirrorRefs(t, ctx, "CASH"))
	assert.Equal(t, []string{"B1"}, mirrorRefs(t, ctx, "BANK"))
	stored, err := models.GetTransportPayment(ctx, fast.ID)
	require.NoError(t, err)
	require.Len(t, stored.Payments, 1)
	assert.Equal(t, "CASH", stored.Payments[0].Method)
}

func TestTransportLedger_AddChangeRemoveCycle(t *testing.T) {
	ctx, _ := openTestDB(t)
	seedAccounts(t, ctx, "CASH", "BANK")
	tp := newLedger(t, ctx, "FastMove", "B1", "B2", "B3")

	_, err := setPayments(ctx, tp.ID, payment("B1", "CASH", "100"), payment("B2", "CASH", "50"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"B1", "B2"}, mirrorRefs(t, ctx, "CASH"))

	changed := payment("B1", "CASH", "80")
	changed.Remark = "partial"
	tp, err = setPayments(ctx, tp.ID, changed, payment("B3", "BANK", "30"))
	require.NoError(t, err)
	requireTotals(t, tp.LedgerTotals, "300", "110")

	cash, err := models.GetPaymentsAccount(ctx, "CASH")
	require.NoError(t, err)
	require.Len(t, cash.PaymentsOut, 1)
	assert.Equal(t, "B1", cash.PaymentsOut[0].ReferenceId)
	assert.True(t, cash.PaymentsOut[0].Amount.Equal(dec("80")))
	assert.Equal(t, "partial", cash.PaymentsOut[0].Remark)
	assert.True(t, cash.Balance.Equal(dec("80")))
	assert.Equal(t, []string{"B3"}, mirrorRefs(t, ctx, "BANK"))

	tp, err = setPayments(ctx, tp.ID)
	require.NoError(t, err)
	assert.Empty(t, tp.Payments)
	assert.Empty(t, mirrorRefs(t, ctx, "CASH"))
	assert.Empty(t, mirrorRefs(t, ctx, "BANK"))
	requireTotals(t, tp.LedgerTotals, "300", "0")
}

func TestTransportLedger_RepeatedBillIdPaymentsGetDistinctReferences(t *testing.T) {
	ctx, _ := openTestDB(t)
	seedAccounts(t, ctx, "CASH")
	tp := newLedger(t, ctx, "FastMove", "B1")

	tp, err := setPayments(ctx, tp.ID, payment("B1", "CASH", "40"), payment("B1", "CASH", "60"))
	require.NoError(t, err)
	require.Len(t, tp.Payments, 2)
	assert.Equal(t, "B1", tp.Payments[0].ReferenceId)
	assert.True(t, strings.HasPrefix(tp.Payments[1].ReferenceId, "PAY"))
	assert.Len(t, mirrorRefs(t, ctx, "CASH"), 2)
	requireTotals(t, tp.LedgerTotals, "100", "100")
}

func TestTransportLedger_UnknownAccountAbortsEverything(t *testing.T) {
	ctx, _ := openTestDB(t)
	seedAccounts(t, ctx, "CASH")
	tp := newLedger(t, ctx, "FastMove", "B1", "B2")

	_, err := setPayments(ctx, tp.ID, payment("B1", "CASH", "10"), payment("B2", "WALLET", "10"))
	require.Error(t, err)
	assert.True(t, models.IsNotFound(err))

	assert.Empty(t, mirrorRefs(t, ctx, "CASH"))
	stored, err := models.GetTransportPayment(ctx, tp.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Payments)
	requireTotals(t, stored.LedgerTotals, "200", "0")
}

func TestTransportLedger_ReplacesBillingsAndChecksVersion(t *testing.T) {
	ctx, _ := openTestDB(t)
	tp := newLedger(t, ctx, "FastMove", "B1", "B2")

	version := tp.Version
	updated, err := models.UpdateTransportPaymentLedger(ctx, tp.ID, &models.TransportLedgerUpdate{
		Version:  &version,
		Billings: []models.NewTransportBilling{{InvoiceNo: "B2", Amount: dec("75")}},
	})
	require.NoError(t, err)
	require.Len(t, updated.Billings, 1)
	assert.Equal(t, "B2", updated.Billings[0].BillId)
	assert.True(t, updated.Billings[0].Date.Equal(paidOn), "stored date kept")
	requireTotals(t, updated.LedgerTotals, "75", "0")
	assert.Equal(t, version+1, updated.Version)

	_, err = models.UpdateTransportPaymentLedger(ctx, tp.ID, &models.TransportLedgerUpdate{
		Version:  &version,
		Billings: []models.NewTransportBilling{},
	})
	assert.True(t, models.IsConflict(err))

	_, err = models.UpdateTransportPaymentLedger(ctx, tp.ID, &models.TransportLedgerUpdate{
		Billings: []models.NewTransportBilling{{InvoiceNo: "B9", Amount: dec("1")}, {InvoiceNo: "B9", Amount: dec("2")}},
	})
	assert.True(t, models.IsValidation(err))

	_, err = models.UpdateTransportPaymentLedger(ctx, 999, &models.TransportLedgerUpdate{})
	assert.True(t, models.IsNotFound(err))
}

func TestTransportLedger_PaymentValidation(t *testing.T) {
	ctx, _ := openTestDB(t)
	seedAccounts(t, ctx, "CASH")
	tp := newLedger(t, ctx, "FastMove", "B1")

	noMethod := payment("B1", "", "10")
	_, err := setPayments(ctx, tp.ID, noMethod)
	assert.True(t, models.IsValidation(err))

	noDate := payment("B1", "CASH", "10")
	noDate.Date = nil
	_, err = models.AddTransportPayment(ctx, tp.ID, &noDate)
	assert.True(t, models.IsValidation(err))

	zero := payment("B1", "CASH", "0")
	_, err = models.AddTransportPayment(ctx, tp.ID, &zero)
	assert.True(t, models.IsValidation(err))

	_, err = models.AddTransportBilling(ctx, tp.ID, &models.NewTransportBilling{Amount: dec("5")})
	assert.True(t, models.IsValidation(err))
}

func TestTransportLedger_AddPaymentAndBilling(t *testing.T) {
	ctx, _ := openTestDB(t)
	seedAccounts(t, ctx, "CASH")
	tp := newLedger(t, ctx, "FastMove", "B1")

	p := payment("B1", "CASH", "25")
	tp, err := models.AddTransportPayment(ctx, tp.ID, &p)
	require.NoError(t, err)
	require.Len(t, tp.Payments, 1)
	ref := tp.Payments[0].ReferenceId
	assert.True(t, strings.HasPrefix(ref, "PAY"))
	assert.Equal(t, "tester", tp.Payments[0].SubmittedBy)

	cash, err := models.GetPaymentsAccount(ctx, "CASH")
	require.NoError(t, err)
	require.Len(t, cash.PaymentsOut, 1)
	assert.Equal(t, ref, cash.PaymentsOut[0].ReferenceId)
	assert.True(t, strings.HasPrefix(cash.PaymentsOut[0].Remark, "Transportation Payment to FastMove"))

	tp, err = models.AddTransportBilling(ctx, tp.ID, &models.NewTransportBilling{InvoiceNo: "B2", Amount: dec("40")})
	require.NoError(t, err)
	requireTotals(t, tp.LedgerTotals, "140", "25")

	_, err = models.AddTransportBilling(ctx, tp.ID, &models.NewTransportBilling{InvoiceNo: "B2", Amount: dec("40")})
	assert.True(t, models.IsConflict(err))

	missing := payment("B1", "BANK", "5")
	_, err = models.AddTransportPayment(ctx, tp.ID, &missing)
	assert.True(t, models.IsNotFound(err))
}

func TestTransportLedger_CreateIsIdempotentOnResubmit(t *testing.T) {
	ctx, _ := openTestDB(t)
	seedAccounts(t, ctx, "CASH")

	in := &models.NewTransportPayment{
		TransportName: "FastMove",
		TransportType: models.TransportTypeLocal,
		Billings:      []models.NewTransportBilling{{InvoiceNo: "B1", Amount: dec("100")}},
		Payments:      []models.NewTransportPaymentEntry{payment("B1", "CASH", "60")},
	}
	first, err := models.CreateTransportPayment(ctx, in)
	require.NoError(t, err)
	second, err := models.CreateTransportPayment(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, second.Billings, 1)
	assert.Len(t, second.Payments, 1)
	assert.Len(t, mirrorRefs(t, ctx, "CASH"), 1)
	requireTotals(t, second.LedgerTotals, "100", "60")
}

func TestTransportLedger_AddedPaymentKeepsRemarkThroughEdits(t *testing.T) {
	ctx, _ := openTestDB(t)
	seedAccounts(t, ctx, "CASH")
	tp := newLedger(t, ctx, "FastMove", "B1")

	p := payment("B1", "CASH", "25")
	tp, err := models.AddTransportPayment(ctx, tp.ID, &p)
	require.NoError(t, err)
	require.Len(t, tp.Payments, 1)
	remark := tp.Payments[0].Remark
	assert.True(t, strings.HasPrefix(remark, "Transportation Payment to FastMove"))

	tp, err = setPayments(ctx, tp.ID, payment("B1", "CASH", "30"))
	require.NoError(t, err)
	require.Len(t, tp.Payments, 1)
	assert.Equal(t, remark, tp.Payments[0].Remark)

	cash, err := models.GetPaymentsAccount(ctx, "CASH")
	require.NoError(t, err)
	require.Len(t, cash.PaymentsOut, 1)
	assert.Equal(t, remark, cash.PaymentsOut[0].Remark)
	assert.True(t, cash.PaymentsOut[0].Amount.Equal(dec("30")))
}

func TestTransportLedger_CreateKeepsSameAmountPaidOnAnotherDay(t *testing.T) {
	ctx, _ := openTestDB(t)
	seedAccounts(t, ctx, "CASH")

	in := &models.NewTransportPayment{
		TransportName: "FastMove",
		TransportType: models.TransportTypeLocal,
		Billings:      []models.NewTransportBilling{{InvoiceNo: "B1", Amount: dec("100")}},
		Payments:      []models.NewTransportPaymentEntry{payment("B1", "CASH", "50")},
	}
	_, err := models.CreateTransportPayment(ctx, in)
	require.NoError(t, err)

	nextDay := paidOn.AddDate(0, 0, 1)
	second := payment("B1", "CASH", "50")
	second.Date = &nextDay
	in.Payments = []models.NewTransportPaymentEntry{second}
	tp, err := models.CreateTransportPayment(ctx, in)
	require.NoError(t, err)
	assert.Len(t, tp.Payments, 2)
	assert.Len(t, mirrorRefs(t, ctx, "CASH"), 2)
	requireTotals(t, tp.LedgerTotals, "100", "100")

	// same reference is the same payment whatever the other fields say
	again := payment("B1", "CASH", "70")
	again.ReferenceId = tp.Payments[1].ReferenceId
	in.Payments = []models.NewTransportPaymentEntry{again}
	tp, err = models.CreateTransportPayment(ctx, in)
	require.NoError(t, err)
	assert.Len(t, tp.Payments, 2)
	requireTotals(t, tp.LedgerTotals, "100", "100")
}

func TestTransportLedger_DeleteRetractsMirrors(t *testing.T) {
	t.Setenv("LEDGER_OUTBOX_ENABLED", "true")
	ctx, _ := openTestDB(t)
	seedAccounts(t, ctx, "CASH", "BANK")
	tp := newLedger(t, ctx, "FastMove", "B1", "B2")
	other := newLedger(t, ctx, "RoadKing", "B1")

	_, err := setPayments(ctx, tp.ID, payment("B1", "CASH", "100"), payment("B2", "BANK", "40"))
	require.NoError(t, err)
	_, err = setPayments(ctx, other.ID, payment("B1", "BANK", "10"))
	require.NoError(t, err)

	require.NoError(t, models.DeleteTransportPayment(ctx, tp.ID))

	_, err = models.GetTransportPayment(ctx, tp.ID)
	assert.True(t, models.IsNotFound(err))
	assert.Empty(t, mirrorRefs(t, ctx, "CASH"))
	assert.Equal(t, []string{"B1"}, mirrorRefs(t, ctx, "BANK"))

	bank, err := models.GetPaymentsAccount(ctx, "BANK")
	require.NoError(t, err)
	assert.True(t, bank.Balance.Equal(dec("10")))

	events, err := models.ListLedgerEvents(ctx, "transport_payment", fmt.Sprint(tp.ID))
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, models.LedgerEventTransportLedgerDeleted, events[len(events)-1].EventType)

	err = models.DeleteTransportPayment(ctx, tp.ID)
	assert.True(t, models.IsNotFound(err))

	// the name can be billed again from scratch
	fresh := newLedger(t, ctx, "FastMove", "B1")
	assert.NotEqual(t, tp.ID, fresh.ID)
	requireTotals(t, fresh.LedgerTotals, "100", "0")
}
