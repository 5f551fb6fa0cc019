package models_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/mmdatafocus/purchases_backend/models"
	"github.com/mmdatafocus/purchases_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPurchase_EditMovesStockByDifference(t *testing.T) {
	ctx, db := openTestDB(t)
	seedProduct(t, db, "K5", "2")

	p, err := models.CreatePurchase(ctx, purchaseInput("S1", "INV-1", item("K5", "10", "3")))
	require.NoError(t, err)
	assert.True(t, stockOf(t, ctx, "K5").Equal(dec("12")))

	_, err = models.UpdatePurchase(ctx, p.PurchaseId, purchaseInput("S1", "INV-1", item("K5", "4", "3")))
	require.NoError(t, err)
	assert.True(t, stockOf(t, ctx, "K5").Equal(dec("6")), "12 - 10 + 4")

	// resubmitting the same edit moves nothing
	_, err = models.UpdatePurchase(ctx, p.PurchaseId, purchaseInput("S1", "INV-1", item("K5", "4", "3")))
	require.NoError(t, err)
	assert.True(t, stockOf(t, ctx, "K5").Equal(dec("6")))
}

func TestPurchase_CreateSeedsUnknownProduct(t *testing.T) {
	ctx, _ := openTestDB(t)

	in := purchaseInput("S1", "INV-1", item("RICE-5KG", "7", "12.5"))
	in.Items[0].Brand = "Golden"
	in.Items[0].Extra = map[string]string{"origin": "Bago"}
	p, err := models.CreatePurchase(ctx, in)
	require.NoError(t, err)

	product, err := models.GetProductByItemId(ctx, "RICE-5KG")
	require.NoError(t, err)
	assert.True(t, product.CountInStock.Equal(dec("7")))
	assert.Equal(t, "Golden", product.Brand)
	assert.Equal(t, "Bago", product.Attributes["origin"])

	require.Len(t, p.Items, 1)
	assert.True(t, p.Items[0].TotalPriceInNumbers.Equal(dec("87.5")))
	assert.True(t, p.TotalPurchaseAmount.Equal(dec("87.5")))
	assert.Equal(t, "tester", p.SubmittedBy)
}

func TestPurchase_GeneratedIdsOrderNumerically(t *testing.T) {
	ctx, db := openTestDB(t)
	for _, id := range []string{"KP1", "KP9", "KP10"} {
		require.NoError(t, db.Create(&models.Purchase{PurchaseId: id, SellerId: "S0", InvoiceNo: "OLD-" + id}).Error)
	}

	p, err := models.CreatePurchase(ctx, purchaseInput("S1", "INV-1", item("K1", "1", "1")))
	require.NoError(t, err)
	assert.Equal(t, "KP11", p.PurchaseId)

	next, err := models.CreatePurchase(ctx, purchaseInput("S1", "INV-2", item("K1", "1", "1")))
	require.NoError(t, err)
	assert.Equal(t, "KP12", next.PurchaseId)
}

func TestPurchase_RequestedIdKeptUnlessTaken(t *testing.T) {
	ctx, _ := openTestDB(t)

	in := purchaseInput("S1", "INV-1", item("K1", "1", "1"))
	in.PurchaseId = "KP40"
	p, err := models.CreatePurchase(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "KP40", p.PurchaseId)

	// taken id: a new one follows the highest seen
	again := purchaseInput("S2", "INV-9", item("K1", "1", "1"))
	again.PurchaseId = "KP40"
	p2, err := models.CreatePurchase(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, "KP41", p2.PurchaseId)

	// same seller and invoice: new id even when the requested one is free
	dup := purchaseInput("S1", "INV-1", item("K1", "1", "1"))
	dup.PurchaseId = "MANUAL-1"
	p3, err := models.CreatePurchase(ctx, dup)
	require.NoError(t, err)
	assert.Equal(t, "KP42", p3.PurchaseId)
}

func TestPurchase_SellerLedgerUpsertsOnEdit(t *testing.T) {
	ctx, _ := openTestDB(t)

	p, err := models.CreatePurchase(ctx, purchaseInput("S1", "INV-1", item("K1", "10", "10")))
	require.NoError(t, err)
	_, err = models.CreatePurchase(ctx, purchaseInput("S1", "INV-2", item("K2", "1", "50")))
	require.NoError(t, err)

	sp, err := models.GetSellerPayment(ctx, "S1")
	require.NoError(t, err)
	require.Len(t, sp.Billings, 2)
	requireTotals(t, sp.LedgerTotals, "150", "0")

	_, err = models.UpdatePurchase(ctx, p.PurchaseId, purchaseInput("S1", "INV-1", item("K1", "10", "12")))
	require.NoError(t, err)

	sp, err = models.GetSellerPayment(ctx, "S1")
	require.NoError(t, err)
	require.Len(t, sp.Billings, 2)
	requireTotals(t, sp.LedgerTotals, "170", "0")
}

func TestPurchase_SellerChangeMovesBilling(t *testing.T) {
	ctx, _ := openTestDB(t)

	p, err := models.CreatePurchase(ctx, purchaseInput("S1", "INV-1", item("K1", "2", "10")))
	require.NoError(t, err)
	_, err = models.UpdatePurchase(ctx, p.PurchaseId, purchaseInput("S2", "INV-1", item("K1", "2", "10")))
	require.NoError(t, err)

	old, err := models.GetSellerPayment(ctx, "S1")
	require.NoError(t, err)
	assert.Empty(t, old.Billings)
	requireTotals(t, old.LedgerTotals, "0", "0")

	moved, err := models.GetSellerPayment(ctx, "S2")
	require.NoError(t, err)
	require.Len(t, moved.Billings, 1)
	assert.Equal(t, p.PurchaseId, moved.Billings[0].PurchaseId)
}

func TestPurchase_TransportLegsBilledAndUpdated(t *testing.T) {
	ctx, _ := openTestDB(t)

	in := purchaseInput("S1", "INV-1", item("K1", "1", "100"))
	in.LogisticDetails = charge("FastMove", "50")
	in.LocalDetails = &models.NewTransportCharge{TransportCompanyName: "Tuk"} // no charges: skipped
	p, err := models.CreatePurchase(ctx, in)
	require.NoError(t, err)
	require.Len(t, p.Transportations, 1)
	assert.Equal(t, models.TransportTypeLogistic, p.Transportations[0].TransportType)

	ledgers, err := models.GetTransportPayments(ctx, "FastMove", models.TransportTypeLogistic)
	require.NoError(t, err)
	require.Len(t, ledgers, 1)
	require.Len(t, ledgers[0].Billings, 1)
	assert.Equal(t, p.PurchaseId, ledgers[0].Billings[0].BillId)
	requireTotals(t, ledgers[0].LedgerTotals, "50", "0")

	local, err := models.GetTransportPayments(ctx, "Tuk", "")
	require.NoError(t, err)
	assert.Empty(t, local)

	edit := purchaseInput("S1", "INV-1", item("K1", "1", "100"))
	edit.LogisticDetails = charge("FastMove", "70")
	_, err = models.UpdatePurchase(ctx, p.PurchaseId, edit)
	require.NoError(t, err)

	tp, err := models.GetTransportPayment(ctx, ledgers[0].ID)
	require.NoError(t, err)
	require.Len(t, tp.Billings, 1)
	requireTotals(t, tp.LedgerTotals, "70", "0")
}

func TestPurchase_TransportCompanyChangeMovesBilling(t *testing.T) {
	ctx, _ := openTestDB(t)

	in := purchaseInput("S1", "INV-1", item("K1", "1", "100"))
	in.LogisticDetails = charge("FastMove", "50")
	p, err := models.CreatePurchase(ctx, in)
	require.NoError(t, err)

	edit := purchaseInput("S1", "INV-1", item("K1", "1", "100"))
	edit.LogisticDetails = charge("RoadKing", "50")
	_, err = models.UpdatePurchase(ctx, p.PurchaseId, edit)
	require.NoError(t, err)

	old, err := models.GetTransportPayments(ctx, "FastMove", models.TransportTypeLogistic)
	require.NoError(t, err)
	require.Len(t, old, 1)
	assert.Empty(t, old[0].Billings)
	requireTotals(t, old[0].LedgerTotals, "0", "0")

	moved, err := models.GetTransportPayments(ctx, "RoadKing", models.TransportTypeLogistic)
	require.NoError(t, err)
	require.Len(t, moved, 1)
	requireTotals(t, moved[0].LedgerTotals, "50", "0")
}

func TestPurchase_EditCannotTakeAnotherPurchasesTransportBill(t *testing.T) {
	ctx, _ := openTestDB(t)

	first := purchaseInput("S1", "INV-1", item("K1", "1", "100"))
	first.LogisticDetails = charge("Fast", "50")
	first.LogisticDetails.BillId = "T1"
	_, err := models.CreatePurchase(ctx, first)
	require.NoError(t, err)

	second := purchaseInput("S1", "INV-2", item("K1", "1", "100"))
	second.LogisticDetails = charge("Fast", "70")
	second.LogisticDetails.BillId = "T2"
	p2, err := models.CreatePurchase(ctx, second)
	require.NoError(t, err)

	edit := purchaseInput("S1", "INV-2", item("K1", "1", "100"))
	edit.LogisticDetails = charge("Fast", "70")
	edit.LogisticDetails.BillId = "T1"
	_, err = models.UpdatePurchase(ctx, p2.PurchaseId, edit)
	require.Error(t, err)
	assert.True(t, models.IsConflict(err))

	ledgers, err := models.GetTransportPayments(ctx, "Fast", models.TransportTypeLogistic)
	require.NoError(t, err)
	require.Len(t, ledgers, 1)
	bills := map[string]string{}
	for _, b := range ledgers[0].Billings {
		bills[b.BillId] = b.Amount.String()
	}
	assert.Equal(t, map[string]string{"T1": "50", "T2": "70"}, bills)
	requireTotals(t, ledgers[0].LedgerTotals, "120", "0")

	stored, err := models.GetPurchase(ctx, p2.PurchaseId)
	require.NoError(t, err)
	require.Len(t, stored.Transportations, 1)
	assert.Equal(t, "T2", stored.Transportations[0].BillId)

	// moving to a free bill id on the same ledger is fine
	edit.LogisticDetails.BillId = "T3"
	_, err = models.UpdatePurchase(ctx, p2.PurchaseId, edit)
	require.NoError(t, err)
	ledgers, err = models.GetTransportPayments(ctx, "Fast", models.TransportTypeLogistic)
	require.NoError(t, err)
	require.Len(t, ledgers[0].Billings, 2)
	requireTotals(t, ledgers[0].LedgerTotals, "120", "0")
}

func TestPurchase_StockFollowsSumOfClampedDeltas(t *testing.T) {
	ctx, db := openTestDB(t)
	seedProduct(t, db, "K5", "2")

	p, err := models.CreatePurchase(ctx, purchaseInput("S1", "INV-1", item("K5", "10", "1")))
	require.NoError(t, err)
	expected := dec("12")
	require.True(t, stockOf(t, ctx, "K5").Equal(expected))

	applied := dec("10")
	steps := []struct {
		purchaseQty string
		damageQty   string
	}{
		{purchaseQty: "4"},
		{purchaseQty: "7"},
		{damageQty: "8"},
		{purchaseQty: "1"}, // 1 + (1 - 7) floors at zero
		{purchaseQty: "5"},
		{damageQty: "20"},
		{purchaseQty: "12"},
	}
	for i, step := range steps {
		if step.damageQty != "" {
			_, err := models.CreateDamage(ctx, &models.NewDamage{DamagedItems: []models.NewStockItem{stockItem("K5", step.damageQty)}})
			require.NoError(t, err)
			expected = decimal.Max(decimal.Zero, expected.Sub(dec(step.damageQty)))
		} else {
			_, err := models.UpdatePurchase(ctx, p.PurchaseId, purchaseInput("S1", "INV-1", item("K5", step.purchaseQty, "1")))
			require.NoError(t, err)
			qty := dec(step.purchaseQty)
			expected = decimal.Max(decimal.Zero, expected.Add(qty.Sub(applied)))
			applied = qty
		}
		assert.True(t, stockOf(t, ctx, "K5").Equal(expected), "step %d: want %s", i, expected)
	}
	assert.True(t, expected.Equal(dec("7")))
}

func TestPurchase_ConcurrentCreatesOnOneItem(t *testing.T) {
	ctx, db := openTestDB(t)
	seedProduct(t, db, "K5", "0")

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := models.CreatePurchase(ctx, purchaseInput("S1", fmt.Sprintf("INV-%d", i), item("K5", "1", "10")))
			errs[i] = err
			if p != nil {
				ids[i] = p.PurchaseId
			}
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "purchase %d", i)
	}

	assert.True(t, stockOf(t, ctx, "K5").Equal(dec(fmt.Sprint(n))))
	assert.Len(t, utils.UniqueSlice(ids), n)

	sp, err := models.GetSellerPayment(ctx, "S1")
	require.NoError(t, err)
	assert.Len(t, sp.Billings, n)
	requireTotals(t, sp.LedgerTotals, fmt.Sprint(n*10), "0")
}

func TestPurchase_SuppliedIdAtSequenceLimitDoesNotOverflow(t *testing.T) {
	ctx, _ := openTestDB(t)

	in := purchaseInput("S1", "INV-1", item("K1", "1", "1"))
	in.PurchaseId = "KP9223372036854775807"
	p, err := models.CreatePurchase(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "KP9223372036854775807", p.PurchaseId)

	next, err := models.CreatePurchase(ctx, purchaseInput("S1", "INV-2", item("K1", "1", "1")))
	require.NoError(t, err)
	assert.Equal(t, "KP1", next.PurchaseId)
}

func TestPurchase_FailedCreateLeavesNothingBehind(t *testing.T) {
	ctx, db := openTestDB(t)
	seedProduct(t, db, "K5", "2")

	first := purchaseInput("S1", "INV-1", item("K5", "1", "1"))
	first.LogisticDetails = charge("FastMove", "10")
	first.LogisticDetails.BillId = "LB-1"
	_, err := models.CreatePurchase(ctx, first)
	require.NoError(t, err)

	second := purchaseInput("S2", "INV-2", item("K5", "5", "1"), item("NEW-1", "3", "1"))
	second.LogisticDetails = charge("FastMove", "20")
	second.LogisticDetails.BillId = "LB-1"
	_, err = models.CreatePurchase(ctx, second)
	require.Error(t, err)
	assert.True(t, models.IsConflict(err))

	assert.True(t, stockOf(t, ctx, "K5").Equal(dec("3")))
	_, err = models.GetProductByItemId(ctx, "NEW-1")
	assert.True(t, models.IsNotFound(err))
	_, err = models.GetSellerPayment(ctx, "S2")
	assert.True(t, models.IsNotFound(err))

	var purchases int64
	require.NoError(t, db.Model(&models.Purchase{}).Count(&purchases).Error)
	assert.EqualValues(t, 1, purchases)
}

func TestPurchase_ValidationErrors(t *testing.T) {
	ctx, _ := openTestDB(t)

	_, err := models.CreatePurchase(ctx, purchaseInput("S1", "INV-1", item("K1", "0", "1")))
	require.Error(t, err)
	require.True(t, models.IsValidation(err))
	var ve *models.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "items[0].quantity_in_numbers")

	neg := purchaseInput("S1", "INV-1", item("K1", "1", "1"))
	neg.LogisticDetails = charge("FastMove", "-5")
	_, err = models.CreatePurchase(ctx, neg)
	assert.True(t, models.IsValidation(err))

	_, err = models.CreatePurchase(ctx, purchaseInput("", "INV-1", item("K1", "1", "1")))
	assert.True(t, models.IsValidation(err))

	_, err = models.UpdatePurchase(ctx, "KP404", purchaseInput("S1", "INV-1", item("K1", "1", "1")))
	assert.True(t, models.IsNotFound(err))
}

func TestPurchase_DeleteReversesStockOnly(t *testing.T) {
	ctx, db := openTestDB(t)
	seedProduct(t, db, "K5", "2")

	in := purchaseInput("S1", "INV-1", item("K5", "10", "5"))
	in.LogisticDetails = charge("FastMove", "15")
	p, err := models.CreatePurchase(ctx, in)
	require.NoError(t, err)

	require.NoError(t, models.DeletePurchase(ctx, p.PurchaseId))
	assert.True(t, stockOf(t, ctx, "K5").Equal(dec("2")))

	_, err = models.GetPurchase(ctx, p.PurchaseId)
	assert.True(t, models.IsNotFound(err))
	assert.True(t, models.IsNotFound(models.DeletePurchase(ctx, p.PurchaseId)))

	sp, err := models.GetSellerPayment(ctx, "S1")
	require.NoError(t, err)
	requireTotals(t, sp.LedgerTotals, "50", "0")
	ledgers, err := models.GetTransportPayments(ctx, "FastMove", "")
	require.NoError(t, err)
	require.Len(t, ledgers, 1)
	requireTotals(t, ledgers[0].LedgerTotals, "15", "0")
}

func TestPurchase_DeleteRetractsBillingsWhenEnabled(t *testing.T) {
	t.Setenv("RETRACT_LEDGER_ON_DELETE", "true")
	ctx, _ := openTestDB(t)

	in := purchaseInput("S1", "INV-1", item("K5", "10", "5"))
	in.LogisticDetails = charge("FastMove", "15")
	p, err := models.CreatePurchase(ctx, in)
	require.NoError(t, err)

	require.NoError(t, models.DeletePurchase(ctx, p.PurchaseId))
	assert.True(t, stockOf(t, ctx, "K5").IsZero())

	sp, err := models.GetSellerPayment(ctx, "S1")
	require.NoError(t, err)
	assert.Empty(t, sp.Billings)
	requireTotals(t, sp.LedgerTotals, "0", "0")
	ledgers, err := models.GetTransportPayments(ctx, "FastMove", "")
	require.NoError(t, err)
	require.Len(t, ledgers, 1)
	requireTotals(t, ledgers[0].LedgerTotals, "0", "0")
}

func TestPurchase_OutboxEventWrittenWithMutation(t *testing.T) {
	t.Setenv("LEDGER_OUTBOX_ENABLED", "true")
	ctx, _ := openTestDB(t)

	p, err := models.CreatePurchase(ctx, purchaseInput("S1", "INV-1", item("K1", "1", "1")))
	require.NoError(t, err)
	require.NoError(t, models.DeletePurchase(ctx, p.PurchaseId))

	events, err := models.ListLedgerEvents(ctx, "purchase", p.PurchaseId)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.LedgerEventPurchaseCreated, events[0].EventType)
	assert.Equal(t, models.LedgerEventPurchaseDeleted, events[1].EventType)
	assert.Equal(t, models.OutboxPublishStatusPending, events[0].PublishStatus)
}
