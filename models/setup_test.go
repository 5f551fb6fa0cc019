package models_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/mmdatafocus/purchases_backend/config"
	"github.com/mmdatafocus/purchases_backend/models"
	"github.com/mmdatafocus/purchases_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// openTestDB installs a private in-memory database as the global connection.
// Redis is never connected, so entity locks fall back to row locks.
func openTestDB(t *testing.T) (context.Context, *gorm.DB) {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), config.GormConfig())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, models.AutoMigrate(db))

	previous := config.GetDB()
	config.SetDB(db)
	t.Cleanup(func() {
		config.SetDB(previous)
		_ = sqlDB.Close()
	})

	ctx := utils.SetUserIdInContext(context.Background(), "7")
	ctx = utils.SetUserNameInContext(ctx, "tester")
	return ctx, db
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seedProduct(t *testing.T, db *gorm.DB, itemId string, count string) {
	t.Helper()
	require.NoError(t, db.Create(&models.Product{ItemId: itemId, Name: itemId, CountInStock: dec(count), Version: 1}).Error)
}

func seedAccounts(t *testing.T, ctx context.Context, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := models.CreatePaymentsAccount(ctx, &models.NewPaymentsAccount{AccountId: id, AccountName: id})
		require.NoError(t, err)
	}
}

func stockOf(t *testing.T, ctx context.Context, itemId string) decimal.Decimal {
	t.Helper()
	p, err := models.GetProductByItemId(ctx, itemId)
	require.NoError(t, err)
	return p.CountInStock
}

func purchaseInput(sellerId string, invoiceNo string, items ...models.NewPurchaseItem) *models.NewPurchase {
	return &models.NewPurchase{
		SellerId:   sellerId,
		SellerName: "Seller " + sellerId,
		InvoiceNo:  invoiceNo,
		Items:      items,
	}
}

func item(itemId string, qty string, price string) models.NewPurchaseItem {
	return models.NewPurchaseItem{
		ItemId:            itemId,
		Name:              "Item " + itemId,
		QuantityInNumbers: dec(qty),
		PriceInNumbers:    dec(price),
	}
}

func charge(company string, amount string) *models.NewTransportCharge {
	a := dec(amount)
	return &models.NewTransportCharge{TransportCompanyName: company, TransportationCharges: &a}
}

func mirrorRefs(t *testing.T, ctx context.Context, accountId string) []string {
	t.Helper()
	acc, err := models.GetPaymentsAccount(ctx, accountId)
	require.NoError(t, err)
	refs := make([]string, 0, len(acc.PaymentsOut))
	for _, m := range acc.PaymentsOut {
		refs = append(refs, m.ReferenceId)
	}
	return refs
}

func requireTotals(t *testing.T, totals models.LedgerTotals, billed string, paid string) {
	t.Helper()
	require.True(t, totals.TotalAmountBilled.Equal(dec(billed)), "billed: %s", totals.TotalAmountBilled)
	require.True(t, totals.TotalAmountPaid.Equal(dec(paid)), "paid: %s", totals.TotalAmountPaid)
	require.True(t, totals.PaymentRemaining.Equal(dec(billed).Sub(dec(paid))), "remaining: %s", totals.PaymentRemaining)
}
