package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// SellerPayment is the billing ledger of one seller: one billing per purchase.
type SellerPayment struct {
	ID         int             `gorm:"primary_key" json:"id"`
	SellerId   string          `gorm:"size:100;uniqueIndex;not null" json:"seller_id"`
	SellerName string          `gorm:"size:255" json:"seller_name"`
	Billings   []SellerBilling `gorm:"foreignKey:SellerPaymentId" json:"billings"`
	LedgerTotals
	Version   int       `gorm:"not null;default:1" json:"version"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type SellerBilling struct {
	ID              int             `gorm:"primary_key" json:"id"`
	SellerPaymentId int             `gorm:"index;not null" json:"seller_payment_id"`
	PurchaseId      string          `gorm:"size:50;index;not null" json:"purchase_id"`
	InvoiceNo       string          `gorm:"size:100" json:"invoice_no"`
	Amount          decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"amount"`
	Date            time.Time       `json:"date"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (b SellerBilling) EntryAmount() decimal.Decimal { return b.Amount }

func (sp *SellerPayment) GetVersion() int  { return sp.Version }
func (sp *SellerPayment) SetVersion(v int) { sp.Version = v }

// loadSellerPayment locks the seller's ledger. With create set, a missing ledger is created empty.
func loadSellerPayment(tx *gorm.DB, sellerId string, sellerName string, create bool) (*SellerPayment, error) {
	var sp SellerPayment
	err := forUpdate(tx).Preload("Billings").Where("seller_id = ?", sellerId).First(&sp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) && create {
		sp = SellerPayment{
			SellerId:     sellerId,
			SellerName:   strings.TrimSpace(sellerName),
			LedgerTotals: newLedgerTotals(decimal.Zero, decimal.Zero),
			Version:      1,
		}
		if err := tx.Create(&sp).Error; err != nil {
			return nil, translateDBError("seller payment", sellerId, err)
		}
		return &sp, nil
	}
	if err != nil {
		return nil, translateDBError("seller payment", sellerId, err)
	}
	if name := strings.TrimSpace(sellerName); name != "" {
		sp.SellerName = name
	}
	return &sp, nil
}

// upsertBilling replaces the billing of the same purchase or appends a new one.
func (sp *SellerPayment) upsertBilling(billing SellerBilling) {
	for i := range sp.Billings {
		if sp.Billings[i].PurchaseId == billing.PurchaseId {
			sp.Billings[i].InvoiceNo = billing.InvoiceNo
			sp.Billings[i].Amount = billing.Amount
			sp.Billings[i].Date = billing.Date
			return
		}
	}
	billing.SellerPaymentId = sp.ID
	sp.Billings = append(sp.Billings, billing)
}

// removeBilling drops the purchase's billing and reports whether one existed.
func (sp *SellerPayment) removeBilling(purchaseId string) bool {
	for i := range sp.Billings {
		if sp.Billings[i].PurchaseId == purchaseId {
			sp.Billings = append(sp.Billings[:i], sp.Billings[i+1:]...)
			return true
		}
	}
	return false
}

// recompute derives billed from entries and remaining from billed and paid.
// Seller payments are settled outside this service, so the stored paid total is kept.
func (sp *SellerPayment) recompute() {
	sp.LedgerTotals = newLedgerTotals(sumEntries(sp.Billings), sp.TotalAmountPaid)
}

// save writes the billing rows and header, then re-reads both to verify the totals.
func (sp *SellerPayment) save(tx *gorm.DB) error {
	sp.recompute()
	if err := replaceChildRows(tx, "seller_payment_id", sp.ID, sp.Billings, func(b *SellerBilling) int { return b.ID }); err != nil {
		return translateDBError("seller billing", sp.SellerId, err)
	}
	if err := saveVersioned(tx, "seller payment", sp.SellerId, sp, append([]string{"seller_name"}, ledgerTotalColumns...)...); err != nil {
		return err
	}
	return verifySellerPayment(tx, sp.ID)
}

func verifySellerPayment(tx *gorm.DB, id int) error {
	var stored SellerPayment
	if err := tx.Preload("Billings").First(&stored, id).Error; err != nil {
		return translateDBError("seller payment", "", err)
	}
	return alertInvariant("verifySellerPayment",
		checkLedgerTotals("seller payment", stored.SellerId, stored.LedgerTotals, sumEntries(stored.Billings), nil))
}

func GetSellerPayment(ctx context.Context, sellerId string) (*SellerPayment, error) {
	db, err := readDB(ctx)
	if err != nil {
		return nil, err
	}
	var sp SellerPayment
	err = db.Preload("Billings", func(q *gorm.DB) *gorm.DB { return q.Order("id") }).
		Where("seller_id = ?", strings.TrimSpace(sellerId)).
		First(&sp).Error
	if err != nil {
		return nil, translateDBError("seller payment", sellerId, err)
	}
	return &sp, nil
}
