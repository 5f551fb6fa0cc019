package models

import (
	"errors"
	"strings"
	"time"

	"github.com/mmdatafocus/purchases_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Transportation is the transport leg of one purchase, one per (purchase, type).
type Transportation struct {
	ID                    int             `gorm:"primary_key" json:"id"`
	PurchaseId            string          `gorm:"size:50;not null;uniqueIndex:uniq_purchase_transport" json:"purchase_id"`
	TransportType         TransportType   `gorm:"size:50;not null;uniqueIndex:uniq_purchase_transport" json:"transport_type"`
	TransportCompanyName  string          `gorm:"size:255;not null" json:"transport_company_name"`
	TransportationCharges decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"transportation_charges"`
	BillId                string          `gorm:"size:100" json:"bill_id"`
	InvoiceNo             string          `gorm:"size:100" json:"invoice_no"`
	CompanyGst            string          `gorm:"size:50" json:"company_gst"`
	Remarks               string          `gorm:"size:255" json:"remarks"`
	OtherDetails          string          `gorm:"type:text" json:"other_details"`
	BillingDate           time.Time       `json:"billing_date"`
	CreatedAt             time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// NewTransportCharge is the optional logistic or local part of a purchase submission.
type NewTransportCharge struct {
	TransportCompanyName  string           `json:"transport_company_name" validate:"max=255"`
	TransportationCharges *decimal.Decimal `json:"transportation_charges"`
	BillId                string           `json:"bill_id" validate:"max=100"`
	InvoiceNo             string           `json:"invoice_no" validate:"max=100"`
	CompanyGst            string           `json:"company_gst" validate:"max=50"`
	Remarks               string           `json:"remarks" validate:"max=255"`
	OtherDetails          string           `json:"other_details"`
	BillingDate           *time.Time       `json:"billing_date"`
}

// present reports whether the leg carries the fields it needs to be billed.
// Legs without a company name or charges are skipped, not rejected.
func (c *NewTransportCharge) present() bool {
	return c != nil && strings.TrimSpace(c.TransportCompanyName) != "" && c.TransportationCharges != nil
}

func (c *NewTransportCharge) companyName() string {
	return strings.TrimSpace(c.TransportCompanyName)
}

// transportLegs pairs each transport type with its payload, in a fixed order.
func transportLegs(input *NewPurchase) []struct {
	transportType TransportType
	charge        *NewTransportCharge
} {
	return []struct {
		transportType TransportType
		charge        *NewTransportCharge
	}{
		{TransportTypeLogistic, input.LogisticDetails},
		{TransportTypeLocal, input.LocalDetails},
	}
}

func transportLockKeys(input *NewPurchase) []string {
	var keys []string
	for _, leg := range transportLegs(input) {
		if leg.charge.present() {
			keys = append(keys, utils.TransportLockKey(leg.charge.companyName(), string(leg.transportType)))
		}
	}
	return keys
}

func loadTransportation(tx *gorm.DB, purchaseId string, transportType TransportType) (*Transportation, error) {
	var t Transportation
	err := forUpdate(tx).Where("purchase_id = ? AND transport_type = ?", purchaseId, transportType).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, translateDBError("transportation", purchaseId+"|"+string(transportType), err)
	}
	return &t, nil
}

// reconcileTransport upserts the purchase's transportation record of one type and bills the charge
// on the company's ledger. Only the billing this leg already owns (same company and billId) is
// updated in place; any other billId already on the ledger belongs to someone else and is a conflict.
// When the company or billId moved, the old billing is removed from the ledger that carried it.
func reconcileTransport(tx *gorm.DB, purchase *Purchase, transportType TransportType, charge *NewTransportCharge) error {
	if !charge.present() {
		return nil
	}
	name := charge.companyName()
	billId := utils.DefaultString(charge.BillId, purchase.PurchaseId)

	existing, err := loadTransportation(tx, purchase.PurchaseId, transportType)
	if err != nil {
		return err
	}

	ledger, err := loadTransportPayment(tx, name, transportType, charge.CompanyGst, true)
	if err != nil {
		return err
	}
	owned := existing != nil && existing.TransportCompanyName == name && existing.BillId == billId
	if !owned && ledger.findBilling(billId) >= 0 {
		return &ConflictError{Entity: "transport billing " + ledger.key(), Key: billId, Reason: "bill already recorded"}
	}
	if existing != nil && !owned {
		if existing.TransportCompanyName == name {
			ledger.removeBilling(existing.BillId)
		} else if err := retractTransportBilling(tx, existing); err != nil {
			return err
		}
	}

	date := purchase.BillingDate
	if charge.BillingDate != nil && !charge.BillingDate.IsZero() {
		date = *charge.BillingDate
	}
	billing := TransportBilling{
		BillId:    billId,
		InvoiceNo: utils.DefaultString(charge.InvoiceNo, purchase.InvoiceNo),
		Amount:    *charge.TransportationCharges,
		Date:      date,
	}
	ledger.upsertBilling(billing)
	if err := ledger.save(tx, false); err != nil {
		return err
	}

	record := existing
	if record == nil {
		record = &Transportation{PurchaseId: purchase.PurchaseId, TransportType: transportType}
	}
	record.TransportCompanyName = name
	record.TransportationCharges = *charge.TransportationCharges
	record.BillId = billId
	record.InvoiceNo = strings.TrimSpace(charge.InvoiceNo)
	record.CompanyGst = strings.TrimSpace(charge.CompanyGst)
	record.Remarks = charge.Remarks
	record.OtherDetails = charge.OtherDetails
	record.BillingDate = date
	if err := tx.Save(record).Error; err != nil {
		return translateDBError("transportation", purchase.PurchaseId+"|"+string(transportType), err)
	}
	return nil
}

// retractTransportBilling removes the leg's billing from its ledger. A ledger that no longer exists is ignored.
func retractTransportBilling(tx *gorm.DB, t *Transportation) error {
	ledger, err := loadTransportPayment(tx, t.TransportCompanyName, t.TransportType, "", false)
	if IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if !ledger.removeBilling(t.BillId) {
		return nil
	}
	return ledger.save(tx, false)
}

// deleteTransportations drops every transport leg of a purchase, retracting billings when asked.
func deleteTransportations(tx *gorm.DB, purchaseId string, retract bool) error {
	var legs []Transportation
	if err := forUpdate(tx).Where("purchase_id = ?", purchaseId).Order("id").Find(&legs).Error; err != nil {
		return err
	}
	for i := range legs {
		if retract {
			if err := retractTransportBilling(tx, &legs[i]); err != nil {
				return err
			}
		}
	}
	return tx.Where("purchase_id = ?", purchaseId).Delete(&Transportation{}).Error
}
