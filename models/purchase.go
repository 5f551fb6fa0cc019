package models

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/purchases_backend/config"
	"github.com/mmdatafocus/purchases_backend/utils"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Purchase is one seller invoice. It is edited in place; deleting it reverses its stock.
type Purchase struct {
	ID                  int              `gorm:"primary_key" json:"id"`
	PurchaseId          string           `gorm:"size:50;uniqueIndex;not null" json:"purchase_id"`
	InvoiceNo           string           `gorm:"size:100;index:idx_seller_invoice" json:"invoice_no"`
	SellerId            string           `gorm:"size:100;not null;index:idx_seller_invoice" json:"seller_id"`
	SellerName          string           `gorm:"size:255" json:"seller_name"`
	BillingDate         time.Time        `json:"billing_date"`
	Items               []PurchaseItem   `gorm:"foreignKey:PurchaseRecordId" json:"items"`
	Transportations     []Transportation `gorm:"foreignKey:PurchaseId;references:PurchaseId" json:"transportations"`
	TotalPurchaseAmount decimal.Decimal  `gorm:"type:decimal(20,4);not null;default:0" json:"total_purchase_amount"`
	SubmittedBy         string           `gorm:"size:100" json:"submitted_by"`
	CreatedAt           time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

type PurchaseItem struct {
	ID                  int               `gorm:"primary_key" json:"id"`
	PurchaseRecordId    int               `gorm:"index;not null" json:"-"`
	Position            int               `gorm:"not null;default:0" json:"position"`
	ItemId              string            `gorm:"size:100;not null;index" json:"item_id"`
	Name                string            `gorm:"size:255" json:"name"`
	Brand               string            `gorm:"size:100" json:"brand"`
	Category            string            `gorm:"size:100" json:"category"`
	Unit                string            `gorm:"size:50" json:"unit"`
	QuantityInNumbers   decimal.Decimal   `gorm:"type:decimal(20,4);not null;default:0" json:"quantity_in_numbers"`
	PriceInNumbers      decimal.Decimal   `gorm:"type:decimal(20,4);not null;default:0" json:"price_in_numbers"`
	TotalPriceInNumbers decimal.Decimal   `gorm:"type:decimal(20,4);not null;default:0" json:"total_price_in_numbers"`
	Extra               map[string]string `gorm:"type:text;serializer:json" json:"extra"`
	CreatedAt           time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewPurchaseItem struct {
	ItemId              string            `json:"item_id" validate:"required,max=100"`
	Name                string            `json:"name" validate:"max=255"`
	Brand               string            `json:"brand" validate:"max=100"`
	Category            string            `json:"category" validate:"max=100"`
	Unit                string            `json:"unit" validate:"max=50"`
	Description         string            `json:"description"`
	Image               string            `json:"image" validate:"max=255"`
	QuantityInNumbers   decimal.Decimal   `json:"quantity_in_numbers"`
	PriceInNumbers      decimal.Decimal   `json:"price_in_numbers"`
	TotalPriceInNumbers decimal.Decimal   `json:"total_price_in_numbers"`
	Extra               map[string]string `json:"extra"`
}

type PurchaseTotals struct {
	TotalPurchaseAmount decimal.Decimal `json:"total_purchase_amount"`
}

type NewPurchase struct {
	PurchaseId      string              `json:"purchase_id" validate:"max=50"`
	SellerId        string              `json:"seller_id" validate:"required,max=100"`
	SellerName      string              `json:"seller_name" validate:"max=255"`
	InvoiceNo       string              `json:"invoice_no" validate:"required,max=100"`
	BillingDate     *time.Time          `json:"billing_date"`
	Items           []NewPurchaseItem   `json:"items" validate:"required,min=1,dive"`
	Totals          PurchaseTotals      `json:"totals"`
	LogisticDetails *NewTransportCharge `json:"logistic_details"`
	LocalDetails    *NewTransportCharge `json:"local_details"`
	SubmittedBy     string              `json:"submitted_by"`
}

// normalize trims identifiers and fills derived amounts: a missing line total is quantity times price,
// a missing purchase total is the sum of line totals.
func (input *NewPurchase) normalize() {
	input.SellerId = strings.TrimSpace(input.SellerId)
	input.InvoiceNo = strings.TrimSpace(input.InvoiceNo)
	input.PurchaseId = strings.TrimSpace(input.PurchaseId)
	sum := decimal.Zero
	for i := range input.Items {
		item := &input.Items[i]
		item.ItemId = strings.TrimSpace(item.ItemId)
		if item.TotalPriceInNumbers.IsZero() {
			item.TotalPriceInNumbers = item.QuantityInNumbers.Mul(item.PriceInNumbers)
		}
		sum = sum.Add(item.TotalPriceInNumbers)
	}
	if input.Totals.TotalPurchaseAmount.IsZero() {
		input.Totals.TotalPurchaseAmount = sum
	}
}

func (input *NewPurchase) validate() error {
	if err := validateInput(input); err != nil {
		return err
	}
	fields := map[string]string{}
	for i, item := range input.Items {
		if !item.QuantityInNumbers.IsPositive() {
			fields[fmt.Sprintf("items[%d].quantity_in_numbers", i)] = "gt=0"
		}
		if item.PriceInNumbers.IsNegative() {
			fields[fmt.Sprintf("items[%d].price_in_numbers", i)] = "gte=0"
		}
	}
	if input.Totals.TotalPurchaseAmount.IsNegative() {
		fields["totals.total_purchase_amount"] = "gte=0"
	}
	for _, leg := range transportLegs(input) {
		if leg.charge.present() && leg.charge.TransportationCharges.IsNegative() {
			fields[string(leg.transportType)+"_details.transportation_charges"] = "gte=0"
		}
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func (item NewPurchaseItem) seed() *Product {
	return &Product{
		ItemId:      item.ItemId,
		Name:        item.Name,
		Brand:       item.Brand,
		Category:    item.Category,
		Description: item.Description,
		Image:       item.Image,
		Unit:        item.Unit,
		Price:       item.PriceInNumbers,
		Attributes:  item.Extra,
	}
}

func purchaseItemLines(items []PurchaseItem) []stockLine {
	lines := make([]stockLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, stockLine{ItemId: item.ItemId, Quantity: item.QuantityInNumbers})
	}
	return lines
}

func newPurchaseLines(items []NewPurchaseItem) []stockLine {
	lines := make([]stockLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, stockLine{ItemId: item.ItemId, Quantity: item.QuantityInNumbers, Seed: item.seed()})
	}
	return lines
}

func buildPurchaseItems(items []NewPurchaseItem) []PurchaseItem {
	result := make([]PurchaseItem, 0, len(items))
	for i, item := range items {
		result = append(result, PurchaseItem{
			Position:            i,
			ItemId:              item.ItemId,
			Name:                strings.TrimSpace(item.Name),
			Brand:               strings.TrimSpace(item.Brand),
			Category:            strings.TrimSpace(item.Category),
			Unit:                strings.TrimSpace(item.Unit),
			QuantityInNumbers:   item.QuantityInNumbers,
			PriceInNumbers:      item.PriceInNumbers,
			TotalPriceInNumbers: item.TotalPriceInNumbers,
			Extra:               item.Extra,
		})
	}
	return result
}

// applyHeader overwrites the purchase's fields from the submission.
func (p *Purchase) applyHeader(ctx context.Context, input *NewPurchase) {
	p.InvoiceNo = input.InvoiceNo
	p.SellerId = input.SellerId
	p.SellerName = strings.TrimSpace(input.SellerName)
	p.BillingDate = utils.DateOrNow(input.BillingDate)
	p.TotalPurchaseAmount = input.Totals.TotalPurchaseAmount
	p.SubmittedBy = utils.DefaultString(input.SubmittedBy, submittedBy(ctx))
}

func (p *Purchase) sellerBilling() SellerBilling {
	return SellerBilling{
		PurchaseId: p.PurchaseId,
		InvoiceNo:  p.InvoiceNo,
		Amount:     p.TotalPurchaseAmount,
		Date:       p.BillingDate,
	}
}

func (p *Purchase) writeItems(tx *gorm.DB, items []PurchaseItem) error {
	for i := range items {
		items[i].PurchaseRecordId = p.ID
	}
	if err := replaceChildRows(tx, "purchase_record_id", p.ID, items, func(item *PurchaseItem) int { return item.ID }); err != nil {
		return translateDBError("purchase item", p.PurchaseId, err)
	}
	p.Items = items
	return nil
}

// billSeller records the purchase total on the seller's ledger, replacing an earlier billing of the same purchase.
func billSeller(tx *gorm.DB, p *Purchase) error {
	sp, err := loadSellerPayment(tx, p.SellerId, p.SellerName, true)
	if err != nil {
		return err
	}
	sp.upsertBilling(p.sellerBilling())
	return sp.save(tx)
}

// retractSellerBilling removes the purchase's billing from a seller ledger. A missing ledger is ignored.
func retractSellerBilling(tx *gorm.DB, sellerId string, purchaseId string) error {
	sp, err := loadSellerPayment(tx, sellerId, "", false)
	if IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if !sp.removeBilling(purchaseId) {
		return nil
	}
	return sp.save(tx)
}

func purchaseLockKeys(input *NewPurchase) []string {
	keys := []string{utils.SellerLockKey(input.SellerId)}
	keys = append(keys, stockLockKeys(newPurchaseLines(input.Items))...)
	return append(keys, transportLockKeys(input)...)
}

// existingLockKeys covers what the stored purchase touches: its seller, items and transport ledgers.
func (p *Purchase) existingLockKeys() []string {
	keys := []string{utils.PurchaseLockKey(p.PurchaseId), utils.SellerLockKey(p.SellerId)}
	keys = append(keys, stockLockKeys(purchaseItemLines(p.Items))...)
	for _, t := range p.Transportations {
		keys = append(keys, utils.TransportLockKey(t.TransportCompanyName, string(t.TransportType)))
	}
	return keys
}

func loadPurchaseForUpdate(tx *gorm.DB, purchaseId string) (*Purchase, error) {
	var p Purchase
	err := forUpdate(tx).
		Preload("Items", func(q *gorm.DB) *gorm.DB { return q.Order("position, id") }).
		Preload("Transportations", func(q *gorm.DB) *gorm.DB { return q.Order("id") }).
		Where("purchase_id = ?", purchaseId).
		First(&p).Error
	if err != nil {
		return nil, translateDBError("purchase", purchaseId, err)
	}
	return &p, nil
}

// CreatePurchase records a new seller invoice: stock is added per item, each present transport leg
// is billed on its company's ledger and the purchase total is billed on the seller's ledger.
// Returns the stored purchase with its resolved purchaseId.
func CreatePurchase(ctx context.Context, input *NewPurchase) (*Purchase, error) {
	ctx, span := tracer.Start(ctx, "CreatePurchase")
	defer span.End()
	logger := config.GetLogger()

	if input == nil {
		return nil, newValidationError("input", "required")
	}
	input.normalize()
	if err := input.validate(); err != nil {
		return nil, err
	}

	keys := append(purchaseLockKeys(input), utils.SequenceLockKey(purchaseIdPrefix))
	if input.PurchaseId != "" {
		keys = append(keys, utils.PurchaseLockKey(input.PurchaseId))
	}
	release, err := lockEntities(ctx, "CreatePurchase", keys...)
	if err != nil {
		return nil, err
	}
	defer release()

	var purchaseId string
	err = runInTx(ctx, func(tx *gorm.DB) error {
		id, err := resolvePurchaseId(tx, input.PurchaseId, input.SellerId, input.InvoiceNo)
		if err != nil {
			return err
		}
		purchaseId = id

		changes, err := planStock(tx, aggregateStockLines(newPurchaseLines(input.Items)), true, false)
		if err != nil {
			return err
		}

		purchase := Purchase{PurchaseId: id}
		purchase.applyHeader(ctx, input)

		if err := applyStockChanges(tx, changes); err != nil {
			return err
		}
		if err := tx.Omit(clause.Associations).Create(&purchase).Error; err != nil {
			return translateDBError("purchase", id, err)
		}
		if err := purchase.writeItems(tx, buildPurchaseItems(input.Items)); err != nil {
			return err
		}
		for _, leg := range transportLegs(input) {
			if err := reconcileTransport(tx, &purchase, leg.transportType, leg.charge); err != nil {
				return err
			}
		}
		if err := billSeller(tx, &purchase); err != nil {
			return err
		}
		return recordLedgerEvent(ctx, tx, LedgerEventPurchaseCreated, "purchase", id, &purchase)
	})
	if err != nil {
		config.LogError(logger, "Purchase", "CreatePurchase", "reconcile", input, err)
		failSpan(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("purchase_id", purchaseId))
	return GetPurchase(ctx, purchaseId)
}

// UpdatePurchase overwrites a purchase in place. Stock moves by new minus old quantity per item
// and the seller and transport billings of the purchase are updated rather than appended.
func UpdatePurchase(ctx context.Context, purchaseId string, input *NewPurchase) (*Purchase, error) {
	ctx, span := tracer.Start(ctx, "UpdatePurchase")
	defer span.End()
	logger := config.GetLogger()

	if input == nil {
		return nil, newValidationError("input", "required")
	}
	purchaseId = strings.TrimSpace(purchaseId)
	input.normalize()
	if err := input.validate(); err != nil {
		return nil, err
	}

	current, err := GetPurchase(ctx, purchaseId)
	if err != nil {
		return nil, err
	}
	keys := append(current.existingLockKeys(), purchaseLockKeys(input)...)
	release, err := lockEntities(ctx, "UpdatePurchase", keys...)
	if err != nil {
		return nil, err
	}
	defer release()

	err = runInTx(ctx, func(tx *gorm.DB) error {
		purchase, err := loadPurchaseForUpdate(tx, purchaseId)
		if err != nil {
			return err
		}
		oldSeller := purchase.SellerId

		deltas := stockDeltas(purchaseItemLines(purchase.Items), newPurchaseLines(input.Items))
		changes, err := planStock(tx, deltas, true, true)
		if err != nil {
			return err
		}

		purchase.applyHeader(ctx, input)

		if err := applyStockChanges(tx, changes); err != nil {
			return err
		}
		if err := tx.Omit(clause.Associations).Save(purchase).Error; err != nil {
			return translateDBError("purchase", purchaseId, err)
		}
		if err := purchase.writeItems(tx, buildPurchaseItems(input.Items)); err != nil {
			return err
		}
		for _, leg := range transportLegs(input) {
			if err := reconcileTransport(tx, purchase, leg.transportType, leg.charge); err != nil {
				return err
			}
		}
		if oldSeller != purchase.SellerId {
			if err := retractSellerBilling(tx, oldSeller, purchaseId); err != nil {
				return err
			}
		}
		if err := billSeller(tx, purchase); err != nil {
			return err
		}
		return recordLedgerEvent(ctx, tx, LedgerEventPurchaseUpdated, "purchase", purchaseId, purchase)
	})
	if err != nil {
		config.LogError(logger, "Purchase", "UpdatePurchase", "reconcile", purchaseId, err)
		failSpan(span, err)
		return nil, err
	}
	return GetPurchase(ctx, purchaseId)
}

// DeletePurchase takes the purchase's quantities back out of stock and deletes it.
// Products deleted since are skipped. Billings are retracted only when RETRACT_LEDGER_ON_DELETE is set;
// payments and account mirrors always stay.
func DeletePurchase(ctx context.Context, purchaseId string) error {
	ctx, span := tracer.Start(ctx, "DeletePurchase")
	defer span.End()
	logger := config.GetLogger()

	purchaseId = strings.TrimSpace(purchaseId)
	current, err := GetPurchase(ctx, purchaseId)
	if err != nil {
		return err
	}
	release, err := lockEntities(ctx, "DeletePurchase", current.existingLockKeys()...)
	if err != nil {
		return err
	}
	defer release()

	retract := config.RetractLedgerOnDelete()
	err = runInTx(ctx, func(tx *gorm.DB) error {
		purchase, err := loadPurchaseForUpdate(tx, purchaseId)
		if err != nil {
			return err
		}
		changes, err := planStock(tx, negateStockLines(purchaseItemLines(purchase.Items)), false, true)
		if err != nil {
			return err
		}
		if err := applyStockChanges(tx, changes); err != nil {
			return err
		}
		if err := deleteTransportations(tx, purchaseId, retract); err != nil {
			return err
		}
		if retract {
			if err := retractSellerBilling(tx, purchase.SellerId, purchaseId); err != nil {
				return err
			}
		}
		if err := tx.Where("purchase_record_id = ?", purchase.ID).Delete(&PurchaseItem{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(purchase).Error; err != nil {
			return err
		}
		return recordLedgerEvent(ctx, tx, LedgerEventPurchaseDeleted, "purchase", purchaseId, purchase)
	})
	if err != nil {
		config.LogError(logger, "Purchase", "DeletePurchase", "reverse", purchaseId, err)
		failSpan(span, err)
		return err
	}
	return nil
}

func GetPurchase(ctx context.Context, purchaseId string) (*Purchase, error) {
	db, err := readDB(ctx)
	if err != nil {
		return nil, err
	}
	var p Purchase
	err = db.Preload("Items", func(q *gorm.DB) *gorm.DB { return q.Order("position, id") }).
		Preload("Transportations", func(q *gorm.DB) *gorm.DB { return q.Order("id") }).
		Where("purchase_id = ?", strings.TrimSpace(purchaseId)).
		First(&p).Error
	if err != nil {
		return nil, translateDBError("purchase", purchaseId, err)
	}
	return &p, nil
}

// ListPurchases returns purchases newest first, optionally for one seller.
func ListPurchases(ctx context.Context, sellerId string) ([]Purchase, error) {
	db, err := readDB(ctx)
	if err != nil {
		return nil, err
	}
	q := db.Preload("Items", func(q *gorm.DB) *gorm.DB { return q.Order("position, id") }).
		Preload("Transportations").
		Order("created_at DESC, id DESC")
	if sellerId = strings.TrimSpace(sellerId); sellerId != "" {
		q = q.Where("seller_id = ?", sellerId)
	}
	var purchases []Purchase
	if err := q.Find(&purchases).Error; err != nil {
		return nil, err
	}
	return purchases, nil
}
