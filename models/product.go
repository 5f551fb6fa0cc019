package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mmdatafocus/purchases_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Product struct {
	ID           int               `gorm:"primary_key" json:"id"`
	ItemId       string            `gorm:"size:100;uniqueIndex;not null" json:"item_id"`
	Name         string            `gorm:"size:255" json:"name"`
	Brand        string            `gorm:"size:100" json:"brand"`
	Category     string            `gorm:"size:100;index" json:"category"`
	Description  string            `gorm:"type:text" json:"description"`
	Image        string            `gorm:"size:255" json:"image"`
	Unit         string            `gorm:"size:50" json:"unit"`
	Price        decimal.Decimal   `gorm:"type:decimal(20,4);not null;default:0" json:"price"`
	CountInStock decimal.Decimal   `gorm:"type:decimal(20,4);not null;default:0" json:"count_in_stock"`
	Attributes   map[string]string `gorm:"type:text;serializer:json" json:"attributes"`
	Version      int               `gorm:"not null;default:1" json:"version"`
	CreatedAt    time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

func (p *Product) GetVersion() int  { return p.Version }
func (p *Product) SetVersion(v int) { p.Version = v }

var productColumns = []string{"name", "brand", "category", "description", "image", "unit", "price", "count_in_stock", "attributes"}

// stockChange is a planned delta on one product, computed from its locked row.
type stockChange struct {
	product *Product
	isNew   bool
	delta   decimal.Decimal
}

// clampStock keeps on-hand counts non-negative: oversold stock floors at zero.
func clampStock(count decimal.Decimal) decimal.Decimal {
	if count.IsNegative() {
		return decimal.Zero
	}
	return count
}

// mergeDescriptive overwrites descriptive fields that seed carries and merges its attributes.
func (p *Product) mergeDescriptive(seed *Product) {
	if seed == nil {
		return
	}
	if v := strings.TrimSpace(seed.Name); v != "" {
		p.Name = v
	}
	if v := strings.TrimSpace(seed.Brand); v != "" {
		p.Brand = v
	}
	if v := strings.TrimSpace(seed.Category); v != "" {
		p.Category = v
	}
	if v := strings.TrimSpace(seed.Description); v != "" {
		p.Description = v
	}
	if v := strings.TrimSpace(seed.Image); v != "" {
		p.Image = v
	}
	if v := strings.TrimSpace(seed.Unit); v != "" {
		p.Unit = v
	}
	if seed.Price.IsPositive() {
		p.Price = seed.Price
	}
	if len(seed.Attributes) > 0 {
		if p.Attributes == nil {
			p.Attributes = make(map[string]string, len(seed.Attributes))
		}
		for k, v := range seed.Attributes {
			p.Attributes[k] = v
		}
	}
}

// planStockDelta locks the product row and computes its new count.
// A missing product is created from seed only when createMissing is set and delta is positive.
func planStockDelta(tx *gorm.DB, itemId string, delta decimal.Decimal, seed *Product, createMissing bool) (*stockChange, error) {
	var product Product
	err := forUpdate(tx).Where("item_id = ?", itemId).First(&product).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if !createMissing || !delta.IsPositive() {
			return nil, &NotFoundError{Entity: "product", Key: itemId}
		}
		product = Product{ItemId: itemId}
		product.mergeDescriptive(seed)
		product.CountInStock = delta
		product.Version = 1
		return &stockChange{product: &product, isNew: true, delta: delta}, nil
	}
	if err != nil {
		return nil, translateDBError("product", itemId, err)
	}
	product.mergeDescriptive(seed)
	product.CountInStock = clampStock(product.CountInStock.Add(delta))
	return &stockChange{product: &product, delta: delta}, nil
}

func (c *stockChange) apply(tx *gorm.DB) error {
	if c.isNew {
		if err := tx.Create(c.product).Error; err != nil {
			return translateDBError("product", c.product.ItemId, err)
		}
		return nil
	}
	return saveVersioned(tx, "product", c.product.ItemId, c.product, productColumns...)
}

// ApplyStockDelta adds a signed quantity to a product's on-hand count, clamped at zero.
// A missing product is created from seed when delta is positive; otherwise NotFoundError.
func ApplyStockDelta(tx *gorm.DB, itemId string, delta decimal.Decimal, seed *Product) (*Product, error) {
	change, err := planStockDelta(tx, itemId, delta, seed, true)
	if err != nil {
		return nil, err
	}
	if err := change.apply(tx); err != nil {
		return nil, err
	}
	return change.product, nil
}

// stockLine is one item quantity carried by a purchase, return or damage document.
type stockLine struct {
	ItemId   string
	Quantity decimal.Decimal
	Seed     *Product
}

// aggregateStockLines sums quantities per item, keeping first-seen order and the last seed.
func aggregateStockLines(lines []stockLine) []stockLine {
	index := make(map[string]int, len(lines))
	var result []stockLine
	for _, line := range lines {
		if i, ok := index[line.ItemId]; ok {
			result[i].Quantity = result[i].Quantity.Add(line.Quantity)
			if line.Seed != nil {
				result[i].Seed = line.Seed
			}
			continue
		}
		index[line.ItemId] = len(result)
		result = append(result, line)
	}
	return result
}

// stockDeltas returns, per item, new minus old quantity. Items only in old get -old.
func stockDeltas(old []stockLine, new []stockLine) []stockLine {
	oldQty := make(map[string]decimal.Decimal, len(old))
	for _, line := range aggregateStockLines(old) {
		oldQty[line.ItemId] = line.Quantity
	}
	var result []stockLine
	seen := make(map[string]bool, len(new))
	for _, line := range aggregateStockLines(new) {
		seen[line.ItemId] = true
		line.Quantity = line.Quantity.Sub(oldQty[line.ItemId])
		result = append(result, line)
	}
	for _, line := range aggregateStockLines(old) {
		if !seen[line.ItemId] {
			result = append(result, stockLine{ItemId: line.ItemId, Quantity: line.Quantity.Neg()})
		}
	}
	return result
}

func negateStockLines(lines []stockLine) []stockLine {
	result := make([]stockLine, 0, len(lines))
	for _, line := range aggregateStockLines(lines) {
		result = append(result, stockLine{ItemId: line.ItemId, Quantity: line.Quantity.Neg()})
	}
	return result
}

// planStock plans every line. With skipMissing, lines on products that no longer exist
// are dropped, which is how reversals treat deleted products.
func planStock(tx *gorm.DB, lines []stockLine, createMissing bool, skipMissing bool) ([]*stockChange, error) {
	changes := make([]*stockChange, 0, len(lines))
	for _, line := range lines {
		if line.Quantity.IsZero() && line.Seed == nil {
			continue
		}
		change, err := planStockDelta(tx, line.ItemId, line.Quantity, line.Seed, createMissing)
		if err != nil {
			if skipMissing && IsNotFound(err) {
				continue
			}
			return nil, err
		}
		changes = append(changes, change)
	}
	return changes, nil
}

func applyStockChanges(tx *gorm.DB, changes []*stockChange) error {
	for _, change := range changes {
		if err := change.apply(tx); err != nil {
			return err
		}
	}
	return nil
}

func stockLockKeys(lines []stockLine) []string {
	keys := make([]string, 0, len(lines))
	for _, line := range lines {
		keys = append(keys, utils.ProductLockKey(line.ItemId))
	}
	return keys
}

func GetProductByItemId(ctx context.Context, itemId string) (*Product, error) {
	db, err := readDB(ctx)
	if err != nil {
		return nil, err
	}
	var product Product
	if err := db.Where("item_id = ?", strings.TrimSpace(itemId)).First(&product).Error; err != nil {
		return nil, translateDBError("product", itemId, err)
	}
	return &product, nil
}

// lowStockThreshold is the on-hand count below which a product is reported as low on stock.
const lowStockThreshold = 10

// ListLowStockProducts returns products with fewer than ten on hand, lowest first, so out-of-stock
// items lead. A positive limit caps the result.
func ListLowStockProducts(ctx context.Context, limit int) ([]Product, error) {
	db, err := readDB(ctx)
	if err != nil {
		return nil, err
	}
	q := db.Where("count_in_stock < ?", lowStockThreshold).Order("count_in_stock, item_id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var products []Product
	if err := q.Find(&products).Error; err != nil {
		return nil, err
	}
	return products, nil
}
