package models

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/purchases_backend/config"
	"github.com/mmdatafocus/purchases_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Return is goods a customer brought back. Creating it adds stock, deleting it takes the stock out again.
type Return struct {
	ID              int          `gorm:"primary_key" json:"id"`
	ReturnNo        string       `gorm:"size:100;index" json:"return_no"`
	BillingNo       string       `gorm:"size:100" json:"billing_no"`
	ReturnDate      time.Time    `json:"return_date"`
	CustomerName    string       `gorm:"size:255" json:"customer_name"`
	CustomerAddress string       `gorm:"type:text" json:"customer_address"`
	Products        []ReturnItem `gorm:"foreignKey:ReturnId" json:"products"`
	SubmittedBy     string       `gorm:"size:100" json:"submitted_by"`
	CreatedAt       time.Time    `gorm:"autoCreateTime" json:"created_at"`
}

type ReturnItem struct {
	ID       int             `gorm:"primary_key" json:"id"`
	ReturnId int             `gorm:"index;not null" json:"-"`
	ItemId   string          `gorm:"size:100;not null" json:"item_id"`
	Name     string          `gorm:"size:255" json:"name"`
	Quantity decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"quantity"`
}

// NewStockItem is one {item_id, quantity} line of a return or damage submission.
type NewStockItem struct {
	ItemId   string          `json:"item_id" validate:"required,max=100"`
	Name     string          `json:"name" validate:"max=255"`
	Quantity decimal.Decimal `json:"quantity"`
}

type NewReturn struct {
	ReturnNo        string         `json:"return_no" validate:"required,max=100"`
	BillingNo       string         `json:"billing_no" validate:"max=100"`
	ReturnDate      *time.Time     `json:"return_date"`
	CustomerName    string         `json:"customer_name" validate:"max=255"`
	CustomerAddress string         `json:"customer_address"`
	Products        []NewStockItem `json:"products" validate:"required,min=1,dive"`
}

func validateStockItems(items []NewStockItem, prefix string) error {
	fields := map[string]string{}
	for i, item := range items {
		if !item.Quantity.IsPositive() {
			fields[fmt.Sprintf("%s[%d].quantity", prefix, i)] = "gt=0"
		}
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// stockItemLines returns the lines with sign applied to every quantity.
func stockItemLines(items []NewStockItem, sign int64) []stockLine {
	lines := make([]stockLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, stockLine{ItemId: strings.TrimSpace(item.ItemId), Quantity: item.Quantity.Mul(decimal.NewFromInt(sign))})
	}
	return aggregateStockLines(lines)
}

func returnItemLines(items []ReturnItem) []stockLine {
	lines := make([]stockLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, stockLine{ItemId: item.ItemId, Quantity: item.Quantity})
	}
	return lines
}

// CreateReturn stores the return and adds each quantity to stock. Every product must exist.
func CreateReturn(ctx context.Context, input *NewReturn) (*Return, error) {
	ctx, span := tracer.Start(ctx, "CreateReturn")
	defer span.End()
	logger := config.GetLogger()

	if input == nil {
		return nil, newValidationError("input", "required")
	}
	if err := validateInput(input); err != nil {
		return nil, err
	}
	if err := validateStockItems(input.Products, "products"); err != nil {
		return nil, err
	}

	lines := stockItemLines(input.Products, 1)
	release, err := lockEntities(ctx, "CreateReturn", stockLockKeys(lines)...)
	if err != nil {
		return nil, err
	}
	defer release()

	ret := Return{
		ReturnNo:        strings.TrimSpace(input.ReturnNo),
		BillingNo:       strings.TrimSpace(input.BillingNo),
		ReturnDate:      utils.DateOrNow(input.ReturnDate),
		CustomerName:    strings.TrimSpace(input.CustomerName),
		CustomerAddress: input.CustomerAddress,
		SubmittedBy:     submittedBy(ctx),
	}
	for _, item := range input.Products {
		ret.Products = append(ret.Products, ReturnItem{
			ItemId:   strings.TrimSpace(item.ItemId),
			Name:     strings.TrimSpace(item.Name),
			Quantity: item.Quantity,
		})
	}

	err = runInTx(ctx, func(tx *gorm.DB) error {
		changes, err := planStock(tx, lines, false, false)
		if err != nil {
			return err
		}
		if err := applyStockChanges(tx, changes); err != nil {
			return err
		}
		if err := tx.Omit(clause.Associations).Create(&ret).Error; err != nil {
			return translateDBError("return", ret.ReturnNo, err)
		}
		for i := range ret.Products {
			ret.Products[i].ReturnId = ret.ID
		}
		if err := tx.Create(&ret.Products).Error; err != nil {
			return translateDBError("return item", ret.ReturnNo, err)
		}
		return recordLedgerEvent(ctx, tx, LedgerEventReturnCreated, "return", fmt.Sprint(ret.ID), &ret)
	})
	if err != nil {
		config.LogError(logger, "Return", "CreateReturn", "create", input, err)
		failSpan(span, err)
		return nil, err
	}
	return &ret, nil
}

// DeleteReturn takes the returned quantities back out of stock, clamped at zero, and deletes the return.
func DeleteReturn(ctx context.Context, id int) error {
	ctx, span := tracer.Start(ctx, "DeleteReturn")
	defer span.End()
	logger := config.GetLogger()

	current, err := GetReturn(ctx, id)
	if err != nil {
		return err
	}
	release, err := lockEntities(ctx, "DeleteReturn", stockLockKeys(returnItemLines(current.Products))...)
	if err != nil {
		return err
	}
	defer release()

	err = runInTx(ctx, func(tx *gorm.DB) error {
		var ret Return
		if err := forUpdate(tx).Preload("Products").First(&ret, id).Error; err != nil {
			return translateDBError("return", fmt.Sprint(id), err)
		}
		changes, err := planStock(tx, negateStockLines(returnItemLines(ret.Products)), false, true)
		if err != nil {
			return err
		}
		if err := applyStockChanges(tx, changes); err != nil {
			return err
		}
		if err := tx.Where("return_id = ?", ret.ID).Delete(&ReturnItem{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&ret).Error; err != nil {
			return err
		}
		return recordLedgerEvent(ctx, tx, LedgerEventReturnDeleted, "return", fmt.Sprint(id), &ret)
	})
	if err != nil {
		config.LogError(logger, "Return", "DeleteReturn", "reverse", id, err)
		failSpan(span, err)
		return err
	}
	return nil
}

func GetReturn(ctx context.Context, id int) (*Return, error) {
	db, err := readDB(ctx)
	if err != nil {
		return nil, err
	}
	var ret Return
	if err := db.Preload("Products").First(&ret, id).Error; err != nil {
		return nil, translateDBError("return", fmt.Sprint(id), err)
	}
	return &ret, nil
}

func ListReturns(ctx context.Context) ([]Return, error) {
	db, err := readDB(ctx)
	if err != nil {
		return nil, err
	}
	var returns []Return
	if err := db.Preload("Products").Order("id DESC").Find(&returns).Error; err != nil {
		return nil, err
	}
	return returns, nil
}
