package models

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/purchases_backend/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Damage writes damaged goods off stock. Deleting it puts them back.
type Damage struct {
	ID           int          `gorm:"primary_key" json:"id"`
	UserName     string       `gorm:"size:100;not null" json:"user_name"`
	DamagedItems []DamageItem `gorm:"foreignKey:DamageId" json:"damaged_items"`
	CreatedAt    time.Time    `gorm:"autoCreateTime" json:"created_at"`
}

type DamageItem struct {
	ID       int             `gorm:"primary_key" json:"id"`
	DamageId int             `gorm:"index;not null" json:"-"`
	ItemId   string          `gorm:"size:100;not null" json:"item_id"`
	Name     string          `gorm:"size:255" json:"name"`
	Quantity decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"quantity"`
}

type NewDamage struct {
	UserName     string         `json:"user_name" validate:"max=100"`
	DamagedItems []NewStockItem `json:"damaged_items" validate:"required,min=1,dive"`
}

func damageItemLines(items []DamageItem) []stockLine {
	lines := make([]stockLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, stockLine{ItemId: item.ItemId, Quantity: item.Quantity})
	}
	return lines
}

// CreateDamage stores the damage bill and subtracts each quantity from stock, clamped at zero.
// Every product must exist. userName defaults to the caller's identity.
func CreateDamage(ctx context.Context, input *NewDamage) (*Damage, error) {
	ctx, span := tracer.Start(ctx, "CreateDamage")
	defer span.End()
	logger := config.GetLogger()

	if input == nil {
		return nil, newValidationError("input", "required")
	}
	input.UserName = strings.TrimSpace(input.UserName)
	if input.UserName == "" {
		input.UserName = submittedBy(ctx)
	}
	if err := validateInput(input); err != nil {
		return nil, err
	}
	if input.UserName == "" {
		return nil, newValidationError("user_name", "required")
	}
	if err := validateStockItems(input.DamagedItems, "damaged_items"); err != nil {
		return nil, err
	}

	lines := stockItemLines(input.DamagedItems, -1)
	release, err := lockEntities(ctx, "CreateDamage", stockLockKeys(lines)...)
	if err != nil {
		return nil, err
	}
	defer release()

	damage := Damage{UserName: input.UserName}
	for _, item := range input.DamagedItems {
		damage.DamagedItems = append(damage.DamagedItems, DamageItem{
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
		if err := tx.Omit(clause.Associations).Create(&damage).Error; err != nil {
			return translateDBError("damage", damage.UserName, err)
		}
		for i := range damage.DamagedItems {
			damage.DamagedItems[i].DamageId = damage.ID
		}
		if err := tx.Create(&damage.DamagedItems).Error; err != nil {
			return translateDBError("damage item", fmt.Sprint(damage.ID), err)
		}
		return recordLedgerEvent(ctx, tx, LedgerEventDamageCreated, "damage", fmt.Sprint(damage.ID), &damage)
	})
	if err != nil {
		config.LogError(logger, "Damage", "CreateDamage", "create", input, err)
		failSpan(span, err)
		return nil, err
	}
	return &damage, nil
}

// DeleteDamage adds the damaged quantities back to stock and deletes the bill.
// Products deleted since are skipped.
func DeleteDamage(ctx context.Context, id int) error {
	ctx, span := tracer.Start(ctx, "DeleteDamage")
	defer span.End()
	logger := config.GetLogger()

	current, err := GetDamage(ctx, id)
	if err != nil {
		return err
	}
	release, err := lockEntities(ctx, "DeleteDamage", stockLockKeys(damageItemLines(current.DamagedItems))...)
	if err != nil {
		return err
	}
	defer release()

	err = runInTx(ctx, func(tx *gorm.DB) error {
		var damage Damage
		if err := forUpdate(tx).Preload("DamagedItems").First(&damage, id).Error; err != nil {
			return translateDBError("damage", fmt.Sprint(id), err)
		}
		changes, err := planStock(tx, aggregateStockLines(damageItemLines(damage.DamagedItems)), false, true)
		if err != nil {
			return err
		}
		if err := applyStockChanges(tx, changes); err != nil {
			return err
		}
		if err := tx.Where("damage_id = ?", damage.ID).Delete(&DamageItem{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&damage).Error; err != nil {
			return err
		}
		return recordLedgerEvent(ctx, tx, LedgerEventDamageDeleted, "damage", fmt.Sprint(id), &damage)
	})
	if err != nil {
		config.LogError(logger, "Damage", "DeleteDamage", "reverse", id, err)
		failSpan(span, err)
		return err
	}
	return nil
}

func GetDamage(ctx context.Context, id int) (*Damage, error) {
	db, err := readDB(ctx)
	if err != nil {
		return nil, err
	}
	var damage Damage
	if err := db.Preload("DamagedItems").First(&damage, id).Error; err != nil {
		return nil, translateDBError("damage", fmt.Sprint(id), err)
	}
	return &damage, nil
}

func ListDamages(ctx context.Context) ([]Damage, error) {
	db, err := readDB(ctx)
	if err != nil {
		return nil, err
	}
	var damages []Damage
	if err := db.Preload("DamagedItems").Order("id DESC").Find(&damages).Error; err != nil {
		return nil, err
	}
	return damages, nil
}
