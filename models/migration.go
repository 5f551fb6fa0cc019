package models

import (
	"github.com/mmdatafocus/purchases_backend/config"
	"gorm.io/gorm"
)

func allModels() []any {
	return []any{
		&Product{},
		&Purchase{},
		&PurchaseItem{},
		&PurchaseSequence{},
		&Transportation{},
		&SellerPayment{},
		&SellerBilling{},
		&TransportPayment{},
		&TransportBilling{},
		&TransportPaymentEntry{},
		&PaymentsAccount{},
		&AccountPaymentOut{},
		&Return{},
		&ReturnItem{},
		&Damage{},
		&DamageItem{},
		&LedgerEvent{},
	}
}

// MigrateTable creates or updates every table on the global connection.
func MigrateTable() error {
	return AutoMigrate(config.GetDB())
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(allModels()...)
}
