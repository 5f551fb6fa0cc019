package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/purchases_backend/config"
	"github.com/mmdatafocus/purchases_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// stock-adjust corrects one product's on-hand count outside of any document.
// The count floors at zero like every other stock movement.
func main() {
	itemID := flag.String("item-id", "", "Required: product item id")
	delta := flag.String("delta", "", "Required: signed quantity to add (e.g. -3, 12.5)")
	name := flag.String("name", "", "Name for a product created by a positive delta")
	dryRun := flag.Bool("dry-run", true, "Show the current count only (no writes)")
	flag.Parse()

	if strings.TrimSpace(*itemID) == "" || strings.TrimSpace(*delta) == "" {
		fmt.Fprintln(os.Stderr, "--item-id and --delta are required")
		os.Exit(1)
	}
	qty, err := decimal.NewFromString(strings.TrimSpace(*delta))
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --delta: %v\n", err)
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := config.GetLogger()

	if *dryRun {
		var p models.Product
		if err := db.Where("item_id = ?", *itemID).First(&p).Error; err != nil {
			fmt.Fprintf(os.Stderr, "product not found: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s: count_in_stock=%s, would become %s\n", p.ItemId, p.CountInStock, decimal.Max(p.CountInStock.Add(qty), decimal.Zero))
		return
	}

	var updated *models.Product
	err = db.Transaction(func(tx *gorm.DB) error {
		var err error
		updated, err = models.ApplyStockDelta(tx, *itemID, qty, &models.Product{ItemId: *itemID, Name: *name})
		return err
	})
	if err != nil {
		logger.WithFields(logrus.Fields{"item_id": *itemID, "delta": qty.String()}).Error("stock adjust failed: " + err.Error())
		os.Exit(1)
	}
	logger.WithFields(logrus.Fields{
		"item_id":        updated.ItemId,
		"delta":          qty.String(),
		"count_in_stock": updated.CountInStock.String(),
	}).Info("stock adjusted")
}
