package models

import (
	"github.com/mmdatafocus/purchases_backend/config"
	"github.com/shopspring/decimal"
)

// LedgerTotals is embedded in every billing/payment ledger header.
// TotalAmountBilled and PaymentRemaining are always derived from entries, never taken from input.
type LedgerTotals struct {
	TotalAmountBilled decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"total_amount_billed"`
	TotalAmountPaid   decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"total_amount_paid"`
	PaymentRemaining  decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"payment_remaining"`
}

var ledgerTotalColumns = []string{"total_amount_billed", "total_amount_paid", "payment_remaining"}

func newLedgerTotals(billed decimal.Decimal, paid decimal.Decimal) LedgerTotals {
	return LedgerTotals{
		TotalAmountBilled: billed,
		TotalAmountPaid:   paid,
		PaymentRemaining:  billed.Sub(paid),
	}
}

type amountEntry interface {
	EntryAmount() decimal.Decimal
}

func sumEntries[T amountEntry](entries []T) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.EntryAmount())
	}
	return total
}

// checkLedgerTotals compares stored totals against entry sums. paid is nil for ledgers
// whose paid total is not backed by entries.
func checkLedgerTotals(ledger string, key string, stored LedgerTotals, billed decimal.Decimal, paid *decimal.Decimal) error {
	if !stored.TotalAmountBilled.Equal(billed) {
		return &InvariantViolationError{Ledger: ledger, Key: key, Field: "total_amount_billed", Stored: stored.TotalAmountBilled, Computed: billed}
	}
	if paid != nil && !stored.TotalAmountPaid.Equal(*paid) {
		return &InvariantViolationError{Ledger: ledger, Key: key, Field: "total_amount_paid", Stored: stored.TotalAmountPaid, Computed: *paid}
	}
	remaining := stored.TotalAmountBilled.Sub(stored.TotalAmountPaid)
	if !stored.PaymentRemaining.Equal(remaining) {
		return &InvariantViolationError{Ledger: ledger, Key: key, Field: "payment_remaining", Stored: stored.PaymentRemaining, Computed: remaining}
	}
	return nil
}

// alertInvariant logs a violated ledger invariant for operators and returns it unchanged,
// so the caller's transaction rolls back.
func alertInvariant(funcName string, err error) error {
	if err == nil {
		return nil
	}
	if IsInvariantViolation(err) {
		config.LogAlert(config.GetLogger(), "models", funcName, nil, err)
	}
	return err
}
