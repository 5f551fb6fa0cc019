package config

import (
	"os"
	"strings"
)

func envBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// RetractLedgerOnDelete makes DeletePurchase remove the purchase's billings from the seller
// and transport ledgers. Payments and account mirrors are never touched.
//
// Set via env:
// - RETRACT_LEDGER_ON_DELETE=true
func RetractLedgerOnDelete() bool {
	return envBool("RETRACT_LEDGER_ON_DELETE")
}

// LedgerOutboxEnabled records a ledger_events row in the same transaction as every mutation.
// The dispatcher publishes them to Pub/Sub after commit.
//
// Set via env:
// - LEDGER_OUTBOX_ENABLED=true
func LedgerOutboxEnabled() bool {
	return envBool("LEDGER_OUTBOX_ENABLED")
}
