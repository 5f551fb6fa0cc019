// seed-payments-accounts creates the payments accounts that transport payments draw from.
// Existing accounts are left as they are.
//
// Usage (from backend directory):
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/seed-payments-accounts -accounts CASH,BANK
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/purchases_backend/config"
	"github.com/mmdatafocus/purchases_backend/models"
	"github.com/mmdatafocus/purchases_backend/utils"
)

func main() {
	accounts := flag.String("accounts", "CASH,BANK", "Comma-separated account ids (payment method codes)")
	accountType := flag.String("type", "", "Account type to store on new accounts")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	ctx := utils.SetUserNameInContext(context.Background(), "Seed")

	created := 0
	for _, id := range strings.Split(*accounts, ",") {
		id = strings.ToUpper(strings.TrimSpace(id))
		if id == "" {
			continue
		}
		_, err := models.CreatePaymentsAccount(ctx, &models.NewPaymentsAccount{
			AccountId:   id,
			AccountName: id,
			AccountType: *accountType,
		})
		if models.IsConflict(err) {
			fmt.Printf("%s: exists\n", id)
			continue
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", id, err)
			os.Exit(1)
		}
		created++
		fmt.Printf("%s: created\n", id)
	}
	fmt.Printf("done: %d created\n", created)
}
