package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mmdatafocus/purchases_backend/config"
	"github.com/mmdatafocus/purchases_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PaymentsAccount is the cash/bank account a payment method draws from.
// AccountId is the payment method code (e.g. CASH, BANK).
type PaymentsAccount struct {
	ID          int                 `gorm:"primary_key" json:"id"`
	AccountId   string              `gorm:"size:50;uniqueIndex;not null" json:"account_id"`
	AccountName string              `gorm:"size:255" json:"account_name"`
	AccountType string              `gorm:"size:50" json:"account_type"`
	PaymentsOut []AccountPaymentOut `gorm:"foreignKey:PaymentsAccountId" json:"payments_out"`
	Balance     decimal.Decimal     `gorm:"-" json:"balance"`
	CreatedAt   time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

// AccountPaymentOut mirrors one ledger payment. ReferenceId matches the payment's ReferenceId.
type AccountPaymentOut struct {
	ID                int             `gorm:"primary_key" json:"id"`
	PaymentsAccountId int             `gorm:"not null;uniqueIndex:uniq_account_payment_ref" json:"payments_account_id"`
	ReferenceId       string          `gorm:"size:100;not null;uniqueIndex:uniq_account_payment_ref" json:"reference_id"`
	Amount            decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"amount"`
	Method            string          `gorm:"size:50" json:"method"`
	Remark            string          `gorm:"size:255" json:"remark"`
	SubmittedBy       string          `gorm:"size:100" json:"submitted_by"`
	Date              time.Time       `json:"date"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (m AccountPaymentOut) EntryAmount() decimal.Decimal { return m.Amount }

type NewPaymentsAccount struct {
	AccountId   string `json:"account_id" validate:"required,max=50"`
	AccountName string `json:"account_name" validate:"max=255"`
	AccountType string `json:"account_type" validate:"max=50"`
}

func CreatePaymentsAccount(ctx context.Context, input *NewPaymentsAccount) (*PaymentsAccount, error) {
	if input == nil {
		return nil, newValidationError("input", "required")
	}
	input.AccountId = strings.TrimSpace(input.AccountId)
	if fields := utils.ValidateInput(input); fields != nil {
		return nil, &ValidationError{Fields: fields}
	}
	account := PaymentsAccount{
		AccountId:   input.AccountId,
		AccountName: strings.TrimSpace(input.AccountName),
		AccountType: strings.TrimSpace(input.AccountType),
	}
	err := runInTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&account).Error; err != nil {
			return translateDBError("payments account", account.AccountId, err)
		}
		return recordLedgerEvent(ctx, tx, LedgerEventAccountCreated, "payments_account", account.AccountId, &account)
	})
	if err != nil {
		config.LogError(config.GetLogger(), "PaymentsAccount", "CreatePaymentsAccount", "create", input, err)
		return nil, err
	}
	account.Balance = decimal.Zero
	return &account, nil
}

func GetPaymentsAccount(ctx context.Context, accountId string) (*PaymentsAccount, error) {
	db, err := readDB(ctx)
	if err != nil {
		return nil, err
	}
	var account PaymentsAccount
	err = db.Preload("PaymentsOut", func(q *gorm.DB) *gorm.DB { return q.Order("id") }).
		Where("account_id = ?", strings.TrimSpace(accountId)).
		First(&account).Error
	if err != nil {
		return nil, translateDBError("payments account", accountId, err)
	}
	account.Balance = sumEntries(account.PaymentsOut)
	return &account, nil
}

func ListPaymentsAccounts(ctx context.Context) ([]PaymentsAccount, error) {
	db, err := readDB(ctx)
	if err != nil {
		return nil, err
	}
	var accounts []PaymentsAccount
	if err := db.Preload("PaymentsOut").Order("account_id").Find(&accounts).Error; err != nil {
		return nil, err
	}
	for i := range accounts {
		accounts[i].Balance = sumEntries(accounts[i].PaymentsOut)
	}
	return accounts, nil
}

// accountRegistry hands out the accounts touched by one transaction, each locked once.
type accountRegistry struct {
	tx       *gorm.DB
	accounts map[string]*PaymentsAccount
}

func newAccountRegistry(tx *gorm.DB) *accountRegistry {
	return &accountRegistry{tx: tx, accounts: map[string]*PaymentsAccount{}}
}

func (r *accountRegistry) account(accountId string) (*PaymentsAccount, error) {
	if acc, ok := r.accounts[accountId]; ok {
		return acc, nil
	}
	var acc PaymentsAccount
	if err := forUpdate(r.tx).Where("account_id = ?", accountId).First(&acc).Error; err != nil {
		return nil, translateDBError("payments account", accountId, err)
	}
	r.accounts[accountId] = &acc
	return &acc, nil
}

func (r *accountRegistry) findMirror(acc *PaymentsAccount, referenceId string) (*AccountPaymentOut, error) {
	var mirror AccountPaymentOut
	err := r.tx.Where("payments_account_id = ? AND reference_id = ?", acc.ID, referenceId).First(&mirror).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &mirror, nil
}

// addMirror records the payment on the account named by its method.
func (r *accountRegistry) addMirror(payment *TransportPaymentEntry, remark string) error {
	acc, err := r.account(payment.Method)
	if err != nil {
		return err
	}
	existing, err := r.findMirror(acc, payment.ReferenceId)
	if err != nil {
		return err
	}
	if existing != nil {
		return &ConflictError{Entity: "payments account " + acc.AccountId, Key: payment.ReferenceId, Reason: "payment already recorded"}
	}
	mirror := AccountPaymentOut{
		PaymentsAccountId: acc.ID,
		ReferenceId:       payment.ReferenceId,
		Amount:            payment.Amount,
		Method:            payment.Method,
		Remark:            remark,
		SubmittedBy:       payment.SubmittedBy,
		Date:              payment.Date,
	}
	if err := r.tx.Create(&mirror).Error; err != nil {
		return translateDBError("payments account "+acc.AccountId, payment.ReferenceId, err)
	}
	return nil
}

func (r *accountRegistry) removeMirror(accountId string, referenceId string) error {
	acc, err := r.account(accountId)
	if err != nil {
		return err
	}
	existing, err := r.findMirror(acc, referenceId)
	if err != nil {
		return err
	}
	if existing == nil {
		return &NotFoundError{Entity: "payments account " + accountId + " payment", Key: referenceId}
	}
	return r.tx.Delete(existing).Error
}

// updateMirror rewrites the mirror in place; method and reference must be unchanged.
func (r *accountRegistry) updateMirror(payment *TransportPaymentEntry, remark string) error {
	acc, err := r.account(payment.Method)
	if err != nil {
		return err
	}
	existing, err := r.findMirror(acc, payment.ReferenceId)
	if err != nil {
		return err
	}
	if existing == nil {
		return &NotFoundError{Entity: "payments account " + acc.AccountId + " payment", Key: payment.ReferenceId}
	}
	existing.Amount = payment.Amount
	existing.Method = payment.Method
	existing.Remark = remark
	existing.SubmittedBy = payment.SubmittedBy
	existing.Date = payment.Date
	return r.tx.Save(existing).Error
}
