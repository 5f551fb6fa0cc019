package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mmdatafocus/purchases_backend/config"
	"github.com/mmdatafocus/purchases_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type TransportType string

const (
	TransportTypeLogistic TransportType = "logistic"
	TransportTypeLocal    TransportType = "local"
)

// TransportPayment is the billing and payment ledger of one transport company for one transport type.
type TransportPayment struct {
	ID            int                     `gorm:"primary_key" json:"id"`
	TransportName string                  `gorm:"size:255;not null;uniqueIndex:uniq_transport_ledger" json:"transport_name"`
	TransportType TransportType           `gorm:"size:50;not null;uniqueIndex:uniq_transport_ledger" json:"transport_type"`
	TransportGst  string                  `gorm:"size:50" json:"transport_gst"`
	Billings      []TransportBilling      `gorm:"foreignKey:TransportPaymentId" json:"billings"`
	Payments      []TransportPaymentEntry `gorm:"foreignKey:TransportPaymentId" json:"payments"`
	LedgerTotals
	Version   int       `gorm:"not null;default:1" json:"version"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type TransportBilling struct {
	ID                 int             `gorm:"primary_key" json:"id"`
	TransportPaymentId int             `gorm:"not null;uniqueIndex:uniq_transport_bill" json:"transport_payment_id"`
	BillId             string          `gorm:"size:100;not null;uniqueIndex:uniq_transport_bill" json:"bill_id"`
	InvoiceNo          string          `gorm:"size:100" json:"invoice_no"`
	Amount             decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"amount"`
	Date               time.Time       `json:"date"`
	CreatedAt          time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// TransportPaymentEntry is money paid to the transport company. Each entry has exactly one
// AccountPaymentOut with the same ReferenceId on the account named by Method.
type TransportPaymentEntry struct {
	ID                 int             `gorm:"primary_key" json:"id"`
	TransportPaymentId int             `gorm:"not null;uniqueIndex:uniq_transport_payment_ref" json:"transport_payment_id"`
	ReferenceId        string          `gorm:"size:100;not null;uniqueIndex:uniq_transport_payment_ref" json:"reference_id"`
	BillId             string          `gorm:"size:100;index" json:"bill_id"`
	Amount             decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"amount"`
	Method             string          `gorm:"size:50;not null" json:"method"`
	Remark             string          `gorm:"size:255" json:"remark"`
	SubmittedBy        string          `gorm:"size:100" json:"submitted_by"`
	Date               time.Time       `json:"date"`
	CreatedAt          time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (b TransportBilling) EntryAmount() decimal.Decimal      { return b.Amount }
func (p TransportPaymentEntry) EntryAmount() decimal.Decimal { return p.Amount }

func (tp *TransportPayment) GetVersion() int  { return tp.Version }
func (tp *TransportPayment) SetVersion(v int) { tp.Version = v }

type NewTransportBilling struct {
	BillId    string          `json:"bill_id" validate:"max=100"`
	InvoiceNo string          `json:"invoice_no" validate:"required,max=100"`
	Amount    decimal.Decimal `json:"amount"`
	Date      *time.Time      `json:"date"`
}

type NewTransportPaymentEntry struct {
	ReferenceId string          `json:"reference_id" validate:"max=100"`
	BillId      string          `json:"bill_id" validate:"max=100"`
	Amount      decimal.Decimal `json:"amount"`
	Method      string          `json:"method" validate:"required,max=50"`
	Remark      string          `json:"remark" validate:"max=255"`
	SubmittedBy string          `json:"submitted_by"`
	Date        *time.Time      `json:"date" validate:"required"`
}

// TransportLedgerUpdate is a full-document edit. Nil header fields are unchanged;
// a nil Billings or Payments slice leaves that side untouched, a non-nil one replaces it.
type TransportLedgerUpdate struct {
	TransportName *string                    `json:"transport_name"`
	TransportType *TransportType             `json:"transport_type"`
	TransportGst  *string                    `json:"transport_gst"`
	Version       *int                       `json:"version"`
	Billings      []NewTransportBilling      `json:"billings" validate:"dive"`
	Payments      []NewTransportPaymentEntry `json:"payments" validate:"dive"`
}

type NewTransportPayment struct {
	TransportName string                     `json:"transport_name" validate:"required,max=255"`
	TransportType TransportType              `json:"transport_type" validate:"required,max=50"`
	TransportGst  string                     `json:"transport_gst" validate:"max=50"`
	Billings      []NewTransportBilling      `json:"billings" validate:"dive"`
	Payments      []NewTransportPaymentEntry `json:"payments" validate:"dive"`
}

var lastPaymentReference int64

// newPaymentReference returns "PAY<unix nanos>", strictly increasing within the process.
func newPaymentReference() string {
	for {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&lastPaymentReference)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastPaymentReference, last, now) {
			return fmt.Sprintf("PAY%d", now)
		}
	}
}

func transportPaymentRemark(tp *TransportPayment) string {
	return fmt.Sprintf("Transportation Payment to %s - %d", tp.TransportName, tp.ID)
}

func validateBillings(input []NewTransportBilling, prefix string) error {
	fields := map[string]string{}
	seen := map[string]bool{}
	for i, b := range input {
		if !b.Amount.IsPositive() {
			fields[fmt.Sprintf("%s[%d].amount", prefix, i)] = "gt=0"
		}
		billId := utils.DefaultString(b.BillId, b.InvoiceNo)
		if billId == "" {
			continue
		}
		if seen[billId] {
			fields[fmt.Sprintf("%s[%d].bill_id", prefix, i)] = "unique"
		}
		seen[billId] = true
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func validatePayments(input []NewTransportPaymentEntry, prefix string) error {
	fields := map[string]string{}
	for i, p := range input {
		if !p.Amount.IsPositive() {
			fields[fmt.Sprintf("%s[%d].amount", prefix, i)] = "gt=0"
		}
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func validateInput(input any) error {
	if fields := utils.ValidateInput(input); fields != nil {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func loadTransportPaymentById(tx *gorm.DB, id int) (*TransportPayment, error) {
	var tp TransportPayment
	err := forUpdate(tx).
		Preload("Billings", func(q *gorm.DB) *gorm.DB { return q.Order("id") }).
		Preload("Payments", func(q *gorm.DB) *gorm.DB { return q.Order("id") }).
		First(&tp, id).Error
	if err != nil {
		return nil, translateDBError("transport payment", fmt.Sprint(id), err)
	}
	return &tp, nil
}

// loadTransportPayment locks the (name, type) ledger. With create set, a missing ledger is created empty.
func loadTransportPayment(tx *gorm.DB, name string, transportType TransportType, gst string, create bool) (*TransportPayment, error) {
	key := name + "|" + string(transportType)
	var tp TransportPayment
	err := forUpdate(tx).
		Preload("Billings", func(q *gorm.DB) *gorm.DB { return q.Order("id") }).
		Preload("Payments", func(q *gorm.DB) *gorm.DB { return q.Order("id") }).
		Where("transport_name = ? AND transport_type = ?", name, transportType).
		First(&tp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) && create {
		tp = TransportPayment{
			TransportName: name,
			TransportType: transportType,
			TransportGst:  strings.TrimSpace(gst),
			LedgerTotals:  newLedgerTotals(decimal.Zero, decimal.Zero),
			Version:       1,
		}
		if err := tx.Create(&tp).Error; err != nil {
			return nil, translateDBError("transport payment", key, err)
		}
		return &tp, nil
	}
	if err != nil {
		return nil, translateDBError("transport payment", key, err)
	}
	if v := strings.TrimSpace(gst); v != "" {
		tp.TransportGst = v
	}
	return &tp, nil
}

func (tp *TransportPayment) key() string {
	return tp.TransportName + "|" + string(tp.TransportType)
}

func (tp *TransportPayment) findBilling(billId string) int {
	for i := range tp.Billings {
		if tp.Billings[i].BillId == billId {
			return i
		}
	}
	return -1
}

func (tp *TransportPayment) appendBilling(billing TransportBilling) error {
	if tp.findBilling(billing.BillId) >= 0 {
		return &ConflictError{Entity: "transport billing " + tp.key(), Key: billing.BillId, Reason: "bill already recorded"}
	}
	billing.TransportPaymentId = tp.ID
	tp.Billings = append(tp.Billings, billing)
	return nil
}

// upsertBilling replaces the billing with the same billId or appends it.
func (tp *TransportPayment) upsertBilling(billing TransportBilling) {
	if i := tp.findBilling(billing.BillId); i >= 0 {
		tp.Billings[i].InvoiceNo = billing.InvoiceNo
		tp.Billings[i].Amount = billing.Amount
		tp.Billings[i].Date = billing.Date
		return
	}
	billing.TransportPaymentId = tp.ID
	tp.Billings = append(tp.Billings, billing)
}

func (tp *TransportPayment) removeBilling(billId string) bool {
	if i := tp.findBilling(billId); i >= 0 {
		tp.Billings = append(tp.Billings[:i], tp.Billings[i+1:]...)
		return true
	}
	return false
}

func (tp *TransportPayment) recompute() {
	tp.LedgerTotals = newLedgerTotals(sumEntries(tp.Billings), sumEntries(tp.Payments))
}

// save writes both entry sets and the header, then verifies the stored totals.
// checkMirrors additionally verifies every payment has exactly one account mirror.
func (tp *TransportPayment) save(tx *gorm.DB, checkMirrors bool) error {
	tp.recompute()
	for i := range tp.Billings {
		tp.Billings[i].TransportPaymentId = tp.ID
	}
	for i := range tp.Payments {
		tp.Payments[i].TransportPaymentId = tp.ID
	}
	if err := replaceChildRows(tx, "transport_payment_id", tp.ID, tp.Billings, func(b *TransportBilling) int { return b.ID }); err != nil {
		return translateDBError("transport billing "+tp.key(), "", err)
	}
	if err := replaceChildRows(tx, "transport_payment_id", tp.ID, tp.Payments, func(p *TransportPaymentEntry) int { return p.ID }); err != nil {
		return translateDBError("transport payment entry "+tp.key(), "", err)
	}
	columns := append([]string{"transport_name", "transport_type", "transport_gst"}, ledgerTotalColumns...)
	if err := saveVersioned(tx, "transport payment", tp.key(), tp, columns...); err != nil {
		return err
	}
	return verifyTransportPayment(tx, tp.ID, checkMirrors)
}

func verifyTransportPayment(tx *gorm.DB, id int, checkMirrors bool) error {
	var stored TransportPayment
	if err := tx.Preload("Billings").Preload("Payments").First(&stored, id).Error; err != nil {
		return translateDBError("transport payment", fmt.Sprint(id), err)
	}
	paid := sumEntries(stored.Payments)
	if err := checkLedgerTotals("transport payment", stored.key(), stored.LedgerTotals, sumEntries(stored.Billings), &paid); err != nil {
		return alertInvariant("verifyTransportPayment", err)
	}
	if !checkMirrors {
		return nil
	}
	for _, p := range stored.Payments {
		var n int64
		err := tx.Model(&AccountPaymentOut{}).
			Joins("JOIN payments_accounts ON payments_accounts.id = account_payment_outs.payments_account_id").
			Where("payments_accounts.account_id = ? AND account_payment_outs.reference_id = ?", p.Method, p.ReferenceId).
			Count(&n).Error
		if err != nil {
			return err
		}
		if n != 1 {
			return alertInvariant("verifyTransportPayment", &InvariantViolationError{
				Ledger:   "transport payment",
				Key:      stored.key(),
				Field:    "mirror " + p.ReferenceId,
				Stored:   decimal.NewFromInt(n),
				Computed: decimal.NewFromInt(1),
			})
		}
	}
	return nil
}

// paymentChange pairs a stored payment with its edited version.
type paymentChange struct {
	Old TransportPaymentEntry
	New TransportPaymentEntry
}

type paymentDiff struct {
	Added   []TransportPaymentEntry
	Changed []paymentChange
	Removed []TransportPaymentEntry
	// Final is the resolved incoming set: paired entries keep their stored id.
	Final []TransportPaymentEntry
}

func paymentKey(p TransportPaymentEntry) string {
	if p.BillId != "" {
		return "bill:" + p.BillId
	}
	return "ref:" + p.ReferenceId
}

func paymentChanged(old TransportPaymentEntry, new TransportPaymentEntry) bool {
	return !old.Amount.Equal(new.Amount) ||
		old.Method != new.Method ||
		old.Remark != new.Remark ||
		old.SubmittedBy != new.SubmittedBy ||
		!old.Date.Equal(new.Date) ||
		old.ReferenceId != new.ReferenceId
}

// diffPayments matches incoming payments to stored ones by billId (reference id when billId is empty).
// Within one key, an incoming payment carrying a stored reference id pairs with that entry first;
// the rest pair in order. Unpaired incoming entries are added, unpaired stored entries removed.
// Incoming entries without a reference inherit the paired one, else take billId, else a new PAY id.
// Paired entries without a remark or submitter keep the stored ones; added entries without a
// submitter get submitter.
func diffPayments(old []TransportPaymentEntry, incoming []TransportPaymentEntry, submitter string) paymentDiff {
	var diff paymentDiff

	byKey := map[string][]int{}
	for i, p := range old {
		byKey[paymentKey(p)] = append(byKey[paymentKey(p)], i)
	}
	paired := make([]int, len(incoming))
	usedOld := make([]bool, len(old))
	for i := range paired {
		paired[i] = -1
	}
	// exact reference matches
	for i, p := range incoming {
		if p.ReferenceId == "" {
			continue
		}
		for _, oi := range byKey[paymentKey(p)] {
			if !usedOld[oi] && old[oi].ReferenceId == p.ReferenceId {
				paired[i], usedOld[oi] = oi, true
				break
			}
		}
	}
	// positional within key
	for i, p := range incoming {
		if paired[i] >= 0 {
			continue
		}
		for _, oi := range byKey[paymentKey(p)] {
			if !usedOld[oi] {
				paired[i], usedOld[oi] = oi, true
				break
			}
		}
	}

	used := map[string]bool{}
	for i, p := range incoming {
		if oi := paired[i]; oi >= 0 && p.ReferenceId == "" {
			p.ReferenceId = old[oi].ReferenceId
		}
		if p.ReferenceId != "" {
			used[p.ReferenceId] = true
		}
		incoming[i] = p
	}
	for i, p := range incoming {
		if p.ReferenceId != "" {
			continue
		}
		ref := p.BillId
		if ref == "" || used[ref] {
			ref = newPaymentReference()
		}
		used[ref] = true
		incoming[i].ReferenceId = ref
	}

	for i, p := range incoming {
		oi := paired[i]
		if oi < 0 {
			p.ID = 0
			if p.SubmittedBy == "" {
				p.SubmittedBy = submitter
			}
			diff.Added = append(diff.Added, p)
			diff.Final = append(diff.Final, p)
			continue
		}
		o := old[oi]
		p.ID = o.ID
		p.TransportPaymentId = o.TransportPaymentId
		p.CreatedAt = o.CreatedAt
		if p.SubmittedBy == "" {
			p.SubmittedBy = o.SubmittedBy
		}
		if p.Remark == "" {
			p.Remark = o.Remark
		}
		if paymentChanged(o, p) {
			diff.Changed = append(diff.Changed, paymentChange{Old: o, New: p})
		}
		diff.Final = append(diff.Final, p)
	}
	for oi, o := range old {
		if !usedOld[oi] {
			diff.Removed = append(diff.Removed, o)
		}
	}
	return diff
}

// applyPaymentDiff moves the account mirrors to match the diff. Removals run first
// so references freed in this call can be reused.
func applyPaymentDiff(registry *accountRegistry, diff paymentDiff) error {
	for i := range diff.Removed {
		if err := registry.removeMirror(diff.Removed[i].Method, diff.Removed[i].ReferenceId); err != nil {
			return err
		}
	}
	for i := range diff.Changed {
		c := diff.Changed[i]
		if c.Old.Method != c.New.Method || c.Old.ReferenceId != c.New.ReferenceId {
			if err := registry.removeMirror(c.Old.Method, c.Old.ReferenceId); err != nil {
				return err
			}
			if err := registry.addMirror(&c.New, c.New.Remark); err != nil {
				return err
			}
			continue
		}
		if err := registry.updateMirror(&c.New, c.New.Remark); err != nil {
			return err
		}
	}
	for i := range diff.Added {
		if err := registry.addMirror(&diff.Added[i], diff.Added[i].Remark); err != nil {
			return err
		}
	}
	return nil
}

func toPaymentEntries(input []NewTransportPaymentEntry) []TransportPaymentEntry {
	entries := make([]TransportPaymentEntry, 0, len(input))
	for _, p := range input {
		entries = append(entries, TransportPaymentEntry{
			ReferenceId: strings.TrimSpace(p.ReferenceId),
			BillId:      strings.TrimSpace(p.BillId),
			Amount:      p.Amount,
			Method:      strings.TrimSpace(p.Method),
			Remark:      p.Remark,
			SubmittedBy: strings.TrimSpace(p.SubmittedBy),
			Date:        utils.DateOrNow(p.Date),
		})
	}
	return entries
}

// resolveBillings builds the replacement billing set, reusing stored rows by billId.
func resolveBillings(tp *TransportPayment, input []NewTransportBilling) []TransportBilling {
	billings := make([]TransportBilling, 0, len(input))
	for _, b := range input {
		billing := TransportBilling{
			TransportPaymentId: tp.ID,
			BillId:             utils.DefaultString(b.BillId, strings.TrimSpace(b.InvoiceNo)),
			InvoiceNo:          strings.TrimSpace(b.InvoiceNo),
			Amount:             b.Amount,
		}
		if i := tp.findBilling(billing.BillId); i >= 0 {
			billing.ID = tp.Billings[i].ID
			billing.CreatedAt = tp.Billings[i].CreatedAt
			billing.Date = tp.Billings[i].Date
		}
		if b.Date != nil && !b.Date.IsZero() {
			billing.Date = *b.Date
		} else if billing.Date.IsZero() {
			billing.Date = time.Now().UTC()
		}
		billings = append(billings, billing)
	}
	return billings
}

func paymentMethods(payments []TransportPaymentEntry) []string {
	keys := make([]string, 0, len(payments))
	for _, p := range payments {
		keys = append(keys, utils.AccountLockKey(p.Method))
	}
	return keys
}

func newPaymentMethods(payments []NewTransportPaymentEntry) []string {
	keys := make([]string, 0, len(payments))
	for _, p := range payments {
		keys = append(keys, utils.AccountLockKey(strings.TrimSpace(p.Method)))
	}
	return keys
}

// UpdateTransportPaymentLedger applies a full-document edit, diffing payments against the stored set
// so each account mirror is added, moved, updated or removed rather than overwritten.
func UpdateTransportPaymentLedger(ctx context.Context, id int, input *TransportLedgerUpdate) (*TransportPayment, error) {
	ctx, span := tracer.Start(ctx, "UpdateTransportPaymentLedger")
	defer span.End()
	logger := config.GetLogger()

	if input == nil {
		return nil, newValidationError("input", "required")
	}
	if err := validateInput(input); err != nil {
		return nil, err
	}
	if err := validateBillings(input.Billings, "billings"); err != nil {
		return nil, err
	}
	if err := validatePayments(input.Payments, "payments"); err != nil {
		return nil, err
	}
	if input.TransportName != nil && strings.TrimSpace(*input.TransportName) == "" {
		return nil, newValidationError("transport_name", "required")
	}
	if input.TransportType != nil && strings.TrimSpace(string(*input.TransportType)) == "" {
		return nil, newValidationError("transport_type", "required")
	}

	current, err := GetTransportPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	keys := []string{utils.TransportIdLockKey(id), utils.TransportLockKey(current.TransportName, string(current.TransportType))}
	keys = append(keys, paymentMethods(current.Payments)...)
	keys = append(keys, newPaymentMethods(input.Payments)...)
	if input.TransportName != nil || input.TransportType != nil {
		name := strings.TrimSpace(utils.DereferencePtr(input.TransportName, current.TransportName))
		transportType := utils.DereferencePtr(input.TransportType, current.TransportType)
		keys = append(keys, utils.TransportLockKey(name, string(transportType)))
	}
	release, err := lockEntities(ctx, "UpdateTransportPaymentLedger", keys...)
	if err != nil {
		return nil, err
	}
	defer release()

	err = runInTx(ctx, func(tx *gorm.DB) error {
		tp, err := loadTransportPaymentById(tx, id)
		if err != nil {
			return err
		}
		if input.Version != nil && *input.Version != tp.Version {
			return &ConflictError{Entity: "transport payment", Key: tp.key(), Reason: fmt.Sprintf("version %d is stale, current is %d", *input.Version, tp.Version)}
		}
		if input.TransportName != nil {
			tp.TransportName = strings.TrimSpace(*input.TransportName)
		}
		if input.TransportType != nil {
			tp.TransportType = TransportType(strings.TrimSpace(string(*input.TransportType)))
		}
		if input.TransportGst != nil {
			tp.TransportGst = strings.TrimSpace(*input.TransportGst)
		}
		if input.Billings != nil {
			tp.Billings = resolveBillings(tp, input.Billings)
		}
		if input.Payments != nil {
			diff := diffPayments(tp.Payments, toPaymentEntries(input.Payments), utils.DefaultString(submittedBy(ctx), "Unknown"))
			if err := applyPaymentDiff(newAccountRegistry(tx), diff); err != nil {
				return err
			}
			tp.Payments = diff.Final
		}
		if err := tp.save(tx, input.Payments != nil); err != nil {
			return err
		}
		return recordLedgerEvent(ctx, tx, LedgerEventTransportLedgerUpdated, "transport_payment", fmt.Sprint(tp.ID), tp)
	})
	if err != nil {
		config.LogError(logger, "TransportPayment", "UpdateTransportPaymentLedger", "reconcile", id, err)
		failSpan(span, err)
		return nil, err
	}
	return GetTransportPayment(ctx, id)
}

// AddTransportPayment records one payment and mirrors it on the method's account.
func AddTransportPayment(ctx context.Context, id int, input *NewTransportPaymentEntry) (*TransportPayment, error) {
	ctx, span := tracer.Start(ctx, "AddTransportPayment")
	defer span.End()
	logger := config.GetLogger()

	if input == nil {
		return nil, newValidationError("input", "required")
	}
	if err := validateInput(input); err != nil {
		return nil, err
	}
	if err := validatePayments([]NewTransportPaymentEntry{*input}, "payment"); err != nil {
		return nil, err
	}

	release, err := lockEntities(ctx, "AddTransportPayment", utils.TransportIdLockKey(id), utils.AccountLockKey(strings.TrimSpace(input.Method)))
	if err != nil {
		return nil, err
	}
	defer release()

	err = runInTx(ctx, func(tx *gorm.DB) error {
		tp, err := loadTransportPaymentById(tx, id)
		if err != nil {
			return err
		}
		payment := toPaymentEntries([]NewTransportPaymentEntry{*input})[0]
		payment.ReferenceId = newPaymentReference()
		payment.TransportPaymentId = tp.ID
		if payment.SubmittedBy == "" {
			payment.SubmittedBy = utils.DefaultString(submittedBy(ctx), "Unknown")
		}
		payment.Remark = utils.DefaultString(payment.Remark, transportPaymentRemark(tp))
		if err := newAccountRegistry(tx).addMirror(&payment, payment.Remark); err != nil {
			return err
		}
		tp.Payments = append(tp.Payments, payment)
		if err := tp.save(tx, true); err != nil {
			return err
		}
		return recordLedgerEvent(ctx, tx, LedgerEventTransportPaymentAdded, "transport_payment", fmt.Sprint(tp.ID), payment)
	})
	if err != nil {
		config.LogError(logger, "TransportPayment", "AddTransportPayment", "add payment", input, err)
		failSpan(span, err)
		return nil, err
	}
	return GetTransportPayment(ctx, id)
}

// AddTransportBilling records one bill. billId defaults to invoiceNo and must be new to the ledger.
func AddTransportBilling(ctx context.Context, id int, input *NewTransportBilling) (*TransportPayment, error) {
	ctx, span := tracer.Start(ctx, "AddTransportBilling")
	defer span.End()
	logger := config.GetLogger()

	if input == nil {
		return nil, newValidationError("input", "required")
	}
	if err := validateInput(input); err != nil {
		return nil, err
	}
	if err := validateBillings([]NewTransportBilling{*input}, "billing"); err != nil {
		return nil, err
	}

	release, err := lockEntities(ctx, "AddTransportBilling", utils.TransportIdLockKey(id))
	if err != nil {
		return nil, err
	}
	defer release()

	err = runInTx(ctx, func(tx *gorm.DB) error {
		tp, err := loadTransportPaymentById(tx, id)
		if err != nil {
			return err
		}
		billing := TransportBilling{
			BillId:    utils.DefaultString(input.BillId, strings.TrimSpace(input.InvoiceNo)),
			InvoiceNo: strings.TrimSpace(input.InvoiceNo),
			Amount:    input.Amount,
			Date:      utils.DateOrNow(input.Date),
		}
		if err := tp.appendBilling(billing); err != nil {
			return err
		}
		if err := tp.save(tx, false); err != nil {
			return err
		}
		return recordLedgerEvent(ctx, tx, LedgerEventTransportBillingAdded, "transport_payment", fmt.Sprint(tp.ID), billing)
	})
	if err != nil {
		config.LogError(logger, "TransportPayment", "AddTransportBilling", "add billing", input, err)
		failSpan(span, err)
		return nil, err
	}
	return GetTransportPayment(ctx, id)
}

// CreateTransportPayment finds or creates the (name, type) ledger and merges the given entries.
// Billings whose billId is already recorded and payments already recorded (see hasMatchingPayment)
// are skipped, so resubmitting the same document is harmless.
func CreateTransportPayment(ctx context.Context, input *NewTransportPayment) (*TransportPayment, error) {
	ctx, span := tracer.Start(ctx, "CreateTransportPayment")
	defer span.End()
	logger := config.GetLogger()

	if input == nil {
		return nil, newValidationError("input", "required")
	}
	input.TransportName = strings.TrimSpace(input.TransportName)
	input.TransportType = TransportType(strings.TrimSpace(string(input.TransportType)))
	if err := validateInput(input); err != nil {
		return nil, err
	}
	if err := validateBillings(input.Billings, "billings"); err != nil {
		return nil, err
	}
	if err := validatePayments(input.Payments, "payments"); err != nil {
		return nil, err
	}

	keys := append([]string{utils.TransportLockKey(input.TransportName, string(input.TransportType))}, newPaymentMethods(input.Payments)...)
	release, err := lockEntities(ctx, "CreateTransportPayment", keys...)
	if err != nil {
		return nil, err
	}
	defer release()

	var id int
	err = runInTx(ctx, func(tx *gorm.DB) error {
		tp, err := loadTransportPayment(tx, input.TransportName, input.TransportType, input.TransportGst, true)
		if err != nil {
			return err
		}
		id = tp.ID
		for _, b := range resolveBillings(tp, input.Billings) {
			if b.ID > 0 || tp.findBilling(b.BillId) >= 0 {
				continue
			}
			if err := tp.appendBilling(b); err != nil {
				return err
			}
		}
		registry := newAccountRegistry(tx)
		for _, p := range toPaymentEntries(input.Payments) {
			if tp.hasMatchingPayment(p) {
				continue
			}
			if p.ReferenceId == "" {
				p.ReferenceId = newPaymentReference()
			}
			if p.SubmittedBy == "" {
				p.SubmittedBy = utils.DefaultString(submittedBy(ctx), "Unknown")
			}
			p.TransportPaymentId = tp.ID
			p.Remark = utils.DefaultString(p.Remark, transportPaymentRemark(tp))
			if err := registry.addMirror(&p, p.Remark); err != nil {
				return err
			}
			tp.Payments = append(tp.Payments, p)
		}
		if err := tp.save(tx, len(input.Payments) > 0); err != nil {
			return err
		}
		return recordLedgerEvent(ctx, tx, LedgerEventTransportLedgerUpdated, "transport_payment", fmt.Sprint(tp.ID), tp)
	})
	if err != nil {
		config.LogError(logger, "TransportPayment", "CreateTransportPayment", "create", input, err)
		failSpan(span, err)
		return nil, err
	}
	return GetTransportPayment(ctx, id)
}

// DeleteTransportPayment removes a ledger with its billings and payments. Every payment's account
// mirror is retracted in the same transaction. Purchase transport legs that billed this ledger are
// kept; editing one later bills a fresh ledger of the same company.
func DeleteTransportPayment(ctx context.Context, id int) error {
	ctx, span := tracer.Start(ctx, "DeleteTransportPayment")
	defer span.End()
	logger := config.GetLogger()

	current, err := GetTransportPayment(ctx, id)
	if err != nil {
		return err
	}
	keys := []string{utils.TransportIdLockKey(id), utils.TransportLockKey(current.TransportName, string(current.TransportType))}
	release, err := lockEntities(ctx, "DeleteTransportPayment", append(keys, paymentMethods(current.Payments)...)...)
	if err != nil {
		return err
	}
	defer release()

	err = runInTx(ctx, func(tx *gorm.DB) error {
		tp, err := loadTransportPaymentById(tx, id)
		if err != nil {
			return err
		}
		registry := newAccountRegistry(tx)
		for _, p := range tp.Payments {
			if err := registry.removeMirror(p.Method, p.ReferenceId); err != nil {
				return err
			}
		}
		if err := tx.Where("transport_payment_id = ?", tp.ID).Delete(&TransportPaymentEntry{}).Error; err != nil {
			return err
		}
		if err := tx.Where("transport_payment_id = ?", tp.ID).Delete(&TransportBilling{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&TransportPayment{}, tp.ID).Error; err != nil {
			return translateDBError("transport payment", tp.key(), err)
		}
		return recordLedgerEvent(ctx, tx, LedgerEventTransportLedgerDeleted, "transport_payment", fmt.Sprint(tp.ID), tp)
	})
	if err != nil {
		config.LogError(logger, "TransportPayment", "DeleteTransportPayment", "delete", id, err)
		failSpan(span, err)
		return err
	}
	return nil
}

// hasMatchingPayment reports whether p was already recorded: same reference when one is supplied,
// otherwise same billId, method, amount and date.
func (tp *TransportPayment) hasMatchingPayment(p TransportPaymentEntry) bool {
	for _, existing := range tp.Payments {
		if p.ReferenceId != "" {
			if existing.ReferenceId == p.ReferenceId {
				return true
			}
			continue
		}
		if existing.BillId == p.BillId && existing.Method == p.Method &&
			existing.Amount.Equal(p.Amount) && existing.Date.Equal(p.Date) {
			return true
		}
	}
	return false
}

func GetTransportPayment(ctx context.Context, id int) (*TransportPayment, error) {
	db, err := readDB(ctx)
	if err != nil {
		return nil, err
	}
	var tp TransportPayment
	err = db.Preload("Billings", func(q *gorm.DB) *gorm.DB { return q.Order("id") }).
		Preload("Payments", func(q *gorm.DB) *gorm.DB { return q.Order("id") }).
		First(&tp, id).Error
	if err != nil {
		return nil, translateDBError("transport payment", fmt.Sprint(id), err)
	}
	return &tp, nil
}

// GetTransportPayments lists ledgers, optionally filtered by company name and type.
func GetTransportPayments(ctx context.Context, name string, transportType TransportType) ([]TransportPayment, error) {
	db, err := readDB(ctx)
	if err != nil {
		return nil, err
	}
	q := db.Preload("Billings").Preload("Payments").Order("transport_name, transport_type")
	if name = strings.TrimSpace(name); name != "" {
		q = q.Where("transport_name = ?", name)
	}
	if transportType != "" {
		q = q.Where("transport_type = ?", transportType)
	}
	var results []TransportPayment
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
