package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
)

const purchaseIdPrefix = "KP"

// sequenceNoLimit bounds the numbers the sequence accepts so LastNo can always be incremented.
const sequenceNoLimit int64 = 1_000_000_000_000_000

// PurchaseSequence holds the last number handed out for one id prefix.
type PurchaseSequence struct {
	Prefix    string    `gorm:"primaryKey;size:20" json:"prefix"`
	LastNo    int64     `gorm:"not null;default:0" json:"last_no"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// parseSequenceNo returns n for ids of the form <prefix><n>. Numbers at or above sequenceNoLimit
// are not sequence ids.
func parseSequenceNo(prefix string, id string) (int64, bool) {
	digits, ok := strings.CutPrefix(strings.TrimSpace(id), prefix)
	if !ok || digits == "" {
		return 0, false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n >= sequenceNoLimit {
		return 0, false
	}
	return n, true
}

func maxSequenceNo(prefix string, ids []string) int64 {
	var highest int64
	for _, id := range ids {
		if n, ok := parseSequenceNo(prefix, id); ok && n > highest {
			highest = n
		}
	}
	return highest
}

// nextSequenceId orders ids numerically: KP10 follows KP9. With no ids it returns <prefix>1.
func nextSequenceId(prefix string, ids []string) string {
	return fmt.Sprintf("%s%d", prefix, maxSequenceNo(prefix, ids)+1)
}

// lockSequence loads the prefix's row FOR UPDATE. The first use seeds it from the existing purchase ids.
func lockSequence(tx *gorm.DB, prefix string) (*PurchaseSequence, error) {
	var seq PurchaseSequence
	err := forUpdate(tx).Where("prefix = ?", prefix).First(&seq).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		var ids []string
		if err := tx.Model(&Purchase{}).Where("purchase_id LIKE ?", prefix+"%").Pluck("purchase_id", &ids).Error; err != nil {
			return nil, err
		}
		seq = PurchaseSequence{Prefix: prefix, LastNo: maxSequenceNo(prefix, ids)}
		if err := tx.Create(&seq).Error; err != nil {
			return nil, translateDBError("purchase sequence", prefix, err)
		}
		return &seq, nil
	}
	if err != nil {
		return nil, translateDBError("purchase sequence", prefix, err)
	}
	return &seq, nil
}

func purchaseIdExists(tx *gorm.DB, purchaseId string) (bool, error) {
	var n int64
	if err := tx.Model(&Purchase{}).Where("purchase_id = ?", purchaseId).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// nextPurchaseId takes the next free id of the prefix and advances the sequence.
func nextPurchaseId(tx *gorm.DB, prefix string) (string, error) {
	seq, err := lockSequence(tx, prefix)
	if err != nil {
		return "", err
	}
	for {
		seq.LastNo++
		id := fmt.Sprintf("%s%d", prefix, seq.LastNo)
		exists, err := purchaseIdExists(tx, id)
		if err != nil {
			return "", err
		}
		if !exists {
			if err := tx.Save(seq).Error; err != nil {
				return "", err
			}
			return id, nil
		}
	}
}

// observePurchaseId advances the sequence past a caller-supplied id of the same prefix.
func observePurchaseId(tx *gorm.DB, prefix string, purchaseId string) error {
	n, ok := parseSequenceNo(prefix, purchaseId)
	if !ok {
		return nil
	}
	seq, err := lockSequence(tx, prefix)
	if err != nil {
		return err
	}
	if n <= seq.LastNo {
		return nil
	}
	seq.LastNo = n
	return tx.Save(seq).Error
}

// resolvePurchaseId keeps the requested id unless it is empty, already taken,
// or the seller already submitted this invoice; then a new id is generated.
func resolvePurchaseId(tx *gorm.DB, requested string, sellerId string, invoiceNo string) (string, error) {
	requested = strings.TrimSpace(requested)
	if requested != "" {
		taken, err := purchaseIdExists(tx, requested)
		if err != nil {
			return "", err
		}
		var sameInvoice int64
		if err := tx.Model(&Purchase{}).Where("seller_id = ? AND invoice_no = ?", sellerId, invoiceNo).Count(&sameInvoice).Error; err != nil {
			return "", err
		}
		if !taken && sameInvoice == 0 {
			return requested, observePurchaseId(tx, purchaseIdPrefix, requested)
		}
	}
	return nextPurchaseId(tx, purchaseIdPrefix)
}
