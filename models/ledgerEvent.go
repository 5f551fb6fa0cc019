package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mmdatafocus/purchases_backend/config"
	"github.com/mmdatafocus/purchases_backend/utils"
	"gorm.io/gorm"
)

type LedgerEventType string

const (
	LedgerEventPurchaseCreated        LedgerEventType = "purchase.created"
	LedgerEventPurchaseUpdated        LedgerEventType = "purchase.updated"
	LedgerEventPurchaseDeleted        LedgerEventType = "purchase.deleted"
	LedgerEventReturnCreated          LedgerEventType = "return.created"
	LedgerEventReturnDeleted          LedgerEventType = "return.deleted"
	LedgerEventDamageCreated          LedgerEventType = "damage.created"
	LedgerEventDamageDeleted          LedgerEventType = "damage.deleted"
	LedgerEventTransportLedgerUpdated LedgerEventType = "transport_payment.updated"
	LedgerEventTransportPaymentAdded  LedgerEventType = "transport_payment.payment_added"
	LedgerEventTransportBillingAdded  LedgerEventType = "transport_payment.billing_added"
	LedgerEventTransportLedgerDeleted LedgerEventType = "transport_payment.deleted"
	LedgerEventAccountCreated         LedgerEventType = "payments_account.created"
)

// Outbox publish states.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// LedgerEvent is an outbox row written in the transaction of the mutation it describes.
type LedgerEvent struct {
	ID               int             `gorm:"primary_key" json:"id"`
	EventType        LedgerEventType `gorm:"size:100;not null;index" json:"event_type"`
	ReferenceType    string          `gorm:"size:50;not null" json:"reference_type"`
	ReferenceId      string          `gorm:"size:100;not null;index" json:"reference_id"`
	Payload          string          `gorm:"type:text" json:"payload"`
	CorrelationId    string          `gorm:"size:100" json:"correlation_id"`
	PublishStatus    string          `gorm:"size:20;not null;default:PENDING;index:idx_ledger_event_publish" json:"publish_status"`
	PublishAttempts  int             `gorm:"not null;default:0" json:"publish_attempts"`
	LastPublishError *string         `gorm:"type:text" json:"last_publish_error"`
	NextAttemptAt    *time.Time      `gorm:"index:idx_ledger_event_publish" json:"next_attempt_at"`
	LockedAt         *time.Time      `json:"locked_at"`
	LockedBy         *string         `gorm:"size:100" json:"locked_by"`
	PubSubMessageId  *string         `gorm:"size:100" json:"pub_sub_message_id"`
	PublishedAt      *time.Time      `json:"published_at"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// Message is the published form of the event.
func (e *LedgerEvent) Message() config.LedgerEventMessage {
	msg := config.LedgerEventMessage{
		ID:            e.ID,
		EventType:     string(e.EventType),
		ReferenceType: e.ReferenceType,
		ReferenceId:   e.ReferenceId,
		OccurredAt:    e.CreatedAt,
		CorrelationId: e.CorrelationId,
	}
	if e.Payload != "" {
		msg.Payload = json.RawMessage(e.Payload)
	}
	return msg
}

// recordLedgerEvent queues an event in tx when the outbox is enabled. A marshal or insert failure
// aborts the mutation so no committed change goes unannounced.
func recordLedgerEvent(ctx context.Context, tx *gorm.DB, eventType LedgerEventType, referenceType string, referenceId string, payload any) error {
	if !config.LedgerOutboxEnabled() {
		return nil
	}
	data, err := utils.MarshalToJSON(payload)
	if err != nil {
		return err
	}
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	event := LedgerEvent{
		EventType:     eventType,
		ReferenceType: referenceType,
		ReferenceId:   referenceId,
		Payload:       data,
		CorrelationId: correlationId,
		PublishStatus: OutboxPublishStatusPending,
	}
	return tx.Create(&event).Error
}

// ListLedgerEvents returns events for one reference, oldest first.
func ListLedgerEvents(ctx context.Context, referenceType string, referenceId string) ([]LedgerEvent, error) {
	db, err := readDB(ctx)
	if err != nil {
		return nil, err
	}
	var events []LedgerEvent
	err = db.Where("reference_type = ? AND reference_id = ?", referenceType, referenceId).Order("id").Find(&events).Error
	return events, err
}
