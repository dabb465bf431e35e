package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mmdatafocus/wms_backend/config"
	"github.com/mmdatafocus/wms_backend/utils"
	"gorm.io/gorm"
)

// AuditEventRecord implements a transactional outbox for audit events: the row
// is written inside the caller's DB transaction but is NOT published to
// Pub/Sub there. Publishing happens asynchronously in the outbox dispatcher
// after commit, so an aborted commit never leaks a deviation event.
type AuditEventRecord struct {
	ID               int            `gorm:"primary_key" json:"id"`
	Scope            Scope          `gorm:"type:enum('PROD','DRILL');default:PROD;not null;index" json:"scope"`
	EventType        AuditEventType `gorm:"size:50;not null;index" json:"event_type"`
	WarehouseId      int            `gorm:"index" json:"warehouse_id"`
	ItemId           int            `gorm:"index" json:"item_id"`
	Reference        string         `gorm:"size:100;index" json:"reference"`
	Payload          []byte         `gorm:"type:json" json:"payload"`
	OccurredAt       time.Time      `gorm:"not null" json:"occurred_at"`
	CorrelationId    string         `gorm:"size:64" json:"correlation_id"`
	IsProcessed      bool           `gorm:"not null;default:false;index" json:"is_processed"`
	PublishStatus    string         `gorm:"size:20;not null;default:PENDING;index" json:"publish_status"`
	PublishAttempts  int            `gorm:"not null;default:0" json:"publish_attempts"`
	LastPublishError *string        `gorm:"type:text" json:"last_publish_error"`
	NextAttemptAt    *time.Time     `gorm:"index" json:"next_attempt_at"`
	LockedAt         *time.Time     `json:"locked_at"`
	LockedBy         *string        `gorm:"size:64" json:"locked_by"`
	PublishedAt      *time.Time     `json:"published_at"`
	PubSubMessageId  *string        `gorm:"size:64" json:"pubsub_message_id"`
	CreatedAt        time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// EmitAuditEvent records an audit event in the outbox within tx.
func EmitAuditEvent(ctx context.Context, tx *gorm.DB, scope Scope, eventType AuditEventType, warehouseId, itemId int, reference string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	rec := AuditEventRecord{
		Scope:         scope,
		EventType:     eventType,
		WarehouseId:   warehouseId,
		ItemId:        itemId,
		Reference:     reference,
		Payload:       body,
		OccurredAt:    time.Now().UTC(),
		CorrelationId: correlationId,
		PublishStatus: OutboxPublishStatusPending,
	}
	return tx.Create(&rec).Error
}

// ConvertToAuditMessage maps an outbox row to the Pub/Sub wire payload.
func ConvertToAuditMessage(rec AuditEventRecord) config.AuditMessage {
	return config.AuditMessage{
		ID:            rec.ID,
		Scope:         string(rec.Scope),
		EventType:     string(rec.EventType),
		WarehouseId:   rec.WarehouseId,
		ItemId:        rec.ItemId,
		Reference:     rec.Reference,
		Payload:       rec.Payload,
		OccurredAt:    rec.OccurredAt,
		CorrelationId: rec.CorrelationId,
	}
}

// FefoDeviationPayload is the payload of a FEFO_DEVIATION event.
type FefoDeviationPayload struct {
	RecommendedBatch string   `json:"recommended_batch"`
	UsedBatches      []string `json:"used_batches"`
}
