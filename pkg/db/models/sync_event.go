package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/stocklinkhq/stocklink-backend/pkg/enums"
)

// SyncEventRecord is the audit entry for one propagation attempt. It is
// created before the product mutation and finalized to a terminal status
// afterwards, so partial failures stay inspectable.
type SyncEventRecord struct {
	ID              uuid.UUID        `gorm:"type:uuid;primaryKey"`
	TenantID        uuid.UUID        `gorm:"column:tenant_id;type:uuid;not null;index"`
	ProductID       uuid.UUID        `gorm:"column:product_id;type:uuid;not null;index"`
	SourceChannelID *uuid.UUID       `gorm:"column:source_channel_id;type:uuid"`
	Operation       string           `gorm:"column:operation;not null"`
	OldValue        int              `gorm:"column:old_value;not null"`
	NewValue        int              `gorm:"column:new_value;not null"`
	Status          enums.SyncStatus `gorm:"column:status;not null;default:'pending'"`
	Detail          *string          `gorm:"column:detail"`
	CreatedAt       time.Time        `gorm:"column:created_at;autoCreateTime"`
	CompletedAt     *time.Time       `gorm:"column:completed_at"`
}
