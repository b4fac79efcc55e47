package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/stocklinkhq/stocklink-backend/pkg/enums"
)

// Alert is a raised notification. Open alerts are de-duplicated per
// (tenant, type, product/channel) until resolved.
type Alert struct {
	ID             uuid.UUID       `gorm:"type:uuid;primaryKey"`
	TenantID       uuid.UUID       `gorm:"column:tenant_id;type:uuid;not null;index"`
	Type           enums.AlertType `gorm:"column:type;not null"`
	ProductID      *uuid.UUID      `gorm:"column:product_id;type:uuid"`
	ChannelID      *uuid.UUID      `gorm:"column:channel_id;type:uuid"`
	Title          string          `gorm:"column:title;not null"`
	Message        string          `gorm:"column:message;not null"`
	NotifyChannels string          `gorm:"column:notify_channels;not null"`
	IsRead         bool            `gorm:"column:is_read;not null;default:false"`
	IsResolved     bool            `gorm:"column:is_resolved;not null;default:false"`
	CreatedAt      time.Time       `gorm:"column:created_at;autoCreateTime"`
	ResolvedAt     *time.Time      `gorm:"column:resolved_at"`
}

// AlertRule overrides the global low-stock threshold for one product.
type AlertRule struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID  uuid.UUID `gorm:"column:tenant_id;type:uuid;not null;index"`
	ProductID uuid.UUID `gorm:"column:product_id;type:uuid;not null"`
	Threshold int       `gorm:"column:threshold;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
