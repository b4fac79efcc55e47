package models

import (
	"time"

	"github.com/google/uuid"
)

// Product is a tenant's sellable item. CurrentStock and BufferStock are
// non-negative integers.
type Product struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID     uuid.UUID `gorm:"column:tenant_id;type:uuid;not null;index"`
	SKU          string    `gorm:"column:sku;not null"`
	Name         string    `gorm:"column:name;not null"`
	CurrentStock int       `gorm:"column:current_stock;not null;default:0"`
	BufferStock  int       `gorm:"column:buffer_stock;not null;default:0"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// ProductChannelMapping links a product to a channel's external record.
// ExternalID is unique per channel within a tenant.
type ProductChannelMapping struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey"`
	ProductID    uuid.UUID  `gorm:"column:product_id;type:uuid;not null;index"`
	ChannelID    uuid.UUID  `gorm:"column:channel_id;type:uuid;not null;uniqueIndex:idx_channel_external"`
	ExternalID   string     `gorm:"column:external_id;not null;uniqueIndex:idx_channel_external"`
	LastSyncedAt *time.Time `gorm:"column:last_synced_at"`
	CreatedAt    time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}
