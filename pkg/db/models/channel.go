package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/stocklinkhq/stocklink-backend/pkg/enums"
)

// Channel represents an external sales or POS system connected to a tenant.
// Type is immutable after creation.
type Channel struct {
	ID        uuid.UUID         `gorm:"type:uuid;primaryKey"`
	TenantID  uuid.UUID         `gorm:"column:tenant_id;type:uuid;not null;index"`
	Type      enums.ChannelType `gorm:"column:type;not null"`
	Name      string            `gorm:"column:name;not null"`
	IsActive  bool              `gorm:"column:is_active;not null;default:true"`
	CreatedAt time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}
