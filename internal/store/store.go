// Package store defines the persistence surface the sync engine depends on.
// Agents consume these narrow interfaces; the GORM repository in this package
// is the default binding, but any implementation can be injected.
package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/stocklinkhq/stocklink-backend/pkg/db/models"
	"github.com/stocklinkhq/stocklink-backend/pkg/enums"
)

// MappedChannel pairs a channel with the product's mapping on it.
type MappedChannel struct {
	Channel models.Channel
	Mapping models.ProductChannelMapping
}

// TenantStore exposes tenant discovery for the orchestrator.
type TenantStore interface {
	GetAllTenantIDs(ctx context.Context) ([]uuid.UUID, error)
	GetTenant(ctx context.Context, tenantID uuid.UUID) (*models.Tenant, error)
}

// ProductStore exposes product reads and the single stock mutation the
// engine performs.
type ProductStore interface {
	GetProduct(ctx context.Context, tenantID, productID uuid.UUID) (*models.Product, error)
	GetProductByMapping(ctx context.Context, tenantID, channelID uuid.UUID, externalID string) (*models.Product, *models.ProductChannelMapping, error)
	ListProducts(ctx context.Context, tenantID uuid.UUID) ([]models.Product, error)
	UpdateProductStock(ctx context.Context, tenantID, productID uuid.UUID, quantity int) error
}

// ChannelStore exposes channel and mapping reads.
type ChannelStore interface {
	GetChannel(ctx context.Context, tenantID, channelID uuid.UUID) (*models.Channel, error)
	ListChannels(ctx context.Context, tenantID uuid.UUID) ([]models.Channel, error)
	ListMappedChannels(ctx context.Context, tenantID, productID uuid.UUID) ([]MappedChannel, error)
	ListMappingsForChannel(ctx context.Context, tenantID, channelID uuid.UUID) ([]models.ProductChannelMapping, error)
	TouchMappingSynced(ctx context.Context, mappingID uuid.UUID) error
}

// AuditStore persists the sync audit trail.
type AuditStore interface {
	CreateSyncEvent(ctx context.Context, record *models.SyncEventRecord) error
	UpdateSyncEventStatus(ctx context.Context, id uuid.UUID, status enums.SyncStatus, detail string) error
}

// AlertStore persists alerts and their de-duplication checks.
type AlertStore interface {
	CreateAlert(ctx context.Context, alert *models.Alert) error
	AlertExists(ctx context.Context, tenantID uuid.UUID, alertType enums.AlertType, productID, channelID *uuid.UUID) (bool, error)
	GetAlertRules(ctx context.Context, tenantID uuid.UUID) ([]models.AlertRule, error)
}
