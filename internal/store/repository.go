package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/stocklinkhq/stocklink-backend/pkg/db/models"
	"github.com/stocklinkhq/stocklink-backend/pkg/enums"
	pkgerrors "github.com/stocklinkhq/stocklink-backend/pkg/errors"
)

// Repository implements every store interface on a shared GORM handle.
type Repository struct {
	db *gorm.DB
}

// NewRepository builds a repository tied to the provided GORM DB.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// WithTx returns a repository bound to the provided transaction.
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	return &Repository{db: tx}
}

// AutoMigrate creates the engine tables. Intended for development and tests;
// production schemas are owned by the platform's migration tooling.
func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(
		&models.Tenant{},
		&models.Channel{},
		&models.Product{},
		&models.ProductChannelMapping{},
		&models.SyncEventRecord{},
		&models.Alert{},
		&models.AlertRule{},
	)
}

func (r *Repository) GetAllTenantIDs(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).
		Model(&models.Tenant{}).
		Where("is_active = ?", true).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list active tenants")
	}
	return ids, nil
}

func (r *Repository) GetTenant(ctx context.Context, tenantID uuid.UUID) (*models.Tenant, error) {
	var tenant models.Tenant
	err := r.db.WithContext(ctx).First(&tenant, "id = ?", tenantID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "tenant not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load tenant")
	}
	return &tenant, nil
}

func (r *Repository) GetProduct(ctx context.Context, tenantID, productID uuid.UUID) (*models.Product, error) {
	var product models.Product
	err := r.db.WithContext(ctx).
		First(&product, "id = ? AND tenant_id = ?", productID, tenantID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "product not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load product")
	}
	return &product, nil
}

func (r *Repository) GetProductByMapping(ctx context.Context, tenantID, channelID uuid.UUID, externalID string) (*models.Product, *models.ProductChannelMapping, error) {
	var mapping models.ProductChannelMapping
	err := r.db.WithContext(ctx).
		First(&mapping, "channel_id = ? AND external_id = ?", channelID, externalID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, pkgerrors.New(pkgerrors.CodeNotFound, "product mapping not found")
		}
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load mapping")
	}
	product, err := r.GetProduct(ctx, tenantID, mapping.ProductID)
	if err != nil {
		return nil, nil, err
	}
	return product, &mapping, nil
}

func (r *Repository) ListProducts(ctx context.Context, tenantID uuid.UUID) ([]models.Product, error) {
	var products []models.Product
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at ASC").
		Find(&products).Error
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list products")
	}
	return products, nil
}

func (r *Repository) UpdateProductStock(ctx context.Context, tenantID, productID uuid.UUID, quantity int) error {
	if quantity < 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "stock quantity must be non-negative")
	}
	result := r.db.WithContext(ctx).
		Model(&models.Product{}).
		Where("id = ? AND tenant_id = ?", productID, tenantID).
		Update("current_stock", quantity)
	if result.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, result.Error, "update product stock")
	}
	if result.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeNotFound, "product not found")
	}
	return nil
}

func (r *Repository) GetChannel(ctx context.Context, tenantID, channelID uuid.UUID) (*models.Channel, error) {
	var channel models.Channel
	err := r.db.WithContext(ctx).
		First(&channel, "id = ? AND tenant_id = ?", channelID, tenantID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "channel not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load channel")
	}
	return &channel, nil
}

func (r *Repository) ListChannels(ctx context.Context, tenantID uuid.UUID) ([]models.Channel, error) {
	var channels []models.Channel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at ASC").
		Find(&channels).Error
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list channels")
	}
	return channels, nil
}

func (r *Repository) ListMappedChannels(ctx context.Context, tenantID, productID uuid.UUID) ([]MappedChannel, error) {
	var mappings []models.ProductChannelMapping
	err := r.db.WithContext(ctx).
		Where("product_id = ?", productID).
		Find(&mappings).Error
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list mappings")
	}
	result := make([]MappedChannel, 0, len(mappings))
	for _, mapping := range mappings {
		channel, err := r.GetChannel(ctx, tenantID, mapping.ChannelID)
		if err != nil {
			if pkgerrors.As(err) != nil && pkgerrors.As(err).Code() == pkgerrors.CodeNotFound {
				continue
			}
			return nil, err
		}
		result = append(result, MappedChannel{Channel: *channel, Mapping: mapping})
	}
	return result, nil
}

func (r *Repository) ListMappingsForChannel(ctx context.Context, tenantID, channelID uuid.UUID) ([]models.ProductChannelMapping, error) {
	if _, err := r.GetChannel(ctx, tenantID, channelID); err != nil {
		return nil, err
	}
	var mappings []models.ProductChannelMapping
	err := r.db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		Find(&mappings).Error
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list channel mappings")
	}
	return mappings, nil
}

func (r *Repository) TouchMappingSynced(ctx context.Context, mappingID uuid.UUID) error {
	now := time.Now().UTC()
	err := r.db.WithContext(ctx).
		Model(&models.ProductChannelMapping{}).
		Where("id = ?", mappingID).
		Update("last_synced_at", now).Error
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "touch mapping")
	}
	return nil
}

func (r *Repository) CreateSyncEvent(ctx context.Context, record *models.SyncEventRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.Status == "" {
		record.Status = enums.SyncStatusPending
	}
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create sync event")
	}
	return nil
}

func (r *Repository) UpdateSyncEventStatus(ctx context.Context, id uuid.UUID, status enums.SyncStatus, detail string) error {
	updates := map[string]any{"status": status}
	if status == enums.SyncStatusCompleted || status == enums.SyncStatusFailed {
		now := time.Now().UTC()
		updates["completed_at"] = now
	}
	if detail != "" {
		updates["detail"] = detail
	}
	err := r.db.WithContext(ctx).
		Model(&models.SyncEventRecord{}).
		Where("id = ?", id).
		Updates(updates).Error
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update sync event status")
	}
	return nil
}

func (r *Repository) CreateAlert(ctx context.Context, alert *models.Alert) error {
	if alert.ID == uuid.Nil {
		alert.ID = uuid.New()
	}
	if err := r.db.WithContext(ctx).Create(alert).Error; err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create alert")
	}
	return nil
}

func (r *Repository) AlertExists(ctx context.Context, tenantID uuid.UUID, alertType enums.AlertType, productID, channelID *uuid.UUID) (bool, error) {
	query := r.db.WithContext(ctx).
		Model(&models.Alert{}).
		Where("tenant_id = ? AND type = ? AND is_resolved = ?", tenantID, alertType, false)
	if productID != nil {
		query = query.Where("product_id = ?", *productID)
	}
	if channelID != nil {
		query = query.Where("channel_id = ?", *channelID)
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check alert existence")
	}
	return count > 0, nil
}

func (r *Repository) GetAlertRules(ctx context.Context, tenantID uuid.UUID) ([]models.AlertRule, error) {
	var rules []models.AlertRule
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Find(&rules).Error
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list alert rules")
	}
	return rules, nil
}
