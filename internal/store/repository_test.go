package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/stocklinkhq/stocklink-backend/pkg/db/models"
	"github.com/stocklinkhq/stocklink-backend/pkg/enums"
	pkgerrors "github.com/stocklinkhq/stocklink-backend/pkg/errors"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	repo := NewRepository(conn)
	require.NoError(t, repo.AutoMigrate())
	return repo
}

func createTenant(t *testing.T, repo *Repository, active bool) *models.Tenant {
	t.Helper()
	tenant := &models.Tenant{ID: uuid.New(), Name: "shop", IsActive: active}
	require.NoError(t, repo.db.Create(tenant).Error)
	return tenant
}

func createProduct(t *testing.T, repo *Repository, tenantID uuid.UUID, stock int) *models.Product {
	t.Helper()
	product := &models.Product{ID: uuid.New(), TenantID: tenantID, SKU: "SKU-1", Name: "widget", CurrentStock: stock}
	require.NoError(t, repo.db.Create(product).Error)
	return product
}

func createChannel(t *testing.T, repo *Repository, tenantID uuid.UUID, channelType enums.ChannelType) *models.Channel {
	t.Helper()
	channel := &models.Channel{ID: uuid.New(), TenantID: tenantID, Type: channelType, Name: string(channelType), IsActive: true}
	require.NoError(t, repo.db.Create(channel).Error)
	return channel
}

func createMapping(t *testing.T, repo *Repository, productID, channelID uuid.UUID, externalID string) *models.ProductChannelMapping {
	t.Helper()
	mapping := &models.ProductChannelMapping{ID: uuid.New(), ProductID: productID, ChannelID: channelID, ExternalID: externalID}
	require.NoError(t, repo.db.Create(mapping).Error)
	return mapping
}

func TestGetAllTenantIDsReturnsOnlyActive(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	active := createTenant(t, repo, true)
	createTenant(t, repo, false)

	ids, err := repo.GetAllTenantIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{active.ID}, ids)
}

func TestGetTenantNotFound(t *testing.T) {
	repo := newTestRepository(t)

	_, err := repo.GetTenant(context.Background(), uuid.New())
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	require.Equal(t, pkgerrors.CodeNotFound, typed.Code())
}

func TestUpdateProductStock(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	tenant := createTenant(t, repo, true)
	product := createProduct(t, repo, tenant.ID, 50)

	require.NoError(t, repo.UpdateProductStock(ctx, tenant.ID, product.ID, 45))
	loaded, err := repo.GetProduct(ctx, tenant.ID, product.ID)
	require.NoError(t, err)
	require.Equal(t, 45, loaded.CurrentStock)

	err = repo.UpdateProductStock(ctx, tenant.ID, product.ID, -1)
	require.Equal(t, pkgerrors.CodeValidation, pkgerrors.As(err).Code())

	err = repo.UpdateProductStock(ctx, tenant.ID, uuid.New(), 10)
	require.Equal(t, pkgerrors.CodeNotFound, pkgerrors.As(err).Code())

	// Tenant scoping: another tenant cannot touch the product.
	err = repo.UpdateProductStock(ctx, uuid.New(), product.ID, 10)
	require.Equal(t, pkgerrors.CodeNotFound, pkgerrors.As(err).Code())
}

func TestGetProductByMapping(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	tenant := createTenant(t, repo, true)
	product := createProduct(t, repo, tenant.ID, 50)
	channel := createChannel(t, repo, tenant.ID, enums.ChannelTypeStorefront)
	createMapping(t, repo, product.ID, channel.ID, "ext-1")

	loaded, mapping, err := repo.GetProductByMapping(ctx, tenant.ID, channel.ID, "ext-1")
	require.NoError(t, err)
	require.Equal(t, product.ID, loaded.ID)
	require.Equal(t, "ext-1", mapping.ExternalID)

	_, _, err = repo.GetProductByMapping(ctx, tenant.ID, channel.ID, "missing")
	require.Equal(t, pkgerrors.CodeNotFound, pkgerrors.As(err).Code())
}

func TestListMappedChannelsSkipsForeignChannels(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	tenant := createTenant(t, repo, true)
	other := createTenant(t, repo, true)
	product := createProduct(t, repo, tenant.ID, 50)

	own := createChannel(t, repo, tenant.ID, enums.ChannelTypeStorefront)
	foreign := createChannel(t, repo, other.ID, enums.ChannelTypeDelivery)
	createMapping(t, repo, product.ID, own.ID, "ext-1")
	createMapping(t, repo, product.ID, foreign.ID, "ext-2")

	mapped, err := repo.ListMappedChannels(ctx, tenant.ID, product.ID)
	require.NoError(t, err)
	require.Len(t, mapped, 1)
	require.Equal(t, own.ID, mapped[0].Channel.ID)
}

func TestTouchMappingSynced(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	tenant := createTenant(t, repo, true)
	product := createProduct(t, repo, tenant.ID, 50)
	channel := createChannel(t, repo, tenant.ID, enums.ChannelTypeStorefront)
	mapping := createMapping(t, repo, product.ID, channel.ID, "ext-1")
	require.Nil(t, mapping.LastSyncedAt)

	require.NoError(t, repo.TouchMappingSynced(ctx, mapping.ID))
	var loaded models.ProductChannelMapping
	require.NoError(t, repo.db.First(&loaded, "id = ?", mapping.ID).Error)
	require.NotNil(t, loaded.LastSyncedAt)
}

func TestSyncEventLifecycle(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	tenant := createTenant(t, repo, true)
	product := createProduct(t, repo, tenant.ID, 50)

	record := &models.SyncEventRecord{
		TenantID:  tenant.ID,
		ProductID: product.ID,
		Operation: "stock_change",
		OldValue:  50,
		NewValue:  45,
	}
	require.NoError(t, repo.CreateSyncEvent(ctx, record))
	require.NotEqual(t, uuid.Nil, record.ID)
	require.Equal(t, enums.SyncStatusPending, record.Status)

	require.NoError(t, repo.UpdateSyncEventStatus(ctx, record.ID, enums.SyncStatusCompleted, "ok"))
	var loaded models.SyncEventRecord
	require.NoError(t, repo.db.First(&loaded, "id = ?", record.ID).Error)
	require.Equal(t, enums.SyncStatusCompleted, loaded.Status)
	require.NotNil(t, loaded.CompletedAt)
	require.NotNil(t, loaded.Detail)
}

func TestAlertExistsScopesOpenAlerts(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	tenant := createTenant(t, repo, true)
	productID := uuid.New()

	exists, err := repo.AlertExists(ctx, tenant.ID, enums.AlertTypeLowStock, &productID, nil)
	require.NoError(t, err)
	require.False(t, exists)

	alert := &models.Alert{
		TenantID:       tenant.ID,
		Type:           enums.AlertTypeLowStock,
		ProductID:      &productID,
		Title:          "Low stock",
		Message:        "running out",
		NotifyChannels: "in_app",
	}
	require.NoError(t, repo.CreateAlert(ctx, alert))

	exists, err = repo.AlertExists(ctx, tenant.ID, enums.AlertTypeLowStock, &productID, nil)
	require.NoError(t, err)
	require.True(t, exists)

	// A different product does not collide.
	otherProduct := uuid.New()
	exists, err = repo.AlertExists(ctx, tenant.ID, enums.AlertTypeLowStock, &otherProduct, nil)
	require.NoError(t, err)
	require.False(t, exists)

	// Resolving reopens the dedup window.
	require.NoError(t, repo.db.Model(alert).Update("is_resolved", true).Error)
	exists, err = repo.AlertExists(ctx, tenant.ID, enums.AlertTypeLowStock, &productID, nil)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestGetAlertRules(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	tenant := createTenant(t, repo, true)
	rule := &models.AlertRule{ID: uuid.New(), TenantID: tenant.ID, ProductID: uuid.New(), Threshold: 30}
	require.NoError(t, repo.db.Create(rule).Error)

	rules, err := repo.GetAlertRules(ctx, tenant.ID)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, 30, rules[0].Threshold)

	rules, err = repo.GetAlertRules(ctx, uuid.New())
	require.NoError(t, err)
	require.Empty(t, rules)
}
