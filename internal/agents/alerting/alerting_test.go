package alerting

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/stocklinkhq/stocklink-backend/internal/agents"
	"github.com/stocklinkhq/stocklink-backend/internal/channels"
	"github.com/stocklinkhq/stocklink-backend/internal/eventbus"
	"github.com/stocklinkhq/stocklink-backend/internal/store"
	"github.com/stocklinkhq/stocklink-backend/pkg/db/models"
	"github.com/stocklinkhq/stocklink-backend/pkg/enums"
	pkgerrors "github.com/stocklinkhq/stocklink-backend/pkg/errors"
	"github.com/stocklinkhq/stocklink-backend/pkg/logger"
)

// fixture backs the product, channel, and alert store interfaces.
type fixture struct {
	products map[uuid.UUID]*models.Product
	channels []models.Channel
	rules    []models.AlertRule
	alerts   []*models.Alert
}

func newFixture() *fixture {
	return &fixture{products: make(map[uuid.UUID]*models.Product)}
}

func (f *fixture) GetProduct(ctx context.Context, tenantID, productID uuid.UUID) (*models.Product, error) {
	product, ok := f.products[productID]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "product not found")
	}
	return product, nil
}

func (f *fixture) GetProductByMapping(ctx context.Context, tenantID, channelID uuid.UUID, externalID string) (*models.Product, *models.ProductChannelMapping, error) {
	return nil, nil, pkgerrors.New(pkgerrors.CodeNotFound, "mapping not found")
}

func (f *fixture) ListProducts(ctx context.Context, tenantID uuid.UUID) ([]models.Product, error) {
	var out []models.Product
	for _, product := range f.products {
		out = append(out, *product)
	}
	return out, nil
}

func (f *fixture) UpdateProductStock(ctx context.Context, tenantID, productID uuid.UUID, quantity int) error {
	return nil
}

func (f *fixture) GetChannel(ctx context.Context, tenantID, channelID uuid.UUID) (*models.Channel, error) {
	for i := range f.channels {
		if f.channels[i].ID == channelID {
			return &f.channels[i], nil
		}
	}
	return nil, pkgerrors.New(pkgerrors.CodeNotFound, "channel not found")
}

func (f *fixture) ListChannels(ctx context.Context, tenantID uuid.UUID) ([]models.Channel, error) {
	return f.channels, nil
}

func (f *fixture) ListMappedChannels(ctx context.Context, tenantID, productID uuid.UUID) ([]store.MappedChannel, error) {
	return nil, nil
}

func (f *fixture) ListMappingsForChannel(ctx context.Context, tenantID, channelID uuid.UUID) ([]models.ProductChannelMapping, error) {
	return nil, nil
}

func (f *fixture) TouchMappingSynced(ctx context.Context, mappingID uuid.UUID) error {
	return nil
}

func (f *fixture) CreateAlert(ctx context.Context, alert *models.Alert) error {
	if alert.ID == uuid.Nil {
		alert.ID = uuid.New()
	}
	f.alerts = append(f.alerts, alert)
	return nil
}

func (f *fixture) AlertExists(ctx context.Context, tenantID uuid.UUID, alertType enums.AlertType, productID, channelID *uuid.UUID) (bool, error) {
	for _, alert := range f.alerts {
		if alert.Type != alertType || alert.IsResolved {
			continue
		}
		if productID != nil && (alert.ProductID == nil || *alert.ProductID != *productID) {
			continue
		}
		if channelID != nil && (alert.ChannelID == nil || *alert.ChannelID != *channelID) {
			continue
		}
		return true, nil
	}
	return false, nil
}

func (f *fixture) GetAlertRules(ctx context.Context, tenantID uuid.UUID) ([]models.AlertRule, error) {
	return f.rules, nil
}

func (f *fixture) addProduct(tenantID uuid.UUID, name string, stock int) *models.Product {
	product := &models.Product{ID: uuid.New(), TenantID: tenantID, Name: name, CurrentStock: stock}
	f.products[product.ID] = product
	return product
}

func (f *fixture) alertsOfType(alertType enums.AlertType) []*models.Alert {
	var out []*models.Alert
	for _, alert := range f.alerts {
		if alert.Type == alertType {
			out = append(out, alert)
		}
	}
	return out
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{Output: io.Discard})
}

func newTestAgent(t *testing.T, fix *fixture, gateway channels.Gateway, bus *eventbus.Bus, threshold int) *Agent {
	t.Helper()
	agent, err := New(AgentParams{
		Products:          fix,
		Channels:          fix,
		Alerts:            fix,
		Gateway:           gateway,
		Bus:               bus,
		Logger:            testLogger(),
		LowStockThreshold: threshold,
	})
	if err != nil {
		t.Fatalf("failed to build alert agent: %v", err)
	}
	return agent
}

func TestRunChecksRaisesLowStockWithRuleOverride(t *testing.T) {
	tenantID := uuid.New()
	fix := newFixture()
	plenty := fix.addProduct(tenantID, "plenty", 40)
	low := fix.addProduct(tenantID, "running-out", 8)
	ruled := fix.addProduct(tenantID, "high-turnover", 25)
	fix.rules = append(fix.rules, models.AlertRule{TenantID: tenantID, ProductID: ruled.ID, Threshold: 30})

	agent := newTestAgent(t, fix, channels.NewMemoryGateway(), eventbus.New(), 10)
	if err := agent.RunChecks(context.Background(), tenantID); err != nil {
		t.Fatalf("run checks: %v", err)
	}

	raised := fix.alertsOfType(enums.AlertTypeLowStock)
	if len(raised) != 2 {
		t.Fatalf("expected 2 low-stock alerts, got %d", len(raised))
	}
	seen := make(map[uuid.UUID]bool)
	for _, alert := range raised {
		seen[*alert.ProductID] = true
		if alert.NotifyChannels != "in_app" {
			t.Fatalf("low stock is not urgent, got channels %q", alert.NotifyChannels)
		}
	}
	if !seen[low.ID] || !seen[ruled.ID] {
		t.Fatalf("alerts raised for wrong products: %v", seen)
	}
	if seen[plenty.ID] {
		t.Fatal("product above threshold must not alert")
	}
}

func TestRunChecksDeduplicatesOpenAlerts(t *testing.T) {
	tenantID := uuid.New()
	fix := newFixture()
	fix.addProduct(tenantID, "running-out", 3)

	agent := newTestAgent(t, fix, channels.NewMemoryGateway(), eventbus.New(), 10)
	for i := 0; i < 3; i++ {
		if err := agent.RunChecks(context.Background(), tenantID); err != nil {
			t.Fatalf("run checks: %v", err)
		}
	}
	if got := len(fix.alertsOfType(enums.AlertTypeLowStock)); got != 1 {
		t.Fatalf("open alert must suppress duplicates, got %d", got)
	}
}

func TestRunChecksAlertsAfterResolution(t *testing.T) {
	tenantID := uuid.New()
	fix := newFixture()
	fix.addProduct(tenantID, "running-out", 3)

	agent := newTestAgent(t, fix, channels.NewMemoryGateway(), eventbus.New(), 10)
	if err := agent.RunChecks(context.Background(), tenantID); err != nil {
		t.Fatalf("run checks: %v", err)
	}
	fix.alerts[0].IsResolved = true
	if err := agent.RunChecks(context.Background(), tenantID); err != nil {
		t.Fatalf("run checks: %v", err)
	}
	if got := len(fix.alertsOfType(enums.AlertTypeLowStock)); got != 2 {
		t.Fatalf("resolved alert must not suppress a new one, got %d", got)
	}
}

func TestRunChecksProbesChannelHealth(t *testing.T) {
	tenantID := uuid.New()
	fix := newFixture()
	down := models.Channel{ID: uuid.New(), TenantID: tenantID, Type: enums.ChannelTypeStorefront, Name: "wix", IsActive: true}
	healthy := models.Channel{ID: uuid.New(), TenantID: tenantID, Type: enums.ChannelTypeDelivery, Name: "deliveroo", IsActive: true}
	paused := models.Channel{ID: uuid.New(), TenantID: tenantID, Type: enums.ChannelTypeStorefront, Name: "paused", IsActive: false}
	fix.channels = []models.Channel{down, healthy, paused}

	gateway := channels.NewMemoryGateway()
	gateway.SetUnavailable(down.ID, true)
	gateway.SetUnavailable(paused.ID, true)

	agent := newTestAgent(t, fix, gateway, eventbus.New(), 10)
	if err := agent.RunChecks(context.Background(), tenantID); err != nil {
		t.Fatalf("run checks: %v", err)
	}

	raised := fix.alertsOfType(enums.AlertTypeChannelDisconnected)
	if len(raised) != 1 {
		t.Fatalf("expected one disconnect alert, got %d", len(raised))
	}
	if *raised[0].ChannelID != down.ID {
		t.Fatalf("alert attributed to wrong channel: %+v", raised[0])
	}
	if raised[0].NotifyChannels != "in_app,email" {
		t.Fatalf("disconnects are urgent, got channels %q", raised[0].NotifyChannels)
	}
}

func TestSubscribeIgnoresRetryableSyncFailures(t *testing.T) {
	tenantID := uuid.New()
	fix := newFixture()
	bus := eventbus.New()
	agent := newTestAgent(t, fix, channels.NewMemoryGateway(), bus, 10)
	agent.Subscribe()
	defer agent.Unsubscribe()

	productID := uuid.New()
	bus.Publish(context.Background(), eventbus.Event{
		Topic: eventbus.TopicSyncFailed,
		Payload: agents.SyncResult{
			TenantID:  tenantID,
			ProductID: productID,
			Retryable: true,
			Failures:  []agents.ChannelFailure{{ChannelName: "wix", Error: "timeout"}},
		},
	})
	if len(fix.alerts) != 0 {
		t.Fatalf("retryable failure must not alert, got %+v", fix.alerts)
	}

	bus.Publish(context.Background(), eventbus.Event{
		Topic: eventbus.TopicSyncFailed,
		Payload: agents.SyncResult{
			TenantID:  tenantID,
			ProductID: productID,
			Retryable: false,
			Failures:  []agents.ChannelFailure{{ChannelName: "wix", Error: "bad request"}},
		},
	})
	raised := fix.alertsOfType(enums.AlertTypeSyncError)
	if len(raised) != 1 {
		t.Fatalf("terminal failure must alert, got %d", len(raised))
	}
}

func TestSubscribeAlertsOnlyOnHighDrift(t *testing.T) {
	tenantID := uuid.New()
	fix := newFixture()
	bus := eventbus.New()
	agent := newTestAgent(t, fix, channels.NewMemoryGateway(), bus, 10)
	agent.Subscribe()
	defer agent.Unsubscribe()

	for _, severity := range []enums.DriftSeverity{enums.DriftSeverityLow, enums.DriftSeverityMedium} {
		bus.Publish(context.Background(), eventbus.Event{
			Topic:   eventbus.TopicDriftDetected,
			Payload: agents.DriftDetection{TenantID: tenantID, ProductID: uuid.New(), Severity: severity},
		})
	}
	if len(fix.alerts) != 0 {
		t.Fatalf("low and medium drift must not alert, got %+v", fix.alerts)
	}

	bus.Publish(context.Background(), eventbus.Event{
		Topic: eventbus.TopicDriftDetected,
		Payload: agents.DriftDetection{
			TenantID:  tenantID,
			ProductID: uuid.New(),
			MaxDrift:  40,
			Severity:  enums.DriftSeverityHigh,
			DriftingChannels: []agents.ChannelDrift{
				{ChannelID: uuid.New(), Expected: 50, Actual: 10, Drift: 40},
			},
		},
	})
	if got := len(fix.alertsOfType(enums.AlertTypeSystem)); got != 1 {
		t.Fatalf("high drift must alert, got %d", got)
	}
}

func TestSubscribeReactsToStockChanges(t *testing.T) {
	tenantID := uuid.New()
	fix := newFixture()
	product := fix.addProduct(tenantID, "running-out", 4)

	bus := eventbus.New()
	agent := newTestAgent(t, fix, channels.NewMemoryGateway(), bus, 10)
	agent.Subscribe()
	defer agent.Unsubscribe()

	bus.Publish(context.Background(), eventbus.Event{
		Topic: eventbus.TopicStockChange,
		Payload: agents.StockChange{
			TenantID:    tenantID,
			ProductID:   product.ID,
			NewQuantity: 4,
			Timestamp:   time.Now(),
		},
	})
	raised := fix.alertsOfType(enums.AlertTypeLowStock)
	if len(raised) != 1 || *raised[0].ProductID != product.ID {
		t.Fatalf("expected reactive low-stock alert, got %+v", raised)
	}
}
