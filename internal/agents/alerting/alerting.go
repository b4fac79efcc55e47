// Package alerting raises de-duplicated alerts from agent events and from a
// periodic threshold sweep.
package alerting

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/stocklinkhq/stocklink-backend/internal/agents"
	"github.com/stocklinkhq/stocklink-backend/internal/channels"
	"github.com/stocklinkhq/stocklink-backend/internal/eventbus"
	"github.com/stocklinkhq/stocklink-backend/internal/jobqueue"
	"github.com/stocklinkhq/stocklink-backend/internal/store"
	"github.com/stocklinkhq/stocklink-backend/pkg/db/models"
	"github.com/stocklinkhq/stocklink-backend/pkg/enums"
	pkgerrors "github.com/stocklinkhq/stocklink-backend/pkg/errors"
	"github.com/stocklinkhq/stocklink-backend/pkg/logger"
)

// CheckJob is the payload of the periodic threshold sweep on the alert queue.
type CheckJob struct {
	TenantID uuid.UUID `json:"tenantId"`
}

// AgentParams configure the alert agent.
type AgentParams struct {
	Products          store.ProductStore
	Channels          store.ChannelStore
	Alerts            store.AlertStore
	Gateway           channels.Gateway
	Bus               *eventbus.Bus
	Logger            *logger.Logger
	Stats             *agents.Stats
	LowStockThreshold int
}

// Agent is the alerting stage of the pipeline.
type Agent struct {
	products  store.ProductStore
	chans     store.ChannelStore
	alerts    store.AlertStore
	gateway   channels.Gateway
	bus       *eventbus.Bus
	logg      *logger.Logger
	stats     *agents.Stats
	threshold int

	subs []*eventbus.Subscription
}

func New(params AgentParams) (*Agent, error) {
	if params.Products == nil {
		return nil, fmt.Errorf("product store required")
	}
	if params.Channels == nil {
		return nil, fmt.Errorf("channel store required")
	}
	if params.Alerts == nil {
		return nil, fmt.Errorf("alert store required")
	}
	if params.Gateway == nil {
		return nil, fmt.Errorf("channel gateway required")
	}
	if params.Bus == nil {
		return nil, fmt.Errorf("event bus required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Stats == nil {
		params.Stats = &agents.Stats{}
	}
	threshold := params.LowStockThreshold
	if threshold <= 0 {
		threshold = 10
	}
	return &Agent{
		products:  params.Products,
		chans:     params.Channels,
		alerts:    params.Alerts,
		gateway:   params.Gateway,
		bus:       params.Bus,
		logg:      params.Logger,
		stats:     params.Stats,
		threshold: threshold,
	}, nil
}

// Subscribe attaches the agent to the four event streams it watches.
func (a *Agent) Subscribe() {
	a.subs = append(a.subs,
		a.bus.Subscribe(eventbus.TopicSyncFailed, func(ctx context.Context, event eventbus.Event) {
			result, ok := event.Payload.(agents.SyncResult)
			if !ok {
				return
			}
			// Retryable failures are the queue's problem; only terminal ones alert.
			if result.Retryable {
				return
			}
			a.record(a.onSyncFailed(ctx, result))
		}),
		a.bus.Subscribe(eventbus.TopicChannelDisconnected, func(ctx context.Context, event eventbus.Event) {
			disconnect, ok := event.Payload.(agents.ChannelDisconnect)
			if !ok {
				return
			}
			a.record(a.onChannelDisconnected(ctx, disconnect))
		}),
		a.bus.Subscribe(eventbus.TopicDriftDetected, func(ctx context.Context, event eventbus.Event) {
			detection, ok := event.Payload.(agents.DriftDetection)
			if !ok {
				return
			}
			if detection.Severity != enums.DriftSeverityHigh {
				return
			}
			a.record(a.onHighDrift(ctx, detection))
		}),
		a.bus.Subscribe(eventbus.TopicStockChange, func(ctx context.Context, event eventbus.Event) {
			change, ok := event.Payload.(agents.StockChange)
			if !ok {
				return
			}
			a.record(a.checkLowStockForProduct(ctx, change.TenantID, change.ProductID, change.NewQuantity))
		}),
	)
}

// Unsubscribe detaches every subscription.
func (a *Agent) Unsubscribe() {
	for _, sub := range a.subs {
		sub.Unsubscribe()
	}
	a.subs = nil
}

func (a *Agent) record(err error) {
	a.stats.Record(err)
	if err != nil {
		a.logg.Error(context.Background(), "alert handling failed", err)
	}
}

// HandleJob is the alert queue handler: the periodic sweep over products and
// channel health.
func (a *Agent) HandleJob(ctx context.Context, job *jobqueue.Job) error {
	var check CheckJob
	if err := job.Unmarshal(&check); err != nil {
		err = pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode alert check job")
		a.stats.Record(err)
		return err
	}
	err := a.RunChecks(ctx, check.TenantID)
	a.stats.Record(err)
	return err
}

// RunChecks sweeps low-stock thresholds and channel health for one tenant.
func (a *Agent) RunChecks(ctx context.Context, tenantID uuid.UUID) error {
	var errs error
	if err := a.checkLowStock(ctx, tenantID); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := a.checkChannelHealth(ctx, tenantID); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

func (a *Agent) checkLowStock(ctx context.Context, tenantID uuid.UUID) error {
	products, err := a.products.ListProducts(ctx, tenantID)
	if err != nil {
		return err
	}
	rules, err := a.alerts.GetAlertRules(ctx, tenantID)
	if err != nil {
		return err
	}
	ruleByProduct := make(map[uuid.UUID]int, len(rules))
	for _, rule := range rules {
		ruleByProduct[rule.ProductID] = rule.Threshold
	}

	var errs error
	for _, product := range products {
		threshold, ok := ruleByProduct[product.ID]
		if !ok {
			threshold = a.threshold
		}
		if product.CurrentStock > threshold {
			continue
		}
		if err := a.raiseLowStock(ctx, tenantID, product.ID, product.Name, product.CurrentStock, threshold); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// checkLowStockForProduct is the reactive path driven by stock:change.
func (a *Agent) checkLowStockForProduct(ctx context.Context, tenantID, productID uuid.UUID, currentStock int) error {
	threshold := a.threshold
	rules, err := a.alerts.GetAlertRules(ctx, tenantID)
	if err != nil {
		return err
	}
	for _, rule := range rules {
		if rule.ProductID == productID {
			threshold = rule.Threshold
			break
		}
	}
	if currentStock > threshold {
		return nil
	}
	product, err := a.products.GetProduct(ctx, tenantID, productID)
	if err != nil {
		return err
	}
	return a.raiseLowStock(ctx, tenantID, productID, product.Name, currentStock, threshold)
}

func (a *Agent) raiseLowStock(ctx context.Context, tenantID, productID uuid.UUID, name string, stock, threshold int) error {
	exists, err := a.alerts.AlertExists(ctx, tenantID, enums.AlertTypeLowStock, &productID, nil)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return a.alerts.CreateAlert(ctx, &models.Alert{
		TenantID:       tenantID,
		Type:           enums.AlertTypeLowStock,
		ProductID:      &productID,
		Title:          "Low stock",
		Message:        fmt.Sprintf("%s is down to %d units (threshold %d).", name, stock, threshold),
		NotifyChannels: notifyChannels(false),
	})
}

func (a *Agent) checkChannelHealth(ctx context.Context, tenantID uuid.UUID) error {
	channelList, err := a.chans.ListChannels(ctx, tenantID)
	if err != nil {
		return err
	}
	var errs error
	for _, channel := range channelList {
		if !channel.IsActive {
			continue
		}
		if probeErr := a.gateway.CheckChannelHealth(ctx, channel); probeErr != nil {
			if err := a.raiseChannelDisconnected(ctx, tenantID, channel.ID, channel.Name, probeErr.Error()); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	}
	return errs
}

func (a *Agent) onSyncFailed(ctx context.Context, result agents.SyncResult) error {
	exists, err := a.alerts.AlertExists(ctx, result.TenantID, enums.AlertTypeSyncError, &result.ProductID, nil)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	names := make([]string, 0, len(result.Failures))
	for _, failure := range result.Failures {
		names = append(names, failure.ChannelName)
	}
	return a.alerts.CreateAlert(ctx, &models.Alert{
		TenantID:       result.TenantID,
		Type:           enums.AlertTypeSyncError,
		ProductID:      &result.ProductID,
		Title:          "Sync failed",
		Message:        fmt.Sprintf("Stock propagation failed on: %s.", strings.Join(names, ", ")),
		NotifyChannels: notifyChannels(true),
	})
}

func (a *Agent) onChannelDisconnected(ctx context.Context, disconnect agents.ChannelDisconnect) error {
	return a.raiseChannelDisconnected(ctx, disconnect.TenantID, disconnect.ChannelID, disconnect.Name, disconnect.Reason)
}

func (a *Agent) raiseChannelDisconnected(ctx context.Context, tenantID, channelID uuid.UUID, name, reason string) error {
	exists, err := a.alerts.AlertExists(ctx, tenantID, enums.AlertTypeChannelDisconnected, nil, &channelID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return a.alerts.CreateAlert(ctx, &models.Alert{
		TenantID:       tenantID,
		Type:           enums.AlertTypeChannelDisconnected,
		ChannelID:      &channelID,
		Title:          "Channel disconnected",
		Message:        fmt.Sprintf("%s needs to be reconnected: %s", name, reason),
		NotifyChannels: notifyChannels(true),
	})
}

func (a *Agent) onHighDrift(ctx context.Context, detection agents.DriftDetection) error {
	exists, err := a.alerts.AlertExists(ctx, detection.TenantID, enums.AlertTypeSystem, &detection.ProductID, nil)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return a.alerts.CreateAlert(ctx, &models.Alert{
		TenantID:       detection.TenantID,
		Type:           enums.AlertTypeSystem,
		ProductID:      &detection.ProductID,
		Title:          "Large stock drift",
		Message:        fmt.Sprintf("Drift of %d units across %d channels requires review; not auto-repaired.", detection.MaxDrift, len(detection.DriftingChannels)),
		NotifyChannels: notifyChannels(true),
	})
}

// notifyChannels selects delivery: in_app always, email for urgent alerts.
func notifyChannels(email bool) string {
	if email {
		return strings.Join([]string{string(enums.NotifyInApp), string(enums.NotifyEmail)}, ",")
	}
	return string(enums.NotifyInApp)
}
