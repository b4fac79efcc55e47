// Package guardian reconciles channel quantities against the source of
// truth. Small drift is repaired quietly through the stock-update queue;
// large drift is only flagged, so a possibly-legitimate discrepancy is never
// silently corrected.
package guardian

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/stocklinkhq/stocklink-backend/internal/agents"
	"github.com/stocklinkhq/stocklink-backend/internal/agents/syncer"
	"github.com/stocklinkhq/stocklink-backend/internal/channels"
	"github.com/stocklinkhq/stocklink-backend/internal/eventbus"
	"github.com/stocklinkhq/stocklink-backend/internal/jobqueue"
	"github.com/stocklinkhq/stocklink-backend/internal/store"
	"github.com/stocklinkhq/stocklink-backend/pkg/db/models"
	"github.com/stocklinkhq/stocklink-backend/pkg/enums"
	pkgerrors "github.com/stocklinkhq/stocklink-backend/pkg/errors"
	"github.com/stocklinkhq/stocklink-backend/pkg/logger"
)

// ReconcileJob is the payload carried on the sync queue for reconciliation.
type ReconcileJob struct {
	TenantID   uuid.UUID `json:"tenantId"`
	AutoRepair *bool     `json:"autoRepair,omitempty"`
}

// RepairJob is the payload carried on the stock-update queue; one job pushes
// the correct quantity back to one drifting channel.
type RepairJob struct {
	TenantID   uuid.UUID `json:"tenantId"`
	ProductID  uuid.UUID `json:"productId"`
	ChannelID  uuid.UUID `json:"channelId"`
	ExternalID string    `json:"externalId"`
	Quantity   int       `json:"quantity"`
}

// Config carries the drift thresholds.
type Config struct {
	AutoRepairThreshold int
	HighDriftThreshold  int
	AutoRepair          bool
}

// AgentParams configure the guardian.
type AgentParams struct {
	Products   store.ProductStore
	Channels   store.ChannelStore
	Gateway    channels.Gateway
	Bus        *eventbus.Bus
	StockQueue *jobqueue.Queue
	Logger     *logger.Logger
	Stats      *agents.Stats
	Config     Config
}

// Agent is the reconciliation stage of the pipeline.
type Agent struct {
	products   store.ProductStore
	channels   store.ChannelStore
	gateway    channels.Gateway
	bus        *eventbus.Bus
	stockQueue *jobqueue.Queue
	logg       *logger.Logger
	stats      *agents.Stats
	cfg        Config
}

func New(params AgentParams) (*Agent, error) {
	if params.Products == nil {
		return nil, fmt.Errorf("product store required")
	}
	if params.Channels == nil {
		return nil, fmt.Errorf("channel store required")
	}
	if params.Gateway == nil {
		return nil, fmt.Errorf("channel gateway required")
	}
	if params.Bus == nil {
		return nil, fmt.Errorf("event bus required")
	}
	if params.StockQueue == nil {
		return nil, fmt.Errorf("stock-update queue required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Stats == nil {
		params.Stats = &agents.Stats{}
	}
	cfg := params.Config
	if cfg.AutoRepairThreshold <= 0 {
		cfg.AutoRepairThreshold = 5
	}
	if cfg.HighDriftThreshold <= cfg.AutoRepairThreshold {
		cfg.HighDriftThreshold = cfg.AutoRepairThreshold * 4
	}
	return &Agent{
		products:   params.Products,
		channels:   params.Channels,
		gateway:    params.Gateway,
		bus:        params.Bus,
		stockQueue: params.StockQueue,
		logg:       params.Logger,
		stats:      params.Stats,
		cfg:        cfg,
	}, nil
}

// HandleJob is the sync-queue handler for reconciliation jobs.
func (a *Agent) HandleJob(ctx context.Context, job *jobqueue.Job) error {
	var reconcile ReconcileJob
	if err := job.Unmarshal(&reconcile); err != nil {
		err = pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode reconcile job")
		a.stats.Record(err)
		return err
	}
	err := a.Reconcile(ctx, reconcile.TenantID, reconcile.AutoRepair)
	a.stats.Record(err)
	return err
}

// HandleRepairJob is the stock-update queue handler: it re-pushes the
// expected quantity to one drifting channel.
func (a *Agent) HandleRepairJob(ctx context.Context, job *jobqueue.Job) error {
	var repair RepairJob
	if err := job.Unmarshal(&repair); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode repair job")
	}
	channel, err := a.channels.GetChannel(ctx, repair.TenantID, repair.ChannelID)
	if err != nil {
		return err
	}
	return a.gateway.UpdateChannelStock(ctx, *channel, repair.ExternalID, repair.Quantity)
}

// Reconcile cross-checks every product of the tenant.
func (a *Agent) Reconcile(ctx context.Context, tenantID uuid.UUID, autoRepair *bool) error {
	repair := a.cfg.AutoRepair
	if autoRepair != nil {
		repair = *autoRepair
	}
	products, err := a.products.ListProducts(ctx, tenantID)
	if err != nil {
		return err
	}
	var errs error
	for i := range products {
		if _, err := a.CheckProduct(ctx, &products[i], repair); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// CheckProduct compares one product's expected quantity per channel against
// what the channel actually reports. It returns the detection when drift was
// found, nil otherwise.
func (a *Agent) CheckProduct(ctx context.Context, product *models.Product, autoRepair bool) (*agents.DriftDetection, error) {
	mapped, err := a.channels.ListMappedChannels(ctx, product.TenantID, product.ID)
	if err != nil {
		return nil, err
	}

	detection := agents.DriftDetection{
		TenantID:    product.TenantID,
		ProductID:   product.ID,
		SourceStock: product.CurrentStock,
	}
	repairs := make([]RepairJob, 0)

	for _, mc := range mapped {
		if !mc.Channel.IsActive {
			continue
		}
		expected := syncer.PushQuantity(mc.Channel.Type, product.CurrentStock, product.BufferStock)
		actual, err := a.gateway.GetChannelStock(ctx, mc.Channel, mc.Mapping.ExternalID)
		if err != nil {
			a.logg.Warn(a.logg.WithFields(ctx, map[string]any{
				"product_id": product.ID.String(),
				"channel_id": mc.Channel.ID.String(),
				"error":      err.Error(),
			}), "reconciliation read failed")
			continue
		}
		drift := expected - actual.Value
		if drift == 0 {
			continue
		}
		detection.DriftingChannels = append(detection.DriftingChannels, agents.ChannelDrift{
			ChannelID: mc.Channel.ID,
			Expected:  expected,
			Actual:    actual.Value,
			Drift:     drift,
		})
		if abs(drift) > detection.MaxDrift {
			detection.MaxDrift = abs(drift)
		}
		repairs = append(repairs, RepairJob{
			TenantID:   product.TenantID,
			ProductID:  product.ID,
			ChannelID:  mc.Channel.ID,
			ExternalID: mc.Mapping.ExternalID,
			Quantity:   expected,
		})
	}

	if len(detection.DriftingChannels) == 0 {
		return nil, nil
	}
	detection.Severity = a.severity(detection.MaxDrift)

	if detection.MaxDrift <= a.cfg.AutoRepairThreshold && autoRepair {
		for _, repairJob := range repairs {
			if _, err := a.stockQueue.Enqueue(ctx, "drift_repair", repairJob); err != nil {
				return &detection, err
			}
		}
		detection.Repaired = true
		a.logg.Info(a.logg.WithFields(ctx, map[string]any{
			"product_id": product.ID.String(),
			"max_drift":  detection.MaxDrift,
			"channels":   len(detection.DriftingChannels),
		}), "drift auto-repaired")
		a.bus.Publish(ctx, eventbus.Event{Topic: eventbus.TopicDriftRepaired, Payload: detection})
		return &detection, nil
	}

	a.logg.Warn(a.logg.WithFields(ctx, map[string]any{
		"product_id": product.ID.String(),
		"max_drift":  detection.MaxDrift,
		"severity":   string(detection.Severity),
	}), "drift detected above auto-repair threshold")
	a.bus.Publish(ctx, eventbus.Event{Topic: eventbus.TopicDriftDetected, Payload: detection})
	return &detection, nil
}

func (a *Agent) severity(maxDrift int) enums.DriftSeverity {
	switch {
	case maxDrift <= a.cfg.AutoRepairThreshold:
		return enums.DriftSeverityLow
	case maxDrift <= a.cfg.HighDriftThreshold:
		return enums.DriftSeverityMedium
	}
	return enums.DriftSeverityHigh
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
