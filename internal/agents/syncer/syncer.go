// Package syncer propagates authoritative quantities to every mapped channel
// under the buffer-stock policy. Channel pushes are attempted independently;
// one channel's failure never blocks the others.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

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

// JobStockChange names reactive propagation jobs on the sync queue.
const JobStockChange = "stock_change"

// SyncJob is the payload carried on the sync queue. Operation discriminates
// the variants; stock_change additionally carries the normalized change.
type SyncJob struct {
	TenantID  uuid.UUID           `json:"tenantId"`
	Operation enums.SyncOperation `json:"operation"`
	ChannelID *uuid.UUID          `json:"channelId,omitempty"`
	ProductID *uuid.UUID          `json:"productId,omitempty"`
	Change    *agents.StockChange `json:"change,omitempty"`
}

// AgentParams configure the sync agent.
type AgentParams struct {
	Products  store.ProductStore
	Channels  store.ChannelStore
	Audit     store.AuditStore
	Gateway   channels.Gateway
	Bus       *eventbus.Bus
	SyncQueue *jobqueue.Queue
	Logger    *logger.Logger
	Stats     *agents.Stats
}

// Agent is the propagation stage of the pipeline.
type Agent struct {
	products  store.ProductStore
	channels  store.ChannelStore
	audit     store.AuditStore
	gateway   channels.Gateway
	bus       *eventbus.Bus
	syncQueue *jobqueue.Queue
	logg      *logger.Logger
	stats     *agents.Stats

	sub *eventbus.Subscription
}

func New(params AgentParams) (*Agent, error) {
	if params.Products == nil {
		return nil, fmt.Errorf("product store required")
	}
	if params.Channels == nil {
		return nil, fmt.Errorf("channel store required")
	}
	if params.Audit == nil {
		return nil, fmt.Errorf("audit store required")
	}
	if params.Gateway == nil {
		return nil, fmt.Errorf("channel gateway required")
	}
	if params.Bus == nil {
		return nil, fmt.Errorf("event bus required")
	}
	if params.SyncQueue == nil {
		return nil, fmt.Errorf("sync queue required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Stats == nil {
		params.Stats = &agents.Stats{}
	}
	return &Agent{
		products:  params.Products,
		channels:  params.Channels,
		audit:     params.Audit,
		gateway:   params.Gateway,
		bus:       params.Bus,
		syncQueue: params.SyncQueue,
		logg:      params.Logger,
		stats:     params.Stats,
	}, nil
}

// Subscribe attaches the agent to stock:change events. The subscription does
// not propagate inline: it parks the change as a stock_change job on the sync
// queue, so a transient channel failure lands back in the queue's retry
// policy instead of dying with the event.
func (a *Agent) Subscribe() {
	a.sub = a.bus.Subscribe(eventbus.TopicStockChange, func(ctx context.Context, event eventbus.Event) {
		change, ok := event.Payload.(agents.StockChange)
		if !ok {
			return
		}
		job := SyncJob{
			TenantID:  change.TenantID,
			Operation: enums.SyncOpStockChange,
			Change:    &change,
		}
		if _, err := a.syncQueue.Enqueue(ctx, JobStockChange, job); err != nil {
			a.logg.Error(ctx, "failed to enqueue stock change", err)
			a.stats.Record(err)
		}
	})
}

// Unsubscribe detaches the agent from the bus.
func (a *Agent) Unsubscribe() {
	if a.sub != nil {
		a.sub.Unsubscribe()
	}
}

// HandleJob is the sync queue handler.
func (a *Agent) HandleJob(ctx context.Context, job *jobqueue.Job) error {
	var sync SyncJob
	if err := job.Unmarshal(&sync); err != nil {
		err = pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode sync job")
		a.stats.Record(err)
		return err
	}
	var err error
	switch sync.Operation {
	case enums.SyncOpStockChange:
		if sync.Change == nil {
			err = pkgerrors.New(pkgerrors.CodeValidation, "stock_change job missing change payload")
		} else {
			err = a.HandleStockChange(ctx, *sync.Change)
		}
	case enums.SyncOpFull:
		err = a.fullSync(ctx, sync.TenantID)
	case enums.SyncOpProduct:
		if sync.ProductID == nil {
			err = pkgerrors.New(pkgerrors.CodeValidation, "product_sync job missing product id")
		} else {
			err = a.productSync(ctx, sync.TenantID, *sync.ProductID)
		}
	case enums.SyncOpChannel:
		if sync.ChannelID == nil {
			err = pkgerrors.New(pkgerrors.CodeValidation, "channel_sync job missing channel id")
		} else {
			err = a.channelSync(ctx, sync.TenantID, *sync.ChannelID)
		}
	default:
		err = pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown sync operation %q", sync.Operation))
	}
	a.stats.Record(err)
	return err
}

// PushQuantity applies the buffer-stock rule: online channels advertise
// max(0, actual - buffer); the in-store channel carries the raw quantity.
func PushQuantity(channelType enums.ChannelType, actual, buffer int) int {
	if !channelType.Online() {
		return actual
	}
	adjusted := actual - buffer
	if adjusted < 0 {
		return 0
	}
	return adjusted
}

// HandleStockChange runs the reactive propagation path: audit first, persist
// the authoritative value, then fan out to every other channel mapping.
func (a *Agent) HandleStockChange(ctx context.Context, change agents.StockChange) error {
	logCtx := a.logg.WithFields(ctx, map[string]any{
		"tenant_id":  change.TenantID.String(),
		"product_id": change.ProductID.String(),
	})

	product, err := a.resolveProduct(ctx, change)
	if err != nil {
		a.stats.Record(err)
		return err
	}

	sourceID := change.ChannelID
	record := &models.SyncEventRecord{
		TenantID:        change.TenantID,
		ProductID:       product.ID,
		SourceChannelID: &sourceID,
		Operation:       string(enums.SyncOpStockChange),
		OldValue:        product.CurrentStock,
		NewValue:        change.NewQuantity,
		Status:          enums.SyncStatusProcessing,
	}
	if err := a.audit.CreateSyncEvent(ctx, record); err != nil {
		return err
	}

	if err := a.products.UpdateProductStock(ctx, change.TenantID, product.ID, change.NewQuantity); err != nil {
		a.finalize(ctx, record.ID, enums.SyncStatusFailed, err.Error())
		return err
	}
	product.CurrentStock = change.NewQuantity

	result := a.fanOut(ctx, logCtx, product, &sourceID)
	result.SyncEventID = record.ID

	if len(result.Failures) == 0 {
		a.finalize(ctx, record.ID, enums.SyncStatusCompleted, "")
		a.bus.Publish(ctx, eventbus.Event{Topic: eventbus.TopicSyncCompleted, Payload: result})
		return nil
	}

	detail, _ := json.Marshal(result.Failures)
	a.finalize(ctx, record.ID, enums.SyncStatusFailed, string(detail))
	a.bus.Publish(ctx, eventbus.Event{Topic: eventbus.TopicSyncFailed, Payload: result})
	if result.Retryable {
		return pkgerrors.New(pkgerrors.CodeDependency, fmt.Sprintf("%d channel pushes failed", len(result.Failures)))
	}
	return nil
}

func (a *Agent) resolveProduct(ctx context.Context, change agents.StockChange) (*models.Product, error) {
	if change.ProductID != uuid.Nil {
		return a.products.GetProduct(ctx, change.TenantID, change.ProductID)
	}
	product, _, err := a.products.GetProductByMapping(ctx, change.TenantID, change.ChannelID, change.ExternalID)
	return product, err
}

// fanOut pushes the product's current quantity to every active mapped
// channel except the source. Failures are collected, never short-circuited.
func (a *Agent) fanOut(ctx context.Context, logCtx context.Context, product *models.Product, sourceChannelID *uuid.UUID) agents.SyncResult {
	result := agents.SyncResult{
		TenantID:    product.TenantID,
		ProductID:   product.ID,
		NewQuantity: product.CurrentStock,
	}

	mapped, err := a.channels.ListMappedChannels(ctx, product.TenantID, product.ID)
	if err != nil {
		result.Failures = append(result.Failures, agents.ChannelFailure{Error: err.Error()})
		result.Retryable = pkgerrors.Retryable(err)
		return result
	}

	for _, mc := range mapped {
		if sourceChannelID != nil && mc.Channel.ID == *sourceChannelID {
			continue
		}
		if !mc.Channel.IsActive {
			continue
		}
		quantity := PushQuantity(mc.Channel.Type, product.CurrentStock, product.BufferStock)
		pushErr := a.gateway.UpdateChannelStock(ctx, mc.Channel, mc.Mapping.ExternalID, quantity)
		if pushErr == nil {
			result.Pushed++
			if touchErr := a.channels.TouchMappingSynced(ctx, mc.Mapping.ID); touchErr != nil {
				a.logg.Warn(a.logg.WithField(logCtx, "mapping_id", mc.Mapping.ID.String()), "failed to stamp mapping sync time")
			}
			continue
		}

		failure := agents.ChannelFailure{
			ChannelID:   mc.Channel.ID,
			ChannelName: mc.Channel.Name,
			Error:       pushErr.Error(),
			AuthFailure: IsAuthFailure(pushErr),
		}
		result.Failures = append(result.Failures, failure)

		if failure.AuthFailure {
			a.bus.Publish(ctx, eventbus.Event{
				Topic: eventbus.TopicChannelDisconnected,
				Payload: agents.ChannelDisconnect{
					TenantID:  product.TenantID,
					ChannelID: mc.Channel.ID,
					Name:      mc.Channel.Name,
					Reason:    pushErr.Error(),
				},
			})
		} else if pkgerrors.Retryable(pushErr) {
			result.Retryable = true
		}
		a.logg.Error(a.logg.WithField(logCtx, "channel_id", mc.Channel.ID.String()), "channel push failed", pushErr)
	}
	return result
}

func (a *Agent) finalize(ctx context.Context, id uuid.UUID, status enums.SyncStatus, detail string) {
	if err := a.audit.UpdateSyncEventStatus(ctx, id, status, detail); err != nil {
		a.logg.Error(ctx, "failed to finalize sync event", err)
	}
}

// IsAuthFailure reports whether a push error indicates an authentication or
// authorization failure rather than a transient fault.
func IsAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	if typed := pkgerrors.As(err); typed != nil && typed.Code() == pkgerrors.CodeChannelAuth {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"auth", "unauthorized", "forbidden", "401", "403", "invalid token", "invalid credentials"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func (a *Agent) fullSync(ctx context.Context, tenantID uuid.UUID) error {
	products, err := a.products.ListProducts(ctx, tenantID)
	if err != nil {
		return err
	}
	var errs error
	for i := range products {
		if err := a.syncProduct(ctx, &products[i]); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (a *Agent) productSync(ctx context.Context, tenantID, productID uuid.UUID) error {
	product, err := a.products.GetProduct(ctx, tenantID, productID)
	if err != nil {
		return err
	}
	return a.syncProduct(ctx, product)
}

// syncProduct pushes a product's authoritative quantity to all of its
// channels, with no source exclusion.
func (a *Agent) syncProduct(ctx context.Context, product *models.Product) error {
	record := &models.SyncEventRecord{
		TenantID:  product.TenantID,
		ProductID: product.ID,
		Operation: string(enums.SyncOpProduct),
		OldValue:  product.CurrentStock,
		NewValue:  product.CurrentStock,
		Status:    enums.SyncStatusProcessing,
	}
	if err := a.audit.CreateSyncEvent(ctx, record); err != nil {
		return err
	}
	result := a.fanOut(ctx, ctx, product, nil)
	result.SyncEventID = record.ID
	if len(result.Failures) == 0 {
		a.finalize(ctx, record.ID, enums.SyncStatusCompleted, "")
		a.bus.Publish(ctx, eventbus.Event{Topic: eventbus.TopicSyncCompleted, Payload: result})
		return nil
	}
	detail, _ := json.Marshal(result.Failures)
	a.finalize(ctx, record.ID, enums.SyncStatusFailed, string(detail))
	a.bus.Publish(ctx, eventbus.Event{Topic: eventbus.TopicSyncFailed, Payload: result})
	if result.Retryable {
		return pkgerrors.New(pkgerrors.CodeDependency, fmt.Sprintf("%d channel pushes failed", len(result.Failures)))
	}
	return nil
}

// channelSync pushes authoritative quantities for every product mapped to
// one channel.
func (a *Agent) channelSync(ctx context.Context, tenantID, channelID uuid.UUID) error {
	channel, err := a.channels.GetChannel(ctx, tenantID, channelID)
	if err != nil {
		return err
	}
	mappings, err := a.channels.ListMappingsForChannel(ctx, tenantID, channelID)
	if err != nil {
		return err
	}
	var errs error
	for _, mapping := range mappings {
		product, err := a.products.GetProduct(ctx, tenantID, mapping.ProductID)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		quantity := PushQuantity(channel.Type, product.CurrentStock, product.BufferStock)
		if err := a.gateway.UpdateChannelStock(ctx, *channel, mapping.ExternalID, quantity); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if err := a.channels.TouchMappingSynced(ctx, mapping.ID); err != nil {
			a.logg.Warn(a.logg.WithField(ctx, "mapping_id", mapping.ID.String()), "failed to stamp mapping sync time")
		}
	}
	return errs
}

// ChannelReport is one channel's claim about a product's quantity.
type ChannelReport struct {
	ChannelID uuid.UUID `json:"channelId"`
	Quantity  int       `json:"quantity"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ResolveConflict picks the winner among disagreeing channels: the most
// recently updated channel's value wins. The decision and all inputs are
// written to the audit trail.
func (a *Agent) ResolveConflict(ctx context.Context, tenantID, productID uuid.UUID, reports []ChannelReport) (ChannelReport, error) {
	if len(reports) == 0 {
		return ChannelReport{}, pkgerrors.New(pkgerrors.CodeValidation, "no channel reports to resolve")
	}
	winner := reports[0]
	for _, report := range reports[1:] {
		if report.UpdatedAt.After(winner.UpdatedAt) {
			winner = report
		}
	}

	detail, _ := json.Marshal(map[string]any{
		"inputs": reports,
		"winner": winner,
	})
	record := &models.SyncEventRecord{
		TenantID:        tenantID,
		ProductID:       productID,
		SourceChannelID: &winner.ChannelID,
		Operation:       "conflict_resolution",
		OldValue:        reports[0].Quantity,
		NewValue:        winner.Quantity,
		Status:          enums.SyncStatusCompleted,
	}
	text := string(detail)
	record.Detail = &text
	if err := a.audit.CreateSyncEvent(ctx, record); err != nil {
		return winner, err
	}
	return winner, nil
}
