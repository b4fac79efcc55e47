// Package watcher ingests channel-originated webhook jobs, normalizes them
// into StockChange records, and emits stock:change events. Persisting the new
// quantity is the sync agent's job, which keeps detection and propagation
// independently testable.
package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stocklinkhq/stocklink-backend/internal/agents"
	"github.com/stocklinkhq/stocklink-backend/internal/eventbus"
	"github.com/stocklinkhq/stocklink-backend/internal/jobqueue"
	"github.com/stocklinkhq/stocklink-backend/internal/store"
	"github.com/stocklinkhq/stocklink-backend/pkg/enums"
	pkgerrors "github.com/stocklinkhq/stocklink-backend/pkg/errors"
	"github.com/stocklinkhq/stocklink-backend/pkg/logger"
)

// WebhookJob is the payload the tenant worker enqueues on the webhook queue.
type WebhookJob struct {
	TenantID    uuid.UUID         `json:"tenantId"`
	ChannelID   uuid.UUID         `json:"channelId"`
	ChannelType enums.ChannelType `json:"channelType"`
	EventType   string            `json:"eventType"`
	Payload     json.RawMessage   `json:"payload"`
	Signature   string            `json:"signature,omitempty"`
	ReceivedAt  time.Time         `json:"receivedAt"`
}

// webhookBody is the channel-agnostic shape of a stock notification.
type webhookBody struct {
	ExternalID       string `json:"externalId"`
	NewQuantity      *int   `json:"newQuantity"`
	PreviousQuantity *int   `json:"previousQuantity"`
	Reason           string `json:"reason,omitempty"`
}

// AgentParams configure the watcher.
type AgentParams struct {
	Products store.ProductStore
	Bus      *eventbus.Bus
	Logger   *logger.Logger
	Stats    *agents.Stats
	Clock    func() time.Time
}

// Agent is the webhook-queue consumer.
type Agent struct {
	products store.ProductStore
	bus      *eventbus.Bus
	logg     *logger.Logger
	stats    *agents.Stats
	clock    func() time.Time
}

func New(params AgentParams) (*Agent, error) {
	if params.Products == nil {
		return nil, fmt.Errorf("product store required")
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
	clock := params.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Agent{
		products: params.Products,
		bus:      params.Bus,
		logg:     params.Logger,
		stats:    params.Stats,
		clock:    clock,
	}, nil
}

// HandleJob is the webhook queue handler.
func (a *Agent) HandleJob(ctx context.Context, job *jobqueue.Job) error {
	var webhook WebhookJob
	if err := job.Unmarshal(&webhook); err != nil {
		err = pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode webhook job")
		a.stats.Record(err)
		return err
	}
	err := a.Process(ctx, webhook)
	a.stats.Record(err)
	return err
}

// Process normalizes one webhook into a StockChange and publishes it.
func (a *Agent) Process(ctx context.Context, webhook WebhookJob) error {
	logCtx := a.logg.WithFields(ctx, map[string]any{
		"tenant_id":  webhook.TenantID.String(),
		"channel_id": webhook.ChannelID.String(),
		"event_type": webhook.EventType,
	})

	var body webhookBody
	if err := json.Unmarshal(webhook.Payload, &body); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode webhook payload")
	}
	if body.ExternalID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "webhook payload missing external id")
	}
	if body.NewQuantity == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "webhook payload missing quantity")
	}

	product, _, err := a.products.GetProductByMapping(ctx, webhook.TenantID, webhook.ChannelID, body.ExternalID)
	if err != nil {
		return err
	}

	previous := body.PreviousQuantity
	if previous == nil {
		prev := product.CurrentStock
		previous = &prev
	}
	changeAmount := *body.NewQuantity - *previous

	change := agents.StockChange{
		TenantID:         webhook.TenantID,
		ChannelID:        webhook.ChannelID,
		ProductID:        product.ID,
		ExternalID:       body.ExternalID,
		PreviousQuantity: previous,
		NewQuantity:      *body.NewQuantity,
		ChangeAmount:     changeAmount,
		ChangeType:       Classify(webhook.EventType, body.Reason, changeAmount),
		Timestamp:        a.clock().UTC(),
	}

	a.logg.Info(a.logg.WithFields(logCtx, map[string]any{
		"product_id":  product.ID.String(),
		"change_type": string(change.ChangeType),
		"delta":       changeAmount,
	}), "stock change detected")

	a.bus.Publish(ctx, eventbus.Event{
		Topic:   eventbus.TopicStockChange,
		Payload: change,
	})
	return nil
}

// Classify derives the change type from the event's source metadata and the
// sign of the delta. Explicit markers win over the sign-based default.
func Classify(eventType, reason string, changeAmount int) enums.ChangeType {
	kind := strings.ToLower(eventType)
	switch {
	case strings.Contains(kind, "return") || strings.EqualFold(reason, "return"):
		return enums.ChangeTypeReturn
	case strings.Contains(kind, "order") || strings.EqualFold(reason, "order"):
		return enums.ChangeTypeOrder
	case strings.Contains(kind, "adjust") || strings.EqualFold(reason, "manual_adjustment"):
		return enums.ChangeTypeAdjustment
	}
	switch {
	case changeAmount < 0:
		return enums.ChangeTypeSale
	case changeAmount > 0:
		return enums.ChangeTypeRestock
	}
	return enums.ChangeTypeUnknown
}
