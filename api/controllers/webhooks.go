package controllers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/stocklinkhq/stocklink-backend/api/responses"
	"github.com/stocklinkhq/stocklink-backend/api/validators"
	"github.com/stocklinkhq/stocklink-backend/internal/protocol"
	"github.com/stocklinkhq/stocklink-backend/pkg/enums"
	pkgerrors "github.com/stocklinkhq/stocklink-backend/pkg/errors"
	"github.com/stocklinkhq/stocklink-backend/pkg/logger"
)

const signatureHeader = "X-Webhook-Signature"

// WebhookSink accepts inbound channel events for routing to a tenant worker.
type WebhookSink interface {
	AddWebhookJob(ctx context.Context, tenantID uuid.UUID, payload protocol.AddWebhookJobPayload) error
}

type webhookRequest struct {
	TenantID  string          `json:"tenantId" validate:"required,uuid"`
	ChannelID string          `json:"channelId" validate:"required,uuid"`
	EventType string          `json:"eventType" validate:"required"`
	Payload   json.RawMessage `json:"payload" validate:"required"`
}

// ReceiveWebhook ingests one channel notification. The channel type rides on
// the path so each integration gets its own ingress URL.
func ReceiveWebhook(sink WebhookSink, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		channelType := enums.ChannelType(chi.URLParam(r, "channelType"))
		if !channelType.Valid() {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "unknown channel type"))
			return
		}

		var req webhookRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		tenantID, err := uuid.Parse(req.TenantID)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid tenant id"))
			return
		}
		channelID, err := uuid.Parse(req.ChannelID)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid channel id"))
			return
		}

		ctx = logg.WithTenantID(ctx, tenantID.String())
		ctx = logg.WithChannelID(ctx, channelID.String())

		payload := protocol.AddWebhookJobPayload{
			ChannelID:   channelID,
			ChannelType: channelType,
			EventType:   req.EventType,
			Payload:     req.Payload,
			Signature:   r.Header.Get(signatureHeader),
		}
		if err := sink.AddWebhookJob(ctx, tenantID, payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		logg.Info(ctx, "webhook accepted")
		responses.WriteSuccessStatus(w, http.StatusAccepted, map[string]any{"queued": true})
	}
}
