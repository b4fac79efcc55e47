package controllers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/stocklinkhq/stocklink-backend/api/responses"
	"github.com/stocklinkhq/stocklink-backend/api/validators"
	"github.com/stocklinkhq/stocklink-backend/internal/orchestrator"
	"github.com/stocklinkhq/stocklink-backend/internal/protocol"
	"github.com/stocklinkhq/stocklink-backend/pkg/enums"
	pkgerrors "github.com/stocklinkhq/stocklink-backend/pkg/errors"
	"github.com/stocklinkhq/stocklink-backend/pkg/logger"
)

// Supervisor is the orchestrator surface the API routes need.
type Supervisor interface {
	TriggerSync(ctx context.Context, tenantID uuid.UUID, payload protocol.TriggerSyncPayload) error
	TriggerReconciliation(ctx context.Context, tenantID uuid.UUID, autoRepair *bool) error
	Status() []orchestrator.TenantWorkerInfo
}

type triggerSyncRequest struct {
	Operation string  `json:"operation" validate:"required,oneof=full_sync channel_sync product_sync"`
	ChannelID *string `json:"channelId,omitempty" validate:"omitempty,uuid"`
	ProductID *string `json:"productId,omitempty" validate:"omitempty,uuid"`
}

type triggerReconcileRequest struct {
	AutoRepair *bool `json:"autoRepair,omitempty"`
}

func tenantIDParam(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "tenantId")
	tenantID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid tenant id")
	}
	return tenantID, nil
}

// TriggerTenantSync enqueues a sync operation on the tenant's worker.
func TriggerTenantSync(supervisor Supervisor, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		tenantID, err := tenantIDParam(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var req triggerSyncRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		payload := protocol.TriggerSyncPayload{Operation: enums.SyncOperation(req.Operation)}
		if req.ChannelID != nil {
			channelID, parseErr := uuid.Parse(*req.ChannelID)
			if parseErr != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, parseErr, "invalid channel id"))
				return
			}
			payload.ChannelID = channelID
		}
		if req.ProductID != nil {
			productID, parseErr := uuid.Parse(*req.ProductID)
			if parseErr != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, parseErr, "invalid product id"))
				return
			}
			payload.ProductID = &productID
		}

		if err := supervisor.TriggerSync(ctx, tenantID, payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, map[string]any{
			"tenantId":  tenantID,
			"operation": payload.Operation,
			"queued":    true,
		})
	}
}

// TriggerTenantReconciliation asks the tenant's worker for a guardian sweep.
func TriggerTenantReconciliation(supervisor Supervisor, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		tenantID, err := tenantIDParam(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var req triggerReconcileRequest
		if r.ContentLength > 0 {
			if err := validators.DecodeJSONBody(r, &req); err != nil {
				responses.WriteError(ctx, logg, w, err)
				return
			}
		}

		if err := supervisor.TriggerReconciliation(ctx, tenantID, req.AutoRepair); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, map[string]any{
			"tenantId": tenantID,
			"queued":   true,
		})
	}
}

// ListWorkers reports every supervised worker.
func ListWorkers(supervisor Supervisor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		responses.WriteSuccess(w, map[string]any{"workers": supervisor.Status()})
	}
}

// TenantWorkerStatus reports one tenant's worker.
func TenantWorkerStatus(supervisor Supervisor, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		tenantID, err := tenantIDParam(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		for _, info := range supervisor.Status() {
			if info.TenantID == tenantID {
				responses.WriteSuccess(w, info)
				return
			}
		}
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "no worker for tenant"))
	}
}
