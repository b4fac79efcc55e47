package routes

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stocklinkhq/stocklink-backend/api/controllers"
	"github.com/stocklinkhq/stocklink-backend/api/middleware"
	"github.com/stocklinkhq/stocklink-backend/pkg/config"
	"github.com/stocklinkhq/stocklink-backend/pkg/logger"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// Supervisor is the full orchestrator surface the router wires up.
type Supervisor interface {
	controllers.Supervisor
	controllers.WebhookSink
}

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP pinger,
	redisP pinger,
	supervisor Supervisor,
	registry *prometheus.Registry,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, controllers.ReadyDeps(dbP, redisP)))
	})

	if registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/webhooks/{channelType}", controllers.ReceiveWebhook(supervisor, logg))

		r.Route("/tenants/{tenantId}", func(r chi.Router) {
			r.Post("/sync", controllers.TriggerTenantSync(supervisor, logg))
			r.Post("/reconcile", controllers.TriggerTenantReconciliation(supervisor, logg))
			r.Get("/status", controllers.TenantWorkerStatus(supervisor, logg))
		})

		r.Get("/workers", controllers.ListWorkers(supervisor))
	})

	return r
}
