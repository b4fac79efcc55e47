package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stocklinkhq/stocklink-backend/api/routes"
	"github.com/stocklinkhq/stocklink-backend/internal/channels"
	"github.com/stocklinkhq/stocklink-backend/internal/orchestrator"
	"github.com/stocklinkhq/stocklink-backend/internal/protocol"
	"github.com/stocklinkhq/stocklink-backend/internal/store"
	"github.com/stocklinkhq/stocklink-backend/internal/worker"
	"github.com/stocklinkhq/stocklink-backend/pkg/config"
	"github.com/stocklinkhq/stocklink-backend/pkg/db"
	"github.com/stocklinkhq/stocklink-backend/pkg/logger"
	"github.com/stocklinkhq/stocklink-backend/pkg/metrics"
	redispkg "github.com/stocklinkhq/stocklink-backend/pkg/redis"
)

const serverShutdownTimeout = 10 * time.Second

// Service owns the process: storage clients, the orchestrator, and the HTTP
// server.
type Service struct {
	cfg     *config.Config
	logg    *logger.Logger
	db      *db.Client
	redis   *redispkg.Client
	orch    *orchestrator.Orchestrator
	server  *http.Server
	metrics *metrics.SyncMetrics
}

// NewService wires the full pipeline.
func NewService(ctx context.Context, cfg *config.Config, logg *logger.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return nil, err
	}

	repo := store.NewRepository(dbClient.Conn())
	if cfg.DB.AutoMigrate {
		if err := repo.AutoMigrate(); err != nil {
			return nil, err
		}
	}

	redisClient, err := redispkg.New(ctx, cfg.Redis, logg)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	syncMetrics := metrics.NewSyncMetrics(registry)

	gateway := channels.NewMemoryGateway()

	workerDeps := worker.Deps{
		Products:           repo,
		Channels:           repo,
		Audit:              repo,
		Alerts:             repo,
		Gateway:            gateway,
		Redis:              redisClient,
		Logger:             logg,
		Metrics:            syncMetrics,
		Queue:              cfg.Queue,
		AlertCheckInterval: cfg.Alert.CheckInterval,
	}

	orch, err := orchestrator.New(orchestrator.Params{
		Tenants: repo,
		Redis:   redisClient,
		Logger:  logg,
		Metrics: syncMetrics,
		Factory: func(tenantID uuid.UUID, pipe *protocol.Pipe) (orchestrator.Runner, error) {
			return worker.New(tenantID, pipe, workerDeps)
		},
		Config:   cfg.Orchestrator,
		Guardian: cfg.Guardian,
		Alert:    cfg.Alert,
		Queue:    cfg.Queue,
	})
	if err != nil {
		return nil, err
	}

	server := &http.Server{
		Addr:    ":" + cfg.App.Port,
		Handler: routes.NewRouter(cfg, logg, dbClient, redisClient, orch, registry),
	}

	return &Service{
		cfg:     cfg,
		logg:    logg,
		db:      dbClient,
		redis:   redisClient,
		orch:    orch,
		server:  server,
		metrics: syncMetrics,
	}, nil
}

// Run serves HTTP and supervises workers until the context is canceled.
func (s *Service) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		if err := s.orch.Run(ctx); err != nil && err != context.Canceled {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logg.Error(shutdownCtx, "http server shutdown failed", err)
	}
	return ctx.Err()
}

// Close releases the storage clients.
func (s *Service) Close() {
	ctx := context.Background()
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logg.Error(ctx, "error closing redis", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logg.Error(ctx, "error closing database", err)
		}
	}
}
