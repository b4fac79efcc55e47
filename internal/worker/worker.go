// Package worker runs one tenant's sync pipeline: four durable queues, their
// consumers, and the four agents wired over a per-tenant event bus. A worker
// is a supervised goroutine that speaks the parent protocol over its pipe and
// owns no state shared with other tenants.
package worker

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/stocklinkhq/stocklink-backend/internal/agents"
	"github.com/stocklinkhq/stocklink-backend/internal/agents/alerting"
	"github.com/stocklinkhq/stocklink-backend/internal/agents/guardian"
	"github.com/stocklinkhq/stocklink-backend/internal/agents/syncer"
	"github.com/stocklinkhq/stocklink-backend/internal/agents/watcher"
	"github.com/stocklinkhq/stocklink-backend/internal/channels"
	"github.com/stocklinkhq/stocklink-backend/internal/eventbus"
	"github.com/stocklinkhq/stocklink-backend/internal/jobqueue"
	"github.com/stocklinkhq/stocklink-backend/internal/protocol"
	"github.com/stocklinkhq/stocklink-backend/internal/store"
	"github.com/stocklinkhq/stocklink-backend/pkg/config"
	"github.com/stocklinkhq/stocklink-backend/pkg/logger"
	"github.com/stocklinkhq/stocklink-backend/pkg/metrics"
	redispkg "github.com/stocklinkhq/stocklink-backend/pkg/redis"
)

// Queue names. Each worker owns a tenant-prefixed instance of each.
const (
	QueueSync        = "sync"
	QueueWebhook     = "webhook"
	QueueAlert       = "alert"
	QueueStockUpdate = "stock-update"
)

// Job names carried on the queues. Reactive propagation jobs use
// syncer.JobStockChange.
const (
	JobSync       = "sync"
	JobReconcile  = "reconcile"
	JobWebhook    = "webhook"
	JobAlertCheck = "alert_check"
)

// Deps are the shared process-level dependencies every worker draws on. The
// orchestrator hands the same Deps to each worker it spawns; tenant isolation
// comes from queue key prefixes and tenant-scoped store calls, not from
// separate connections.
type Deps struct {
	Products store.ProductStore
	Channels store.ChannelStore
	Audit    store.AuditStore
	Alerts   store.AlertStore
	Gateway  channels.Gateway
	Redis    *redispkg.Client
	Logger   *logger.Logger
	Metrics  *metrics.SyncMetrics

	Queue              config.QueueConfig
	AlertCheckInterval time.Duration
}

func (d Deps) validate() error {
	if d.Products == nil {
		return fmt.Errorf("product store required")
	}
	if d.Channels == nil {
		return fmt.Errorf("channel store required")
	}
	if d.Audit == nil {
		return fmt.Errorf("audit store required")
	}
	if d.Alerts == nil {
		return fmt.Errorf("alert store required")
	}
	if d.Gateway == nil {
		return fmt.Errorf("channel gateway required")
	}
	if d.Redis == nil {
		return fmt.Errorf("redis client required")
	}
	if d.Logger == nil {
		return fmt.Errorf("logger required")
	}
	return nil
}

// Worker is one tenant's pipeline instance.
type Worker struct {
	tenantID uuid.UUID
	pipe     *protocol.Pipe
	deps     Deps
	logg     *logger.Logger

	bus    *eventbus.Bus
	queues map[string]*jobqueue.Queue

	watcherAgent  *watcher.Agent
	syncAgent     *syncer.Agent
	guardianAgent *guardian.Agent
	alertAgent    *alerting.Agent

	watcherStats  agents.Stats
	syncStats     agents.Stats
	guardianStats agents.Stats
	alertStats    agents.Stats

	consumers map[string]*jobqueue.Consumer
	clock     func() time.Time
}

// New builds a worker. The pipeline itself is assembled when the init message
// arrives, since the tenant config rides on it.
func New(tenantID uuid.UUID, pipe *protocol.Pipe, deps Deps) (*Worker, error) {
	if tenantID == uuid.Nil {
		return nil, fmt.Errorf("tenant id required")
	}
	if pipe == nil {
		return nil, fmt.Errorf("pipe required")
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &Worker{
		tenantID: tenantID,
		pipe:     pipe,
		deps:     deps,
		logg:     deps.Logger,
		clock:    time.Now,
	}, nil
}

// Run drives the worker: wait for init, assemble and start the pipeline, then
// serve parent messages and timers until shutdown. Panics anywhere in the
// worker surface as a fatal error report so the orchestrator can restart it.
func (w *Worker) Run(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("worker panic: %v", rec)
			reportCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = w.pipe.SendToParent(reportCtx, protocol.NewErrorReport(w.tenantID, err, true))
		}
	}()

	ctx = w.logg.WithTenantID(ctx, w.tenantID.String())

	cfg, err := w.awaitInit(ctx)
	if err != nil {
		return err
	}
	if err := w.buildPipeline(cfg); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.startConsumers(runCtx, cfg)

	if err := w.pipe.SendToParent(ctx, protocol.NewReady(w.tenantID, os.Getpid())); err != nil {
		return fmt.Errorf("send ready: %w", err)
	}
	w.logg.Info(ctx, "worker ready")

	guardianTick := time.NewTicker(cfg.GuardianInterval)
	defer guardianTick.Stop()
	healthTick := time.NewTicker(cfg.HealthReportInterval)
	defer healthTick.Stop()
	alertInterval := w.deps.AlertCheckInterval
	if alertInterval <= 0 {
		alertInterval = 30 * time.Minute
	}
	alertTick := time.NewTicker(alertInterval)
	defer alertTick.Stop()

	for {
		select {
		case <-ctx.Done():
			w.stopPipeline(cancel)
			return ctx.Err()

		case <-guardianTick.C:
			w.enqueueReconcile(ctx, nil)

		case <-alertTick.C:
			if _, err := w.queues[QueueAlert].Enqueue(ctx, JobAlertCheck, alerting.CheckJob{TenantID: w.tenantID}); err != nil {
				w.logg.Error(ctx, "failed to enqueue alert check", err)
			}

		case <-healthTick.C:
			w.reportHealth(ctx)

		case msg, ok := <-w.pipe.WorkerInbox():
			if !ok {
				w.stopPipeline(cancel)
				return nil
			}
			if done := w.handleMessage(ctx, cancel, msg); done {
				return nil
			}
		}
	}
}

// awaitInit blocks until the parent sends init.
func (w *Worker) awaitInit(ctx context.Context) (protocol.TenantConfig, error) {
	for {
		select {
		case <-ctx.Done():
			return protocol.TenantConfig{}, ctx.Err()
		case msg, ok := <-w.pipe.WorkerInbox():
			if !ok {
				return protocol.TenantConfig{}, fmt.Errorf("pipe closed before init")
			}
			if msg.Kind != protocol.KindInit {
				w.logg.Warn(ctx, fmt.Sprintf("ignoring %s before init", msg.Kind))
				continue
			}
			cfg := msg.Init.Config
			if cfg.GuardianInterval <= 0 {
				cfg.GuardianInterval = 15 * time.Minute
			}
			if cfg.HealthReportInterval <= 0 {
				cfg.HealthReportInterval = 30 * time.Second
			}
			return cfg, nil
		}
	}
}

func (w *Worker) buildPipeline(cfg protocol.TenantConfig) error {
	w.bus = eventbus.New()

	w.watcherStats.Agent, w.watcherStats.Metrics = agents.NameWatcher, w.deps.Metrics
	w.syncStats.Agent, w.syncStats.Metrics = agents.NameSync, w.deps.Metrics
	w.guardianStats.Agent, w.guardianStats.Metrics = agents.NameGuardian, w.deps.Metrics
	w.alertStats.Agent, w.alertStats.Metrics = agents.NameAlert, w.deps.Metrics

	queueCfg := jobqueue.Config{
		MaxAttempts:   w.deps.Queue.MaxAttempts,
		RetryBackoff:  w.deps.Queue.RetryBackoff,
		KeepCompleted: w.deps.Queue.KeepCompleted,
		KeepFailed:    w.deps.Queue.KeepFailed,
	}
	prefix := w.deps.Redis.QueueKey(w.tenantID.String())
	w.queues = make(map[string]*jobqueue.Queue, 4)
	for _, name := range []string{QueueSync, QueueWebhook, QueueAlert, QueueStockUpdate} {
		queue, err := jobqueue.New(w.deps.Redis.Raw(), prefix, name, queueCfg)
		if err != nil {
			return fmt.Errorf("build %s queue: %w", name, err)
		}
		w.queues[name] = queue
	}

	var err error
	w.watcherAgent, err = watcher.New(watcher.AgentParams{
		Products: w.deps.Products,
		Bus:      w.bus,
		Logger:   w.logg,
		Stats:    &w.watcherStats,
		Clock:    w.clock,
	})
	if err != nil {
		return fmt.Errorf("build watcher: %w", err)
	}

	w.syncAgent, err = syncer.New(syncer.AgentParams{
		Products:  w.deps.Products,
		Channels:  w.deps.Channels,
		Audit:     w.deps.Audit,
		Gateway:   w.deps.Gateway,
		Bus:       w.bus,
		SyncQueue: w.queues[QueueSync],
		Logger:    w.logg,
		Stats:     &w.syncStats,
	})
	if err != nil {
		return fmt.Errorf("build sync agent: %w", err)
	}

	w.guardianAgent, err = guardian.New(guardian.AgentParams{
		Products:   w.deps.Products,
		Channels:   w.deps.Channels,
		Gateway:    w.deps.Gateway,
		Bus:        w.bus,
		StockQueue: w.queues[QueueStockUpdate],
		Logger:     w.logg,
		Stats:      &w.guardianStats,
		Config: guardian.Config{
			AutoRepairThreshold: cfg.DriftAutoRepairThreshold,
			HighDriftThreshold:  cfg.DriftHighThreshold,
			AutoRepair:          cfg.AutoRepair,
		},
	})
	if err != nil {
		return fmt.Errorf("build guardian: %w", err)
	}

	w.alertAgent, err = alerting.New(alerting.AgentParams{
		Products:          w.deps.Products,
		Channels:          w.deps.Channels,
		Alerts:            w.deps.Alerts,
		Gateway:           w.deps.Gateway,
		Bus:               w.bus,
		Logger:            w.logg,
		Stats:             &w.alertStats,
		LowStockThreshold: cfg.LowStockThreshold,
	})
	if err != nil {
		return fmt.Errorf("build alert agent: %w", err)
	}

	w.syncAgent.Subscribe()
	w.alertAgent.Subscribe()
	return nil
}

func (w *Worker) startConsumers(ctx context.Context, cfg protocol.TenantConfig) {
	concurrency := func(name string, fallback int) int {
		if n, ok := cfg.QueueConcurrency[name]; ok && n > 0 {
			return n
		}
		return fallback
	}

	handlers := map[string]struct {
		handler     jobqueue.Handler
		concurrency int
	}{
		QueueWebhook: {w.watcherAgent.HandleJob, concurrency(QueueWebhook, w.deps.Queue.WebhookConcurrency)},
		QueueSync:    {w.handleSyncQueueJob, concurrency(QueueSync, w.deps.Queue.SyncConcurrency)},
		QueueAlert:   {w.alertAgent.HandleJob, concurrency(QueueAlert, w.deps.Queue.AlertConcurrency)},
		QueueStockUpdate: {
			w.guardianAgent.HandleRepairJob,
			concurrency(QueueStockUpdate, w.deps.Queue.StockUpdateConcurrency),
		},
	}

	w.consumers = make(map[string]*jobqueue.Consumer, len(handlers))
	for name, h := range handlers {
		consumer, err := jobqueue.NewConsumer(jobqueue.ConsumerParams{
			Queue:        w.queues[name],
			Handler:      h.handler,
			Concurrency:  h.concurrency,
			PollInterval: w.deps.Queue.PollInterval,
			Logger:       w.logg,
			Metrics:      w.deps.Metrics,
		})
		if err != nil {
			// Params are validated above; only a nil queue could land here.
			w.logg.Error(ctx, fmt.Sprintf("failed to build %s consumer", name), err)
			continue
		}
		w.consumers[name] = consumer
		go func(name string, consumer *jobqueue.Consumer) {
			if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
				w.logg.Error(ctx, fmt.Sprintf("%s consumer stopped", name), err)
			}
		}(name, consumer)
	}
}

// handleSyncQueueJob routes the sync queue, which carries both propagation
// jobs and guardian reconciliation sweeps.
func (w *Worker) handleSyncQueueJob(ctx context.Context, job *jobqueue.Job) error {
	if job.Name == JobReconcile {
		return w.guardianAgent.HandleJob(ctx, job)
	}
	return w.syncAgent.HandleJob(ctx, job)
}

func (w *Worker) handleMessage(ctx context.Context, cancel context.CancelFunc, msg protocol.Message) (done bool) {
	switch msg.Kind {
	case protocol.KindPing:
		pong := protocol.NewPong(w.tenantID, msg.Ping.Timestamp, w.clock().Sub(msg.Ping.Timestamp))
		if err := w.pipe.SendToParent(ctx, pong); err != nil {
			w.logg.Error(ctx, "failed to send pong", err)
		}

	case protocol.KindTriggerSync:
		payload := msg.TriggerSync
		job := syncer.SyncJob{
			TenantID:  w.tenantID,
			Operation: payload.Operation,
			ProductID: payload.ProductID,
		}
		if payload.ChannelID != uuid.Nil {
			channelID := payload.ChannelID
			job.ChannelID = &channelID
		}
		if _, err := w.queues[QueueSync].Enqueue(ctx, JobSync, job); err != nil {
			w.logg.Error(ctx, "failed to enqueue sync", err)
			w.reportError(ctx, err, false)
		}

	case protocol.KindTriggerReconciliation:
		w.enqueueReconcile(ctx, msg.TriggerReconciliation.AutoRepair)

	case protocol.KindAddWebhookJob:
		payload := msg.AddWebhookJob
		job := watcher.WebhookJob{
			TenantID:    w.tenantID,
			ChannelID:   payload.ChannelID,
			ChannelType: payload.ChannelType,
			EventType:   payload.EventType,
			Payload:     payload.Payload,
			Signature:   payload.Signature,
			ReceivedAt:  w.clock().UTC(),
		}
		if _, err := w.queues[QueueWebhook].Enqueue(ctx, JobWebhook, job); err != nil {
			w.logg.Error(ctx, "failed to enqueue webhook", err)
			w.reportError(ctx, err, false)
		}

	case protocol.KindShutdown:
		w.logg.Info(ctx, "worker shutting down")
		w.stopPipeline(cancel)
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer drainCancel()
		if err := w.pipe.SendToParent(drainCtx, protocol.NewShutdownComplete(w.tenantID)); err != nil {
			w.logg.Error(ctx, "failed to confirm shutdown", err)
		}
		return true

	case protocol.KindInit:
		// Already initialized; a duplicate init is a parent bug, not fatal.
		w.logg.Warn(ctx, "ignoring duplicate init")

	default:
		w.logg.Warn(ctx, fmt.Sprintf("unexpected message kind %q", msg.Kind))
	}
	return false
}

func (w *Worker) enqueueReconcile(ctx context.Context, autoRepair *bool) {
	job := guardian.ReconcileJob{TenantID: w.tenantID, AutoRepair: autoRepair}
	if _, err := w.queues[QueueSync].Enqueue(ctx, JobReconcile, job); err != nil {
		w.logg.Error(ctx, "failed to enqueue reconciliation", err)
		w.reportError(ctx, err, false)
	}
}

// stopPipeline halts job acceptance, drains in-flight jobs, and detaches the
// bus subscriptions. Safe to call more than once.
func (w *Worker) stopPipeline(cancel context.CancelFunc) {
	for _, consumer := range w.consumers {
		consumer.Close()
	}
	cancel()
	if w.syncAgent != nil {
		w.syncAgent.Unsubscribe()
	}
	if w.alertAgent != nil {
		w.alertAgent.Unsubscribe()
	}
}

func (w *Worker) reportError(ctx context.Context, err error, fatal bool) {
	if sendErr := w.pipe.SendToParent(ctx, protocol.NewErrorReport(w.tenantID, err, fatal)); sendErr != nil {
		w.logg.Error(ctx, "failed to report error", sendErr)
	}
}

// Health snapshots the worker's agents, queues, and memory use.
func (w *Worker) Health(ctx context.Context) protocol.HealthStatus {
	status := protocol.HealthStatus{
		State:      "running",
		Agents:     make(map[string]protocol.AgentHealth, 4),
		Queues:     make(map[string]protocol.QueueHealth, len(w.queues)),
		ReportedAt: w.clock().UTC(),
	}

	stats := map[string]*agents.Stats{
		agents.NameWatcher:  &w.watcherStats,
		agents.NameSync:     &w.syncStats,
		agents.NameGuardian: &w.guardianStats,
		agents.NameAlert:    &w.alertStats,
	}
	for name, s := range stats {
		processed, failed, lastErr, recent := s.Snapshot()
		status.Agents[name] = protocol.AgentHealth{
			Processed: processed,
			Failed:    failed,
			LastError: lastErr,
		}
		status.RecentErrors = append(status.RecentErrors, recent...)
	}

	for name, queue := range w.queues {
		depth, err := queue.Depth(ctx)
		if err != nil {
			w.logg.Error(ctx, fmt.Sprintf("failed to read %s queue depth", name), err)
			continue
		}
		if consumer, ok := w.consumers[name]; ok {
			depth.Active = consumer.Active()
		}
		status.Queues[name] = protocol.QueueHealth{
			Waiting:   depth.Waiting,
			Active:    depth.Active,
			Delayed:   depth.Delayed,
			Completed: depth.Completed,
			Failed:    depth.Failed,
		}
		w.deps.Metrics.SetQueueDepth(name, "waiting", depth.Waiting)
		w.deps.Metrics.SetQueueDepth(name, "delayed", depth.Delayed)
		w.deps.Metrics.SetQueueDepth(name, "failed", depth.Failed)
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	status.MemoryBytes = mem.Alloc
	return status
}

func (w *Worker) reportHealth(ctx context.Context) {
	report := protocol.NewHealthReport(w.tenantID, w.Health(ctx))
	if err := w.pipe.SendToParent(ctx, report); err != nil {
		w.logg.Error(ctx, "failed to send health report", err)
	}
}
