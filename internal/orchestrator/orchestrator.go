// Package orchestrator supervises tenant workers. It discovers active
// tenants, spawns one worker per tenant, health-checks them over their pipes,
// restarts crashed ones with exponential backoff, and routes operator
// commands to the right worker.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stocklinkhq/stocklink-backend/internal/protocol"
	"github.com/stocklinkhq/stocklink-backend/internal/store"
	"github.com/stocklinkhq/stocklink-backend/pkg/config"
	pkgerrors "github.com/stocklinkhq/stocklink-backend/pkg/errors"
	"github.com/stocklinkhq/stocklink-backend/pkg/instance"
	"github.com/stocklinkhq/stocklink-backend/pkg/logger"
	"github.com/stocklinkhq/stocklink-backend/pkg/metrics"
)

// Locker is the distributed-lock surface discovery needs; the redis client
// satisfies it.
type Locker interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	LockKey(scope string) string
}

// State is a worker's lifecycle phase as seen by the supervisor.
type State string

const (
	StateSpawning State = "spawning"
	StateReady    State = "ready"
	StateRunning  State = "running"
	StateDegraded State = "degraded"
	StateCrashed  State = "crashed"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

const pipeBuffer = 32

// Runner is the worker behavior the orchestrator supervises.
type Runner interface {
	Run(ctx context.Context) error
}

// WorkerFactory builds a tenant's runner on the given pipe.
type WorkerFactory func(tenantID uuid.UUID, pipe *protocol.Pipe) (Runner, error)

// Params configure the orchestrator.
type Params struct {
	Tenants  store.TenantStore
	Redis    Locker
	Logger   *logger.Logger
	Metrics  *metrics.SyncMetrics
	Factory  WorkerFactory
	Config   config.OrchestratorConfig
	Guardian config.GuardianConfig
	Alert    config.AlertConfig
	Queue    config.QueueConfig
}

// TenantWorkerInfo is one worker's supervision snapshot.
type TenantWorkerInfo struct {
	TenantID     uuid.UUID             `json:"tenantId"`
	State        State                 `json:"state"`
	RestartCount int                   `json:"restartCount"`
	StartedAt    time.Time             `json:"startedAt"`
	LastPongAt   time.Time             `json:"lastPongAt,omitempty"`
	Health       protocol.HealthStatus `json:"health,omitempty"`
}

type handle struct {
	tenantID     uuid.UUID
	state        State
	pipe         *protocol.Pipe
	cancel       context.CancelFunc
	restartCount int
	startedAt    time.Time
	lastPongAt   time.Time
	health       protocol.HealthStatus

	ready        chan struct{}
	shutdownDone chan struct{}
	exited       chan struct{}
}

// Orchestrator owns the worker pool.
type Orchestrator struct {
	tenants store.TenantStore
	redis   Locker
	logg    *logger.Logger
	metrics *metrics.SyncMetrics
	factory WorkerFactory
	cfg     config.OrchestratorConfig
	tenant  protocol.TenantConfig

	mu      sync.Mutex
	workers map[uuid.UUID]*handle
	runCtx  context.Context
	started bool

	wg    sync.WaitGroup
	clock func() time.Time
}

// New validates the params and builds an orchestrator.
func New(params Params) (*Orchestrator, error) {
	if params.Tenants == nil {
		return nil, fmt.Errorf("tenant store required")
	}
	if params.Redis == nil {
		return nil, fmt.Errorf("redis client required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Factory == nil {
		return nil, fmt.Errorf("worker factory required")
	}
	cfg := params.Config
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = time.Minute
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 15 * time.Second
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 45 * time.Second
	}
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = 5 * time.Second
	}
	if cfg.MaxRestartsPerTenant <= 0 {
		cfg.MaxRestartsPerTenant = 5
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	tenant := protocol.TenantConfig{
		GuardianInterval:     cfg.GuardianInterval,
		HealthReportInterval: cfg.HealthReportInterval,
		QueueConcurrency: map[string]int{
			"sync":         params.Queue.SyncConcurrency,
			"webhook":      params.Queue.WebhookConcurrency,
			"alert":        params.Queue.AlertConcurrency,
			"stock-update": params.Queue.StockUpdateConcurrency,
		},
		LowStockThreshold:        params.Alert.LowStockThreshold,
		DriftAutoRepairThreshold: params.Guardian.AutoRepairThreshold,
		DriftHighThreshold:       params.Guardian.HighDriftThreshold,
		AutoRepair:               params.Guardian.AutoRepair,
	}

	return &Orchestrator{
		tenants: params.Tenants,
		redis:   params.Redis,
		logg:    params.Logger,
		metrics: params.Metrics,
		factory: params.Factory,
		cfg:     cfg,
		tenant:  tenant,
		workers: make(map[uuid.UUID]*handle),
		clock:   time.Now,
	}, nil
}

// RestartBackoff returns the delay before restart attempt n (zero-based):
// the base backoff doubled per prior restart.
func (o *Orchestrator) RestartBackoff(restartCount int) time.Duration {
	return o.cfg.RestartBackoff * (1 << restartCount)
}

// Run supervises until the context is canceled, then shuts the pool down
// gracefully.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	o.runCtx = ctx
	o.started = true
	o.mu.Unlock()

	if err := o.Discover(ctx); err != nil {
		o.logg.Error(ctx, "initial tenant discovery failed", err)
	}

	discoverTick := time.NewTicker(o.cfg.DiscoveryInterval)
	defer discoverTick.Stop()
	healthTick := time.NewTicker(o.cfg.HealthCheckInterval)
	defer healthTick.Stop()

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return ctx.Err()
		case <-discoverTick.C:
			if err := o.Discover(ctx); err != nil {
				o.logg.Error(ctx, "tenant discovery failed", err)
			}
		case <-healthTick.C:
			o.checkHealth(ctx)
		}
	}
}

// Discover reconciles the worker pool against the active tenant set. A redis
// lock keeps concurrent instances from racing the sweep.
func (o *Orchestrator) Discover(ctx context.Context) error {
	acquired, err := o.redis.SetNX(ctx, o.redis.LockKey("tenant-discovery"), instance.GetID(), o.cfg.DiscoveryInterval/2)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "acquire discovery lock")
	}
	if !acquired {
		return nil
	}

	tenantIDs, err := o.tenants.GetAllTenantIDs(ctx)
	if err != nil {
		return err
	}

	active := make(map[uuid.UUID]bool, len(tenantIDs))
	for _, tenantID := range tenantIDs {
		active[tenantID] = true
	}

	o.mu.Lock()
	var toSpawn []uuid.UUID
	for _, tenantID := range tenantIDs {
		if _, ok := o.workers[tenantID]; !ok {
			toSpawn = append(toSpawn, tenantID)
		}
	}
	var toStop []uuid.UUID
	for tenantID, h := range o.workers {
		if !active[tenantID] && h.state != StateStopping && h.state != StateStopped {
			toStop = append(toStop, tenantID)
		}
	}
	o.mu.Unlock()

	for _, tenantID := range toSpawn {
		o.logg.Info(o.logg.WithTenantID(ctx, tenantID.String()), "discovered tenant, spawning worker")
		o.spawn(tenantID)
	}
	for _, tenantID := range toStop {
		o.logg.Info(o.logg.WithTenantID(ctx, tenantID.String()), "tenant no longer active, stopping worker")
		if err := o.StopTenant(ctx, tenantID); err != nil {
			o.logg.Error(ctx, "failed to stop worker", err)
		}
	}
	o.publishStateMetrics()
	return nil
}

// spawn creates a worker for the tenant and runs the init handshake.
func (o *Orchestrator) spawn(tenantID uuid.UUID) {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	ctx := o.runCtx
	prev := o.workers[tenantID]
	restartCount := 0
	if prev != nil {
		restartCount = prev.restartCount
	}

	h := &handle{
		tenantID:     tenantID,
		state:        StateSpawning,
		pipe:         protocol.NewPipe(pipeBuffer),
		restartCount: restartCount,
		startedAt:    o.clock().UTC(),
		ready:        make(chan struct{}),
		shutdownDone: make(chan struct{}),
		exited:       make(chan struct{}),
	}
	o.workers[tenantID] = h
	o.mu.Unlock()

	logCtx := o.logg.WithTenantID(ctx, tenantID.String())

	runner, err := o.factory(tenantID, h.pipe)
	if err != nil {
		o.logg.Error(logCtx, "worker factory failed", err)
		o.setState(h, StateDegraded)
		return
	}

	workerCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	h.cancel = cancel
	o.mu.Unlock()

	o.wg.Add(2)
	go o.readMessages(workerCtx, h)
	go func() {
		defer o.wg.Done()
		runErr := runner.Run(workerCtx)
		close(h.exited)
		o.onExit(h, runErr)
	}()

	go o.handshake(workerCtx, h)
}

// handshake sends init and waits for ready.
func (o *Orchestrator) handshake(ctx context.Context, h *handle) {
	logCtx := o.logg.WithTenantID(ctx, h.tenantID.String())

	if err := h.pipe.SendToWorker(ctx, protocol.NewInit(h.tenantID, o.tenant)); err != nil {
		o.logg.Error(logCtx, "failed to send init", err)
		h.cancel()
		return
	}

	select {
	case <-h.ready:
		// The worker stays in ready until its first pong or health report.
		o.mu.Lock()
		h.state = StateReady
		h.lastPongAt = o.clock().UTC()
		o.mu.Unlock()
		o.publishStateMetrics()
		o.logg.Info(logCtx, "worker ready")
	case <-ctx.Done():
	case <-time.After(o.cfg.HealthTimeout):
		o.logg.Error(logCtx, "worker did not become ready", fmt.Errorf("no ready within %s", o.cfg.HealthTimeout))
		h.cancel()
	}
}

// readMessages drains one worker's pipe until its context ends.
func (o *Orchestrator) readMessages(ctx context.Context, h *handle) {
	defer o.wg.Done()
	logCtx := o.logg.WithTenantID(ctx, h.tenantID.String())
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.exited:
			return
		case msg := <-h.pipe.ParentInbox():
			o.handleMessage(logCtx, h, msg)
		}
	}
}

func (o *Orchestrator) handleMessage(ctx context.Context, h *handle, msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindReady:
		select {
		case <-h.ready:
		default:
			close(h.ready)
		}

	case protocol.KindPong:
		o.refreshLiveness(ctx, h)

	case protocol.KindHealthReport:
		o.mu.Lock()
		h.health = msg.HealthReport.Status
		o.mu.Unlock()
		o.refreshLiveness(ctx, h)

	case protocol.KindErrorReport:
		report := msg.ErrorReport
		if report.Fatal {
			o.logg.Error(ctx, "worker reported fatal error", fmt.Errorf("%s", report.Error))
		} else {
			o.logg.Warn(o.logg.WithField(ctx, "error", report.Error), "worker reported error")
		}

	case protocol.KindSyncEvent:
		o.logg.Debug(o.logg.WithField(ctx, "event_type", msg.SyncEvent.EventType), "worker sync event")

	case protocol.KindShutdownComplete:
		select {
		case <-h.shutdownDone:
		default:
			close(h.shutdownDone)
		}

	default:
		o.logg.Warn(ctx, fmt.Sprintf("unexpected worker message kind %q", msg.Kind))
	}
}

// refreshLiveness stamps the pong time; the first liveness signal after the
// handshake promotes the worker from ready to running.
func (o *Orchestrator) refreshLiveness(ctx context.Context, h *handle) {
	o.mu.Lock()
	h.lastPongAt = o.clock().UTC()
	promoted := h.state == StateReady
	if promoted {
		h.state = StateRunning
	}
	o.mu.Unlock()
	if promoted {
		o.publishStateMetrics()
		o.logg.Info(ctx, "worker running")
	}
}

// onExit classifies a worker exit and schedules a restart when warranted.
func (o *Orchestrator) onExit(h *handle, runErr error) {
	o.mu.Lock()
	state := h.state
	ctx := o.runCtx
	o.mu.Unlock()

	if state == StateStopping || state == StateStopped {
		o.setState(h, StateStopped)
		return
	}
	if ctx == nil || ctx.Err() != nil {
		o.setState(h, StateStopped)
		return
	}

	logCtx := o.logg.WithTenantID(ctx, h.tenantID.String())
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		o.logg.Error(logCtx, "worker crashed", runErr)
	} else {
		o.logg.Warn(logCtx, "worker exited unexpectedly")
	}
	o.setState(h, StateCrashed)
	o.metrics.IncRestart(h.tenantID.String())

	o.mu.Lock()
	restartCount := h.restartCount
	h.restartCount++
	o.mu.Unlock()

	if restartCount >= o.cfg.MaxRestartsPerTenant {
		o.logg.Error(logCtx, "worker exceeded restart budget",
			fmt.Errorf("%d restarts", restartCount))
		o.setState(h, StateDegraded)
		return
	}

	backoff := o.RestartBackoff(restartCount)
	o.logg.Warn(o.logg.WithField(logCtx, "backoff", backoff.String()), "restarting worker")
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
			o.spawn(h.tenantID)
		}
	}()
}

// checkHealth pings running workers and restarts unresponsive ones.
func (o *Orchestrator) checkHealth(ctx context.Context) {
	o.mu.Lock()
	now := o.clock().UTC()
	var toPing []*handle
	var stale []*handle
	for _, h := range o.workers {
		if h.state != StateReady && h.state != StateRunning {
			continue
		}
		if now.Sub(h.lastPongAt) > o.cfg.HealthTimeout {
			stale = append(stale, h)
			continue
		}
		toPing = append(toPing, h)
	}
	o.mu.Unlock()

	for _, h := range toPing {
		if err := h.pipe.SendToWorker(ctx, protocol.NewPing(h.tenantID, now)); err != nil {
			o.logg.Error(o.logg.WithTenantID(ctx, h.tenantID.String()), "failed to ping worker", err)
		}
	}
	for _, h := range stale {
		logCtx := o.logg.WithTenantID(ctx, h.tenantID.String())
		o.logg.Error(logCtx, "worker unresponsive",
			fmt.Errorf("no pong within %s", o.cfg.HealthTimeout))
		// Cancel and let the exit path drive the restart.
		if h.cancel != nil {
			h.cancel()
		}
	}
	o.publishStateMetrics()
}

func (o *Orchestrator) setState(h *handle, state State) {
	o.mu.Lock()
	h.state = state
	o.mu.Unlock()
	o.publishStateMetrics()
}

func (o *Orchestrator) publishStateMetrics() {
	o.mu.Lock()
	counts := make(map[State]int)
	for _, h := range o.workers {
		counts[h.state]++
	}
	o.mu.Unlock()
	for _, state := range []State{StateSpawning, StateReady, StateRunning, StateDegraded, StateCrashed, StateStopping, StateStopped} {
		o.metrics.SetWorkerState(string(state), counts[state])
	}
}

func (o *Orchestrator) lookup(tenantID uuid.UUID) (*handle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.workers[tenantID]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("no worker for tenant %s", tenantID))
	}
	// A ready worker has finished its handshake and serves commands while it
	// waits for the first health interaction.
	if h.state != StateReady && h.state != StateRunning {
		return nil, pkgerrors.New(pkgerrors.CodeUnavailable, fmt.Sprintf("worker for tenant %s is %s", tenantID, h.state))
	}
	return h, nil
}

// TriggerSync asks a tenant's worker to enqueue a sync operation.
func (o *Orchestrator) TriggerSync(ctx context.Context, tenantID uuid.UUID, payload protocol.TriggerSyncPayload) error {
	h, err := o.lookup(tenantID)
	if err != nil {
		return err
	}
	return h.pipe.SendToWorker(ctx, protocol.NewTriggerSync(tenantID, payload))
}

// TriggerReconciliation asks a tenant's worker to run a guardian sweep.
func (o *Orchestrator) TriggerReconciliation(ctx context.Context, tenantID uuid.UUID, autoRepair *bool) error {
	h, err := o.lookup(tenantID)
	if err != nil {
		return err
	}
	payload := protocol.TriggerReconciliationPayload{AutoRepair: autoRepair}
	return h.pipe.SendToWorker(ctx, protocol.NewTriggerReconciliation(tenantID, payload))
}

// AddWebhookJob forwards an inbound webhook to the tenant's worker.
func (o *Orchestrator) AddWebhookJob(ctx context.Context, tenantID uuid.UUID, payload protocol.AddWebhookJobPayload) error {
	h, err := o.lookup(tenantID)
	if err != nil {
		return err
	}
	return h.pipe.SendToWorker(ctx, protocol.NewAddWebhookJob(tenantID, payload))
}

// StopTenant gracefully stops one tenant's worker and removes it from the
// pool.
func (o *Orchestrator) StopTenant(ctx context.Context, tenantID uuid.UUID) error {
	o.mu.Lock()
	h, ok := o.workers[tenantID]
	if !ok {
		o.mu.Unlock()
		return pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("no worker for tenant %s", tenantID))
	}
	h.state = StateStopping
	o.mu.Unlock()

	o.stopWorker(ctx, h)

	o.mu.Lock()
	delete(o.workers, tenantID)
	o.mu.Unlock()
	o.publishStateMetrics()
	return nil
}

// stopWorker shuts one worker down: graceful first, cancel on timeout.
func (o *Orchestrator) stopWorker(ctx context.Context, h *handle) {
	sendCtx, cancel := context.WithTimeout(ctx, time.Second)
	err := h.pipe.SendToWorker(sendCtx, protocol.NewShutdown(h.tenantID, true))
	cancel()
	if err == nil {
		select {
		case <-h.shutdownDone:
		case <-h.exited:
		case <-time.After(o.cfg.ShutdownTimeout):
			o.logg.Warn(o.logg.WithTenantID(ctx, h.tenantID.String()), "worker shutdown timed out, forcing")
		}
	}
	if h.cancel != nil {
		h.cancel()
	}
	h.pipe.Close()
	o.setState(h, StateStopped)
}

// shutdown stops every worker in parallel and waits for the pool to drain.
func (o *Orchestrator) shutdown() {
	ctx := context.Background()
	o.logg.Info(ctx, "orchestrator shutting down")

	o.mu.Lock()
	handles := make([]*handle, 0, len(o.workers))
	for _, h := range o.workers {
		if h.state == StateStopped {
			continue
		}
		h.state = StateStopping
		handles = append(handles, h)
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *handle) {
			defer wg.Done()
			o.stopWorker(ctx, h)
		}(h)
	}
	wg.Wait()
	o.wg.Wait()
	o.logg.Info(ctx, "orchestrator stopped")
}

// Status reports every worker's supervision snapshot.
func (o *Orchestrator) Status() []TenantWorkerInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]TenantWorkerInfo, 0, len(o.workers))
	for _, h := range o.workers {
		out = append(out, TenantWorkerInfo{
			TenantID:     h.tenantID,
			State:        h.state,
			RestartCount: h.restartCount,
			StartedAt:    h.startedAt,
			LastPongAt:   h.lastPongAt,
			Health:       h.health,
		})
	}
	return out
}
