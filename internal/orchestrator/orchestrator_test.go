package orchestrator

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/stocklinkhq/stocklink-backend/internal/protocol"
	"github.com/stocklinkhq/stocklink-backend/pkg/config"
	"github.com/stocklinkhq/stocklink-backend/pkg/db/models"
	pkgerrors "github.com/stocklinkhq/stocklink-backend/pkg/errors"
	"github.com/stocklinkhq/stocklink-backend/pkg/logger"
)

type fakeTenantStore struct {
	tenantIDs []uuid.UUID
}

func (f *fakeTenantStore) GetAllTenantIDs(ctx context.Context) ([]uuid.UUID, error) {
	return f.tenantIDs, nil
}

func (f *fakeTenantStore) GetTenant(ctx context.Context, tenantID uuid.UUID) (*models.Tenant, error) {
	return &models.Tenant{ID: tenantID, IsActive: true}, nil
}

type fakeLocker struct {
	acquired bool
}

func (f *fakeLocker) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	return f.acquired, nil
}

func (f *fakeLocker) LockKey(scope string) string {
	return "lock:" + scope
}

// obedientWorker plays the happy-path worker side of the pipe protocol.
type obedientWorker struct {
	tenantID uuid.UUID
	pipe     *protocol.Pipe
}

func (w *obedientWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-w.pipe.WorkerInbox():
			switch msg.Kind {
			case protocol.KindInit:
				if err := w.pipe.SendToParent(ctx, protocol.NewReady(w.tenantID, 1)); err != nil {
					return err
				}
			case protocol.KindPing:
				if err := w.pipe.SendToParent(ctx, protocol.NewPong(w.tenantID, msg.Ping.Timestamp, time.Millisecond)); err != nil {
					return err
				}
			case protocol.KindShutdown:
				_ = w.pipe.SendToParent(ctx, protocol.NewShutdownComplete(w.tenantID))
				return nil
			}
		}
	}
}

// crashingWorker exits with an error right away.
type crashingWorker struct{}

func (w *crashingWorker) Run(ctx context.Context) error {
	return fmt.Errorf("worker blew up")
}

// silentWorker never acknowledges init.
type silentWorker struct{}

func (w *silentWorker) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{Output: io.Discard})
}

func newTestOrchestrator(t *testing.T, tenants *fakeTenantStore, factory WorkerFactory, cfg config.OrchestratorConfig) *Orchestrator {
	t.Helper()
	orch, err := New(Params{
		Tenants: tenants,
		Redis:   &fakeLocker{acquired: true},
		Logger:  testLogger(),
		Factory: factory,
		Config:  cfg,
	})
	if err != nil {
		t.Fatalf("failed to build orchestrator: %v", err)
	}
	return orch
}

// start marks the orchestrator as running without entering the supervision
// loop, so tests can drive Discover directly.
func (o *Orchestrator) startForTest(ctx context.Context) {
	o.mu.Lock()
	o.runCtx = ctx
	o.started = true
	o.mu.Unlock()
}

func waitForState(t *testing.T, orch *Orchestrator, tenantID uuid.UUID, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, info := range orch.Status() {
			if info.TenantID == tenantID && info.State == want {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("worker for %s never reached state %q: %+v", tenantID, want, orch.Status())
}

func TestRestartBackoffDoublesPerRestart(t *testing.T) {
	orch := newTestOrchestrator(t, &fakeTenantStore{}, func(uuid.UUID, *protocol.Pipe) (Runner, error) {
		return &silentWorker{}, nil
	}, config.OrchestratorConfig{})

	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second}
	for i, expected := range want {
		if got := orch.RestartBackoff(i); got != expected {
			t.Fatalf("RestartBackoff(%d) = %s, want %s", i, got, expected)
		}
	}
}

func TestDiscoverSpawnsAndHandshakes(t *testing.T) {
	tenantID := uuid.New()
	tenants := &fakeTenantStore{tenantIDs: []uuid.UUID{tenantID}}
	orch := newTestOrchestrator(t, tenants, func(id uuid.UUID, pipe *protocol.Pipe) (Runner, error) {
		return &obedientWorker{tenantID: id, pipe: pipe}, nil
	}, config.OrchestratorConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orch.startForTest(ctx)

	if err := orch.Discover(ctx); err != nil {
		t.Fatalf("discover: %v", err)
	}
	waitForState(t, orch, tenantID, StateReady)

	status := orch.Status()
	if len(status) != 1 || status[0].RestartCount != 0 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestReadyWorkerPromotesOnFirstPong(t *testing.T) {
	tenantID := uuid.New()
	tenants := &fakeTenantStore{tenantIDs: []uuid.UUID{tenantID}}
	orch := newTestOrchestrator(t, tenants, func(id uuid.UUID, pipe *protocol.Pipe) (Runner, error) {
		return &obedientWorker{tenantID: id, pipe: pipe}, nil
	}, config.OrchestratorConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orch.startForTest(ctx)

	if err := orch.Discover(ctx); err != nil {
		t.Fatalf("discover: %v", err)
	}
	waitForState(t, orch, tenantID, StateReady)

	// The first health sweep pings the ready worker; its pong promotes it.
	orch.checkHealth(ctx)
	waitForState(t, orch, tenantID, StateRunning)
}

func TestDiscoverSkipsWithoutLock(t *testing.T) {
	tenantID := uuid.New()
	orch, err := New(Params{
		Tenants: &fakeTenantStore{tenantIDs: []uuid.UUID{tenantID}},
		Redis:   &fakeLocker{acquired: false},
		Logger:  testLogger(),
		Factory: func(id uuid.UUID, pipe *protocol.Pipe) (Runner, error) {
			return &silentWorker{}, nil
		},
	})
	if err != nil {
		t.Fatalf("failed to build orchestrator: %v", err)
	}
	ctx := context.Background()
	orch.startForTest(ctx)

	if err := orch.Discover(ctx); err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(orch.Status()) != 0 {
		t.Fatal("discovery must be a no-op when another instance holds the lock")
	}
}

func TestDiscoverStopsInactiveTenants(t *testing.T) {
	tenantID := uuid.New()
	tenants := &fakeTenantStore{tenantIDs: []uuid.UUID{tenantID}}
	orch := newTestOrchestrator(t, tenants, func(id uuid.UUID, pipe *protocol.Pipe) (Runner, error) {
		return &obedientWorker{tenantID: id, pipe: pipe}, nil
	}, config.OrchestratorConfig{ShutdownTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orch.startForTest(ctx)

	if err := orch.Discover(ctx); err != nil {
		t.Fatalf("discover: %v", err)
	}
	waitForState(t, orch, tenantID, StateReady)

	tenants.tenantIDs = nil
	if err := orch.Discover(ctx); err != nil {
		t.Fatalf("discover: %v", err)
	}
	if got := len(orch.Status()); got != 0 {
		t.Fatalf("inactive tenant's worker should be removed, got %+v", orch.Status())
	}
}

func TestCrashedWorkerRestartsThenDegrades(t *testing.T) {
	tenantID := uuid.New()
	tenants := &fakeTenantStore{tenantIDs: []uuid.UUID{tenantID}}
	orch := newTestOrchestrator(t, tenants, func(id uuid.UUID, pipe *protocol.Pipe) (Runner, error) {
		return &crashingWorker{}, nil
	}, config.OrchestratorConfig{
		RestartBackoff:       time.Millisecond,
		MaxRestartsPerTenant: 2,
		HealthTimeout:        100 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orch.startForTest(ctx)

	if err := orch.Discover(ctx); err != nil {
		t.Fatalf("discover: %v", err)
	}
	waitForState(t, orch, tenantID, StateDegraded)

	status := orch.Status()
	if status[0].RestartCount < 2 {
		t.Fatalf("expected restart budget to be spent, got %+v", status[0])
	}
}

func TestCommandsRequireRunningWorker(t *testing.T) {
	tenantID := uuid.New()
	tenants := &fakeTenantStore{tenantIDs: []uuid.UUID{tenantID}}
	orch := newTestOrchestrator(t, tenants, func(id uuid.UUID, pipe *protocol.Pipe) (Runner, error) {
		return &silentWorker{}, nil
	}, config.OrchestratorConfig{HealthTimeout: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orch.startForTest(ctx)

	// No worker at all.
	err := orch.TriggerSync(ctx, uuid.New(), protocol.TriggerSyncPayload{Operation: "full_sync"})
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeNotFound {
		t.Fatalf("expected not-found for unknown tenant, got %v", err)
	}

	// Worker exists but never becomes ready.
	if err := orch.Discover(ctx); err != nil {
		t.Fatalf("discover: %v", err)
	}
	err = orch.TriggerReconciliation(ctx, tenantID, nil)
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeUnavailable {
		t.Fatalf("expected unavailable for non-running worker, got %v", err)
	}
}

func TestCommandsReachRunningWorker(t *testing.T) {
	tenantID := uuid.New()
	tenants := &fakeTenantStore{tenantIDs: []uuid.UUID{tenantID}}
	var worker *obedientWorker
	orch := newTestOrchestrator(t, tenants, func(id uuid.UUID, pipe *protocol.Pipe) (Runner, error) {
		worker = &obedientWorker{tenantID: id, pipe: pipe}
		return worker, nil
	}, config.OrchestratorConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orch.startForTest(ctx)

	if err := orch.Discover(ctx); err != nil {
		t.Fatalf("discover: %v", err)
	}
	waitForState(t, orch, tenantID, StateReady)
	orch.checkHealth(ctx)
	waitForState(t, orch, tenantID, StateRunning)

	if err := orch.TriggerSync(ctx, tenantID, protocol.TriggerSyncPayload{Operation: "full_sync"}); err != nil {
		t.Fatalf("trigger sync: %v", err)
	}
	if err := orch.AddWebhookJob(ctx, tenantID, protocol.AddWebhookJobPayload{EventType: "stock.updated"}); err != nil {
		t.Fatalf("add webhook job: %v", err)
	}
}

func TestStopTenantShutsDownGracefully(t *testing.T) {
	tenantID := uuid.New()
	tenants := &fakeTenantStore{tenantIDs: []uuid.UUID{tenantID}}
	orch := newTestOrchestrator(t, tenants, func(id uuid.UUID, pipe *protocol.Pipe) (Runner, error) {
		return &obedientWorker{tenantID: id, pipe: pipe}, nil
	}, config.OrchestratorConfig{ShutdownTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orch.startForTest(ctx)

	if err := orch.Discover(ctx); err != nil {
		t.Fatalf("discover: %v", err)
	}
	waitForState(t, orch, tenantID, StateReady)

	if err := orch.StopTenant(ctx, tenantID); err != nil {
		t.Fatalf("stop tenant: %v", err)
	}
	if len(orch.Status()) != 0 {
		t.Fatalf("stopped worker should leave the pool, got %+v", orch.Status())
	}
	if err := orch.StopTenant(ctx, tenantID); pkgerrors.As(err) == nil {
		t.Fatal("stopping a missing worker must fail")
	}
}

func TestPongAndHealthReportRefreshLiveness(t *testing.T) {
	tenantID := uuid.New()
	tenants := &fakeTenantStore{tenantIDs: []uuid.UUID{tenantID}}
	orch := newTestOrchestrator(t, tenants, func(id uuid.UUID, pipe *protocol.Pipe) (Runner, error) {
		return &obedientWorker{tenantID: id, pipe: pipe}, nil
	}, config.OrchestratorConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orch.startForTest(ctx)

	if err := orch.Discover(ctx); err != nil {
		t.Fatalf("discover: %v", err)
	}
	waitForState(t, orch, tenantID, StateReady)

	orch.mu.Lock()
	h := orch.workers[tenantID]
	h.lastPongAt = time.Time{}
	orch.mu.Unlock()

	orch.handleMessage(ctx, h, protocol.NewPong(tenantID, time.Now(), time.Millisecond))
	orch.mu.Lock()
	afterPong := h.lastPongAt
	state := h.state
	orch.mu.Unlock()
	if afterPong.IsZero() {
		t.Fatal("pong must refresh liveness")
	}
	if state != StateRunning {
		t.Fatalf("first pong must promote a ready worker, state is %q", state)
	}

	orch.handleMessage(ctx, h, protocol.NewHealthReport(tenantID, protocol.HealthStatus{State: "running"}))
	orch.mu.Lock()
	health := h.health
	orch.mu.Unlock()
	if health.State != "running" {
		t.Fatalf("health report not recorded: %+v", health)
	}
}
