package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SyncMetrics records queue, agent, and supervisor activity.
type SyncMetrics struct {
	jobDuration   *prometheus.HistogramVec
	jobSuccess    *prometheus.CounterVec
	jobFailure    *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec
	agentEvents   *prometheus.CounterVec
	agentFailures *prometheus.CounterVec
	restarts      *prometheus.CounterVec
	workerStates  *prometheus.GaugeVec
}

// NewSyncMetrics registers the engine metrics on the provided registerer.
func NewSyncMetrics(reg prometheus.Registerer) *SyncMetrics {
	if reg == nil {
		return &SyncMetrics{}
	}
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "job_duration_seconds",
		Help:    "Duration of queue jobs in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})
	jobSuccess := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "job_success",
		Help: "Successful queue job executions.",
	}, []string{"queue"})
	jobFailure := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "job_failure",
		Help: "Failed queue job executions.",
	}, []string{"queue"})
	queueDepth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Jobs per queue keyed by lifecycle state.",
	}, []string{"queue", "state"})
	agentEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_events_processed",
		Help: "Events processed per agent.",
	}, []string{"agent"})
	agentFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_events_failed",
		Help: "Event handling failures per agent.",
	}, []string{"agent"})
	restarts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tenant_worker_restarts",
		Help: "Tenant worker restarts triggered by the supervisor.",
	}, []string{"tenant"})
	workerStates := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tenant_workers",
		Help: "Tenant workers per supervisor state.",
	}, []string{"state"})
	reg.MustRegister(
		jobDuration, jobSuccess, jobFailure, queueDepth,
		agentEvents, agentFailures, restarts, workerStates,
	)
	return &SyncMetrics{
		jobDuration:   jobDuration,
		jobSuccess:    jobSuccess,
		jobFailure:    jobFailure,
		queueDepth:    queueDepth,
		agentEvents:   agentEvents,
		agentFailures: agentFailures,
		restarts:      restarts,
		workerStates:  workerStates,
	}
}

// ObserveJob records one job execution for the named queue.
func (m *SyncMetrics) ObserveJob(queue string, duration time.Duration, success bool) {
	if m == nil || m.jobDuration == nil {
		return
	}
	label := normalizeLabel(queue)
	m.jobDuration.WithLabelValues(label).Observe(duration.Seconds())
	if success {
		m.jobSuccess.WithLabelValues(label).Inc()
	} else {
		m.jobFailure.WithLabelValues(label).Inc()
	}
}

// SetQueueDepth publishes the depth gauge for one queue state.
func (m *SyncMetrics) SetQueueDepth(queue, state string, depth int64) {
	if m == nil || m.queueDepth == nil {
		return
	}
	m.queueDepth.WithLabelValues(normalizeLabel(queue), normalizeLabel(state)).Set(float64(depth))
}

// IncAgentEvent counts one handled event for the named agent.
func (m *SyncMetrics) IncAgentEvent(agent string, failed bool) {
	if m == nil || m.agentEvents == nil {
		return
	}
	label := normalizeLabel(agent)
	m.agentEvents.WithLabelValues(label).Inc()
	if failed {
		m.agentFailures.WithLabelValues(label).Inc()
	}
}

// IncRestart counts a supervisor-triggered worker restart.
func (m *SyncMetrics) IncRestart(tenant string) {
	if m == nil || m.restarts == nil {
		return
	}
	m.restarts.WithLabelValues(normalizeLabel(tenant)).Inc()
}

// SetWorkerState publishes the number of workers in a supervisor state.
func (m *SyncMetrics) SetWorkerState(state string, count int) {
	if m == nil || m.workerStates == nil {
		return
	}
	m.workerStates.WithLabelValues(normalizeLabel(state)).Set(float64(count))
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
