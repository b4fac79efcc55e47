// Package protocol defines the message contract between the orchestrator and
// tenant workers. Messages are JSON-serializable and carried over per-worker
// pipes; each envelope holds exactly one payload matching its kind.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stocklinkhq/stocklink-backend/pkg/enums"
)

// Kind discriminates the message union.
type Kind string

// Parent to child.
const (
	KindInit                  Kind = "init"
	KindTriggerSync           Kind = "trigger_sync"
	KindTriggerReconciliation Kind = "trigger_reconciliation"
	KindAddWebhookJob         Kind = "add_webhook_job"
	KindShutdown              Kind = "shutdown"
	KindPing                  Kind = "ping"
)

// Child to parent.
const (
	KindReady            Kind = "ready"
	KindHealthReport     Kind = "health_report"
	KindPong             Kind = "pong"
	KindErrorReport      Kind = "error_report"
	KindSyncEvent        Kind = "sync_event"
	KindShutdownComplete Kind = "shutdown_complete"
)

// TenantConfig is the per-tenant bootstrap carried by init.
type TenantConfig struct {
	GuardianInterval         time.Duration  `json:"guardianInterval"`
	HealthReportInterval     time.Duration  `json:"healthReportInterval"`
	QueueConcurrency         map[string]int `json:"queueConcurrency"`
	LowStockThreshold        int            `json:"lowStockThreshold"`
	DriftAutoRepairThreshold int            `json:"driftAutoRepairThreshold"`
	DriftHighThreshold       int            `json:"driftHighThreshold"`
	AutoRepair               bool           `json:"autoRepair"`
}

type InitPayload struct {
	Config TenantConfig `json:"config"`
}

type TriggerSyncPayload struct {
	ChannelID uuid.UUID           `json:"channelId"`
	Operation enums.SyncOperation `json:"operation"`
	ProductID *uuid.UUID          `json:"productId,omitempty"`
}

type TriggerReconciliationPayload struct {
	AutoRepair *bool `json:"autoRepair,omitempty"`
}

type AddWebhookJobPayload struct {
	ChannelID   uuid.UUID         `json:"channelId"`
	ChannelType enums.ChannelType `json:"channelType"`
	EventType   string            `json:"eventType"`
	Payload     json.RawMessage   `json:"payload"`
	Signature   string            `json:"signature,omitempty"`
}

type ShutdownPayload struct {
	Graceful bool `json:"graceful"`
}

type PingPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

type ReadyPayload struct {
	PID int `json:"pid"`
}

// AgentHealth summarizes one agent's counters for the health report.
type AgentHealth struct {
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	LastError string `json:"lastError,omitempty"`
}

// QueueHealth mirrors jobqueue.Depth for the wire.
type QueueHealth struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// HealthStatus is the periodic worker self-report.
type HealthStatus struct {
	State        string                 `json:"state"`
	Agents       map[string]AgentHealth `json:"agents"`
	Queues       map[string]QueueHealth `json:"queues"`
	MemoryBytes  uint64                 `json:"memoryBytes"`
	RecentErrors []string               `json:"recentErrors,omitempty"`
	ReportedAt   time.Time              `json:"reportedAt"`
}

type HealthReportPayload struct {
	Status HealthStatus `json:"status"`
}

type PongPayload struct {
	Timestamp time.Time `json:"timestamp"`
	LatencyMs int64     `json:"latencyMs"`
}

type ErrorReportPayload struct {
	Error string `json:"error"`
	Fatal bool   `json:"fatal"`
}

type SyncEventPayload struct {
	EventType string          `json:"eventType"`
	Data      json.RawMessage `json:"data"`
}

type ShutdownCompletePayload struct{}

// Message is the envelope. Exactly one payload pointer is set, matching Kind.
type Message struct {
	Kind     Kind      `json:"kind"`
	TenantID uuid.UUID `json:"tenantId"`
	SentAt   time.Time `json:"sentAt"`

	Init                  *InitPayload                  `json:"init,omitempty"`
	TriggerSync           *TriggerSyncPayload           `json:"triggerSync,omitempty"`
	TriggerReconciliation *TriggerReconciliationPayload `json:"triggerReconciliation,omitempty"`
	AddWebhookJob         *AddWebhookJobPayload         `json:"addWebhookJob,omitempty"`
	Shutdown              *ShutdownPayload              `json:"shutdown,omitempty"`
	Ping                  *PingPayload                  `json:"ping,omitempty"`

	Ready            *ReadyPayload            `json:"ready,omitempty"`
	HealthReport     *HealthReportPayload     `json:"healthReport,omitempty"`
	Pong             *PongPayload             `json:"pong,omitempty"`
	ErrorReport      *ErrorReportPayload      `json:"errorReport,omitempty"`
	SyncEvent        *SyncEventPayload        `json:"syncEvent,omitempty"`
	ShutdownComplete *ShutdownCompletePayload `json:"shutdownComplete,omitempty"`
}

// Validate checks that the payload present matches the kind.
func (m Message) Validate() error {
	var ok bool
	switch m.Kind {
	case KindInit:
		ok = m.Init != nil
	case KindTriggerSync:
		ok = m.TriggerSync != nil
	case KindTriggerReconciliation:
		ok = m.TriggerReconciliation != nil
	case KindAddWebhookJob:
		ok = m.AddWebhookJob != nil
	case KindShutdown:
		ok = m.Shutdown != nil
	case KindPing:
		ok = m.Ping != nil
	case KindReady:
		ok = m.Ready != nil
	case KindHealthReport:
		ok = m.HealthReport != nil
	case KindPong:
		ok = m.Pong != nil
	case KindErrorReport:
		ok = m.ErrorReport != nil
	case KindSyncEvent:
		ok = m.SyncEvent != nil
	case KindShutdownComplete:
		ok = m.ShutdownComplete != nil
	default:
		return fmt.Errorf("unknown message kind %q", m.Kind)
	}
	if !ok {
		return fmt.Errorf("message kind %q missing payload", m.Kind)
	}
	return nil
}

func envelope(kind Kind, tenantID uuid.UUID) Message {
	return Message{Kind: kind, TenantID: tenantID, SentAt: time.Now().UTC()}
}

func NewInit(tenantID uuid.UUID, cfg TenantConfig) Message {
	m := envelope(KindInit, tenantID)
	m.Init = &InitPayload{Config: cfg}
	return m
}

func NewTriggerSync(tenantID uuid.UUID, payload TriggerSyncPayload) Message {
	m := envelope(KindTriggerSync, tenantID)
	m.TriggerSync = &payload
	return m
}

func NewTriggerReconciliation(tenantID uuid.UUID, payload TriggerReconciliationPayload) Message {
	m := envelope(KindTriggerReconciliation, tenantID)
	m.TriggerReconciliation = &payload
	return m
}

func NewAddWebhookJob(tenantID uuid.UUID, payload AddWebhookJobPayload) Message {
	m := envelope(KindAddWebhookJob, tenantID)
	m.AddWebhookJob = &payload
	return m
}

func NewShutdown(tenantID uuid.UUID, graceful bool) Message {
	m := envelope(KindShutdown, tenantID)
	m.Shutdown = &ShutdownPayload{Graceful: graceful}
	return m
}

func NewPing(tenantID uuid.UUID, at time.Time) Message {
	m := envelope(KindPing, tenantID)
	m.Ping = &PingPayload{Timestamp: at}
	return m
}

func NewReady(tenantID uuid.UUID, pid int) Message {
	m := envelope(KindReady, tenantID)
	m.Ready = &ReadyPayload{PID: pid}
	return m
}

func NewHealthReport(tenantID uuid.UUID, status HealthStatus) Message {
	m := envelope(KindHealthReport, tenantID)
	m.HealthReport = &HealthReportPayload{Status: status}
	return m
}

func NewPong(tenantID uuid.UUID, pingAt time.Time, latency time.Duration) Message {
	m := envelope(KindPong, tenantID)
	m.Pong = &PongPayload{Timestamp: pingAt, LatencyMs: latency.Milliseconds()}
	return m
}

func NewErrorReport(tenantID uuid.UUID, err error, fatal bool) Message {
	m := envelope(KindErrorReport, tenantID)
	text := "unknown error"
	if err != nil {
		text = err.Error()
	}
	m.ErrorReport = &ErrorReportPayload{Error: text, Fatal: fatal}
	return m
}

func NewSyncEvent(tenantID uuid.UUID, eventType string, data json.RawMessage) Message {
	m := envelope(KindSyncEvent, tenantID)
	m.SyncEvent = &SyncEventPayload{EventType: eventType, Data: data}
	return m
}

func NewShutdownComplete(tenantID uuid.UUID) Message {
	m := envelope(KindShutdownComplete, tenantID)
	m.ShutdownComplete = &ShutdownCompletePayload{}
	return m
}
