// Package agents holds the event payloads and counters shared by the four
// pipeline agents. Each agent lives in its own subpackage.
package agents

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/stocklinkhq/stocklink-backend/pkg/enums"
	"github.com/stocklinkhq/stocklink-backend/pkg/metrics"
)

// Agent names used in health reports and metrics labels.
const (
	NameWatcher  = "watcher"
	NameSync     = "sync"
	NameGuardian = "guardian"
	NameAlert    = "alert"
)

// StockChange is the normalized change event emitted by the watcher.
type StockChange struct {
	TenantID         uuid.UUID        `json:"tenantId"`
	ChannelID        uuid.UUID        `json:"channelId"`
	ProductID        uuid.UUID        `json:"productId"`
	ExternalID       string           `json:"externalId"`
	PreviousQuantity *int             `json:"previousQuantity,omitempty"`
	NewQuantity      int              `json:"newQuantity"`
	ChangeAmount     int              `json:"changeAmount"`
	ChangeType       enums.ChangeType `json:"changeType"`
	Timestamp        time.Time        `json:"timestamp"`
}

// ChannelFailure records one channel push that failed during fan-out.
type ChannelFailure struct {
	ChannelID   uuid.UUID `json:"channelId"`
	ChannelName string    `json:"channelName"`
	Error       string    `json:"error"`
	AuthFailure bool      `json:"authFailure"`
}

// SyncResult summarizes one propagation, successful or not.
type SyncResult struct {
	TenantID    uuid.UUID        `json:"tenantId"`
	ProductID   uuid.UUID        `json:"productId"`
	SyncEventID uuid.UUID        `json:"syncEventId"`
	NewQuantity int              `json:"newQuantity"`
	Pushed      int              `json:"pushed"`
	Failures    []ChannelFailure `json:"failures,omitempty"`
	Retryable   bool             `json:"retryable"`
}

// ChannelDisconnect is published when a push fails with an auth error.
type ChannelDisconnect struct {
	TenantID  uuid.UUID `json:"tenantId"`
	ChannelID uuid.UUID `json:"channelId"`
	Name      string    `json:"name"`
	Reason    string    `json:"reason"`
}

// ChannelDrift is one channel's deviation from its expected quantity.
type ChannelDrift struct {
	ChannelID uuid.UUID `json:"channelId"`
	Expected  int       `json:"expected"`
	Actual    int       `json:"actual"`
	Drift     int       `json:"drift"`
}

// DriftDetection is the guardian's per-product comparison result.
type DriftDetection struct {
	TenantID         uuid.UUID           `json:"tenantId"`
	ProductID        uuid.UUID           `json:"productId"`
	SourceStock      int                 `json:"sourceStock"`
	DriftingChannels []ChannelDrift      `json:"driftingChannels"`
	MaxDrift         int                 `json:"maxDrift"`
	Severity         enums.DriftSeverity `json:"severity"`
	Repaired         bool                `json:"repaired"`
}

const recentErrorCap = 10

// Stats tracks per-agent counters and a bounded recent-error history for the
// worker's health reports. When Agent and Metrics are set, every recorded
// unit of work is mirrored to the prometheus agent counters.
type Stats struct {
	Agent   string
	Metrics *metrics.SyncMetrics

	processed atomic.Uint64
	failed    atomic.Uint64

	mu        sync.Mutex
	lastError string
	recent    []string
}

// Record counts one handled unit of work, capturing the error when present.
func (s *Stats) Record(err error) {
	s.processed.Add(1)
	s.Metrics.IncAgentEvent(s.Agent, err != nil)
	if err == nil {
		return
	}
	s.failed.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = err.Error()
	s.recent = append(s.recent, err.Error())
	if len(s.recent) > recentErrorCap {
		s.recent = s.recent[len(s.recent)-recentErrorCap:]
	}
}

// Snapshot returns the counter values and error history.
func (s *Stats) Snapshot() (processed, failed uint64, lastError string, recent []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.recent))
	copy(out, s.recent)
	return s.processed.Load(), s.failed.Load(), s.lastError, out
}
