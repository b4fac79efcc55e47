package agents

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stocklinkhq/stocklink-backend/pkg/metrics"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name, agent string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "agent" && label.GetValue() == agent {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestStatsRecordMirrorsAgentCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewSyncMetrics(reg)

	var stats Stats
	stats.Agent = NameWatcher
	stats.Metrics = m

	stats.Record(nil)
	stats.Record(errors.New("boom"))

	if got := counterValue(t, reg, "agent_events_processed", NameWatcher); got != 2 {
		t.Fatalf("expected 2 processed events, got %v", got)
	}
	if got := counterValue(t, reg, "agent_events_failed", NameWatcher); got != 1 {
		t.Fatalf("expected 1 failed event, got %v", got)
	}

	processed, failed, lastError, recent := stats.Snapshot()
	if processed != 2 || failed != 1 || lastError != "boom" || len(recent) != 1 {
		t.Fatalf("unexpected snapshot: %d %d %q %v", processed, failed, lastError, recent)
	}
}

func TestStatsRecordWithoutMetricsIsSafe(t *testing.T) {
	var stats Stats
	stats.Record(errors.New("boom"))
	if processed, failed, _, _ := stats.Snapshot(); processed != 1 || failed != 1 {
		t.Fatalf("unexpected counters: %d %d", processed, failed)
	}
}
