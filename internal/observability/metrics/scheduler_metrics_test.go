package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerMetricsCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newSchedulerMetrics(registry)

	m.IncJobRun(JobAdvanceRounds)
	m.IncJobRun(JobAdvanceRounds)
	m.IncJobError(JobAdvanceRounds)
	m.ObserveJobDuration(JobAdvanceRounds, 50*time.Millisecond)
	m.IncAuctionTransition("active_to_finalized")
	m.IncSettlementEntry("auction_settlement")

	assert.Equal(t, 2.0, counterValue(t, registry, "tinylvt_scheduler_job_runs_total", "job", JobAdvanceRounds))
	assert.Equal(t, 1.0, counterValue(t, registry, "tinylvt_scheduler_job_errors_total", "job", JobAdvanceRounds))
	assert.Equal(t, 1.0, counterValue(t, registry, "tinylvt_auction_transitions_total", "transition", "active_to_finalized"))
	assert.Equal(t, 1.0, counterValue(t, registry, "tinylvt_settlement_entries_total", "entry_type", "auction_settlement"))
}

func counterValue(t *testing.T, registry *prometheus.Registry, name, labelName, labelValue string) float64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.Metric {
			if labelMatches(metric, labelName, labelValue) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	t.Fatalf("metric %s{%s=%q} not found", name, labelName, labelValue)
	return 0
}

func labelMatches(metric *dto.Metric, name, value string) bool {
	for _, label := range metric.Label {
		if label.GetName() == name && label.GetValue() == value {
			return true
		}
	}
	return false
}
