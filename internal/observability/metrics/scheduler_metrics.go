package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	JobCreateAuctions = "create_auctions"
	JobStartAuctions  = "start_auctions"
	JobAdvanceRounds  = "advance_rounds"
	JobProxyBidding   = "proxy_bidding"
)

// SchedulerMetrics captures auction scheduler health signals.
type SchedulerMetrics struct {
	jobRuns            *prometheus.CounterVec
	jobErrors          *prometheus.CounterVec
	jobDuration        *prometheus.HistogramVec
	auctionTransitions *prometheus.CounterVec
	settlementEntries  *prometheus.CounterVec
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// Scheduler returns the singleton scheduler metrics registry.
func Scheduler() *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer)
	})
	return schedulerMetrics
}

// ResetSchedulerMetricsForTest resets the scheduler metrics singleton for tests.
func ResetSchedulerMetricsForTest() {
	schedulerMetricsOnce = sync.Once{}
	schedulerMetrics = nil
}

func newSchedulerMetrics(registerer prometheus.Registerer) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &SchedulerMetrics{
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tinylvt_scheduler_job_runs_total",
			Help: "Number of scheduler job executions.",
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tinylvt_scheduler_job_errors_total",
			Help: "Number of scheduler job failures.",
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tinylvt_scheduler_job_duration_seconds",
			Help:    "Scheduler job wall-clock duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		auctionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tinylvt_auction_transitions_total",
			Help: "Auction state machine transitions.",
		}, []string{"transition"}),
		settlementEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tinylvt_settlement_entries_total",
			Help: "Journal entries created per entry type.",
		}, []string{"entry_type"}),
	}

	for _, c := range []prometheus.Collector{
		m.jobRuns, m.jobErrors, m.jobDuration, m.auctionTransitions, m.settlementEntries,
	} {
		if err := registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}

	return m
}

func (m *SchedulerMetrics) IncJobRun(job string) {
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *SchedulerMetrics) IncJobError(job string) {
	m.jobErrors.WithLabelValues(job).Inc()
}

func (m *SchedulerMetrics) ObserveJobDuration(job string, d time.Duration) {
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *SchedulerMetrics) IncAuctionTransition(transition string) {
	m.auctionTransitions.WithLabelValues(transition).Inc()
}

func (m *SchedulerMetrics) IncSettlementEntry(entryType string) {
	m.settlementEntries.WithLabelValues(entryType).Inc()
}
