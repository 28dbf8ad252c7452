package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cell metrics
	CellsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductor_cells_total",
			Help: "Total number of cells by status",
		},
		[]string{"status"},
	)

	AppsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductor_apps_total",
			Help: "Total number of installed apps by status",
		},
		[]string{"status"},
	)

	// Chain metrics
	ChainActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_chain_actions_total",
			Help: "Total number of actions committed by action type",
		},
		[]string{"type"},
	)

	ChainFlushConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_chain_flush_conflicts_total",
			Help: "Total number of head-moved conflicts during chain flush",
		},
	)

	// Validation pipeline metrics
	OpsValidated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_ops_validated_total",
			Help: "Total number of ops reaching a terminal validation status",
		},
		[]string{"stage", "status"},
	)

	OpsIntegrated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_ops_integrated_total",
			Help: "Total number of ops integrated by status",
		},
		[]string{"status"},
	)

	OpsAwaitingDeps = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_ops_awaiting_deps",
			Help: "Ops shelved on unresolved dependencies",
		},
	)

	AbandonThresholdSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_abandon_threshold_seconds",
			Help: "Configured time after which ops with unresolved dependencies are abandoned",
		},
	)

	WorkflowDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_workflow_duration_seconds",
			Help:    "Workflow cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"workflow"},
	)

	// Publish metrics
	OpsPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_ops_published_total",
			Help: "Total number of authored ops that reached the receipt threshold",
		},
	)

	ReceiptsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_receipts_received_total",
			Help: "Validation receipts received by verification outcome",
		},
		[]string{"outcome"},
	)

	// Zome call metrics
	ZomeCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_zome_calls_total",
			Help: "Total number of zome calls by outcome",
		},
		[]string{"outcome"},
	)

	ZomeCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_zome_call_duration_seconds",
			Help:    "Zome call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"zome"},
	)

	// Countersigning metrics
	CountersigningSessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_countersigning_sessions_total",
			Help: "Countersigning sessions by resolution",
		},
		[]string{"resolution"},
	)
)

// Register registers all metrics with Prometheus
func Register() {
	prometheus.MustRegister(
		CellsTotal,
		AppsTotal,
		ChainActionsTotal,
		ChainFlushConflicts,
		OpsValidated,
		OpsIntegrated,
		OpsAwaitingDeps,
		AbandonThresholdSeconds,
		WorkflowDuration,
		OpsPublished,
		ReceiptsReceived,
		ZomeCallsTotal,
		ZomeCallDuration,
		CountersigningSessions,
	)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration since the timer was created
func (t *Timer) ObserveDuration(histogram prometheus.Observer) {
	histogram.Observe(time.Since(t.start).Seconds())
}
