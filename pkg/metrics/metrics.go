package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scan lifecycle metrics
	ScansRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scanengine_scans_running",
			Help: "Number of scans currently in a non-terminal state",
		},
	)

	ScansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanengine_scans_total",
			Help: "Total number of scans by terminal state",
		},
		[]string{"state"},
	)

	ScanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scanengine_scan_duration_seconds",
			Help:    "Time from RUNNING to a terminal state, in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		},
	)

	// Event bus metrics
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanengine_events_published_total",
			Help: "Total number of events published by type",
		},
		[]string{"type", "kind"},
	)

	// Plug-in runtime metrics
	HandlerInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanengine_handler_invocations_total",
			Help: "Total number of module Handle invocations by module and outcome",
		},
		[]string{"module", "outcome"},
	)

	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scanengine_handler_duration_seconds",
			Help:    "Module Handle invocation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"module"},
	)

	// Retry / DLQ metrics
	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanengine_retries_total",
			Help: "Total number of work item retry attempts by module and strategy",
		},
		[]string{"module", "strategy"},
	)

	DLQDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scanengine_dlq_depth",
			Help: "Current number of work items parked in the dead-letter queue, by scan",
		},
		[]string{"scan_id"},
	)

	// Scan Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scanengine_queue_depth",
			Help: "Current queue depth by priority lane",
		},
		[]string{"lane"},
	)

	QueueRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanengine_queue_rejections_total",
			Help: "Total number of enqueue attempts rejected by backpressure policy",
		},
		[]string{"lane", "policy"},
	)

	// Error telemetry metrics
	ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanengine_errors_total",
			Help: "Total number of error records by module and fingerprint",
		},
		[]string{"module", "fingerprint"},
	)

	// Distribution coordinator / Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scanengine_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scanengine_raft_peers_total",
			Help: "Total number of Raft peers in the coordinator cluster",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scanengine_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scanengine_nodes_total",
			Help: "Total number of registered scanner nodes by status",
		},
		[]string{"status"},
	)

	PlacementDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scanengine_placement_duration_seconds",
			Help:    "Time taken to place a scan on a scanner node in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReassignmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanengine_reassignments_total",
			Help: "Total number of scans reassigned away from an unreachable node",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(ScansRunning)
	prometheus.MustRegister(ScansTotal)
	prometheus.MustRegister(ScanDuration)
	prometheus.MustRegister(EventsPublishedTotal)
	prometheus.MustRegister(HandlerInvocationsTotal)
	prometheus.MustRegister(HandlerDuration)
	prometheus.MustRegister(RetriesTotal)
	prometheus.MustRegister(DLQDepth)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueueRejectionsTotal)
	prometheus.MustRegister(ErrorsTotal)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftApplyDuration)
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(PlacementDuration)
	prometheus.MustRegister(ReassignmentsTotal)
}

// Handler returns the Prometheus HTTP handler
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

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
