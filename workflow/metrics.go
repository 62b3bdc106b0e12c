package workflow

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics records run metrics under the "stepflow" namespace:
//
//   - supersteps_total (counter): completed supersteps by status (ok, error).
//   - superstep_latency_ms (histogram): superstep duration.
//   - executor_latency_ms (histogram): handler duration by executor and status
//     (success, error, timeout).
//   - queue_depth (gauge): messages drained at the start of the last superstep.
//   - inflight_executors (gauge): handlers currently running.
//   - pending_requests (gauge): outstanding external requests.
//   - state_conflicts_total (counter): supersteps rejected for conflicting
//     state updates.
//   - checkpoints_total (counter): checkpoints by operation (capture, restore).
//
// Expose the registry with promhttp:
//
//	registry := prometheus.NewRegistry()
//	metrics := workflow.NewPrometheusMetrics(registry)
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// A nil *PrometheusMetrics records nothing.
type PrometheusMetrics struct {
	supersteps       *prometheus.CounterVec
	superstepLatency *prometheus.HistogramVec
	executorLatency  *prometheus.HistogramVec
	queueDepth       prometheus.Gauge
	inflight         prometheus.Gauge
	pendingRequests  prometheus.Gauge
	stateConflicts   *prometheus.CounterVec
	checkpoints      *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

var latencyBuckets = []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000}

// NewPrometheusMetrics registers the workflow metrics with registry, or with
// prometheus.DefaultRegisterer when registry is nil.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		enabled: true,
		supersteps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stepflow",
			Name:      "supersteps_total",
			Help:      "Supersteps executed, by outcome",
		}, []string{"run_id", "status"}),
		superstepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stepflow",
			Name:      "superstep_latency_ms",
			Help:      "Superstep duration in milliseconds, from queue drain to state publish",
			Buckets:   latencyBuckets,
		}, []string{"run_id"}),
		executorLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stepflow",
			Name:      "executor_latency_ms",
			Help:      "Handler invocation duration in milliseconds",
			Buckets:   latencyBuckets,
		}, []string{"run_id", "executor_id", "status"}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "stepflow",
			Name:      "queue_depth",
			Help:      "Messages drained at the start of the most recent superstep",
		}),
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "stepflow",
			Name:      "inflight_executors",
			Help:      "Handler invocations currently running",
		}),
		pendingRequests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "stepflow",
			Name:      "pending_requests",
			Help:      "Outstanding external requests",
		}),
		stateConflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stepflow",
			Name:      "state_conflicts_total",
			Help:      "Supersteps whose state publish failed because two executors updated one key",
		}, []string{"run_id"}),
		checkpoints: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stepflow",
			Name:      "checkpoints_total",
			Help:      "Checkpoint operations",
		}, []string{"run_id", "operation"}),
	}
}

func (pm *PrometheusMetrics) on() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// RecordSuperstep records a finished superstep.
func (pm *PrometheusMetrics) RecordSuperstep(runID string, latency time.Duration, status string) {
	if !pm.on() {
		return
	}
	pm.supersteps.WithLabelValues(runID, status).Inc()
	pm.superstepLatency.WithLabelValues(runID).Observe(float64(latency.Milliseconds()))
}

// RecordExecutorLatency records one handler invocation.
func (pm *PrometheusMetrics) RecordExecutorLatency(runID, executorID string, latency time.Duration, status string) {
	if !pm.on() {
		return
	}
	pm.executorLatency.WithLabelValues(runID, executorID, status).Observe(float64(latency.Milliseconds()))
}

// UpdateQueueDepth sets the queue_depth gauge.
func (pm *PrometheusMetrics) UpdateQueueDepth(depth int) {
	if !pm.on() {
		return
	}
	pm.queueDepth.Set(float64(depth))
}

// AddInflight moves the inflight_executors gauge by delta.
func (pm *PrometheusMetrics) AddInflight(delta int) {
	if !pm.on() {
		return
	}
	pm.inflight.Add(float64(delta))
}

// UpdatePendingRequests sets the pending_requests gauge.
func (pm *PrometheusMetrics) UpdatePendingRequests(n int) {
	if !pm.on() {
		return
	}
	pm.pendingRequests.Set(float64(n))
}

// IncrementStateConflicts counts a rejected state publish.
func (pm *PrometheusMetrics) IncrementStateConflicts(runID string) {
	if !pm.on() {
		return
	}
	pm.stateConflicts.WithLabelValues(runID).Inc()
}

// IncrementCheckpoints counts a checkpoint operation ("capture" or "restore").
func (pm *PrometheusMetrics) IncrementCheckpoints(runID, operation string) {
	if !pm.on() {
		return
	}
	pm.checkpoints.WithLabelValues(runID, operation).Inc()
}

// Disable stops recording until Enable is called.
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable resumes recording.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

// Reset zeroes the gauges. Counters and histograms are cumulative and keep
// their values.
func (pm *PrometheusMetrics) Reset() {
	pm.queueDepth.Set(0)
	pm.inflight.Set(0)
	pm.pendingRequests.Set(0)
}
