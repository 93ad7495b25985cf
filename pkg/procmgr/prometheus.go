package procmgr

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsCollector exports slot lifecycle metrics on its own registry
type PrometheusMetricsCollector struct {
	stateTransitions    *prometheus.CounterVec
	syncDuration        *prometheus.HistogramVec
	terminationDuration *prometheus.HistogramVec
	errors              *prometheus.CounterVec
	restarts            *prometheus.CounterVec
	queueDepth          prometheus.Gauge
	queueAdds           *prometheus.CounterVec
	queueRetries        *prometheus.CounterVec
	backoffDuration     *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewPrometheusMetricsCollector creates a collector; namespace defaults to "prefork"
func NewPrometheusMetricsCollector(namespace string) *PrometheusMetricsCollector {
	if namespace == "" {
		namespace = "prefork"
	}

	pmc := &PrometheusMetricsCollector{
		registry: prometheus.NewRegistry(),
	}

	pmc.stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "slot_state_transitions_total",
		Help:      "Slot lifecycle state transitions",
	}, []string{"worker", "from_state", "to_state"})

	pmc.syncDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "slot_sync_duration_seconds",
		Help:      "Time spent starting or checking a worker slot",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"worker", "update_type", "status"})

	pmc.terminationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "slot_termination_duration_seconds",
		Help:      "Time from stop request to worker exit",
		Buckets:   prometheus.DefBuckets,
	}, []string{"worker"})

	pmc.errors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "slot_errors_total",
		Help:      "Slot sync errors by phase",
	}, []string{"worker", "error_type"})

	pmc.restarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_restarts_total",
		Help:      "Workers replaced after exiting",
	}, []string{"worker"})

	pmc.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "work_queue_depth",
		Help:      "Scheduled slot resyncs",
	})

	pmc.queueAdds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "work_queue_adds_total",
		Help:      "Slot resyncs scheduled",
	}, []string{"worker"})

	pmc.queueRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "work_queue_retries_total",
		Help:      "Scheduled slot resyncs that came due",
	}, []string{"worker"})

	pmc.backoffDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "work_queue_backoff_duration_seconds",
		Help:      "Backoff applied after a failed slot sync",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"worker"})

	pmc.registry.MustRegister(
		pmc.stateTransitions,
		pmc.syncDuration,
		pmc.terminationDuration,
		pmc.errors,
		pmc.restarts,
		pmc.queueDepth,
		pmc.queueAdds,
		pmc.queueRetries,
		pmc.backoffDuration,
	)

	return pmc
}

func (pmc *PrometheusMetricsCollector) ProcessStateTransition(id ProcessID, fromState, toState ProcessState) {
	pmc.stateTransitions.WithLabelValues(string(id), fromState.String(), toState.String()).Inc()
}

func (pmc *PrometheusMetricsCollector) ProcessSyncDuration(id ProcessID, updateType UpdateType, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	pmc.syncDuration.WithLabelValues(string(id), updateType.String(), status).Observe(duration.Seconds())
}

func (pmc *PrometheusMetricsCollector) ProcessTerminationDuration(id ProcessID, duration time.Duration) {
	pmc.terminationDuration.WithLabelValues(string(id)).Observe(duration.Seconds())
}

func (pmc *PrometheusMetricsCollector) ProcessError(id ProcessID, errorType string) {
	pmc.errors.WithLabelValues(string(id), errorType).Inc()
}

func (pmc *PrometheusMetricsCollector) ProcessRestart(id ProcessID) {
	pmc.restarts.WithLabelValues(string(id)).Inc()
}

func (pmc *PrometheusMetricsCollector) WorkQueueDepth(depth int) {
	pmc.queueDepth.Set(float64(depth))
}

func (pmc *PrometheusMetricsCollector) WorkQueueAdd(id ProcessID, _ time.Duration) {
	pmc.queueAdds.WithLabelValues(string(id)).Inc()
}

func (pmc *PrometheusMetricsCollector) WorkQueueRetry(id ProcessID) {
	pmc.queueRetries.WithLabelValues(string(id)).Inc()
}

func (pmc *PrometheusMetricsCollector) WorkQueueBackoffDuration(id ProcessID, duration time.Duration) {
	pmc.backoffDuration.WithLabelValues(string(id)).Observe(duration.Seconds())
}

// Registry returns the registry for promhttp and for sibling collectors
func (pmc *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return pmc.registry
}

var _ MetricsCollector = (*PrometheusMetricsCollector)(nil)
