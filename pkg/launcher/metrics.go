package launcher

import (
	"github.com/prometheus/client_golang/prometheus"
)

// launcherMetrics are the worker-level series; slot-level series come from
// procmgr's collector on the same registry.
type launcherMetrics struct {
	spawnDuration prometheus.Histogram
	spawnFailures prometheus.Counter
	timeouts      prometheus.Counter
	exits         *prometheus.CounterVec
	forcedKills   prometheus.Counter
	reloads       prometheus.Counter
	live          prometheus.GaugeFunc
}

func newLauncherMetrics(namespace string, reg prometheus.Registerer, live func() int) *launcherMetrics {
	m := &launcherMetrics{
		spawnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_spawn_duration_seconds",
			Help:      "Time from exec to the worker's ready byte",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		spawnFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_spawn_failures_total",
			Help:      "Workers that failed to become ready",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_timeouts_total",
			Help:      "Workers killed for missing heartbeats",
		}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_exits_total",
			Help:      "Worker exits by reason",
		}, []string{"reason"}),
		forcedKills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_forced_kills_total",
			Help:      "Workers killed after the grace period expired",
		}),
		reloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reloads_total",
			Help:      "Rolling worker replacements",
		}),
		live: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_live",
			Help:      "Workers currently starting or ready",
		}, func() float64 { return float64(live()) }),
	}

	reg.MustRegister(
		m.spawnDuration,
		m.spawnFailures,
		m.timeouts,
		m.exits,
		m.forcedKills,
		m.reloads,
		m.live,
	)

	return m
}

// Exit reasons
const (
	exitReasonCrash   = "crash"
	exitReasonClean   = "clean"
	exitReasonTimeout = "timeout"
	exitReasonStopped = "stopped"
)
