package procmgr

import (
	"log/slog"
	"time"
)

// Option configures the ProcessManager
type Option func(*ProcessManager)

// WithSyncer sets the ProcessSyncer implementation
func WithSyncer(syncer ProcessSyncer) Option {
	return func(pm *ProcessManager) {
		pm.syncer = syncer
	}
}

// WithResyncInterval sets periodic resync interval
func WithResyncInterval(d time.Duration) Option {
	return func(pm *ProcessManager) {
		pm.resyncInterval = d
	}
}

// WithBackOffPeriod caps the exponential backoff applied after sync errors
func WithBackOffPeriod(d time.Duration) Option {
	return func(pm *ProcessManager) {
		pm.backOffPeriod = d
	}
}

// WithMaxAttempts parks a process after n consecutive sync failures.
// Zero retries forever.
func WithMaxAttempts(n int) Option {
	return func(pm *ProcessManager) {
		pm.maxAttempts = n
	}
}

// WithDefaultGracePeriod sets the grace period used when a termination
// request does not carry one
func WithDefaultGracePeriod(d time.Duration) Option {
	return func(pm *ProcessManager) {
		pm.defaultGracePeriod = d
	}
}

// WithMetricsCollector sets the metrics collector
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(pm *ProcessManager) {
		pm.metrics = mc
	}
}

// WithLogger sets the structured logger
func WithLogger(log *slog.Logger) Option {
	return func(pm *ProcessManager) {
		pm.log = log
	}
}

// WithBaseBackOff sets the first retry delay after a sync error
func WithBaseBackOff(d time.Duration) Option {
	return func(pm *ProcessManager) {
		pm.baseBackOff = d
	}
}
