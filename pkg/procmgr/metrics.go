package procmgr

import (
	"time"
)

// MetricsCollector receives lifecycle observations from the manager.
// Implementations must be safe for concurrent use.
type MetricsCollector interface {
	ProcessStateTransition(id ProcessID, fromState, toState ProcessState)
	ProcessSyncDuration(id ProcessID, updateType UpdateType, duration time.Duration, err error)
	ProcessTerminationDuration(id ProcessID, duration time.Duration)
	ProcessError(id ProcessID, errorType string)
	ProcessRestart(id ProcessID)

	WorkQueueDepth(depth int)
	WorkQueueAdd(id ProcessID, delay time.Duration)
	WorkQueueRetry(id ProcessID)
	WorkQueueBackoffDuration(id ProcessID, duration time.Duration)
}

type noopMetricsCollector struct{}

func (noopMetricsCollector) ProcessStateTransition(ProcessID, ProcessState, ProcessState)    {}
func (noopMetricsCollector) ProcessSyncDuration(ProcessID, UpdateType, time.Duration, error) {}
func (noopMetricsCollector) ProcessTerminationDuration(ProcessID, time.Duration)             {}
func (noopMetricsCollector) ProcessError(ProcessID, string)                                  {}
func (noopMetricsCollector) ProcessRestart(ProcessID)                                        {}
func (noopMetricsCollector) WorkQueueDepth(int)                                              {}
func (noopMetricsCollector) WorkQueueAdd(ProcessID, time.Duration)                           {}
func (noopMetricsCollector) WorkQueueRetry(ProcessID)                                        {}
func (noopMetricsCollector) WorkQueueBackoffDuration(ProcessID, time.Duration)               {}

// NewNoopMetricsCollector returns a collector that discards everything
func NewNoopMetricsCollector() MetricsCollector {
	return noopMetricsCollector{}
}
