package procmgr

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPrometheusMetricsCollector_StateTransitions tests state transition metrics
func TestPrometheusMetricsCollector_StateTransitions(t *testing.T) {
	pmc := NewPrometheusMetricsCollector("test")

	pmc.ProcessStateTransition("worker-0", ProcessStateStarting, ProcessStateRunning)
	pmc.ProcessStateTransition("worker-0", ProcessStateRunning, ProcessStateTerminating)
	pmc.ProcessStateTransition("worker-1", ProcessStateStarting, ProcessStateFailed)

	expected := `
		# HELP test_slot_state_transitions_total Slot lifecycle state transitions
		# TYPE test_slot_state_transitions_total counter
		test_slot_state_transitions_total{from_state="Running",to_state="Terminating",worker="worker-0"} 1
		test_slot_state_transitions_total{from_state="Starting",to_state="Running",worker="worker-0"} 1
		test_slot_state_transitions_total{from_state="Starting",to_state="Failed",worker="worker-1"} 1
	`
	err := testutil.GatherAndCompare(pmc.Registry(), strings.NewReader(expected), "test_slot_state_transitions_total")
	assert.NoError(t, err)
}

// TestPrometheusMetricsCollector_SyncDuration tests sync histograms are split by outcome
func TestPrometheusMetricsCollector_SyncDuration(t *testing.T) {
	pmc := NewPrometheusMetricsCollector("test")

	pmc.ProcessSyncDuration("worker-0", UpdateTypeCreate, 100*time.Millisecond, nil)
	pmc.ProcessSyncDuration("worker-0", UpdateTypeSync, 5*time.Millisecond, nil)
	pmc.ProcessSyncDuration("worker-1", UpdateTypeCreate, 2*time.Second, errors.New("exec failed"))

	count, err := testutil.GatherAndCount(pmc.Registry(), "test_slot_sync_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

// TestPrometheusMetricsCollector_Errors tests error counters
func TestPrometheusMetricsCollector_Errors(t *testing.T) {
	pmc := NewPrometheusMetricsCollector("test")

	pmc.ProcessError("worker-0", "sync_error")
	pmc.ProcessError("worker-0", "sync_error")
	pmc.ProcessError("worker-0", "termination_error")

	expected := `
		# HELP test_slot_errors_total Slot sync errors by phase
		# TYPE test_slot_errors_total counter
		test_slot_errors_total{error_type="sync_error",worker="worker-0"} 2
		test_slot_errors_total{error_type="termination_error",worker="worker-0"} 1
	`
	err := testutil.GatherAndCompare(pmc.Registry(), strings.NewReader(expected), "test_slot_errors_total")
	assert.NoError(t, err)
}

// TestPrometheusMetricsCollector_WorkQueue tests work queue metrics
func TestPrometheusMetricsCollector_WorkQueue(t *testing.T) {
	pmc := NewPrometheusMetricsCollector("test")

	pmc.WorkQueueDepth(4)
	pmc.WorkQueueAdd("worker-0", time.Second)
	pmc.WorkQueueAdd("worker-1", time.Second)
	pmc.WorkQueueRetry("worker-0")
	pmc.WorkQueueBackoffDuration("worker-0", 2*time.Second)
	pmc.ProcessRestart("worker-1")

	expected := `
		# HELP test_work_queue_depth Scheduled slot resyncs
		# TYPE test_work_queue_depth gauge
		test_work_queue_depth 4
		# HELP test_worker_restarts_total Workers replaced after exiting
		# TYPE test_worker_restarts_total counter
		test_worker_restarts_total{worker="worker-1"} 1
	`
	err := testutil.GatherAndCompare(pmc.Registry(), strings.NewReader(expected),
		"test_work_queue_depth", "test_worker_restarts_total")
	assert.NoError(t, err)

	count, err := testutil.GatherAndCount(pmc.Registry(), "test_work_queue_adds_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

// TestPrometheusMetricsCollector_Integration tests metrics with a real ProcessManager
func TestPrometheusMetricsCollector_Integration(t *testing.T) {
	pmc := NewPrometheusMetricsCollector("")
	syncer := &mockSyncer{}

	pm := NewProcessManager(WithSyncer(syncer), WithMetricsCollector(pmc))
	defer pm.Shutdown(context.Background())

	pm.UpdateProcess(ProcessUpdate{ID: "worker-0", UpdateType: UpdateTypeCreate, Config: 0})
	require.Eventually(t, func() bool {
		return syncer.getSyncCalled() > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		n, err := testutil.GatherAndCount(pmc.Registry(), "prefork_slot_state_transitions_total")
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	n, err := testutil.GatherAndCount(pmc.Registry(), "prefork_slot_sync_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// TestPrometheusMetricsCollector_Registry tests Registry() accessor
func TestPrometheusMetricsCollector_Registry(t *testing.T) {
	pmc := NewPrometheusMetricsCollector("test")
	assert.IsType(t, &prometheus.Registry{}, pmc.Registry())
}
