package procmgr

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ProcessState represents the lifecycle state of a managed slot
type ProcessState int

const (
	// ProcessStateStarting - first sync has not succeeded yet
	ProcessStateStarting ProcessState = iota
	// ProcessStateRunning - last sync succeeded, slot is being kept alive
	ProcessStateRunning
	// ProcessStateTerminating - stop requested, grace period running
	ProcessStateTerminating
	// ProcessStateTerminated - stopped, awaiting cleanup
	ProcessStateTerminated
	// ProcessStateFinished - cleaned up, accepts no further updates
	ProcessStateFinished
	// ProcessStateFailed - parked after exhausting its attempts
	ProcessStateFailed
)

// String returns the string representation of a ProcessState
func (ps ProcessState) String() string {
	switch ps {
	case ProcessStateStarting:
		return "Starting"
	case ProcessStateRunning:
		return "Running"
	case ProcessStateTerminating:
		return "Terminating"
	case ProcessStateTerminated:
		return "Terminated"
	case ProcessStateFinished:
		return "Finished"
	case ProcessStateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ProcessID uniquely identifies a managed slot
type ProcessID string

// ProcessUpdate contains state changes for a process
type ProcessUpdate struct {
	ID               ProcessID
	UpdateType       UpdateType
	StartTime        time.Time
	Config           interface{}
	TerminateOptions *TerminateOptions
}

// UpdateType specifies the kind of update
type UpdateType int

const (
	// UpdateTypeCreate - create a new process
	UpdateTypeCreate UpdateType = iota
	// UpdateTypeUpdate - update existing process, un-parks a failed one
	UpdateTypeUpdate
	// UpdateTypeSync - periodic or event-driven resync
	UpdateTypeSync
	// UpdateTypeTerminate - terminate process
	UpdateTypeTerminate
)

// String returns the string representation of an UpdateType
func (ut UpdateType) String() string {
	switch ut {
	case UpdateTypeCreate:
		return "Create"
	case UpdateTypeUpdate:
		return "Update"
	case UpdateTypeSync:
		return "Sync"
	case UpdateTypeTerminate:
		return "Terminate"
	default:
		return "Unknown"
	}
}

// TerminateOptions control process termination
type TerminateOptions struct {
	// CompletedCh is closed once the process reaches Terminated
	CompletedCh chan<- struct{}
	// GracePeriod bounds the graceful phase; zero requests an immediate stop
	GracePeriod *time.Duration
	StatusFunc  ProcessStatusFunc
}

// ProcessStatusFunc is called to update process status on termination
type ProcessStatusFunc func(status *ProcessStatus)

// ProcessStatus is a snapshot of a slot's runtime state
type ProcessStatus struct {
	State        ProcessState
	Healthy      bool
	LastSync     time.Time
	ErrorCount   int
	LastError    error
	RestartCount int
}

// ProcessSyncer defines the lifecycle hooks the manager drives
type ProcessSyncer interface {
	// SyncProcess starts or checks the process.
	// Returns (terminal, error) where terminal=true means the process reached
	// a terminal state and should be terminated.
	SyncProcess(ctx context.Context, updateType UpdateType, config interface{}) (terminal bool, err error)

	// SyncTerminatingProcess stops the process within gracePeriod
	SyncTerminatingProcess(ctx context.Context, config interface{}, gracePeriod time.Duration, statusFn ProcessStatusFunc) error

	// SyncTerminatedProcess releases resources held for the process
	SyncTerminatedProcess(ctx context.Context, config interface{}) error
}

// ProcessManager manages 0 or more concurrent processes
type ProcessManager struct {
	mu sync.Mutex

	processUpdates  map[ProcessID]chan struct{}
	processStatuses map[ProcessID]*processStatus

	syncer             ProcessSyncer
	resyncInterval     time.Duration
	baseBackOff        time.Duration
	backOffPeriod      time.Duration
	maxAttempts        int
	defaultGracePeriod time.Duration
	workQueue          WorkQueue
	metrics            MetricsCollector
	log                *slog.Logger

	shuttingDown   bool
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
	wg             sync.WaitGroup
}

// Internal state tracking per process
type processStatus struct {
	ctx      context.Context
	cancelFn context.CancelFunc

	working bool
	pending *ProcessUpdate
	active  *ProcessUpdate

	syncedAt      time.Time
	startedAt     time.Time
	terminatingAt time.Time
	terminatedAt  time.Time
	finishedAt    time.Time
	failedAt      time.Time

	gracePeriod    time.Duration
	gracePeriodSet bool
	completedChs   []chan<- struct{}
	statusFn       ProcessStatusFunc
	finishedCh     chan struct{}

	errorCount       int
	lastError        error
	restartCount     int
	consecutiveFails int
}

// State returns the current state of the process
func (ps *processStatus) State() ProcessState {
	if !ps.finishedAt.IsZero() {
		return ProcessStateFinished
	}
	if !ps.terminatedAt.IsZero() {
		return ProcessStateTerminated
	}
	if !ps.terminatingAt.IsZero() {
		return ProcessStateTerminating
	}
	if !ps.failedAt.IsZero() {
		return ProcessStateFailed
	}
	if !ps.syncedAt.IsZero() && ps.errorCount == 0 {
		return ProcessStateRunning
	}
	if !ps.syncedAt.IsZero() {
		// Previously running, currently failing to resync
		return ProcessStateRunning
	}
	return ProcessStateStarting
}

// IsTerminating returns true if process is terminating or beyond
func (ps *processStatus) IsTerminating() bool {
	return !ps.terminatingAt.IsZero()
}

// IsTerminated returns true if process is terminated or beyond
func (ps *processStatus) IsTerminated() bool {
	return !ps.terminatedAt.IsZero()
}

// IsFinished returns true if process is finished
func (ps *processStatus) IsFinished() bool {
	return !ps.finishedAt.IsZero()
}

// IsParked returns true if the process gave up retrying
func (ps *processStatus) IsParked() bool {
	return !ps.failedAt.IsZero() && ps.terminatingAt.IsZero()
}

// Healthy returns true if the last sync succeeded and the process is running
func (ps *processStatus) Healthy() bool {
	return ps.errorCount == 0 && ps.State() == ProcessStateRunning
}

func (ps *processStatus) snapshot() ProcessStatus {
	return ProcessStatus{
		State:        ps.State(),
		Healthy:      ps.Healthy(),
		LastSync:     ps.syncedAt,
		ErrorCount:   ps.errorCount,
		LastError:    ps.lastError,
		RestartCount: ps.restartCount,
	}
}
