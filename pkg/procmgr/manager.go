package procmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// NewProcessManager creates a new process manager
func NewProcessManager(opts ...Option) *ProcessManager {
	ctx, cancel := context.WithCancel(context.Background())

	pm := &ProcessManager{
		processUpdates:     make(map[ProcessID]chan struct{}),
		processStatuses:    make(map[ProcessID]*processStatus),
		resyncInterval:     30 * time.Second,
		baseBackOff:        time.Second,
		backOffPeriod:      5 * time.Second,
		defaultGracePeriod: 10 * time.Second,
		workQueue:          NewWorkQueue(),
		metrics:            NewNoopMetricsCollector(),
		log:                slog.Default(),
		shutdownCtx:        ctx,
		shutdownCancel:     cancel,
	}

	for _, opt := range opts {
		opt(pm)
	}
	pm.log = pm.log.With("component", "procmgr")

	pm.wg.Add(1)
	go pm.workQueueConsumer()

	return pm
}

// UpdateProcess submits a process update
func (pm *ProcessManager) UpdateProcess(update ProcessUpdate) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.shutdownCtx.Err() != nil {
		return
	}
	if pm.shuttingDown && update.UpdateType != UpdateTypeTerminate {
		pm.log.Debug("shutting down, ignoring update", "id", update.ID, "type", update.UpdateType)
		return
	}

	if update.StartTime.IsZero() {
		update.StartTime = time.Now()
	}

	status, exists := pm.processStatuses[update.ID]
	if !exists {
		status = &processStatus{finishedCh: make(chan struct{})}
		pm.processStatuses[update.ID] = status
	}

	if status.IsFinished() {
		pm.log.Debug("process finished, ignoring update", "id", update.ID)
		return
	}

	// Terminate and sync updates usually carry no config of their own
	if update.Config == nil {
		if status.pending != nil {
			update.Config = status.pending.Config
		} else if status.active != nil {
			update.Config = status.active.Config
		}
	}

	switch update.UpdateType {
	case UpdateTypeTerminate:
		pm.handleTerminationRequest(update.ID, status, update.TerminateOptions)
	case UpdateTypeCreate, UpdateTypeUpdate:
		if status.IsParked() {
			pm.log.Info("un-parking process", "id", update.ID)
			oldState := status.State()
			status.failedAt = time.Time{}
			status.consecutiveFails = 0
			pm.metrics.ProcessStateTransition(update.ID, oldState, status.State())
		}
	case UpdateTypeSync:
		if status.IsParked() {
			return
		}
		// A queued create, update or terminate already resyncs; a plain
		// sync must not replace it
		if status.pending != nil && status.pending.UpdateType != UpdateTypeSync {
			return
		}
	}

	status.pending = &update

	updateCh, exists := pm.processUpdates[update.ID]
	if !exists {
		updateCh = make(chan struct{}, 1)
		pm.processUpdates[update.ID] = updateCh

		pm.wg.Add(1)
		go pm.processWorkerLoop(update.ID, updateCh)
	}

	select {
	case updateCh <- struct{}{}:
	default:
	}
}

// handleTerminationRequest records a stop request; caller holds pm.mu
func (pm *ProcessManager) handleTerminationRequest(id ProcessID, status *processStatus, opts *TerminateOptions) {
	alreadyTerminating := status.IsTerminating()

	if status.terminatingAt.IsZero() {
		status.terminatingAt = time.Now()
	}

	// Grace period can only shrink
	if opts != nil && opts.GracePeriod != nil {
		gp := *opts.GracePeriod
		if gp < 0 {
			gp = 0
		}
		if !status.gracePeriodSet || gp < status.gracePeriod {
			status.gracePeriod = gp
			status.gracePeriodSet = true
		}
	} else if !status.gracePeriodSet {
		status.gracePeriod = pm.defaultGracePeriod
		status.gracePeriodSet = true
	}

	if opts != nil {
		if opts.CompletedCh != nil {
			if status.IsTerminated() {
				close(opts.CompletedCh)
			} else {
				status.completedChs = append(status.completedChs, opts.CompletedCh)
			}
		}
		if opts.StatusFunc != nil {
			status.statusFn = opts.StatusFunc
		}
	}

	// Interrupt a long-running sync (spawn wait, restart backoff)
	if !alreadyTerminating && status.cancelFn != nil {
		pm.log.Debug("cancelling in-flight sync for termination", "id", id)
		status.cancelFn()
	}
}

// workQueueConsumer turns ready work queue entries into worker signals
func (pm *ProcessManager) workQueueConsumer() {
	defer pm.wg.Done()

	// Fallback tick in case a notification raced with a not-yet-ready item
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-pm.shutdownCtx.Done():
			return
		case <-pm.workQueue.Wait():
			pm.processWorkQueue()
		case <-ticker.C:
			pm.processWorkQueue()
		}
	}
}

// processWorkQueue dequeues all ready items and signals their workers
func (pm *ProcessManager) processWorkQueue() {
	for {
		id, ok := pm.workQueue.Dequeue()
		if !ok {
			return
		}

		pm.metrics.WorkQueueRetry(id)
		pm.metrics.WorkQueueDepth(pm.workQueue.Len())

		pm.mu.Lock()
		status, exists := pm.processStatuses[id]
		updateCh, chanExists := pm.processUpdates[id]
		if !exists || !chanExists || status.IsFinished() || status.IsParked() {
			pm.mu.Unlock()
			continue
		}

		if status.pending == nil {
			var config interface{}
			if status.active != nil {
				config = status.active.Config
			}
			status.pending = &ProcessUpdate{
				ID:         id,
				UpdateType: UpdateTypeSync,
				StartTime:  time.Now(),
				Config:     config,
			}
		}
		pm.mu.Unlock()

		select {
		case updateCh <- struct{}{}:
		default:
		}
	}
}

// processWorkerLoop serialises all syncs for a single process
func (pm *ProcessManager) processWorkerLoop(id ProcessID, updateCh <-chan struct{}) {
	defer pm.wg.Done()
	defer pm.log.Debug("process worker stopped", "id", id)

	pm.log.Debug("process worker started", "id", id)

	for {
		select {
		case <-pm.shutdownCtx.Done():
			return
		case <-updateCh:
			if !pm.processUpdate(id) {
				return
			}
		}
	}
}

// processUpdate runs the pending update for a process.
// Returns false once the process is finished and its worker should exit.
func (pm *ProcessManager) processUpdate(id ProcessID) bool {
	pm.mu.Lock()

	status, exists := pm.processStatuses[id]
	if !exists || status.IsFinished() {
		pm.mu.Unlock()
		return false
	}

	if status.working || status.pending == nil {
		pm.mu.Unlock()
		return true
	}

	status.active = status.pending
	status.pending = nil
	status.working = true

	if status.ctx == nil || status.ctx.Err() != nil {
		status.ctx, status.cancelFn = context.WithCancel(pm.shutdownCtx)
	}

	update := *status.active
	state := status.State()

	pm.mu.Unlock()

	err := pm.executeSync(id, status, update, state)

	return pm.completeWork(id, err)
}

// executeSync dispatches to the hook matching the process state
func (pm *ProcessManager) executeSync(id ProcessID, status *processStatus, update ProcessUpdate, state ProcessState) error {
	if pm.syncer == nil {
		return Permanent(fmt.Errorf("no syncer configured"))
	}

	switch state {
	case ProcessStateStarting, ProcessStateRunning, ProcessStateFailed:
		pm.mu.Lock()
		isTerminating := status.IsTerminating()
		isParked := status.IsParked()
		pm.mu.Unlock()

		if isTerminating {
			return pm.syncTerminating(id, status, update)
		}
		if isParked {
			return nil
		}
		return pm.syncProcess(id, status, update)

	case ProcessStateTerminating:
		return pm.syncTerminating(id, status, update)

	case ProcessStateTerminated:
		return pm.syncTerminated(id, status, update)

	case ProcessStateFinished:
		return nil

	default:
		return fmt.Errorf("unknown state: %v", state)
	}
}

func (pm *ProcessManager) syncProcess(id ProcessID, status *processStatus, update ProcessUpdate) error {
	startTime := time.Now()

	terminal, err := pm.syncer.SyncProcess(status.ctx, update.UpdateType, update.Config)

	duration := time.Since(startTime)
	pm.metrics.ProcessSyncDuration(id, update.UpdateType, duration, err)

	pm.mu.Lock()
	defer pm.mu.Unlock()

	oldState := status.State()

	if err != nil {
		status.errorCount++
		status.lastError = err
		pm.metrics.ProcessError(id, "sync_error")
	} else {
		status.errorCount = 0
		status.lastError = nil
		status.syncedAt = time.Now()

		if status.startedAt.IsZero() {
			status.startedAt = status.syncedAt
		}
	}

	if terminal {
		pm.log.Info("process reached terminal state", "id", id)
		pm.handleTerminationRequest(id, status, nil)
	}

	if newState := status.State(); newState != oldState {
		pm.metrics.ProcessStateTransition(id, oldState, newState)
	}

	return err
}

func (pm *ProcessManager) syncTerminating(id ProcessID, status *processStatus, update ProcessUpdate) error {
	startTime := time.Now()

	pm.mu.Lock()
	gracePeriod := status.gracePeriod
	userFn := status.statusFn
	pm.mu.Unlock()

	statusFn := func(s *ProcessStatus) {
		pm.mu.Lock()
		*s = status.snapshot()
		pm.mu.Unlock()
		if userFn != nil {
			userFn(s)
		}
	}

	err := pm.syncer.SyncTerminatingProcess(status.ctx, update.Config, gracePeriod, statusFn)

	duration := time.Since(startTime)
	pm.log.Debug("terminating sync completed", "id", id, "duration", duration, "error", err)
	pm.metrics.ProcessTerminationDuration(id, duration)

	pm.mu.Lock()
	defer pm.mu.Unlock()

	oldState := status.State()

	if err != nil {
		status.errorCount++
		status.lastError = err
		pm.metrics.ProcessError(id, "termination_error")
	} else {
		status.terminatedAt = time.Now()
		status.errorCount = 0
		status.lastError = nil

		for _, ch := range status.completedChs {
			close(ch)
		}
		status.completedChs = nil

		status.pending = &ProcessUpdate{
			ID:         id,
			UpdateType: UpdateTypeSync,
			StartTime:  time.Now(),
			Config:     update.Config,
		}
	}

	if newState := status.State(); newState != oldState {
		pm.metrics.ProcessStateTransition(id, oldState, newState)
	}

	return err
}

func (pm *ProcessManager) syncTerminated(id ProcessID, status *processStatus, update ProcessUpdate) error {
	err := pm.syncer.SyncTerminatedProcess(status.ctx, update.Config)

	pm.mu.Lock()
	defer pm.mu.Unlock()

	oldState := status.State()

	if err != nil {
		status.errorCount++
		status.lastError = err
		pm.metrics.ProcessError(id, "cleanup_error")
	} else {
		status.finishedAt = time.Now()
		status.errorCount = 0
		status.lastError = nil
		close(status.finishedCh)
		pm.workQueue.Remove(id)
	}

	if newState := status.State(); newState != oldState {
		pm.metrics.ProcessStateTransition(id, oldState, newState)
	}

	return err
}

// completeWork schedules the next sync for id. Returns false once finished.
func (pm *ProcessManager) completeWork(id ProcessID, syncErr error) bool {
	pm.mu.Lock()

	status, exists := pm.processStatuses[id]
	if !exists {
		pm.mu.Unlock()
		return false
	}

	status.working = false

	if status.IsFinished() {
		pm.mu.Unlock()
		return false
	}

	var delay time.Duration
	requeue := true

	switch {
	case syncErr == nil && status.IsParked():
		requeue = false

	case syncErr != nil && status.IsTerminating():
		// Stop hooks are retried quickly regardless of error kind
		delay = Jitter(pm.baseBackOff, 0.5)
		pm.log.Warn("termination step failed, retrying", "id", id, "retry_in", delay, "error", syncErr)

	case syncErr != nil && (errors.Is(syncErr, context.Canceled) || errors.Is(syncErr, context.DeadlineExceeded)):
		delay = Jitter(time.Second, 0.5)
		pm.log.Debug("transient sync error, retrying", "id", id, "retry_in", delay, "error", syncErr)

	case syncErr != nil:
		status.consecutiveFails++
		if IsPermanent(syncErr) || (pm.maxAttempts > 0 && status.consecutiveFails >= pm.maxAttempts) {
			oldState := status.State()
			status.failedAt = time.Now()
			pm.metrics.ProcessStateTransition(id, oldState, status.State())
			pm.log.Error("process parked",
				"id", id,
				"attempts", status.consecutiveFails,
				"error", syncErr)
			requeue = false
			break
		}

		delay = ExponentialBackoff(status.consecutiveFails-1, pm.baseBackOff, pm.backOffPeriod)
		pm.log.Warn("sync failed, backing off",
			"id", id,
			"attempt", status.consecutiveFails,
			"retry_in", delay,
			"error", syncErr)
		pm.metrics.WorkQueueBackoffDuration(id, delay)

	case status.State() == ProcessStateTerminated:
		delay = 0

	default:
		status.consecutiveFails = 0
		delay = Jitter(pm.resyncInterval, 0.1)
	}

	if requeue {
		pm.workQueue.Enqueue(id, delay)
		pm.metrics.WorkQueueAdd(id, delay)
		pm.metrics.WorkQueueDepth(pm.workQueue.Len())
	}

	hasPending := status.pending != nil
	updateCh := pm.processUpdates[id]

	pm.mu.Unlock()

	if hasPending {
		select {
		case updateCh <- struct{}{}:
		default:
		}
	}
	return true
}

// RecordRestart counts a replacement of the process behind id
func (pm *ProcessManager) RecordRestart(id ProcessID) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if status, ok := pm.processStatuses[id]; ok {
		status.restartCount++
	}
	pm.metrics.ProcessRestart(id)
}

// GetProcessStatus returns current status of a process
func (pm *ProcessManager) GetProcessStatus(id ProcessID) (*ProcessStatus, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	status, exists := pm.processStatuses[id]
	if !exists {
		return nil, false
	}

	snap := status.snapshot()
	return &snap, true
}

// IsProcessTerminated checks if process has terminated
func (pm *ProcessManager) IsProcessTerminated(id ProcessID) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	status, exists := pm.processStatuses[id]
	return exists && status.IsTerminated()
}

// IsProcessFinished checks if process cleanup completed
func (pm *ProcessManager) IsProcessFinished(id ProcessID) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	status, exists := pm.processStatuses[id]
	return exists && status.IsFinished()
}

// Shutdown terminates every process, waits for each to finish, then stops
// the manager's goroutines. Returns ctx.Err() if ctx expires first.
func (pm *ProcessManager) Shutdown(ctx context.Context) error {
	pm.log.Info("process manager shutting down")

	pm.mu.Lock()
	pm.shuttingDown = true
	finished := make([]chan struct{}, 0, len(pm.processStatuses))
	ids := make([]ProcessID, 0, len(pm.processStatuses))
	for id, status := range pm.processStatuses {
		ids = append(ids, id)
		finished = append(finished, status.finishedCh)
	}
	pm.mu.Unlock()

	for _, id := range ids {
		pm.UpdateProcess(ProcessUpdate{ID: id, UpdateType: UpdateTypeTerminate})
	}

	var waitErr error
	for _, ch := range finished {
		select {
		case <-ch:
		case <-ctx.Done():
			waitErr = ctx.Err()
		}
		if waitErr != nil {
			break
		}
	}

	pm.shutdownCancel()

	done := make(chan struct{})
	go func() {
		pm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if waitErr == nil {
			waitErr = ctx.Err()
		}
	}

	if waitErr != nil {
		pm.log.Warn("process manager shutdown timed out", "error", waitErr)
		return waitErr
	}
	pm.log.Info("process manager shutdown complete")
	return nil
}

// SyncKnownProcesses reconciles desired vs actual processes: orphans are
// terminated, finished orphans forgotten. Returns the remaining processes.
func (pm *ProcessManager) SyncKnownProcesses(desiredIDs []ProcessID) map[ProcessID]ProcessStatus {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	desired := make(map[ProcessID]bool, len(desiredIDs))
	for _, id := range desiredIDs {
		desired[id] = true
	}

	result := make(map[ProcessID]ProcessStatus)

	for id, status := range pm.processStatuses {
		orphan := !desired[id]

		if status.IsFinished() {
			if orphan {
				pm.log.Debug("removing finished orphan", "id", id)
				delete(pm.processStatuses, id)
				delete(pm.processUpdates, id)
			}
			continue
		}

		if orphan && !status.IsTerminating() {
			pm.log.Info("terminating orphan", "id", id)
			pm.handleTerminationRequest(id, status, nil)
			if ch, ok := pm.processUpdates[id]; ok {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}

		result[id] = status.snapshot()
	}

	return result
}

// HealthCheck represents the health status of the process manager
type HealthCheck struct {
	TotalProcesses       int
	RunningProcesses     int
	TerminatingProcesses int
	FailedProcesses      int
	WorkQueueDepth       int
	Processes            map[ProcessID]ProcessHealth
}

// ProcessHealth represents the health status of an individual process
type ProcessHealth struct {
	State        ProcessState
	Healthy      bool
	Uptime       time.Duration
	LastSync     time.Time
	ErrorCount   int
	RestartCount int
}

// Health returns the current health status of the process manager
func (pm *ProcessManager) Health() HealthCheck {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	health := HealthCheck{
		Processes: make(map[ProcessID]ProcessHealth),
	}

	for id, status := range pm.processStatuses {
		health.TotalProcesses++

		state := status.State()
		switch state {
		case ProcessStateRunning:
			health.RunningProcesses++
		case ProcessStateTerminating:
			health.TerminatingProcesses++
		case ProcessStateFailed:
			health.FailedProcesses++
		}

		var uptime time.Duration
		if !status.startedAt.IsZero() {
			if status.finishedAt.IsZero() {
				uptime = time.Since(status.startedAt)
			} else {
				uptime = status.finishedAt.Sub(status.startedAt)
			}
		}

		health.Processes[id] = ProcessHealth{
			State:        state,
			Healthy:      status.Healthy(),
			Uptime:       uptime,
			LastSync:     status.syncedAt,
			ErrorCount:   status.errorCount,
			RestartCount: status.restartCount,
		}
	}

	health.WorkQueueDepth = pm.workQueue.Len()

	return health
}
