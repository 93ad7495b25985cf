package launcher

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// WorkerState is the supervisor's view of one worker process
type WorkerState int

const (
	// StateStarting - spawned, has not reported ready
	StateStarting WorkerState = iota
	// StateReady - serving and heartbeating
	StateReady
	// StateTerminating - the supervisor asked it to stop
	StateTerminating
	// StateDead - exited without being asked
	StateDead
	// StateGone - reaped and removed from its slot
	StateGone
)

func (s WorkerState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateTerminating:
		return "terminating"
	case StateDead:
		return "dead"
	case StateGone:
		return "gone"
	default:
		return "unknown"
	}
}

// Live reports whether a worker in state s counts toward capacity
func (s WorkerState) Live() bool {
	return s == StateStarting || s == StateReady
}

var transitions = map[WorkerState][]WorkerState{
	StateStarting:    {StateReady, StateDead, StateTerminating},
	StateReady:       {StateDead, StateTerminating},
	StateTerminating: {StateGone},
	StateDead:        {StateGone},
}

// WorkerHandle tracks one worker process incarnation
type WorkerHandle struct {
	// ID is unique per incarnation; a replacement in the same slot gets a new one
	ID        string
	Slot      int
	PID       int
	StartedAt time.Time

	cmd     *exec.Cmd
	statusR *os.File

	mu            sync.Mutex
	state         WorkerState
	readyAt       time.Time
	lastHeartbeat time.Time
	exitedAt      time.Time
	exitStatus    string
	exitCode      int

	readyCh chan struct{}
	exitCh  chan struct{}
}

// WorkerInfo is a point-in-time copy of a WorkerHandle
type WorkerInfo struct {
	ID            string
	Slot          int
	PID           int
	State         WorkerState
	StartedAt     time.Time
	LastHeartbeat time.Time
	ExitStatus    string
}

func newWorkerHandle(id string, slot int, cmd *exec.Cmd, statusR *os.File) *WorkerHandle {
	return &WorkerHandle{
		ID:        id,
		Slot:      slot,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
		cmd:       cmd,
		statusR:   statusR,
		state:     StateStarting,
		exitCode:  -1,
		readyCh:   make(chan struct{}),
		exitCh:    make(chan struct{}),
	}
}

// State returns the current state
func (h *WorkerHandle) State() WorkerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// transition moves to state to if the state machine allows it
func (h *WorkerHandle) transition(to WorkerState) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transitionLocked(to)
}

func (h *WorkerHandle) transitionLocked(to WorkerState) bool {
	for _, allowed := range transitions[h.state] {
		if allowed == to {
			h.state = to
			return true
		}
	}
	return false
}

func (h *WorkerHandle) markReady(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastHeartbeat = now
	if h.readyAt.IsZero() && h.transitionLocked(StateReady) {
		h.readyAt = now
		close(h.readyCh)
	}
}

func (h *WorkerHandle) heartbeat(now time.Time) {
	h.mu.Lock()
	h.lastHeartbeat = now
	h.mu.Unlock()
}

// markExited records the wait result; called once by the wait goroutine
func (h *WorkerHandle) markExited(waitErr error) {
	h.mu.Lock()
	h.exitedAt = time.Now()
	if ps := h.cmd.ProcessState; ps != nil {
		h.exitStatus = ps.String()
		h.exitCode = ps.ExitCode()
	} else if waitErr != nil {
		h.exitStatus = waitErr.Error()
	}
	h.transitionLocked(StateDead)
	h.mu.Unlock()

	close(h.exitCh)
}

// SilentFor returns how long since the last status byte
func (h *WorkerHandle) SilentFor(now time.Time) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastHeartbeat.IsZero() {
		return now.Sub(h.StartedAt)
	}
	return now.Sub(h.lastHeartbeat)
}

// Uptime returns how long the process lived, or has lived so far
func (h *WorkerHandle) Uptime() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exitedAt.IsZero() {
		return time.Since(h.StartedAt)
	}
	return h.exitedAt.Sub(h.StartedAt)
}

// ExitStatus describes how the process ended ("exit status 1", "signal: killed")
func (h *WorkerHandle) ExitStatus() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitStatus
}

// ExitCode returns the process exit code, -1 if running or killed by a signal
func (h *WorkerHandle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Ready is closed once the worker reports ready
func (h *WorkerHandle) Ready() <-chan struct{} { return h.readyCh }

// Exited is closed once the process has been reaped
func (h *WorkerHandle) Exited() <-chan struct{} { return h.exitCh }

func (h *WorkerHandle) hasExited() bool {
	select {
	case <-h.exitCh:
		return true
	default:
		return false
	}
}

// Signal delivers sig unless the process was already reaped
func (h *WorkerHandle) Signal(sig syscall.Signal) error {
	if h.hasExited() {
		return nil
	}
	err := h.cmd.Process.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Info returns a snapshot
func (h *WorkerHandle) Info() WorkerInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return WorkerInfo{
		ID:            h.ID,
		Slot:          h.Slot,
		PID:           h.PID,
		State:         h.state,
		StartedAt:     h.StartedAt,
		LastHeartbeat: h.lastHeartbeat,
		ExitStatus:    h.exitStatus,
	}
}
