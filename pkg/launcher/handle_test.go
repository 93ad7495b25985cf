package launcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func bareHandle() *WorkerHandle {
	return &WorkerHandle{
		ID:        "test",
		StartedAt: time.Now(),
		state:     StateStarting,
		exitCode:  -1,
		readyCh:   make(chan struct{}),
		exitCh:    make(chan struct{}),
	}
}

func TestWorkerHandle_Transitions(t *testing.T) {
	tests := []struct {
		name string
		path []WorkerState
		want []bool
	}{
		{"normal life", []WorkerState{StateReady, StateDead, StateGone}, []bool{true, true, true}},
		{"stopped while ready", []WorkerState{StateReady, StateTerminating, StateGone}, []bool{true, true, true}},
		{"died while starting", []WorkerState{StateDead, StateGone}, []bool{true, true}},
		{"stopped while starting", []WorkerState{StateTerminating, StateGone}, []bool{true, true}},
		{"no exit notification while stopping", []WorkerState{StateTerminating, StateDead}, []bool{true, false}},
		{"no revival", []WorkerState{StateDead, StateReady}, []bool{true, false}},
		{"gone is final", []WorkerState{StateTerminating, StateGone, StateReady}, []bool{true, true, false}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := bareHandle()
			for i, to := range tt.path {
				assert.Equal(t, tt.want[i], h.transition(to), "step %d to %s", i, to)
			}
		})
	}
}

func TestWorkerHandle_MarkReadyOnce(t *testing.T) {
	h := bareHandle()
	now := time.Now()

	h.markReady(now)
	h.markReady(now.Add(time.Second))

	select {
	case <-h.Ready():
	default:
		t.Fatal("ready channel not closed")
	}
	assert.Equal(t, StateReady, h.State())
	assert.Equal(t, now, h.readyAt)
}

func TestWorkerHandle_ReadyIgnoredWhileTerminating(t *testing.T) {
	h := bareHandle()
	h.transition(StateTerminating)

	h.markReady(time.Now())

	assert.Equal(t, StateTerminating, h.State())
	select {
	case <-h.Ready():
		t.Fatal("ready channel closed for a stopping worker")
	default:
	}
}

func TestWorkerHandle_SilentFor(t *testing.T) {
	h := bareHandle()
	start := h.StartedAt

	assert.Equal(t, 3*time.Second, h.SilentFor(start.Add(3*time.Second)))

	h.heartbeat(start.Add(5 * time.Second))
	assert.Equal(t, time.Second, h.SilentFor(start.Add(6*time.Second)))
}

func TestWorkerState_Live(t *testing.T) {
	assert.True(t, StateStarting.Live())
	assert.True(t, StateReady.Live())
	assert.False(t, StateTerminating.Live())
	assert.False(t, StateDead.Live())
	assert.False(t, StateGone.Live())
	assert.Equal(t, "terminating", StateTerminating.String())
}
