package launcher

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/jrepp/prefork/pkg/events"
	"github.com/jrepp/prefork/pkg/procmgr"
)

// haltGrace bounds the SIGQUIT phase of an immediate shutdown
const haltGrace = time.Second

// workerSyncer implements procmgr.ProcessSyncer for worker slots. The
// process config of every slot is its index.
type workerSyncer struct {
	sup *Supervisor

	mu            sync.Mutex
	handles       map[int]*WorkerHandle
	fastDeaths    map[int]int
	spawnFailures map[int]int
}

func newWorkerSyncer(sup *Supervisor) *workerSyncer {
	return &workerSyncer{
		sup:           sup,
		handles:       make(map[int]*WorkerHandle),
		fastDeaths:    make(map[int]int),
		spawnFailures: make(map[int]int),
	}
}

func slotOf(config interface{}) (int, error) {
	slot, ok := config.(int)
	if !ok {
		return 0, fmt.Errorf("invalid config type %T: expected slot index", config)
	}
	return slot, nil
}

// SyncProcess implements procmgr.ProcessSyncer.SyncProcess
func (ws *workerSyncer) SyncProcess(ctx context.Context, updateType procmgr.UpdateType, config interface{}) (bool, error) {
	slot, err := slotOf(config)
	if err != nil {
		return false, procmgr.Permanent(err)
	}
	s := ws.sup
	reload := updateType == procmgr.UpdateTypeUpdate

	if reload {
		ws.resetStreaks(slot)
	}

	if h := ws.handle(slot); h != nil {
		switch h.State() {
		case StateReady:
			if reload {
				s.workerLog(h).Info("replacing worker")
				s.stopWorker(ctx, h, syscall.SIGTERM, s.cfg.GracefulTimeout)
				s.metrics.exits.WithLabelValues(exitReasonStopped).Inc()
				ws.release(h)
				break
			}
			if silent := h.SilentFor(time.Now()); silent > s.cfg.Timeout {
				s.timeoutWorker(h, silent)
				ws.release(h)
				break
			}
			return false, nil

		case StateDead:
			crashed := s.reap(h)
			ws.release(h)

			if !crashed || reload || h.Uptime() >= s.cfg.Restart.MinUptime {
				ws.resetStreaks(slot)
				break
			}

			n := ws.bump(ws.fastDeaths, slot)
			if n >= s.cfg.Restart.MaxAttempts {
				err := ErrWorkerSpawn(slot, fmt.Errorf("worker died within %s of starting %d times in a row", s.cfg.Restart.MinUptime, n))
				s.park(slot, err)
				return false, procmgr.Permanent(err)
			}

			delay := procmgr.ExponentialBackoff(n-1, s.cfg.Restart.BaseBackoff, s.cfg.Restart.MaxBackoff)
			s.log.Warn("worker crashing on start, delaying replacement",
				"slot", slot,
				"streak", n,
				"retry_in", delay)
			if err := sleepCtx(ctx, delay); err != nil {
				return false, err
			}

		default:
			// Starting handles belong to an interrupted spawn; the stop
			// path owns them from here
			return false, nil
		}

		s.pm.RecordRestart(slotID(slot))
	}

	return false, ws.start(ctx, slot)
}

// start spawns a worker into an empty slot
func (ws *workerSyncer) start(ctx context.Context, slot int) error {
	s := ws.sup
	s.report(events.WorkerStarting, "worker starting", map[string]string{"slot": fmt.Sprint(slot)})

	h, err := s.spawn(ctx, slot)
	if err != nil {
		if h != nil && !h.hasExited() {
			ws.set(h)
			return err
		}
		if h != nil {
			h.transition(StateGone)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.metrics.spawnFailures.Inc()
		s.log.Error("worker failed to start", "slot", slot, "error", err)

		if n := ws.bump(ws.spawnFailures, slot); n >= s.cfg.Restart.MaxAttempts {
			s.park(slot, err)
			return procmgr.Permanent(err)
		}
		return err
	}

	ws.set(h)
	ws.mu.Lock()
	ws.spawnFailures[slot] = 0
	ws.mu.Unlock()

	s.workerLog(h).Info("worker ready")
	s.report(events.WorkerReady, "worker ready", workerMeta(h))
	return nil
}

// SyncTerminatingProcess implements procmgr.ProcessSyncer.SyncTerminatingProcess
func (ws *workerSyncer) SyncTerminatingProcess(ctx context.Context, config interface{}, gracePeriod time.Duration, _ procmgr.ProcessStatusFunc) error {
	slot, err := slotOf(config)
	if err != nil {
		return err
	}

	h := ws.handle(slot)
	if h == nil {
		return nil
	}

	sig := syscall.SIGTERM
	if ws.sup.halting.Load() {
		sig = syscall.SIGQUIT
		if gracePeriod > haltGrace {
			gracePeriod = haltGrace
		}
	}

	ws.sup.stopWorker(ctx, h, sig, gracePeriod)
	return nil
}

// SyncTerminatedProcess implements procmgr.ProcessSyncer.SyncTerminatedProcess
func (ws *workerSyncer) SyncTerminatedProcess(_ context.Context, config interface{}) error {
	slot, err := slotOf(config)
	if err != nil {
		return err
	}

	if h := ws.handle(slot); h != nil {
		if h.State() == StateDead {
			ws.sup.reap(h)
		}
		h.transition(StateGone)
		ws.release(h)
	}
	return nil
}

func (ws *workerSyncer) handle(slot int) *WorkerHandle {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.handles[slot]
}

func (ws *workerSyncer) set(h *WorkerHandle) {
	ws.mu.Lock()
	ws.handles[h.Slot] = h
	ws.mu.Unlock()
}

// release drops h from its slot if it is still the slot's handle
func (ws *workerSyncer) release(h *WorkerHandle) {
	h.transition(StateGone)

	ws.mu.Lock()
	if ws.handles[h.Slot] == h {
		delete(ws.handles, h.Slot)
	}
	ws.mu.Unlock()
}

func (ws *workerSyncer) bump(counts map[int]int, slot int) int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	counts[slot]++
	return counts[slot]
}

func (ws *workerSyncer) resetStreaks(slot int) {
	ws.mu.Lock()
	ws.fastDeaths[slot] = 0
	ws.spawnFailures[slot] = 0
	ws.mu.Unlock()
}

func (ws *workerSyncer) snapshot() []*WorkerHandle {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	out := make([]*WorkerHandle, 0, len(ws.handles))
	for _, h := range ws.handles {
		out = append(out, h)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
