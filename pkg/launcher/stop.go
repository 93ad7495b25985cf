package launcher

import (
	"context"
	"syscall"
	"time"

	"github.com/jrepp/prefork/pkg/events"
)

// stopWorker signals h and waits for it to exit, escalating to SIGKILL once
// grace expires or ctx is cancelled. A halt arriving mid-drain switches to
// SIGQUIT and cuts the remaining grace to haltGrace.
func (s *Supervisor) stopWorker(ctx context.Context, h *WorkerHandle, sig syscall.Signal, grace time.Duration) {
	log := s.workerLog(h)

	first := h.transition(StateTerminating)
	if err := h.Signal(sig); err != nil {
		log.Warn("signal worker", "signal", sig.String(), "error", err)
	}
	if first {
		log.Info("stopping worker", "signal", sig.String(), "grace", grace)
		s.report(events.WorkerTerminating, "worker stopping", workerMeta(h))
	}

	start := time.Now()
	deadline := start.Add(grace)
	timer := time.NewTimer(grace)
	defer timer.Stop()

	halt := s.haltCh
	if sig == syscall.SIGQUIT {
		halt = nil
	}

wait:
	for {
		select {
		case <-h.Exited():
			log.Debug("worker exited", "exit_status", h.ExitStatus())
			return

		case <-halt:
			halt = nil
			log.Info("halt requested, closing worker", "signal", syscall.SIGQUIT.String())
			if err := h.Signal(syscall.SIGQUIT); err != nil {
				log.Warn("signal worker", "signal", syscall.SIGQUIT.String(), "error", err)
			}
			if time.Until(deadline) > haltGrace {
				deadline = time.Now().Add(haltGrace)
				timer.Reset(haltGrace)
			}

		case <-timer.C:
			log.Warn("worker did not exit in time, killing",
				"error", ErrShutdownTimeout(h.Slot, h.PID, time.Since(start).Round(time.Millisecond).String()))
			s.metrics.forcedKills.Inc()
			break wait

		case <-ctx.Done():
			log.Warn("stop interrupted, killing worker", "error", ctx.Err())
			break wait
		}
	}

	if err := h.Signal(syscall.SIGKILL); err != nil {
		log.Error("kill worker", "error", err)
	}
	<-h.Exited()
}

// timeoutWorker kills a worker whose heartbeat went stale
func (s *Supervisor) timeoutWorker(h *WorkerHandle, silent time.Duration) {
	err := ErrWorkerTimeout(h.Slot, h.PID, silent.Round(time.Millisecond).String())
	s.workerLog(h).Error("worker timed out", "error", err)

	h.transition(StateTerminating)
	_ = h.Signal(syscall.SIGKILL)

	s.metrics.timeouts.Inc()
	s.metrics.exits.WithLabelValues(exitReasonTimeout).Inc()
	s.report(events.WorkerTimeout, "worker stopped heartbeating", workerMeta(h))

	<-h.Exited()
}

// reap logs an unrequested exit. Returns true if the worker crashed rather
// than exiting cleanly.
func (s *Supervisor) reap(h *WorkerHandle) bool {
	log := s.workerLog(h)
	status := h.ExitStatus()
	crashed := h.ExitCode() != 0

	if crashed {
		log.Error("worker died", "exit_status", status, "uptime", h.Uptime().Round(time.Millisecond))
		s.metrics.exits.WithLabelValues(exitReasonCrash).Inc()
	} else {
		log.Info("worker exited", "exit_status", status, "uptime", h.Uptime().Round(time.Millisecond))
		s.metrics.exits.WithLabelValues(exitReasonClean).Inc()
	}

	meta := workerMeta(h)
	meta["exit_status"] = status
	s.report(events.WorkerDead, "worker exited", meta)

	return crashed
}
