package launcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/jrepp/prefork/pkg/worker"
)

// spawn starts a worker for slot and waits for its ready byte.
//
// On a spawn failure the returned handle, if any, has already exited. When
// ctx is cancelled the still-starting handle is returned with ctx.Err() so
// the caller can stop it.
func (s *Supervisor) spawn(ctx context.Context, slot int) (*WorkerHandle, error) {
	statusR, statusW, err := os.Pipe()
	if err != nil {
		return nil, ErrWorkerSpawn(slot, fmt.Errorf("status pipe: %w", err))
	}

	id := uuid.NewString()
	opts := worker.Options{
		Slot:              slot,
		IncarnationID:     id,
		App:               s.cfg.App,
		Timeout:           s.cfg.Timeout,
		GracefulTimeout:   s.cfg.GracefulTimeout,
		Keepalive:         s.cfg.Keepalive,
		Heartbeat:         s.cfg.Heartbeat(),
		MaxRequests:       s.cfg.MaxRequests,
		MaxRequestsJitter: s.cfg.MaxRequestsJitter,
		LogLevel:          s.cfg.LogLevel,
		Tracing:           s.cfg.Tracing,
		AccessLog:         s.res.AccessLog != nil,
	}

	cmd := exec.Command(s.command, s.args...)
	cmd.Env = append(os.Environ(), opts.Environ()...)
	// Index i lands on descriptor 3+i in the child
	cmd.ExtraFiles = []*os.File{
		worker.ListenerFD - 3:  s.res.ListenerFile(),
		worker.AccessLogFD - 3: s.res.accessTarget(),
		worker.StatusFD - 3:    statusW,
	}
	cmd.Stdout = s.res.ErrorLog
	cmd.Stderr = s.res.ErrorLog
	cmd.SysProcAttr = workerSysProcAttr()

	if err := cmd.Start(); err != nil {
		statusR.Close()
		statusW.Close()
		return nil, ErrWorkerSpawn(slot, err)
	}
	statusW.Close()

	h := newWorkerHandle(id, slot, cmd, statusR)
	log := s.workerLog(h)
	log.Debug("worker spawned")

	go s.readStatus(h)
	go s.waitWorker(h)

	timer := time.NewTimer(s.cfg.Timeout)
	defer timer.Stop()

	select {
	case <-h.Ready():
		s.metrics.spawnDuration.Observe(time.Since(h.StartedAt).Seconds())
		return h, nil

	case <-h.Exited():
		// A ready byte may have raced the exit
		select {
		case <-h.Ready():
			return h, nil
		default:
		}
		return h, ErrWorkerSpawn(slot, fmt.Errorf("worker exited before ready: %s", h.ExitStatus())).
			WithContext("pid", h.PID).
			WithContext("incarnation", h.ID)

	case <-timer.C:
		log.Warn("worker not ready in time, killing", "timeout", s.cfg.Timeout)
		_ = h.Signal(syscall.SIGKILL)
		<-h.Exited()
		return h, ErrWorkerSpawn(slot, fmt.Errorf("not ready within %s", s.cfg.Timeout)).
			WithContext("pid", h.PID).
			WithContext("incarnation", h.ID)

	case <-ctx.Done():
		return h, ctx.Err()
	}
}

// readStatus consumes the worker's status pipe until it closes
func (s *Supervisor) readStatus(h *WorkerHandle) {
	defer h.statusR.Close()

	buf := make([]byte, 64)
	for {
		n, err := h.statusR.Read(buf)
		if n > 0 {
			now := time.Now()
			for _, b := range buf[:n] {
				switch b {
				case worker.StatusReady:
					h.markReady(now)
				case worker.StatusHeartbeat:
					h.heartbeat(now)
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// waitWorker reaps the process and notifies the run loop
func (s *Supervisor) waitWorker(h *WorkerHandle) {
	err := h.cmd.Wait()
	h.markExited(err)

	select {
	case s.exits <- h.Slot:
	default:
		// Run loop is busy; the next poll tick picks the exit up
	}
}
