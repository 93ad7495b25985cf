package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jrepp/prefork/pkg/config"
	"github.com/jrepp/prefork/pkg/events"
	"github.com/jrepp/prefork/pkg/procmgr"
)

const metricsNamespace = "prefork"

// Supervisor owns the listening socket and keeps config.Workers worker
// processes alive behind it.
type Supervisor struct {
	cfg *config.LaunchConfig
	res *Resources
	log *slog.Logger

	command string
	args    []string

	pm        *procmgr.ProcessManager
	syncer    *workerSyncer
	collector *procmgr.PrometheusMetricsCollector
	metrics   *launcherMetrics
	control   *controlPlane
	events    events.Publisher
	eventQ    *eventQueue

	exits     chan int
	halting   atomic.Bool
	haltCh    chan struct{}
	haltOnce  sync.Once
	startedAt time.Time

	reloadMu     sync.Mutex
	shutdownOnce sync.Once
	shutdownErr  error
	stopped      chan struct{}
}

// Option configures a Supervisor
type Option func(*Supervisor)

// WithResources supplies pre-bound resources instead of binding cfg.Bind.
// The supervisor takes ownership and closes them on shutdown.
func WithResources(res *Resources) Option {
	return func(s *Supervisor) {
		s.res = res
	}
}

// WithLogger overrides the error log logger
func WithLogger(log *slog.Logger) Option {
	return func(s *Supervisor) {
		s.log = log
	}
}

// WithWorkerCommand sets the executable and arguments that run a worker.
// Defaults to the current executable with the "worker" argument.
func WithWorkerCommand(path string, args ...string) Option {
	return func(s *Supervisor) {
		s.command = path
		s.args = args
	}
}

// WithPublisher overrides the lifecycle event publisher built from
// config.EventsURL
func WithPublisher(p events.Publisher) Option {
	return func(s *Supervisor) {
		s.events = p
	}
}

func slotID(slot int) procmgr.ProcessID {
	return procmgr.ProcessID("worker-" + strconv.Itoa(slot))
}

// Start binds the socket, opens the logs and spawns the workers. It returns
// once every slot is ready or parked; if none became ready the supervisor
// is shut down and a WORKER_SPAWN_ERROR is returned.
func Start(ctx context.Context, cfg *config.LaunchConfig, opts ...Option) (*Supervisor, error) {
	if cfg == nil {
		return nil, ErrInvalidConfiguration("config", nil, "configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		var fe *config.FieldError
		if errors.As(err, &fe) {
			return nil, ErrInvalidConfiguration(fe.Field, fe.Value, fe.Reason).WithCause(err)
		}
		return nil, ErrInvalidConfiguration("config", nil, err.Error()).WithCause(err)
	}

	s := &Supervisor{
		cfg:     cfg,
		exits:   make(chan int, cfg.Workers),
		haltCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.res == nil {
		res, err := Prepare(cfg)
		if err != nil {
			return nil, err
		}
		s.res = res
	}

	if s.log == nil {
		level, _ := config.ParseLevel(cfg.LogLevel)
		s.log = slog.New(slog.NewTextHandler(s.res.ErrorLog, &slog.HandlerOptions{Level: level}))
	}
	s.log = s.log.With("component", "supervisor")

	if s.command == "" {
		exe, err := os.Executable()
		if err != nil {
			s.res.Close()
			return nil, ErrWorkerSpawn(0, fmt.Errorf("locate executable: %w", err))
		}
		s.command = exe
		s.args = []string{"worker"}
	}

	if s.events == nil {
		pub, err := events.New(ctx, cfg.EventsURL, s.log)
		if err != nil {
			s.log.Warn("lifecycle events disabled", "url", cfg.EventsURL, "error", err)
			pub = events.NoopPublisher{}
		}
		s.events = pub
	}
	s.eventQ = newEventQueue(s.events, s.log)

	s.syncer = newWorkerSyncer(s)
	s.collector = procmgr.NewPrometheusMetricsCollector(metricsNamespace)
	s.metrics = newLauncherMetrics(metricsNamespace, s.collector.Registry(), s.LiveCount)

	control, err := startControlPlane(cfg.ControlBind, cfg.MetricsBind, s.collector.Registry(), s.log)
	if err != nil {
		s.eventQ.close()
		s.res.Close()
		return nil, err
	}
	s.control = control

	s.pm = procmgr.NewProcessManager(
		procmgr.WithSyncer(s.syncer),
		procmgr.WithResyncInterval(30*time.Second),
		procmgr.WithBaseBackOff(cfg.Restart.BaseBackoff),
		procmgr.WithBackOffPeriod(cfg.Restart.MaxBackoff),
		procmgr.WithMaxAttempts(cfg.Restart.MaxAttempts),
		procmgr.WithDefaultGracePeriod(cfg.GracefulTimeout),
		procmgr.WithMetricsCollector(s.collector),
		procmgr.WithLogger(s.log),
	)

	s.startedAt = time.Now()
	s.log.Info("supervisor starting",
		"pid", os.Getpid(),
		"bind", s.res.Listener.Addr().String(),
		"workers", cfg.Workers,
		"app", cfg.App)

	for i := 0; i < cfg.Workers; i++ {
		s.pm.UpdateProcess(procmgr.ProcessUpdate{
			ID:         slotID(i),
			UpdateType: procmgr.UpdateTypeCreate,
			Config:     i,
		})
	}

	ready, err := s.awaitSlots(ctx)
	s.refreshHealth()
	if err != nil || ready == 0 {
		if err == nil {
			err = NewError(ErrorCodeWorkerSpawn, "No worker became ready").
				WithContext("workers", cfg.Workers).
				WithCause(s.lastSlotError()).
				WithSuggestion("Check the error log for the workers' own output")
		}
		_ = s.Shutdown(context.Background())
		return nil, err
	}

	s.control.setServing(true)
	s.log.Info("supervisor started", "ready", ready, "workers", cfg.Workers)
	s.report(events.SupervisorStarted, "supervisor started", map[string]string{
		"bind":    s.res.Listener.Addr().String(),
		"workers": strconv.Itoa(cfg.Workers),
		"ready":   strconv.Itoa(ready),
	})

	return s, nil
}

// awaitSlots waits until every slot is ready or parked
func (s *Supervisor) awaitSlots(ctx context.Context) (int, error) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		ready, settled := 0, 0
		for i := 0; i < s.cfg.Workers; i++ {
			if h := s.syncer.handle(i); h != nil && h.State() == StateReady {
				ready++
				settled++
				continue
			}
			if st, ok := s.pm.GetProcessStatus(slotID(i)); ok && st.State == procmgr.ProcessStateFailed {
				settled++
			}
		}
		if settled == s.cfg.Workers {
			return ready, nil
		}

		select {
		case <-ctx.Done():
			return ready, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) lastSlotError() error {
	for i := s.cfg.Workers - 1; i >= 0; i-- {
		if st, ok := s.pm.GetProcessStatus(slotID(i)); ok && st.LastError != nil {
			return st.LastError
		}
	}
	return nil
}

// Run supervises workers until ctx is cancelled, then shuts down
// gracefully. It returns early if Shutdown or Halt is called elsewhere.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.Shutdown(context.Background())

		case <-s.stopped:
			return s.shutdownErr

		case slot := <-s.exits:
			s.nudge(slot)

		case <-ticker.C:
			for i := 0; i < s.cfg.Workers; i++ {
				s.nudge(i)
			}
			s.refreshHealth()
		}
	}
}

// nudge asks procmgr to resync a slot whose worker may need attention.
// Empty slots are left to procmgr's own retry schedule.
func (s *Supervisor) nudge(slot int) {
	h := s.syncer.handle(slot)
	if h == nil {
		return
	}
	switch h.State() {
	case StateReady, StateDead:
		s.pm.UpdateProcess(procmgr.ProcessUpdate{
			ID:         slotID(slot),
			UpdateType: procmgr.UpdateTypeSync,
		})
	}
}

func (s *Supervisor) refreshHealth() {
	for i := 0; i < s.cfg.Workers; i++ {
		state := StateGone
		if h := s.syncer.handle(i); h != nil {
			state = h.State()
		}
		s.control.setSlot(i, state)
	}
}

// Reload replaces every worker, one slot at a time. Parked slots are
// retried. Live workers never exceed config.Workers: each old worker is
// stopped before its replacement is spawned.
func (s *Supervisor) Reload(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	s.log.Info("reloading workers", "workers", s.cfg.Workers)
	s.metrics.reloads.Inc()

	for i := 0; i < s.cfg.Workers; i++ {
		select {
		case <-s.stopped:
			return errors.New("supervisor stopped")
		default:
		}

		var oldID string
		if h := s.syncer.handle(i); h != nil {
			oldID = h.ID
		}

		s.pm.UpdateProcess(procmgr.ProcessUpdate{
			ID:         slotID(i),
			UpdateType: procmgr.UpdateTypeUpdate,
		})

		if err := s.awaitReplacement(ctx, i, oldID); err != nil {
			return err
		}
	}

	s.refreshHealth()
	s.log.Info("reload complete", "live", s.LiveCount())
	return nil
}

// awaitReplacement waits for slot to hold a ready worker other than oldID,
// or to fail, bounded by one drain plus one boot
func (s *Supervisor) awaitReplacement(ctx context.Context, slot int, oldID string) error {
	deadline := time.NewTimer(s.cfg.GracefulTimeout + s.cfg.Timeout + time.Second)
	defer deadline.Stop()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		if h := s.syncer.handle(slot); h != nil && h.ID != oldID && h.State() == StateReady {
			return nil
		}
		if st, ok := s.pm.GetProcessStatus(slotID(slot)); ok && st.State == procmgr.ProcessStateFailed {
			s.log.Warn("reload: slot did not come back", "slot", slot, "state", st.State, "error", st.LastError)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			s.log.Warn("reload: slot replacement still pending", "slot", slot)
			return nil
		case <-ticker.C:
		}
	}
}

// Shutdown stops accepting, drains every worker for up to
// config.GracefulTimeout, kills stragglers and releases all resources.
// Safe to call more than once.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		grace := s.cfg.GracefulTimeout
		if s.halting.Load() {
			grace = haltGrace
		}

		s.log.Info("supervisor stopping", "graceful_timeout", grace, "halt", s.halting.Load())
		s.report(events.SupervisorStopping, "supervisor stopping", nil)

		s.control.setServing(false)
		s.res.CloseListener()

		// Stop hooks SIGKILL at grace; the margin covers reaping
		sctx, cancel := context.WithTimeout(ctx, grace+5*time.Second)
		s.shutdownErr = s.pm.Shutdown(sctx)
		cancel()

		s.refreshHealth()
		s.control.stop()

		s.log.Info("supervisor stopped", "uptime", time.Since(s.startedAt).Round(time.Millisecond))
		s.report(events.SupervisorStopped, "supervisor stopped", nil)
		s.eventQ.close()

		s.res.Close()
		close(s.stopped)
	})

	<-s.stopped
	return s.shutdownErr
}

// Halt shuts down immediately: workers get SIGQUIT and are killed after
// one second. During a graceful shutdown it cuts the drain short.
func (s *Supervisor) Halt() error {
	s.haltOnce.Do(func() {
		s.halting.Store(true)
		close(s.haltCh)
	})
	return s.Shutdown(context.Background())
}

// Done is closed once the supervisor has shut down
func (s *Supervisor) Done() <-chan struct{} { return s.stopped }

// Workers returns a snapshot of the current worker handles, ordered by slot
func (s *Supervisor) Workers() []WorkerInfo {
	handles := s.syncer.snapshot()
	out := make([]WorkerInfo, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

// LiveCount returns the number of starting or ready workers
func (s *Supervisor) LiveCount() int {
	n := 0
	for _, h := range s.syncer.snapshot() {
		if h.State().Live() {
			n++
		}
	}
	return n
}

// Health returns procmgr's view of the slots
func (s *Supervisor) Health() procmgr.HealthCheck {
	return s.pm.Health()
}

// Addr returns the bound listening address
func (s *Supervisor) Addr() string {
	return s.res.Listener.Addr().String()
}

// ControlAddr returns the gRPC health address, or "" when disabled
func (s *Supervisor) ControlAddr() string { return s.control.GRPCAddr() }

// MetricsAddr returns the metrics address, or "" when disabled
func (s *Supervisor) MetricsAddr() string { return s.control.MetricsAddr() }

// park records that a slot gave up restarting
func (s *Supervisor) park(slot int, err error) {
	s.log.Error("worker slot parked", "slot", slot, "error", err)
	s.report(events.WorkerParked, "worker slot parked", map[string]string{
		"slot":  strconv.Itoa(slot),
		"error": err.Error(),
	})
}

func (s *Supervisor) workerLog(h *WorkerHandle) *slog.Logger {
	return s.log.With("slot", h.Slot, "incarnation", h.ID, "pid", h.PID)
}

func workerMeta(h *WorkerHandle) map[string]string {
	return map[string]string{
		"slot":        strconv.Itoa(h.Slot),
		"pid":         strconv.Itoa(h.PID),
		"incarnation": h.ID,
	}
}

// report queues a lifecycle event; delivery failures are logged only
func (s *Supervisor) report(eventType, message string, metadata map[string]string) {
	s.eventQ.publish(eventType, message, metadata)
}
