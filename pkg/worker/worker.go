// Package worker is the worker-process side of prefork: it serves one
// application on a listener inherited from the supervisor, reports liveness
// over a status pipe and drains on request.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"sync"
	"time"
)

// Worker serves one application until told to stop
type Worker struct {
	opts   Options
	ln     net.Listener
	status io.Writer
	log    *slog.Logger

	srv     *http.Server
	tracing *tracing
	limit   int64

	recycleOnce sync.Once
	recycleCh   chan struct{}
	closeOnce   sync.Once
	closeCh     chan struct{}
}

// New builds the handler chain around handler. access may be nil to disable
// access logging; status receives the ready and heartbeat bytes.
func New(opts Options, ln net.Listener, access io.Writer, status io.Writer, handler http.Handler, log *slog.Logger) (*Worker, error) {
	if log == nil {
		log = slog.Default()
	}

	w := &Worker{
		opts:      opts,
		ln:        ln,
		status:    status,
		log:       log,
		recycleCh: make(chan struct{}),
		closeCh:   make(chan struct{}),
	}

	if opts.MaxRequests > 0 {
		w.limit = int64(opts.MaxRequests)
		if opts.MaxRequestsJitter > 0 {
			w.limit += int64(rand.IntN(opts.MaxRequestsJitter + 1))
		}
	}

	// Innermost first: timeout, counter, access log, tracing
	h := http.TimeoutHandler(handler, opts.Timeout, "request timeout\n")
	h = timeoutReporter(opts.Timeout, log, h)
	if w.limit > 0 {
		h = requestCounter(w.limit, w.recycle, h)
	}
	if access != nil {
		al := &accessLogger{out: access}
		h = al.middleware(h)
	}

	tr, err := newTracing(context.Background(), opts.Tracing, opts.Slot, os.Stderr)
	if err != nil {
		return nil, err
	}
	if tr != nil {
		w.tracing = tr
		h = tr.middleware(h)
	}

	w.srv = &http.Server{
		Handler:           h,
		ReadHeaderTimeout: opts.Timeout,
		IdleTimeout:       opts.Keepalive,
		ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelWarn),
	}
	if opts.Keepalive <= 0 {
		w.srv.SetKeepAlivesEnabled(false)
	}

	return w, nil
}

// Serve accepts connections until ctx is cancelled (graceful drain bounded by
// GracefulTimeout), the request limit is reached (graceful drain) or Close is
// called (immediate). A nil error means a clean stop.
func (w *Worker) Serve(ctx context.Context) error {
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- w.srv.Serve(w.ln)
	}()

	if err := w.writeStatus(StatusReady); err != nil {
		w.srv.Close()
		return fmt.Errorf("report ready: %w", err)
	}
	w.log.Info("worker ready", "addr", w.ln.Addr().String(), "max_requests", w.limit)

	heartbeat := time.NewTicker(w.opts.Heartbeat)
	defer heartbeat.Stop()

	var drainReason string
	for drainReason == "" {
		select {
		case err := <-serveErr:
			w.flushTraces()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("serve: %w", err)

		case <-heartbeat.C:
			if err := w.writeStatus(StatusHeartbeat); err != nil {
				drainReason = "supervisor gone"
			}

		case <-ctx.Done():
			drainReason = "shutdown requested"

		case <-w.recycleCh:
			drainReason = "max requests reached"

		case <-w.closeCh:
			w.srv.Close()
			<-serveErr
			w.flushTraces()
			return nil
		}
	}

	return w.drain(drainReason, serveErr, heartbeat.C)
}

// drain stops accepting and waits for in-flight requests, forcing the
// remaining connections closed once GracefulTimeout expires
func (w *Worker) drain(reason string, serveErr <-chan error, heartbeat <-chan time.Time) error {
	w.log.Info("worker draining", "reason", reason, "graceful_timeout", w.opts.GracefulTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), w.opts.GracefulTimeout)
	defer cancel()

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- w.srv.Shutdown(ctx) }()

	// Keep heartbeating so a self-initiated drain is not mistaken for a hang
	for done := false; !done; {
		select {
		case err := <-shutdownDone:
			if err != nil {
				w.log.Warn("graceful timeout expired, closing connections", "error", err)
				w.srv.Close()
			}
			done = true
		case <-w.closeCh:
			w.srv.Close()
			done = true
		case <-heartbeat:
			_ = w.writeStatus(StatusHeartbeat)
		}
	}

	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	w.flushTraces()
	w.log.Info("worker stopped")
	return nil
}

// Close stops the worker immediately, abandoning in-flight requests
func (w *Worker) Close() {
	w.closeOnce.Do(func() { close(w.closeCh) })
}

func (w *Worker) recycle() {
	w.recycleOnce.Do(func() { close(w.recycleCh) })
}

func (w *Worker) writeStatus(b byte) error {
	_, err := w.status.Write([]byte{b})
	return err
}

func (w *Worker) flushTraces() {
	if w.tracing == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.tracing.shutdown(ctx); err != nil {
		w.log.Warn("flush traces", "error", err)
	}
}
