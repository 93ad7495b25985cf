package worker

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/jrepp/prefork/pkg/app"
	"github.com/jrepp/prefork/pkg/config"
)

// Main runs a worker process from its inherited descriptors and environment
// and returns the process exit code.
func Main() int {
	opts, optsErr := OptionsFromEnv(os.Getenv)

	level, err := config.ParseLevel(opts.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})).With(
		"component", "worker",
		"slot", opts.Slot,
		"incarnation", opts.IncarnationID,
		"pid", os.Getpid(),
	)

	if optsErr != nil {
		log.Error("invalid worker environment", "error", optsErr)
		return ExitBootError
	}

	lnFile := os.NewFile(ListenerFD, "listener")
	if lnFile == nil {
		log.Error("listener descriptor missing", "fd", ListenerFD)
		return ExitBootError
	}
	ln, err := net.FileListener(lnFile)
	lnFile.Close()
	if err != nil {
		log.Error("inherit listener", "fd", ListenerFD, "error", err)
		return ExitBootError
	}

	status := os.NewFile(StatusFD, "status")
	if status == nil {
		log.Error("status descriptor missing", "fd", StatusFD)
		return ExitBootError
	}
	defer status.Close()

	var access io.Writer
	if opts.AccessLog {
		f := os.NewFile(AccessLogFD, "access-log")
		if f == nil {
			log.Error("access log descriptor missing", "fd", AccessLogFD)
			return ExitBootError
		}
		defer f.Close()
		access = f
	}

	handler, err := app.Default.Resolve(opts.App)
	if err != nil {
		log.Error("load application", "app", opts.App, "error", err)
		return ExitAppLoadError
	}

	w, err := New(opts, ln, access, status, handler, log)
	if err != nil {
		log.Error("configure worker", "error", err)
		return ExitBootError
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGTERM:
				cancel()
			case syscall.SIGINT, syscall.SIGQUIT:
				log.Info("immediate shutdown", "signal", sig.String())
				w.Close()
			case syscall.SIGHUP:
				log.Debug("ignoring signal", "signal", sig.String())
			}
		}
	}()

	if err := w.Serve(ctx); err != nil {
		log.Error("worker failed", "error", err)
		return ExitServeError
	}
	return ExitOK
}
