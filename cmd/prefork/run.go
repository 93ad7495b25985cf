package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jrepp/prefork/pkg/config"
	"github.com/jrepp/prefork/pkg/daemon"
	"github.com/jrepp/prefork/pkg/launcher"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the supervisor and its workers (default command)",
	Long: `Start the supervisor in the foreground, or detach with --daemon.

Signals:
  SIGTERM          stop accepting, drain workers, exit
  SIGINT, SIGQUIT  stop immediately
  SIGHUP           replace every worker, one at a time`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	addLaunchFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadLaunchConfig(cmd)
	if daemon.IsChild() {
		return serveDaemonChild(cfg, err)
	}
	if err != nil {
		return err
	}

	if err := checkPidFile(cfg); err != nil {
		return err
	}

	res, err := prepare(cfg)
	if err != nil {
		return err
	}

	if cfg.Daemon {
		return detach(cmd, cfg, res)
	}
	return serve(cfg, res, nil)
}

// prepare binds and opens the logs. A daemon must not keep the launching
// terminal as its log, so stderr log paths are discarded when detaching.
func prepare(cfg *config.LaunchConfig) (*launcher.Resources, error) {
	if !cfg.Daemon {
		return launcher.Prepare(cfg)
	}
	if cfg.ErrorLog == config.StderrLog {
		ux.Warning("error_log is \"-\"; the daemon's log output will be discarded")
	}
	return launcher.Prepare(cfg.Detached())
}

func checkPidFile(cfg *config.LaunchConfig) error {
	if cfg.PidFile == "" {
		return nil
	}
	pid, err := daemon.RunningPid(cfg.PidFile)
	if err != nil {
		return launcher.NewError(launcher.ErrorCodeAlreadyRunning, "Cannot read pid file").
			WithContext("pid_file", cfg.PidFile).
			WithCause(err)
	}
	if pid != 0 {
		return launcher.ErrAlreadyRunning(cfg.PidFile, pid)
	}
	return nil
}

// detach hands the bound socket and open logs to a background copy of this
// process and waits for it to report readiness.
func detach(cmd *cobra.Command, cfg *config.LaunchConfig, res *launcher.Resources) error {
	defer res.Close()

	pid, err := daemon.Detach(cmd.Context(), daemon.Spec{
		Args: os.Args[1:],
		Files: daemon.Files{
			Listener:  res.ListenerFile(),
			ErrorLog:  res.ErrorLog,
			AccessLog: res.AccessLog,
		},
		Timeout: daemonReadyTimeout(cfg),
	})
	if err != nil {
		return launcher.ErrDaemonize(err).WithContext("pid", pid)
	}

	ux.Success(fmt.Sprintf("prefork started in the background (pid %d, %s)", pid, res.Listener.Addr()))
	return nil
}

// daemonReadyTimeout covers a full start: every slot may exhaust its
// attempts, each bounded by the spawn timeout plus backoff.
func daemonReadyTimeout(cfg *config.LaunchConfig) time.Duration {
	perAttempt := cfg.Timeout + cfg.Restart.MaxBackoff
	return max(daemon.DefaultReadyTimeout, time.Duration(cfg.Restart.MaxAttempts+1)*perAttempt)
}

// serveDaemonChild runs the background copy started by detach. Failures
// are reported over the readiness pipe since stderr is /dev/null here.
func serveDaemonChild(cfg *config.LaunchConfig, cfgErr error) error {
	files, notify, err := daemon.Inherit()
	if err != nil {
		return launcher.ErrDaemonize(err)
	}
	if cfgErr != nil {
		notify.Fail(cfgErr)
		return cfgErr
	}

	res, err := launcher.ResourcesFromFiles(files.Listener, files.ErrorLog, files.AccessLog)
	if err != nil {
		notify.Fail(err)
		return launcher.ErrDaemonize(err)
	}
	return serve(cfg, res, notify)
}

// serve starts the supervisor on res and translates signals until it stops.
// notify is set when running as a detached child.
func serve(cfg *config.LaunchConfig, res *launcher.Resources, notify *daemon.Notifier) error {
	level, _ := config.ParseLevel(cfg.LogLevel)
	log := slog.New(slog.NewTextHandler(res.ErrorLog, &slog.HandlerOptions{Level: level}))

	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGHUP)
	defer signal.Stop(sigs)

	// A signal during start aborts it. One that races with a successful
	// start is put back for the loop below.
	startCtx, cancelStart := context.WithCancel(context.Background())
	defer cancelStart()
	early := make(chan os.Signal, 1)
	watching := make(chan struct{})
	go func() {
		defer close(watching)
		select {
		case sig := <-sigs:
			early <- sig
			cancelStart()
		case <-startCtx.Done():
		}
	}()

	sup, err := launcher.Start(startCtx, cfg,
		launcher.WithResources(res),
		launcher.WithLogger(log),
	)
	if err != nil {
		select {
		case sig := <-early:
			log.Warn("start aborted by signal", "signal", sig)
		default:
		}
		if notify != nil {
			notify.Fail(err)
		}
		return err
	}
	cancelStart()
	<-watching
	select {
	case sig := <-early:
		select {
		case sigs <- sig:
		default:
		}
	default:
	}

	if cfg.PidFile != "" {
		pid := os.Getpid()
		if err := daemon.WritePidFile(cfg.PidFile, pid); err != nil {
			_ = sup.Shutdown(context.Background())
			if notify != nil {
				notify.Fail(err)
			}
			return err
		}
		defer func() {
			if err := daemon.RemovePidFile(cfg.PidFile, pid); err != nil {
				log.Warn("remove pid file", "path", cfg.PidFile, "error", err)
			}
		}()
	}

	if notify != nil {
		if err := notify.Ready(); err != nil {
			log.Warn("report readiness", "error", err)
		}
	}

	sigLog := log.With("component", "signals")
	runCtx, stop := context.WithCancel(context.Background())
	defer stop()

	done := make(chan error, 1)
	go func() { done <- sup.Run(runCtx) }()

	for {
		select {
		case err := <-done:
			return err

		case sig := <-sigs:
			switch sig {
			case syscall.SIGHUP:
				sigLog.Info("reloading workers", "signal", sig)
				go func() {
					if err := sup.Reload(runCtx); err != nil {
						sigLog.Error("reload failed", "error", err)
					}
				}()
			case syscall.SIGTERM:
				sigLog.Info("graceful shutdown", "signal", sig)
				stop()
			default:
				sigLog.Info("immediate shutdown", "signal", sig)
				go sup.Halt()
			}
		}
	}
}
