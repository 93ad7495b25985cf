package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jrepp/prefork/pkg/config"
	"github.com/jrepp/prefork/pkg/launcher"
)

// launchFlags maps flag names to config keys
var launchFlags = []struct {
	flag string
	key  string
}{
	{"workers", "workers"},
	{"bind", "bind"},
	{"timeout", "timeout"},
	{"graceful-timeout", "graceful_timeout"},
	{"keepalive", "keepalive"},
	{"access-log", "access_log"},
	{"error-log", "error_log"},
	{"log-level", "log_level"},
	{"daemon", "daemon"},
	{"pid", "pid_file"},
	{"app", "app"},
	{"max-requests", "max_requests"},
	{"max-requests-jitter", "max_requests_jitter"},
	{"poll-interval", "poll_interval"},
	{"heartbeat-interval", "heartbeat_interval"},
	{"restart-max-attempts", "restart.max_attempts"},
	{"restart-base-backoff", "restart.base_backoff"},
	{"restart-max-backoff", "restart.max_backoff"},
	{"restart-min-uptime", "restart.min_uptime"},
	{"metrics-bind", "metrics_bind"},
	{"control-bind", "control_bind"},
	{"events-url", "events_url"},
	{"tracing", "tracing"},
}

// addLaunchFlags declares the launch flags. Defaults live in viper, so the
// flag defaults here are only shown in help.
func addLaunchFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.IntP("workers", "w", 1, "number of worker processes")
	f.StringP("bind", "b", "127.0.0.1:8000", "address to listen on")
	f.DurationP("timeout", "t", 0, "per-request timeout and heartbeat deadline (default 30s)")
	f.Duration("graceful-timeout", 0, "time workers get to drain on shutdown (default 30s)")
	f.Duration("keepalive", 0, "idle keep-alive timeout (default 2s)")
	f.String("access-log", "", "access log path, - for stderr, empty to disable")
	f.String("error-log", "-", "error log path, - for stderr")
	f.String("log-level", "info", "debug, info, warning, error or critical")
	f.BoolP("daemon", "D", false, "detach into the background")
	f.StringP("pid", "p", "", "pid file path")
	f.String("app", "health", "application to serve (health, echo, proxy:<url>, static:<dir>)")
	f.Int("max-requests", 0, "recycle a worker after this many requests, 0 disables")
	f.Int("max-requests-jitter", 0, "random extra requests added to max-requests")
	f.Duration("poll-interval", 0, "supervisor health check interval (default 1s)")
	f.Duration("heartbeat-interval", 0, "worker heartbeat interval (default timeout/4, at most 2s)")
	f.Int("restart-max-attempts", 5, "consecutive failures before a slot is parked")
	f.Duration("restart-base-backoff", 0, "initial restart backoff (default 1s)")
	f.Duration("restart-max-backoff", 0, "maximum restart backoff (default 30s)")
	f.Duration("restart-min-uptime", 0, "exits sooner than this count as crash loops (default 1s)")
	f.String("metrics-bind", "", "address for the Prometheus /metrics endpoint")
	f.String("control-bind", "", "address for the gRPC health control plane")
	f.String("events-url", "", "lifecycle event sink (nats://... or redis://...)")
	f.String("tracing", "none", "request tracing exporter (none, stdout)")
}

// bindLaunchFlags binds the flags the user actually set, leaving the rest to
// the config file, environment and defaults.
func bindLaunchFlags(cmd *cobra.Command) error {
	for _, lf := range launchFlags {
		flag := cmd.Flags().Lookup(lf.flag)
		if flag == nil || !flag.Changed {
			continue
		}
		if err := v.BindPFlag(lf.key, flag); err != nil {
			return fmt.Errorf("bind flag %s: %w", lf.flag, err)
		}
	}
	return nil
}

// loadLaunchConfig builds the validated configuration for cmd
func loadLaunchConfig(cmd *cobra.Command) (*config.LaunchConfig, error) {
	if err := bindLaunchFlags(cmd); err != nil {
		return nil, err
	}

	cfg, err := config.Load(v)
	if err != nil {
		var fe *config.FieldError
		if errors.As(err, &fe) {
			return nil, launcher.ErrInvalidConfiguration(fe.Field, fe.Value, fe.Reason).WithCause(err)
		}
		return nil, launcher.NewError(launcher.ErrorCodeInvalidConfiguration, "Invalid configuration").
			WithCause(err).
			WithSuggestion("Check the config file and PREFORK_* environment variables")
	}
	return cfg, nil
}
