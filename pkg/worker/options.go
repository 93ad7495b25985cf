package worker

import (
	"fmt"
	"strconv"
	"time"
)

// Descriptors a worker inherits from the supervisor, after stdin/stdout/stderr
const (
	ListenerFD  = 3
	AccessLogFD = 4
	StatusFD    = 5
)

// Bytes written on the status pipe
const (
	StatusReady     byte = 'R'
	StatusHeartbeat byte = 'H'
)

// Worker process exit codes
const (
	ExitOK           = 0
	ExitServeError   = 1
	ExitBootError    = 3
	ExitAppLoadError = 4
)

// Environment variables carrying Options to a worker process
const (
	EnvSlot              = "PREFORK_WORKER_SLOT"
	EnvIncarnation       = "PREFORK_WORKER_UID"
	EnvApp               = "PREFORK_WORKER_APP"
	EnvTimeout           = "PREFORK_WORKER_TIMEOUT"
	EnvGracefulTimeout   = "PREFORK_WORKER_GRACEFUL_TIMEOUT"
	EnvKeepalive         = "PREFORK_WORKER_KEEPALIVE"
	EnvMaxRequests       = "PREFORK_WORKER_MAX_REQUESTS"
	EnvMaxRequestsJitter = "PREFORK_WORKER_MAX_REQUESTS_JITTER"
	EnvHeartbeat         = "PREFORK_WORKER_HEARTBEAT"
	EnvLogLevel          = "PREFORK_WORKER_LOG_LEVEL"
	EnvTracing           = "PREFORK_WORKER_TRACING"
	EnvAccessLog         = "PREFORK_WORKER_ACCESS_LOG"
)

// Options is the worker's slice of the launch configuration
type Options struct {
	Slot          int
	IncarnationID string
	App           string

	Timeout         time.Duration
	GracefulTimeout time.Duration
	Keepalive       time.Duration
	Heartbeat       time.Duration

	MaxRequests       int
	MaxRequestsJitter int

	LogLevel string
	Tracing  string
	// AccessLog reports whether AccessLogFD is a real log rather than /dev/null
	AccessLog bool
}

// Environ encodes o as KEY=value pairs for exec.Cmd.Env
func (o Options) Environ() []string {
	return []string{
		EnvSlot + "=" + strconv.Itoa(o.Slot),
		EnvIncarnation + "=" + o.IncarnationID,
		EnvApp + "=" + o.App,
		EnvTimeout + "=" + o.Timeout.String(),
		EnvGracefulTimeout + "=" + o.GracefulTimeout.String(),
		EnvKeepalive + "=" + o.Keepalive.String(),
		EnvHeartbeat + "=" + o.Heartbeat.String(),
		EnvMaxRequests + "=" + strconv.Itoa(o.MaxRequests),
		EnvMaxRequestsJitter + "=" + strconv.Itoa(o.MaxRequestsJitter),
		EnvLogLevel + "=" + o.LogLevel,
		EnvTracing + "=" + o.Tracing,
		EnvAccessLog + "=" + strconv.FormatBool(o.AccessLog),
	}
}

// OptionsFromEnv decodes Options using getenv, normally os.Getenv
func OptionsFromEnv(getenv func(string) string) (Options, error) {
	var (
		o   Options
		err error
	)

	if o.Slot, err = envInt(getenv, EnvSlot); err != nil {
		return o, err
	}
	o.IncarnationID = getenv(EnvIncarnation)
	o.App = getenv(EnvApp)
	if o.App == "" {
		return o, fmt.Errorf("%s is not set", EnvApp)
	}

	if o.Timeout, err = envDuration(getenv, EnvTimeout); err != nil {
		return o, err
	}
	if o.Timeout <= 0 {
		return o, fmt.Errorf("%s must be positive", EnvTimeout)
	}
	if o.GracefulTimeout, err = envDuration(getenv, EnvGracefulTimeout); err != nil {
		return o, err
	}
	if o.Keepalive, err = envDuration(getenv, EnvKeepalive); err != nil {
		return o, err
	}
	if o.Heartbeat, err = envDuration(getenv, EnvHeartbeat); err != nil {
		return o, err
	}
	if o.Heartbeat <= 0 {
		return o, fmt.Errorf("%s must be positive", EnvHeartbeat)
	}
	if o.MaxRequests, err = envInt(getenv, EnvMaxRequests); err != nil {
		return o, err
	}
	if o.MaxRequestsJitter, err = envInt(getenv, EnvMaxRequestsJitter); err != nil {
		return o, err
	}

	o.LogLevel = getenv(EnvLogLevel)
	o.Tracing = getenv(EnvTracing)
	if v := getenv(EnvAccessLog); v != "" {
		if o.AccessLog, err = strconv.ParseBool(v); err != nil {
			return o, fmt.Errorf("%s: %w", EnvAccessLog, err)
		}
	}

	return o, nil
}

func envInt(getenv func(string) string, key string) (int, error) {
	v := getenv(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envDuration(getenv func(string) string, key string) (time.Duration, error) {
	v := getenv(key)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
