// Package config loads the immutable launch configuration for prefork.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides (PREFORK_WORKERS, ...)
const EnvPrefix = "PREFORK"

// StderrLog as a log path means the process's standard error
const StderrLog = "-"

// LaunchConfig holds everything the supervisor needs. It is built once by
// Load and must not be modified afterwards.
type LaunchConfig struct {
	Workers         int           `mapstructure:"workers" yaml:"workers"`
	Bind            string        `mapstructure:"bind" yaml:"bind"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout" yaml:"graceful_timeout"`
	Keepalive       time.Duration `mapstructure:"keepalive" yaml:"keepalive"`

	AccessLog string `mapstructure:"access_log" yaml:"access_log"`
	ErrorLog  string `mapstructure:"error_log" yaml:"error_log"`
	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`

	Daemon  bool   `mapstructure:"daemon" yaml:"daemon"`
	PidFile string `mapstructure:"pid_file" yaml:"pid_file"`

	// App is the application entry reference handed to workers untouched
	App string `mapstructure:"app" yaml:"app"`

	MaxRequests       int `mapstructure:"max_requests" yaml:"max_requests"`
	MaxRequestsJitter int `mapstructure:"max_requests_jitter" yaml:"max_requests_jitter"`

	PollInterval      time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`

	Restart RestartPolicy `mapstructure:"restart" yaml:"restart"`

	MetricsBind string `mapstructure:"metrics_bind" yaml:"metrics_bind"`
	ControlBind string `mapstructure:"control_bind" yaml:"control_bind"`
	EventsURL   string `mapstructure:"events_url" yaml:"events_url"`
	Tracing     string `mapstructure:"tracing" yaml:"tracing"`
}

// RestartPolicy controls how failed workers are replaced
type RestartPolicy struct {
	// MaxAttempts is the number of consecutive spawn failures (or fast
	// crashes) before a slot is parked
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseBackoff time.Duration `mapstructure:"base_backoff" yaml:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	// MinUptime is how long a worker must stay up for its death to count
	// as an ordinary exit rather than a crash loop
	MinUptime time.Duration `mapstructure:"min_uptime" yaml:"min_uptime"`
}

// SetDefaults registers default values on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("workers", 1)
	v.SetDefault("bind", "127.0.0.1:8000")
	v.SetDefault("timeout", 30*time.Second)
	v.SetDefault("graceful_timeout", 30*time.Second)
	v.SetDefault("keepalive", 2*time.Second)
	v.SetDefault("access_log", "")
	v.SetDefault("error_log", StderrLog)
	v.SetDefault("log_level", "info")
	v.SetDefault("daemon", false)
	v.SetDefault("pid_file", "")
	v.SetDefault("app", "health")
	v.SetDefault("max_requests", 0)
	v.SetDefault("max_requests_jitter", 0)
	v.SetDefault("poll_interval", time.Second)
	v.SetDefault("heartbeat_interval", time.Duration(0))
	v.SetDefault("restart.max_attempts", 5)
	v.SetDefault("restart.base_backoff", time.Second)
	v.SetDefault("restart.max_backoff", 30*time.Second)
	v.SetDefault("restart.min_uptime", time.Second)
	v.SetDefault("metrics_bind", "")
	v.SetDefault("control_bind", "")
	v.SetDefault("events_url", "")
	v.SetDefault("tracing", "none")
}

// New returns a viper instance with defaults and environment overrides wired
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFile reads an explicit config file, or searches the default locations
// when path is empty. A missing file in the default locations is not an error.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigName("prefork")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/prefork")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

// Load builds a validated LaunchConfig from v
func Load(v *viper.Viper) (*LaunchConfig, error) {
	var cfg LaunchConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks ranges and formats
func (c *LaunchConfig) Validate() error {
	if c.Workers < 1 {
		return &FieldError{Field: "workers", Value: c.Workers, Reason: "must be at least 1"}
	}

	_, port, err := net.SplitHostPort(c.Bind)
	if err != nil {
		return &FieldError{Field: "bind", Value: c.Bind, Reason: "must be host:port"}
	}
	if port == "" {
		return &FieldError{Field: "bind", Value: c.Bind, Reason: "port is required"}
	}

	if c.Timeout <= 0 {
		return &FieldError{Field: "timeout", Value: c.Timeout, Reason: "must be positive"}
	}
	if c.GracefulTimeout < 0 {
		return &FieldError{Field: "graceful_timeout", Value: c.GracefulTimeout, Reason: "must not be negative"}
	}
	if c.ErrorLog == "" {
		return &FieldError{Field: "error_log", Value: c.ErrorLog, Reason: "must be a path or -"}
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return &FieldError{Field: "log_level", Value: c.LogLevel, Reason: err.Error()}
	}
	if c.App == "" {
		return &FieldError{Field: "app", Value: c.App, Reason: "application entry is required"}
	}
	if c.MaxRequests < 0 || c.MaxRequestsJitter < 0 {
		return &FieldError{Field: "max_requests", Value: c.MaxRequests, Reason: "must not be negative"}
	}
	if c.PollInterval <= 0 {
		return &FieldError{Field: "poll_interval", Value: c.PollInterval, Reason: "must be positive"}
	}
	if c.Restart.MaxAttempts < 1 {
		return &FieldError{Field: "restart.max_attempts", Value: c.Restart.MaxAttempts, Reason: "must be at least 1"}
	}
	if c.Restart.BaseBackoff <= 0 || c.Restart.MaxBackoff < c.Restart.BaseBackoff {
		return &FieldError{Field: "restart.base_backoff", Value: c.Restart.BaseBackoff, Reason: "must be positive and not exceed restart.max_backoff"}
	}

	switch c.Tracing {
	case "", "none", "stdout":
	default:
		return &FieldError{Field: "tracing", Value: c.Tracing, Reason: "must be none or stdout"}
	}

	return nil
}

// Detached returns a copy for a process that has left its terminal. Log
// paths naming stderr are sent to /dev/null instead.
func (c *LaunchConfig) Detached() *LaunchConfig {
	d := *c
	if d.ErrorLog == StderrLog {
		d.ErrorLog = os.DevNull
	}
	if d.AccessLog == StderrLog {
		d.AccessLog = os.DevNull
	}
	return &d
}

// Heartbeat returns the worker heartbeat interval: the configured value, or
// a quarter of the request timeout capped at two seconds.
func (c *LaunchConfig) Heartbeat() time.Duration {
	if c.HeartbeatInterval > 0 {
		return c.HeartbeatInterval
	}
	hb := c.Timeout / 4
	if hb > 2*time.Second {
		hb = 2 * time.Second
	}
	if hb < 10*time.Millisecond {
		hb = 10 * time.Millisecond
	}
	return hb
}

// FieldError reports an invalid configuration value
type FieldError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid %s (%v): %s", e.Field, e.Value, e.Reason)
}
