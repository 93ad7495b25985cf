package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(New())
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Workers)
	assert.Equal(t, "127.0.0.1:8000", cfg.Bind)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, 30*time.Second, cfg.GracefulTimeout)
	assert.Equal(t, "-", cfg.ErrorLog)
	assert.Equal(t, "", cfg.AccessLog)
	assert.Equal(t, "health", cfg.App)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, 5, cfg.Restart.MaxAttempts)
	assert.False(t, cfg.Daemon)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prefork.yaml")

	content := `
workers: 5
bind: 0.0.0.0:8001
timeout: 120s
access_log: access.log
error_log: error.log
daemon: true
app: echo
restart:
  max_attempts: 3
  base_backoff: 500ms
  max_backoff: 10s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	v := New()
	require.NoError(t, ReadFile(v, path))

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Workers)
	assert.Equal(t, "0.0.0.0:8001", cfg.Bind)
	assert.Equal(t, 120*time.Second, cfg.Timeout)
	assert.Equal(t, "access.log", cfg.AccessLog)
	assert.Equal(t, "error.log", cfg.ErrorLog)
	assert.True(t, cfg.Daemon)
	assert.Equal(t, "echo", cfg.App)
	assert.Equal(t, 3, cfg.Restart.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Restart.BaseBackoff)
	assert.Equal(t, 10*time.Second, cfg.Restart.MaxBackoff)
}

func TestLoad_EnvironmentOverride(t *testing.T) {
	t.Setenv("PREFORK_WORKERS", "7")
	t.Setenv("PREFORK_TIMEOUT", "45s")
	t.Setenv("PREFORK_RESTART_MAX_ATTEMPTS", "2")

	cfg, err := Load(New())
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Workers)
	assert.Equal(t, 45*time.Second, cfg.Timeout)
	assert.Equal(t, 2, cfg.Restart.MaxAttempts)
}

func TestReadFile_MissingDefaultIsIgnored(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	v := New()
	assert.NoError(t, ReadFile(v, ""))
}

func TestReadFile_MissingExplicitFails(t *testing.T) {
	v := New()
	err := ReadFile(v, filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *LaunchConfig {
		cfg, err := Load(New())
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*LaunchConfig)
		field  string
	}{
		{"zero workers", func(c *LaunchConfig) { c.Workers = 0 }, "workers"},
		{"bind without port", func(c *LaunchConfig) { c.Bind = "localhost" }, "bind"},
		{"bind empty port", func(c *LaunchConfig) { c.Bind = "localhost:" }, "bind"},
		{"zero timeout", func(c *LaunchConfig) { c.Timeout = 0 }, "timeout"},
		{"negative grace", func(c *LaunchConfig) { c.GracefulTimeout = -time.Second }, "graceful_timeout"},
		{"no error log", func(c *LaunchConfig) { c.ErrorLog = "" }, "error_log"},
		{"bad level", func(c *LaunchConfig) { c.LogLevel = "loud" }, "log_level"},
		{"no app", func(c *LaunchConfig) { c.App = "" }, "app"},
		{"negative max requests", func(c *LaunchConfig) { c.MaxRequests = -1 }, "max_requests"},
		{"zero poll", func(c *LaunchConfig) { c.PollInterval = 0 }, "poll_interval"},
		{"zero attempts", func(c *LaunchConfig) { c.Restart.MaxAttempts = 0 }, "restart.max_attempts"},
		{"inverted backoff", func(c *LaunchConfig) { c.Restart.MaxBackoff = time.Millisecond }, "restart.base_backoff"},
		{"bad tracing", func(c *LaunchConfig) { c.Tracing = "jaeger" }, "tracing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var fe *FieldError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tt.field, fe.Field)
		})
	}
}

func TestHeartbeat(t *testing.T) {
	cfg := &LaunchConfig{Timeout: 120 * time.Second}
	assert.Equal(t, 2*time.Second, cfg.Heartbeat())

	cfg = &LaunchConfig{Timeout: 400 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, cfg.Heartbeat())

	cfg = &LaunchConfig{Timeout: time.Second, HeartbeatInterval: time.Hour}
	assert.Equal(t, time.Hour, cfg.Heartbeat())
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)

	lvl, err = ParseLevel("warning")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lvl)

	_, err = ParseLevel("verbose")
	assert.Error(t, err)
}

func TestLoad_ExampleFile(t *testing.T) {
	v := New()
	require.NoError(t, ReadFile(v, filepath.Join("..", "..", "prefork.example.yaml")))

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Workers)
	assert.Equal(t, 120*time.Second, cfg.Timeout)
	assert.Equal(t, 10000, cfg.MaxRequests)
	assert.Equal(t, 30*time.Second, cfg.Restart.MaxBackoff)
	assert.Equal(t, "127.0.0.1:9101", cfg.ControlBind)
}

func TestDetached_DiscardsStderrLogs(t *testing.T) {
	cfg := &LaunchConfig{ErrorLog: StderrLog, AccessLog: StderrLog, Workers: 2}

	d := cfg.Detached()
	assert.Equal(t, os.DevNull, d.ErrorLog)
	assert.Equal(t, os.DevNull, d.AccessLog)
	assert.Equal(t, 2, d.Workers)
	assert.Equal(t, StderrLog, cfg.ErrorLog, "original is untouched")

	files := &LaunchConfig{ErrorLog: "/var/log/prefork/error.log"}
	assert.Equal(t, files.ErrorLog, files.Detached().ErrorLog)
	assert.Empty(t, files.Detached().AccessLog, "disabled access log stays disabled")
}
