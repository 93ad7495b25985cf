package launcher

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestLaunchError(t *testing.T) {
	err := NewError(ErrorCodeBind, "Cannot bind")

	if err.Code != ErrorCodeBind {
		t.Errorf("Expected code %s, got %s", ErrorCodeBind, err.Code)
	}

	errStr := err.Error()
	if !strings.Contains(errStr, string(ErrorCodeBind)) {
		t.Errorf("Error string should contain error code: %s", errStr)
	}
	if !strings.Contains(errStr, "Cannot bind") {
		t.Errorf("Error string should contain message: %s", errStr)
	}
}

func TestLaunchErrorContextIsSorted(t *testing.T) {
	err := NewError(ErrorCodeWorkerTimeout, "stuck").
		WithContext("slot", 2).
		WithContext("pid", 4242)

	errStr := err.Error()
	if !strings.Contains(errStr, "Context: pid=4242, slot=2") {
		t.Errorf("Context should be rendered in key order: %s", errStr)
	}
}

func TestLaunchErrorWithCause(t *testing.T) {
	cause := errors.New("address already in use")
	err := ErrBind("127.0.0.1:8000", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should reach the cause through Unwrap")
	}
	if !strings.Contains(err.Error(), "address already in use") {
		t.Errorf("Error should contain cause: %s", err.Error())
	}
	if !strings.Contains(err.Suggestion, "127.0.0.1:8000") {
		t.Error("Suggestion should name the address")
	}
}

func TestConstructors(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name string
		err  *LaunchError
		code ErrorCode
	}{
		{"bind", ErrBind(":80", cause), ErrorCodeBind},
		{"log open", ErrLogOpen("access", "/nope/access.log", cause), ErrorCodeLogOpen},
		{"spawn", ErrWorkerSpawn(1, cause), ErrorCodeWorkerSpawn},
		{"timeout", ErrWorkerTimeout(1, 100, "31s"), ErrorCodeWorkerTimeout},
		{"shutdown", ErrShutdownTimeout(1, 100, "30s"), ErrorCodeShutdownTimeout},
		{"config", ErrInvalidConfiguration("workers", 0, "must be at least 1"), ErrorCodeInvalidConfiguration},
		{"daemonize", ErrDaemonize(cause), ErrorCodeDaemonizeFailed},
		{"already running", ErrAlreadyRunning("/run/prefork.pid", 99), ErrorCodeAlreadyRunning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Expected code %s, got %s", tt.code, tt.err.Code)
			}
			if tt.err.Message == "" {
				t.Error("Message should be set")
			}
		})
	}
}

func TestErrLogOpenContext(t *testing.T) {
	err := ErrLogOpen("error", "/var/log/prefork/error.log", errors.New("permission denied"))

	if err.Context["log"] != "error" {
		t.Error("Context should contain the log kind")
	}
	if err.Context["path"] != "/var/log/prefork/error.log" {
		t.Error("Context should contain the path")
	}
}

func TestIsErrorCode(t *testing.T) {
	err := ErrWorkerSpawn(0, errors.New("exit status 4"))

	if !IsErrorCode(err, ErrorCodeWorkerSpawn) {
		t.Error("IsErrorCode should return true for matching code")
	}
	if IsErrorCode(err, ErrorCodeBind) {
		t.Error("IsErrorCode should return false for non-matching code")
	}
	if IsErrorCode(errors.New("other"), ErrorCodeWorkerSpawn) {
		t.Error("IsErrorCode should return false for non-LaunchError")
	}

	wrapped := fmt.Errorf("start: %w", err)
	if !IsErrorCode(wrapped, ErrorCodeWorkerSpawn) {
		t.Error("IsErrorCode should see through wrapping")
	}
}

func TestGetSuggestion(t *testing.T) {
	err := NewError(ErrorCodeBind, "test").WithSuggestion("pick another port")

	if got := GetSuggestion(err); got != "pick another port" {
		t.Errorf("Expected suggestion, got %s", got)
	}
	if got := GetSuggestion(errors.New("other")); got != "" {
		t.Errorf("Expected empty suggestion for non-LaunchError, got %s", got)
	}
}

func TestExitCode(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"config", ErrInvalidConfiguration("bind", "x", "must be host:port"), 2},
		{"bind", ErrBind(":80", cause), 3},
		{"log open", ErrLogOpen("access", "/x", cause), 4},
		{"spawn", ErrWorkerSpawn(0, cause), 5},
		{"daemonize", ErrDaemonize(cause), 6},
		{"already running", ErrAlreadyRunning("/x.pid", 1), 7},
		{"wrapped spawn", fmt.Errorf("start: %w", ErrWorkerSpawn(0, cause)), 5},
		{"timeout is not fatal", ErrWorkerTimeout(0, 1, "1s"), 1},
		{"plain", cause, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}
