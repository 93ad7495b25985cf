package launcher

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// LaunchError represents an error with additional context for troubleshooting.
type LaunchError struct {
	// Code identifies the error type
	Code ErrorCode

	// Message is the primary error message
	Message string

	// Context provides additional details
	Context map[string]interface{}

	// Cause is the underlying error (if any)
	Cause error

	// Suggestion provides actionable guidance for resolving the error
	Suggestion string
}

// ErrorCode identifies categories of errors
type ErrorCode string

const (
	// Startup errors
	ErrorCodeBind                 ErrorCode = "BIND_ERROR"
	ErrorCodeLogOpen              ErrorCode = "LOG_OPEN_ERROR"
	ErrorCodeInvalidConfiguration ErrorCode = "INVALID_CONFIGURATION"
	ErrorCodeDaemonizeFailed      ErrorCode = "DAEMONIZE_FAILED"
	ErrorCodeAlreadyRunning       ErrorCode = "ALREADY_RUNNING"

	// Worker lifecycle errors
	ErrorCodeWorkerSpawn     ErrorCode = "WORKER_SPAWN_ERROR"
	ErrorCodeWorkerTimeout   ErrorCode = "WORKER_TIMEOUT"
	ErrorCodeShutdownTimeout ErrorCode = "SHUTDOWN_TIMEOUT"
)

// Process exit codes for fatal launch errors
const (
	ExitOK             = 0
	ExitFailure        = 1
	ExitConfig         = 2
	ExitBind           = 3
	ExitLogOpen        = 4
	ExitSpawn          = 5
	ExitDaemonize      = 6
	ExitAlreadyRunning = 7
)

// Error implements the error interface
func (e *LaunchError) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		contextParts := make([]string, 0, len(keys))
		for _, k := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, fmt.Sprintf("Context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause: %v", e.Cause))
	}

	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("Suggestion: %s", e.Suggestion))
	}

	return strings.Join(parts, "; ")
}

// Unwrap returns the underlying error for errors.Is/As compatibility
func (e *LaunchError) Unwrap() error {
	return e.Cause
}

// NewError creates a new LaunchError with the given code and message
func NewError(code ErrorCode, message string) *LaunchError {
	return &LaunchError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds context information to the error
func (e *LaunchError) WithContext(key string, value interface{}) *LaunchError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCause adds the underlying cause to the error
func (e *LaunchError) WithCause(cause error) *LaunchError {
	e.Cause = cause
	return e
}

// WithSuggestion adds an actionable suggestion to the error
func (e *LaunchError) WithSuggestion(suggestion string) *LaunchError {
	e.Suggestion = suggestion
	return e
}

// ErrBind creates an error for a listening address that cannot be bound
func ErrBind(addr string, cause error) *LaunchError {
	return NewError(ErrorCodeBind,
		fmt.Sprintf("Cannot bind listening socket on %s", addr)).
		WithContext("bind", addr).
		WithCause(cause).
		WithSuggestion(fmt.Sprintf(
			"Check whether another process owns the address:\n"+
				"  ss -ltnp | grep %s\n"+
				"Ports below 1024 need elevated privileges",
			addr))
}

// ErrLogOpen creates an error for a log file that cannot be opened
func ErrLogOpen(kind, path string, cause error) *LaunchError {
	return NewError(ErrorCodeLogOpen,
		fmt.Sprintf("Cannot open %s log", kind)).
		WithContext("log", kind).
		WithContext("path", path).
		WithCause(cause).
		WithSuggestion("Verify the parent directory exists and is writable, or use - for stderr")
}

// ErrWorkerSpawn creates an error for a worker that never became ready
func ErrWorkerSpawn(slot int, cause error) *LaunchError {
	return NewError(ErrorCodeWorkerSpawn,
		fmt.Sprintf("Worker %d failed to start", slot)).
		WithContext("slot", slot).
		WithCause(cause).
		WithSuggestion(
			"Common causes:\n" +
				"  1. Unknown or misconfigured application entry\n" +
				"  2. Worker binary not executable\n" +
				"  3. Application boot slower than timeout\n" +
				"Check the error log for the worker's own output")
}

// ErrWorkerTimeout creates an error for a worker that stopped heartbeating
func ErrWorkerTimeout(slot, pid int, silentFor string) *LaunchError {
	return NewError(ErrorCodeWorkerTimeout,
		fmt.Sprintf("Worker %d stopped responding", slot)).
		WithContext("slot", slot).
		WithContext("pid", pid).
		WithContext("silent_for", silentFor).
		WithSuggestion("A request handler is blocking the worker; raise timeout or fix the handler")
}

// ErrShutdownTimeout creates an error for a worker killed after the grace period
func ErrShutdownTimeout(slot, pid int, grace string) *LaunchError {
	return NewError(ErrorCodeShutdownTimeout,
		fmt.Sprintf("Worker %d did not exit within the grace period", slot)).
		WithContext("slot", slot).
		WithContext("pid", pid).
		WithContext("graceful_timeout", grace)
}

// ErrInvalidConfiguration creates an error for configuration validation failures
func ErrInvalidConfiguration(field string, value interface{}, reason string) *LaunchError {
	return NewError(ErrorCodeInvalidConfiguration,
		fmt.Sprintf("Invalid configuration: %s", reason)).
		WithContext("field", field).
		WithContext("value", value).
		WithSuggestion("Run 'prefork config' to print the effective configuration")
}

// ErrDaemonize creates an error for a failed detach
func ErrDaemonize(cause error) *LaunchError {
	return NewError(ErrorCodeDaemonizeFailed, "Failed to start in the background").
		WithCause(cause).
		WithSuggestion("Run without --daemon to see the failure in the foreground")
}

// ErrAlreadyRunning creates an error for a pid file naming a live process
func ErrAlreadyRunning(pidFile string, pid int) *LaunchError {
	return NewError(ErrorCodeAlreadyRunning,
		fmt.Sprintf("Another prefork is running with pid %d", pid)).
		WithContext("pid_file", pidFile).
		WithContext("pid", pid).
		WithSuggestion(fmt.Sprintf("Stop it first: kill -TERM %d", pid))
}

// IsErrorCode checks if an error has the specified error code
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// GetErrorCode returns the error code from an error, or empty string if not a LaunchError
func GetErrorCode(err error) ErrorCode {
	var launchErr *LaunchError
	if errors.As(err, &launchErr) {
		return launchErr.Code
	}
	return ""
}

// GetSuggestion returns the suggestion from an error, or empty string if not available
func GetSuggestion(err error) string {
	var launchErr *LaunchError
	if errors.As(err, &launchErr) {
		return launchErr.Suggestion
	}
	return ""
}

// ExitCode maps err to the process exit status
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch GetErrorCode(err) {
	case ErrorCodeInvalidConfiguration:
		return ExitConfig
	case ErrorCodeBind:
		return ExitBind
	case ErrorCodeLogOpen:
		return ExitLogOpen
	case ErrorCodeWorkerSpawn:
		return ExitSpawn
	case ErrorCodeDaemonizeFailed:
		return ExitDaemonize
	case ErrorCodeAlreadyRunning:
		return ExitAlreadyRunning
	default:
		return ExitFailure
	}
}
