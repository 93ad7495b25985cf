// Package daemon detaches prefork into the background in two phases: the
// launching process binds and opens everything, then re-executes itself in
// a new session and waits for the child to report readiness.
package daemon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Environment markers set on the detached child
const (
	EnvChild     = "PREFORK_DAEMON_CHILD"
	EnvAccessLog = "PREFORK_DAEMON_ACCESS_LOG"
)

// Descriptors the detached child inherits
const (
	ListenerFD  = 3
	ErrorLogFD  = 4
	AccessLogFD = 5
	ReadyFD     = 6
)

const (
	readyOK     = "ok"
	readyPrefix = "error: "
)

// DefaultReadyTimeout bounds how long the parent waits for the child
const DefaultReadyTimeout = time.Minute

// Files are handed from the launching process to the detached child
type Files struct {
	Listener  *os.File
	ErrorLog  *os.File
	AccessLog *os.File // may be nil
}

// Spec describes the child to start
type Spec struct {
	// Args are passed to the re-executed binary
	Args  []string
	Files Files
	// Timeout bounds the readiness wait; zero means DefaultReadyTimeout
	Timeout time.Duration
}

// ReadyError carries the failure message reported by the child
type ReadyError struct {
	Message string
}

func (e *ReadyError) Error() string {
	return "daemon failed to start: " + e.Message
}

// IsChild reports whether this process is a detached child
func IsChild() bool {
	return os.Getenv(EnvChild) == "1"
}

// Detach re-executes the current binary in a new session with stdio on
// /dev/null and waits for it to report readiness. It returns the child's
// pid once the child writes "ok".
func Detach(ctx context.Context, spec Spec) (int, error) {
	if spec.Files.Listener == nil || spec.Files.ErrorLog == nil {
		return 0, errors.New("listener and error log are required")
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}

	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("locate executable: %w", err)
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, err
	}
	defer devNull.Close()

	readyR, readyW, err := os.Pipe()
	if err != nil {
		return 0, fmt.Errorf("readiness pipe: %w", err)
	}
	defer readyR.Close()

	access, hasAccess := spec.Files.AccessLog, "1"
	if access == nil {
		access, hasAccess = devNull, "0"
	}

	cmd := exec.Command(exe, spec.Args...)
	cmd.Env = append(os.Environ(), EnvChild+"=1", EnvAccessLog+"="+hasAccess)
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.ExtraFiles = []*os.File{
		ListenerFD - 3:  spec.Files.Listener,
		ErrorLogFD - 3:  spec.Files.ErrorLog,
		AccessLogFD - 3: access,
		ReadyFD - 3:     readyW,
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		readyW.Close()
		return 0, fmt.Errorf("start daemon: %w", err)
	}
	readyW.Close()
	pid := cmd.Process.Pid

	// Reap the child if it dies while we wait; after a successful handoff
	// the parent exits and the child is re-parented.
	go func() { _ = cmd.Wait() }()

	msg, err := readReady(ctx, readyR, timeout)
	if err != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
		return pid, err
	}

	switch {
	case msg == readyOK:
		return pid, nil
	case strings.HasPrefix(msg, readyPrefix):
		return pid, &ReadyError{Message: strings.TrimPrefix(msg, readyPrefix)}
	case msg == "":
		return pid, &ReadyError{Message: "exited before reporting readiness"}
	default:
		return pid, &ReadyError{Message: fmt.Sprintf("unexpected readiness message %q", msg)}
	}
}

func readReady(ctx context.Context, r *os.File, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := r.SetReadDeadline(deadline); err != nil {
		return "", fmt.Errorf("readiness deadline: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { _ = r.SetReadDeadline(time.Now()) })
	defer stop()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(r, 4096)); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return "", fmt.Errorf("daemon not ready within %s", timeout)
		}
		return "", fmt.Errorf("read readiness: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}
