package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const envTestMode = "PREFORK_DAEMON_TEST_MODE"

// TestMain turns the test binary into a fake daemon child when Detach
// re-executes it.
func TestMain(m *testing.M) {
	if IsChild() {
		os.Exit(fakeChild(os.Getenv(envTestMode)))
	}
	os.Exit(m.Run())
}

func fakeChild(mode string) int {
	files, notify, err := Inherit()
	if err != nil {
		return 1
	}

	switch mode {
	case "ok":
		if sid, err := unix.Getsid(0); err != nil || sid != os.Getpid() {
			notify.Fail(fmt.Errorf("not a session leader"))
			return 1
		}
		ln, err := net.FileListener(files.Listener)
		if err != nil {
			notify.Fail(err)
			return 1
		}
		ln.Close()
		fmt.Fprintf(files.ErrorLog, "child %d ready access=%t\n", os.Getpid(), files.AccessLog != nil)
		notify.Ready()
		return 0
	case "fail":
		notify.Fail(errors.New("application failed to load"))
		return 4
	case "silent":
		return 0
	case "hang":
		time.Sleep(time.Minute)
		return 0
	}
	return 1
}

func testFiles(t *testing.T) (Files, string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	lf, err := ln.(*net.TCPListener).File()
	require.NoError(t, err)
	t.Cleanup(func() { lf.Close() })

	logPath := filepath.Join(t.TempDir(), "error.log")
	errLog, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	t.Cleanup(func() { errLog.Close() })

	return Files{Listener: lf, ErrorLog: errLog}, logPath
}

func TestDetach_ChildReportsReady(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}
	t.Setenv(envTestMode, "ok")
	files, logPath := testFiles(t)

	pid, err := Detach(context.Background(), Spec{Files: files, Timeout: 10 * time.Second})
	require.NoError(t, err)
	assert.NotEqual(t, os.Getpid(), pid)

	require.Eventually(t, func() bool {
		data, _ := os.ReadFile(logPath)
		return len(data) > 0
	}, 5*time.Second, 20*time.Millisecond)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("child %d ready access=false\n", pid), string(data))
}

func TestDetach_ChildReportsFailure(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}
	t.Setenv(envTestMode, "fail")
	files, _ := testFiles(t)

	_, err := Detach(context.Background(), Spec{Files: files, Timeout: 10 * time.Second})
	require.Error(t, err)

	var ready *ReadyError
	require.ErrorAs(t, err, &ready)
	assert.Equal(t, "application failed to load", ready.Message)
}

func TestDetach_ChildExitsWithoutReporting(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}
	t.Setenv(envTestMode, "silent")
	files, _ := testFiles(t)

	_, err := Detach(context.Background(), Spec{Files: files, Timeout: 10 * time.Second})

	var ready *ReadyError
	require.ErrorAs(t, err, &ready)
	assert.Contains(t, ready.Message, "exited before reporting")
}

func TestDetach_Timeout(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}
	t.Setenv(envTestMode, "hang")
	files, _ := testFiles(t)

	start := time.Now()
	pid, err := Detach(context.Background(), Spec{Files: files, Timeout: 300 * time.Millisecond})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not ready within")
	assert.Less(t, time.Since(start), 5*time.Second)

	// the unresponsive child is told to stop
	assert.Eventually(t, func() bool {
		return unix.Kill(pid, 0) != nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDetach_RequiresFiles(t *testing.T) {
	_, err := Detach(context.Background(), Spec{})
	assert.Error(t, err)
}

func TestInherit_OutsideChild(t *testing.T) {
	_, _, err := Inherit()
	assert.Error(t, err)
}

func TestPidFile_WriteReadRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefork.pid")

	pid, err := ReadPidFile(path)
	require.NoError(t, err)
	assert.Zero(t, pid, "missing file")

	require.NoError(t, WritePidFile(path, os.Getpid()))
	pid, err = ReadPidFile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	running, err := RunningPid(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), running)

	// another process's pid is left alone
	require.NoError(t, RemovePidFile(path, os.Getpid()+1))
	assert.FileExists(t, path)

	require.NoError(t, RemovePidFile(path, os.Getpid()))
	assert.NoFileExists(t, path)
}

func TestPidFile_StaleEntries(t *testing.T) {
	dir := t.TempDir()

	garbage := filepath.Join(dir, "garbage.pid")
	require.NoError(t, os.WriteFile(garbage, []byte("not-a-pid\n"), 0o644))
	_, err := ReadPidFile(garbage)
	assert.Error(t, err)
	running, err := RunningPid(garbage)
	require.NoError(t, err)
	assert.Zero(t, running)

	// pid_max on linux never reaches this value
	stale := filepath.Join(dir, "stale.pid")
	require.NoError(t, os.WriteFile(stale, []byte(strconv.Itoa(1<<30)+"\n"), 0o644))
	running, err = RunningPid(stale)
	require.NoError(t, err)
	assert.Zero(t, running)
}
