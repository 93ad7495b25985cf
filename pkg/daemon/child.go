package daemon

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// childUmask keeps files created by the daemon from being group or world
// writable regardless of the launching shell's umask.
const childUmask = 0o022

// Notifier reports the detached child's startup outcome to the waiting
// parent. Only the first report is delivered.
type Notifier struct {
	once sync.Once
	w    *os.File
}

// Inherit collects the descriptors handed over by Detach and clears the
// child markers so grandchildren do not mistake themselves for the daemon.
func Inherit() (Files, *Notifier, error) {
	if !IsChild() {
		return Files{}, nil, errors.New("not a detached child")
	}

	files := Files{
		Listener: os.NewFile(ListenerFD, "listener"),
		ErrorLog: os.NewFile(ErrorLogFD, "error-log"),
	}
	access := os.NewFile(AccessLogFD, "access-log")
	if os.Getenv(EnvAccessLog) == "1" {
		files.AccessLog = access
	} else if access != nil {
		access.Close()
	}

	ready := os.NewFile(ReadyFD, "ready")
	if files.Listener == nil || files.ErrorLog == nil || ready == nil {
		return Files{}, nil, errors.New("inherited descriptors missing")
	}

	os.Unsetenv(EnvChild)
	os.Unsetenv(EnvAccessLog)
	unix.Umask(childUmask)

	return files, &Notifier{w: ready}, nil
}

// Ready tells the parent startup succeeded
func (n *Notifier) Ready() error {
	return n.send(readyOK)
}

// Fail tells the parent startup failed with err
func (n *Notifier) Fail(err error) error {
	return n.send(readyPrefix + err.Error())
}

func (n *Notifier) send(msg string) error {
	var sendErr error
	n.once.Do(func() {
		if _, err := fmt.Fprintln(n.w, msg); err != nil {
			sendErr = err
		}
		if err := n.w.Close(); err != nil && sendErr == nil {
			sendErr = err
		}
	})
	return sendErr
}
