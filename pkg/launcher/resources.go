package launcher

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/jrepp/prefork/pkg/config"
)

// Resources are the descriptors shared by every worker: the bound listener
// and the two log files. They outlive individual workers.
type Resources struct {
	Listener  net.Listener
	ErrorLog  *os.File
	AccessLog *os.File // nil when access logging is disabled

	listenerFile *os.File
	devNull      *os.File

	closeListenerOnce sync.Once
	closeOnce         sync.Once
}

// Prepare binds cfg.Bind and opens the configured logs
func Prepare(cfg *config.LaunchConfig) (*Resources, error) {
	ln, err := net.Listen("tcp", cfg.Bind)
	if err != nil {
		return nil, ErrBind(cfg.Bind, err)
	}

	res := &Resources{Listener: ln}

	if res.ErrorLog, err = openLog(cfg.ErrorLog); err != nil {
		res.Close()
		return nil, ErrLogOpen("error", cfg.ErrorLog, err)
	}
	if cfg.AccessLog != "" {
		if res.AccessLog, err = openLog(cfg.AccessLog); err != nil {
			res.Close()
			return nil, ErrLogOpen("access", cfg.AccessLog, err)
		}
	}

	if err := res.init(); err != nil {
		res.Close()
		return nil, ErrBind(cfg.Bind, err)
	}
	return res, nil
}

// ResourcesFromFiles rebuilds Resources from inherited descriptors.
// accessLog may be nil.
func ResourcesFromFiles(listener, errorLog, accessLog *os.File) (*Resources, error) {
	if listener == nil || errorLog == nil {
		return nil, errors.New("listener and error log descriptors are required")
	}

	ln, err := net.FileListener(listener)
	if err != nil {
		return nil, fmt.Errorf("inherit listener: %w", err)
	}

	res := &Resources{
		Listener:     ln,
		ErrorLog:     errorLog,
		AccessLog:    accessLog,
		listenerFile: listener,
	}
	if err := res.init(); err != nil {
		res.Close()
		return nil, err
	}
	return res, nil
}

func (r *Resources) init() error {
	if r.listenerFile == nil {
		fl, ok := r.Listener.(interface{ File() (*os.File, error) })
		if !ok {
			return fmt.Errorf("listener %T cannot be shared", r.Listener)
		}
		f, err := fl.File()
		if err != nil {
			return fmt.Errorf("listener file: %w", err)
		}
		r.listenerFile = f
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	r.devNull = devNull
	return nil
}

// ListenerFile is the descriptor handed to workers
func (r *Resources) ListenerFile() *os.File { return r.listenerFile }

// accessTarget is what a worker gets as its access log descriptor
func (r *Resources) accessTarget() *os.File {
	if r.AccessLog != nil {
		return r.AccessLog
	}
	return r.devNull
}

// CloseListener stops the supervisor's copy of the listener. Workers keep
// their own until they exit.
func (r *Resources) CloseListener() {
	r.closeListenerOnce.Do(func() {
		if r.Listener != nil {
			r.Listener.Close()
		}
		if r.listenerFile != nil {
			r.listenerFile.Close()
		}
	})
}

// Close releases every descriptor. Standard streams are left open.
func (r *Resources) Close() {
	r.closeOnce.Do(func() {
		r.CloseListener()
		closeLog(r.ErrorLog)
		closeLog(r.AccessLog)
		if r.devNull != nil {
			r.devNull.Close()
		}
	})
}

// openLog opens path for appending; "-" is stderr
func openLog(path string) (*os.File, error) {
	if path == config.StderrLog {
		return os.Stderr, nil
	}
	return os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
}

func closeLog(f *os.File) {
	if f == nil || f == os.Stderr || f == os.Stdout {
		return
	}
	f.Close()
}
