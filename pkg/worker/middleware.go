package worker

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// accessTimeFormat matches the common log format timestamp
const accessTimeFormat = "02/Jan/2006:15:04:05 -0700"

// statusRecorder captures the status code and body size written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.bytes += int64(n)
	return n, err
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) code() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// accessLogger writes one line per completed request:
//
//	remote - - [time] "METHOD path PROTO" status bytes "referer" "agent" Dus
type accessLogger struct {
	mu  sync.Mutex
	out io.Writer
}

func (a *accessLogger) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}

		next.ServeHTTP(rec, r)

		a.write(r, rec, start, time.Since(start))
	})
}

func (a *accessLogger) write(r *http.Request, rec *statusRecorder, start time.Time, elapsed time.Duration) {
	remote := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}

	size := "-"
	if rec.bytes > 0 {
		size = fmt.Sprint(rec.bytes)
	}

	line := fmt.Sprintf("%s - - [%s] \"%s %s %s\" %d %s \"%s\" \"%s\" %dus\n",
		remote,
		start.Format(accessTimeFormat),
		r.Method,
		r.URL.RequestURI(),
		r.Proto,
		rec.code(),
		size,
		dash(r.Referer()),
		dash(r.UserAgent()),
		elapsed.Microseconds(),
	)

	a.mu.Lock()
	defer a.mu.Unlock()
	_, _ = io.WriteString(a.out, line)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// timeoutReporter logs requests cut off by the per-request timeout
func timeoutReporter(timeout time.Duration, log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}

		next.ServeHTTP(rec, r)

		if rec.code() == http.StatusServiceUnavailable && time.Since(start) >= timeout {
			log.Warn("request timed out",
				"method", r.Method,
				"path", r.URL.Path,
				"remote", r.RemoteAddr,
				"timeout", timeout)
		}
	})
}

// requestCounter calls limitReached once after limit requests have started
func requestCounter(limit int64, limitReached func(), next http.Handler) http.Handler {
	var (
		mu    sync.Mutex
		count int64
	)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		count++
		hit := count == limit
		mu.Unlock()

		if hit {
			limitReached()
		}
		next.ServeHTTP(w, r)
	})
}
