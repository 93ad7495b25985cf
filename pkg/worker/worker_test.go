package worker

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

type harness struct {
	w      *Worker
	url    string
	status *os.File
	access *syncBuffer
	cancel context.CancelFunc
	done   chan error
}

func testOptions() Options {
	return Options{
		Slot:            0,
		IncarnationID:   "test",
		App:             "test",
		Timeout:         5 * time.Second,
		GracefulTimeout: 2 * time.Second,
		Keepalive:       time.Second,
		Heartbeat:       time.Hour,
	}
}

func startWorker(t *testing.T, opts Options, handler http.Handler) *harness {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	statusR, statusW, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		statusR.Close()
		statusW.Close()
	})

	access := &syncBuffer{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	w, err := New(opts, ln, access, statusW, handler, log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		w:      w,
		url:    "http://" + ln.Addr().String(),
		status: statusR,
		access: access,
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go func() { h.done <- w.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		w.Close()
	})

	h.expectStatus(t, StatusReady)
	return h
}

func (h *harness) expectStatus(t *testing.T, want byte) {
	t.Helper()
	buf := make([]byte, 1)
	_ = h.status.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := io.ReadFull(h.status, buf)
	require.NoError(t, err)
	require.Equal(t, string(want), string(buf))
}

func (h *harness) waitDone(t *testing.T, within time.Duration) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(within):
		t.Fatal("worker did not stop")
		return nil
	}
}

func client() *http.Client {
	return &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{DisableKeepAlives: true},
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "hello")
	})
}

func TestWorker_Heartbeat(t *testing.T) {
	opts := testOptions()
	opts.Heartbeat = 20 * time.Millisecond
	h := startWorker(t, opts, okHandler())

	h.expectStatus(t, StatusHeartbeat)
	h.expectStatus(t, StatusHeartbeat)
}

func TestWorker_ServesAndWritesAccessLog(t *testing.T) {
	h := startWorker(t, testOptions(), okHandler())

	req, err := http.NewRequest(http.MethodGet, h.url+"/hello?x=1", nil)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "prefork-test")

	resp, err := client().Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", string(body))

	line := regexp.MustCompile(`^127\.0\.0\.1 - - \[[^\]]+\] "GET /hello\?x=1 HTTP/1\.1" 200 5 "-" "prefork-test" \d+us\n$`)
	require.Eventually(t, func() bool {
		return line.MatchString(h.access.String())
	}, time.Second, 10*time.Millisecond, "access log: %q", h.access.String())
}

func TestWorker_RequestTimeout(t *testing.T) {
	opts := testOptions()
	opts.Timeout = 50 * time.Millisecond

	h := startWorker(t, opts, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	}))

	start := time.Now()
	resp, err := client().Get(h.url + "/slow")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Less(t, time.Since(start), 2*time.Second)
	require.Eventually(t, func() bool {
		return strings.Contains(h.access.String(), `"GET /slow HTTP/1.1" 503`)
	}, time.Second, 10*time.Millisecond)
}

func TestWorker_MaxRequestsRecycles(t *testing.T) {
	opts := testOptions()
	opts.MaxRequests = 3
	h := startWorker(t, opts, okHandler())

	for i := 0; i < 3; i++ {
		resp, err := client().Get(h.url + "/")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}

	assert.NoError(t, h.waitDone(t, 3*time.Second))
}

func TestWorker_GracefulDrain(t *testing.T) {
	started := make(chan struct{})
	h := startWorker(t, testOptions(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		time.Sleep(200 * time.Millisecond)
		_, _ = io.WriteString(w, "done")
	}))

	type result struct {
		status int
		body   string
		err    error
	}
	resCh := make(chan result, 1)
	go func() {
		resp, err := client().Get(h.url + "/")
		if err != nil {
			resCh <- result{err: err}
			return
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		resCh <- result{status: resp.StatusCode, body: string(b)}
	}()

	<-started
	h.cancel()

	res := <-resCh
	require.NoError(t, res.err)
	assert.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, "done", res.body)
	assert.NoError(t, h.waitDone(t, 3*time.Second))

	_, err := client().Get(h.url + "/")
	assert.Error(t, err, "listener should be closed after drain")
}

func TestWorker_GracefulTimeoutExpires(t *testing.T) {
	opts := testOptions()
	opts.GracefulTimeout = 100 * time.Millisecond

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	h := startWorker(t, opts, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
	}))

	go func() {
		resp, err := client().Get(h.url + "/")
		if err == nil {
			resp.Body.Close()
		}
	}()

	<-started
	start := time.Now()
	h.cancel()

	assert.NoError(t, h.waitDone(t, 3*time.Second))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWorker_CloseIsImmediate(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	h := startWorker(t, testOptions(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
	}))

	errCh := make(chan error, 1)
	go func() {
		resp, err := client().Get(h.url + "/")
		if err == nil {
			resp.Body.Close()
		}
		errCh <- err
	}()

	<-started
	h.w.Close()

	assert.NoError(t, h.waitDone(t, time.Second))
	assert.Error(t, <-errCh, "in-flight request should be cut off")
}

func TestWorker_SupervisorGone(t *testing.T) {
	opts := testOptions()
	opts.Heartbeat = 20 * time.Millisecond
	h := startWorker(t, opts, okHandler())

	h.status.Close()

	assert.NoError(t, h.waitDone(t, 3*time.Second))
}

func TestNew_UnknownTracer(t *testing.T) {
	opts := testOptions()
	opts.Tracing = "jaeger"

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	_, err = New(opts, ln, nil, io.Discard, okHandler(), nil)
	assert.Error(t, err)
}

func TestWorker_Tracing(t *testing.T) {
	opts := testOptions()
	opts.Tracing = "stdout"
	h := startWorker(t, opts, okHandler())

	resp, err := client().Get(h.url + "/traced")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
