package app

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEntry(t *testing.T) {
	tests := []struct {
		entry, name, arg string
	}{
		{"health", "health", ""},
		{" echo ", "echo", ""},
		{"proxy:http://127.0.0.1:9000", "proxy", "http://127.0.0.1:9000"},
		{"static:/srv/www", "static", "/srv/www"},
		{"myapp.wsgi:application", "myapp.wsgi", "application"},
	}

	for _, tt := range tests {
		name, arg := ParseEntry(tt.entry)
		assert.Equal(t, tt.name, name, tt.entry)
		assert.Equal(t, tt.arg, arg, tt.entry)
	}
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	ok := func(string) (http.Handler, error) { return http.NotFoundHandler(), nil }

	require.NoError(t, r.Register("one", ok))
	assert.Error(t, r.Register("one", ok), "duplicate")
	assert.Error(t, r.Register("", ok))
	assert.Error(t, r.Register("a:b", ok))
	assert.Error(t, r.Register("nil", nil))
	assert.Panics(t, func() { r.MustRegister("one", ok) })

	require.NoError(t, r.Register("alpha", ok))
	assert.Equal(t, []string{"alpha", "one"}, r.Names())
}

func TestRegistry_ResolveUnknown(t *testing.T) {
	_, err := Default.Resolve("myapp.wsgi:application")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownApp)
	assert.Contains(t, err.Error(), "health")
}

func TestRegistry_ResolveFactoryError(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	r.MustRegister("bad", func(string) (http.Handler, error) { return nil, boom })

	_, err := r.Resolve("bad")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrUnknownApp)
}

func TestDefault_Names(t *testing.T) {
	assert.Equal(t, []string{"echo", "health", "proxy", "static"}, Default.Names())
}

func TestHealth(t *testing.T) {
	h, err := Default.Resolve("health")
	require.NoError(t, err)

	for _, path := range []string{"/health", "/ready"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "ok", body["status"])
		assert.EqualValues(t, os.Getpid(), body["pid"])
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/other", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, err = Default.Resolve("health:extra")
	assert.Error(t, err)
}

func TestEcho(t *testing.T) {
	h, err := Default.Resolve("echo:v1")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/some/path?x=1", nil)
	req.Header.Set("X-Test", "yes")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Prefix  string            `json:"prefix"`
		Method  string            `json:"method"`
		Path    string            `json:"path"`
		Query   string            `json:"query"`
		Headers map[string]string `json:"headers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "v1", body.Prefix)
	assert.Equal(t, http.MethodPost, body.Method)
	assert.Equal(t, "/some/path", body.Path)
	assert.Equal(t, "x=1", body.Query)
	assert.Equal(t, "yes", body.Headers["X-Test"])
}

func TestEcho_Delay(t *testing.T) {
	h, err := Default.Resolve("echo")
	require.NoError(t, err)

	start := time.Now()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?delay=50ms", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?delay=soon", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProxy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "upstream "+r.URL.Path)
	}))
	defer upstream.Close()

	h, err := Default.Resolve("proxy:" + upstream.URL)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hello", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "upstream /hello", rec.Body.String())

	for _, bad := range []string{"proxy", "proxy:ftp://x", "proxy:http://"} {
		_, err := Default.Resolve(bad)
		assert.Error(t, err, bad)
	}
}

func TestProxy_UpstreamDown(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	url := upstream.URL
	upstream.Close()

	h, err := Default.Resolve("proxy:" + url)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestStatic(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.txt"), []byte("hi"), 0o644))

	h, err := Default.Resolve("static:" + dir)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/index.txt", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hi", rec.Body.String())

	_, err = Default.Resolve("static:" + filepath.Join(dir, "index.txt"))
	assert.Error(t, err)
	_, err = Default.Resolve("static:" + filepath.Join(dir, "missing"))
	assert.Error(t, err)
	_, err = Default.Resolve("static")
	assert.Error(t, err)
}
