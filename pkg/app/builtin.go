package app

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// newEngine returns a gin engine without gin's own request logging; the
// worker writes the access log.
func newEngine() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	return router
}

// Health serves GET /health and GET /ready with a JSON body naming the pid.
// It takes no argument.
func Health(arg string) (http.Handler, error) {
	if arg != "" {
		return nil, fmt.Errorf("health takes no argument, got %q", arg)
	}

	started := time.Now()
	router := newEngine()

	status := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"pid":    os.Getpid(),
			"uptime": time.Since(started).Round(time.Millisecond).String(),
		})
	}
	router.GET("/health", status)
	router.GET("/ready", status)

	return router, nil
}

// Echo reflects the request back as JSON. A delay query parameter
// (Go duration, e.g. ?delay=2s) holds the response, returning early if the
// client goes away or the request is cancelled.
func Echo(arg string) (http.Handler, error) {
	prefix := arg

	router := newEngine()
	router.NoRoute(func(c *gin.Context) {
		if d := c.Query("delay"); d != "" {
			delay, err := time.ParseDuration(d)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid delay: " + err.Error()})
				return
			}
			select {
			case <-time.After(delay):
			case <-c.Request.Context().Done():
				return
			}
		}

		headers := make(map[string]string, len(c.Request.Header))
		for k := range c.Request.Header {
			headers[k] = c.Request.Header.Get(k)
		}

		c.JSON(http.StatusOK, gin.H{
			"prefix":  prefix,
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"query":   c.Request.URL.RawQuery,
			"headers": headers,
			"pid":     os.Getpid(),
			"length":  strconv.FormatInt(c.Request.ContentLength, 10),
		})
	})

	return router, nil
}

// Proxy forwards every request to the upstream URL given as argument
func Proxy(arg string) (http.Handler, error) {
	if arg == "" {
		return nil, errors.New("proxy requires an upstream URL, e.g. proxy:http://127.0.0.1:9000")
	}

	target, err := url.Parse(arg)
	if err != nil {
		return nil, fmt.Errorf("parse upstream: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("upstream scheme must be http or https, got %q", target.Scheme)
	}
	if target.Host == "" {
		return nil, fmt.Errorf("upstream %q has no host", arg)
	}

	rp := httputil.NewSingleHostReverseProxy(target)
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}
	return rp, nil
}

// Static serves files from the directory given as argument
func Static(arg string) (http.Handler, error) {
	if arg == "" {
		return nil, errors.New("static requires a directory, e.g. static:/srv/www")
	}

	info, err := os.Stat(arg)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", arg)
	}

	return http.FileServer(http.Dir(arg)), nil
}
