// Package events publishes supervisor and worker lifecycle events to an
// optional external sink.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"
)

// Lifecycle event types
const (
	SupervisorStarted  = "supervisor.started"
	SupervisorStopping = "supervisor.stopping"
	SupervisorStopped  = "supervisor.stopped"
	WorkerStarting     = "worker.starting"
	WorkerReady        = "worker.ready"
	WorkerDead         = "worker.dead"
	WorkerTimeout      = "worker.timeout"
	WorkerTerminating  = "worker.terminating"
	WorkerParked       = "worker.parked"
)

// Publisher delivers lifecycle events.
//
// Metadata carries event specific details such as slot, pid, incarnation
// and exit_status. Implementations must be safe for concurrent use.
type Publisher interface {
	// ReportLifecycleEvent sends one event. An error means the event was
	// not delivered; callers log it and carry on.
	ReportLifecycleEvent(ctx context.Context, eventType, message string, metadata map[string]string) error

	// Close releases the underlying connection
	Close() error
}

// Event is the wire form shared by every publisher
type Event struct {
	Type      string            `json:"type"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Host      string            `json:"host,omitempty"`
	PID       int               `json:"pid"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func newEvent(eventType, message string, metadata map[string]string) Event {
	host, _ := os.Hostname()
	return Event{
		Type:      eventType,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Host:      host,
		PID:       os.Getpid(),
		Metadata:  metadata,
	}
}

// New returns the publisher for rawURL: empty for a no-op publisher,
// nats://host:port for NATS, redis://host:port/db for a Redis stream.
func New(ctx context.Context, rawURL string, log *slog.Logger) (Publisher, error) {
	if rawURL == "" {
		return NoopPublisher{}, nil
	}
	if log == nil {
		log = slog.Default()
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse events url: %w", err)
	}

	switch u.Scheme {
	case "nats", "tls":
		return NewNATSPublisher(rawURL, log)
	case "redis", "rediss":
		return NewRedisPublisher(ctx, rawURL, log)
	default:
		return nil, fmt.Errorf("unsupported events url scheme %q", u.Scheme)
	}
}

// NoopPublisher drops every event
type NoopPublisher struct{}

// ReportLifecycleEvent does nothing
func (NoopPublisher) ReportLifecycleEvent(context.Context, string, string, map[string]string) error {
	return nil
}

// Close does nothing
func (NoopPublisher) Close() error { return nil }
