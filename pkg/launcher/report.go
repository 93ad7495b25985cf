package launcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jrepp/prefork/pkg/events"
)

const (
	eventBacklog      = 256
	eventTimeout      = 2 * time.Second
	eventDrainTimeout = 2 * time.Second
)

type lifecycleEvent struct {
	eventType string
	message   string
	metadata  map[string]string
}

// eventQueue delivers lifecycle events in order on its own goroutine, so a
// slow sink never holds up a worker transition. Events beyond the backlog
// are dropped with a warning.
type eventQueue struct {
	pub events.Publisher
	log *slog.Logger

	mu     sync.Mutex
	closed bool
	ch     chan lifecycleEvent
	done   chan struct{}
}

func newEventQueue(pub events.Publisher, log *slog.Logger) *eventQueue {
	q := &eventQueue{
		pub:  pub,
		log:  log,
		ch:   make(chan lifecycleEvent, eventBacklog),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *eventQueue) publish(eventType, message string, metadata map[string]string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	select {
	case q.ch <- lifecycleEvent{eventType: eventType, message: message, metadata: metadata}:
	default:
		q.log.Warn("lifecycle event dropped, publisher backlog full", "type", eventType)
	}
}

func (q *eventQueue) run() {
	defer close(q.done)
	for ev := range q.ch {
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		if err := q.pub.ReportLifecycleEvent(ctx, ev.eventType, ev.message, ev.metadata); err != nil {
			q.log.Warn("publish lifecycle event", "type", ev.eventType, "error", err)
		}
		cancel()
	}
}

// close flushes what it can within eventDrainTimeout and closes the
// publisher
func (q *eventQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	timer := time.NewTimer(eventDrainTimeout)
	defer timer.Stop()
	select {
	case <-q.done:
	case <-timer.C:
		q.log.Warn("lifecycle events not flushed", "pending", len(q.ch))
	}

	if err := q.pub.Close(); err != nil {
		q.log.Warn("close event publisher", "error", err)
	}
}
