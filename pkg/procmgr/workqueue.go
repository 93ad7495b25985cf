package procmgr

import (
	"container/heap"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// WorkQueue holds delayed resync and retry requests per process
type WorkQueue interface {
	// Enqueue schedules id after delay; an earlier existing entry wins
	Enqueue(id ProcessID, delay time.Duration)

	// Dequeue removes and returns the next ready process
	// Returns (id, true) if item available, ("", false) otherwise
	Dequeue() (ProcessID, bool)

	// Remove drops any scheduled entry for id
	Remove(id ProcessID)

	// Len returns the number of items in the queue
	Len() int

	// Wait signals when the queue may have changed
	Wait() <-chan struct{}
}

// workQueue is a min-heap on readyAt with an id index for dedup
type workQueue struct {
	mu       sync.Mutex
	items    workItemHeap
	index    map[ProcessID]*workItem
	notifyCh chan struct{}
}

type workItem struct {
	id      ProcessID
	readyAt time.Time
	index   int
}

type workItemHeap []*workItem

func (h workItemHeap) Len() int { return len(h) }

func (h workItemHeap) Less(i, j int) bool {
	return h[i].readyAt.Before(h[j].readyAt)
}

func (h workItemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *workItemHeap) Push(x any) {
	item := x.(*workItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *workItemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// NewWorkQueue creates a new work queue
func NewWorkQueue() WorkQueue {
	return &workQueue{
		index:    make(map[ProcessID]*workItem),
		notifyCh: make(chan struct{}, 1),
	}
}

func (wq *workQueue) Enqueue(id ProcessID, delay time.Duration) {
	wq.mu.Lock()
	defer wq.mu.Unlock()

	readyAt := time.Now().Add(delay)

	if item, ok := wq.index[id]; ok {
		if readyAt.Before(item.readyAt) {
			item.readyAt = readyAt
			heap.Fix(&wq.items, item.index)
		}
		wq.notify()
		return
	}

	item := &workItem{id: id, readyAt: readyAt}
	heap.Push(&wq.items, item)
	wq.index[id] = item
	wq.notify()
}

func (wq *workQueue) Dequeue() (ProcessID, bool) {
	wq.mu.Lock()
	defer wq.mu.Unlock()

	if wq.items.Len() == 0 {
		return "", false
	}

	item := wq.items[0]
	if time.Now().Before(item.readyAt) {
		return "", false
	}

	heap.Pop(&wq.items)
	delete(wq.index, item.id)
	return item.id, true
}

func (wq *workQueue) Remove(id ProcessID) {
	wq.mu.Lock()
	defer wq.mu.Unlock()

	item, ok := wq.index[id]
	if !ok {
		return
	}
	heap.Remove(&wq.items, item.index)
	delete(wq.index, id)
}

func (wq *workQueue) Len() int {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	return wq.items.Len()
}

func (wq *workQueue) Wait() <-chan struct{} {
	return wq.notifyCh
}

func (wq *workQueue) notify() {
	select {
	case wq.notifyCh <- struct{}{}:
	default:
	}
}

// Jitter spreads duration by ±jitterFraction to avoid synchronized retries.
// jitterFraction is clamped to [0, 1].
func Jitter(duration time.Duration, jitterFraction float64) time.Duration {
	if jitterFraction <= 0 {
		return duration
	}
	if jitterFraction > 1.0 {
		jitterFraction = 1.0
	}

	jitter := rand.Float64() * jitterFraction
	multiplier := 1.0 + (jitter * 2.0) - jitterFraction
	return time.Duration(float64(duration) * multiplier)
}

// ExponentialBackoff returns baseDelay * 2^attempt capped at maxDelay,
// with ±25% jitter. attempt is 0-indexed.
func ExponentialBackoff(attempt int, baseDelay, maxDelay time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 62 {
		attempt = 62
	}

	delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt)))
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}

	return Jitter(delay, 0.25)
}
