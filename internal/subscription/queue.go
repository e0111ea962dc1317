package subscription

import (
	"sync"
)

// notification names the entities one mutation touched.
type notification struct {
	Collection string
	IDs        []string
}

// notificationQueue is a thread-safe FIFO of pending notifications.
//
// The queue is unbounded so a callback can issue any number of mutations
// while a delivery round is running; each one is queued here and drained
// by the round before the outermost mutation returns.
type notificationQueue struct {
	mu      sync.Mutex
	pending []notification
}

func newNotificationQueue() *notificationQueue {
	return &notificationQueue{pending: make([]notification, 0, 16)}
}

// Enqueue adds a notification to the back of the queue.
func (q *notificationQueue) Enqueue(n notification) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, n)
}

// TryDequeue removes the front notification without blocking.
// Returns (notification{}, false) if the queue is empty.
func (q *notificationQueue) TryDequeue() (notification, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return notification{}, false
	}

	n := q.pending[0]
	// Drop the slot's reference so the id slice can be collected.
	q.pending[0] = notification{}
	if len(q.pending) == 1 {
		q.pending = q.pending[:0]
	} else {
		q.pending = q.pending[1:]
	}
	return n, true
}

// Len returns the current queue length.
func (q *notificationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
