package process

import (
	"errors"
	"sync"

	"github.com/wardenhq/warden/pkg/types"
)

var (
	// ErrQueueFull is returned when a push would exceed the queue cap.
	ErrQueueFull = errors.New("message queue full")

	// ErrProcessTerminated is returned for operations on a terminal process.
	ErrProcessTerminated = errors.New("process terminated")

	// ErrNoPendingRequest is returned when a control reply has nothing to
	// answer.
	ErrNoPendingRequest = errors.New("no pending control request")
)

// Queue is the bounded FIFO of pending user inputs for one process.
type Queue struct {
	mu    sync.Mutex
	items []types.QueuedMessage
	cap   int
}

// NewQueue creates a queue bounded at cap messages.
func NewQueue(cap int) *Queue {
	if cap <= 0 {
		cap = 50
	}
	return &Queue{cap: cap}
}

// Push appends a message and returns its zero-based position. A full queue
// fails fast with ErrQueueFull.
func (q *Queue) Push(msg types.QueuedMessage) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.cap {
		return 0, ErrQueueFull
	}
	q.items = append(q.items, msg)
	return len(q.items) - 1, nil
}

// Pop removes and returns the oldest message.
func (q *Queue) Pop() (types.QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return types.QueuedMessage{}, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	return msg, true
}

// Peek returns up to n pending messages without removing them.
func (q *Queue) Peek(n int) []types.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n <= 0 || n > len(q.items) {
		n = len(q.items)
	}
	out := make([]types.QueuedMessage, n)
	copy(out, q.items[:n])
	return out
}

// Clear removes and returns every pending message.
func (q *Queue) Clear() []types.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Len returns the number of pending messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
