package channels

import (
	"sync"
	"time"
)

// DefaultQueueSize bounds a channel's pending inbound messages.
const DefaultQueueSize = 64

// MessageQueue buffers inbound messages and drains them in arrival order
// once no new message has been enqueued for the debounce interval. When the
// queue is full the oldest message is dropped. A zero debounce delivers
// synchronously.
type MessageQueue struct {
	mu       sync.Mutex
	items    []InboundMessage
	maxSize  int
	debounce time.Duration
	timer    *time.Timer
	drain    MessageHandler
	stopped  bool
}

// NewMessageQueue creates a queue draining into handler. maxSize <= 0 uses
// DefaultQueueSize.
func NewMessageQueue(maxSize int, debounce time.Duration, handler MessageHandler) *MessageQueue {
	if maxSize <= 0 {
		maxSize = DefaultQueueSize
	}
	return &MessageQueue{
		maxSize:  maxSize,
		debounce: debounce,
		drain:    handler,
	}
}

// Enqueue adds a message and re-arms the debounce timer. Each enqueue pushes
// the drain further out, so a burst is delivered as one quiet-period batch.
func (q *MessageQueue) Enqueue(msg InboundMessage) {
	if q.debounce <= 0 {
		q.drain(msg)
		return
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	if len(q.items) >= q.maxSize {
		q.items = q.items[1:]
	}
	q.items = append(q.items, msg)

	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = time.AfterFunc(q.debounce, q.flush)
	q.mu.Unlock()
}

// flush hands the buffered messages to the handler in order. The handler
// runs outside the lock so it may enqueue again.
func (q *MessageQueue) flush() {
	q.mu.Lock()
	batch := q.items
	q.items = nil
	q.timer = nil
	stopped := q.stopped
	q.mu.Unlock()

	if stopped {
		return
	}
	for _, msg := range batch {
		q.drain(msg)
	}
}

// Clear empties the queue without draining.
func (q *MessageQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

// Len returns the number of buffered messages.
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stop discards buffered messages and rejects further enqueues.
func (q *MessageQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = true
	q.items = nil
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}
