package engine

import (
	"sync"

	"keyrelay/internal/scancode"
)

// DefaultQueueCapacity is the event queue size used when none is configured.
const DefaultQueueCapacity = 256

// EventQueue is a fixed-capacity FIFO ring of tokens. Push never blocks:
// when the ring is full the pushed token is dropped.
type EventQueue struct {
	mu    sync.Mutex
	buf   []scancode.Token
	head  int // next slot to pop
	tail  int // next slot to push
	count int
}

// NewEventQueue creates a queue holding up to capacity tokens.
func NewEventQueue(capacity int) *EventQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &EventQueue{buf: make([]scancode.Token, capacity)}
}

// Push appends tok, returning false if the queue was full and tok was dropped.
func (q *EventQueue) Push(tok scancode.Token) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == len(q.buf) {
		return false
	}
	q.buf[q.tail] = tok
	q.tail = (q.tail + 1) % len(q.buf)
	q.count++
	return true
}

// Pop removes and returns the oldest token.
func (q *EventQueue) Pop() (scancode.Token, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return scancode.Token{}, false
	}
	tok := q.buf[q.head]
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return tok, true
}

// Len returns the number of queued tokens.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the queue capacity.
func (q *EventQueue) Cap() int {
	return len(q.buf)
}
