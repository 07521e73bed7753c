// Package queue provides single-producer single-consumer FIFO queues with
// item-availability signaling.
package queue

import (
	"errors"
	"sync"
)

var (
	// ErrFull is returned by Push when queue reached its limit.
	ErrFull = errors.New("queue is full")
	// ErrClosed is returned by Push after consumer closed the queue.
	ErrClosed = errors.New("queue is closed")
)

// Queue is an unbounded FIFO of items with a readiness signal. Producer
// pushes items and consumer drains them in batches. Readiness is a
// one-slot channel: any number of pushes before a drain coalesce into a
// single wake-up, and a drain always takes every item available.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	limit  int
	closed bool
	pushed int64
	popped int64
	ready  chan struct{}
}

// New returns a new queue. Zero or negative limit means no limit.
func New[T any](limit int) *Queue[T] {
	return &Queue[T]{
		limit: limit,
		ready: make(chan struct{}, 1),
	}
}

// Push appends an item to the tail and signals consumer.
func (q *Queue[T]) Push(v T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if q.limit > 0 && len(q.items) >= q.limit {
		q.mu.Unlock()
		return ErrFull
	}
	q.items = append(q.items, v)
	q.pushed++
	q.mu.Unlock()
	q.signal()
	return nil
}

// Ready returns a channel that receives a value after items were pushed.
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.ready
}

// Drain moves every available item into dst in FIFO order and returns
// the extended slice.
func (q *Queue[T]) Drain(dst []T) []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	dst = append(dst, q.items...)
	q.popped += int64(len(q.items))
	var zero T
	for i := range q.items {
		q.items[i] = zero
	}
	q.items = q.items[:0]
	return dst
}

// Len returns number of items waiting in the queue.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Free reports if n more items can be pushed.
func (q *Queue[T]) Free(n int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return true
	}
	return q.limit <= 0 || len(q.items)+n <= q.limit
}

// Close marks queue as abandoned by consumer. Pending items are dropped
// and subsequent pushes return ErrClosed. It returns number of dropped
// items. It's safe to call Close multiple times.
func (q *Queue[T]) Close() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	n := len(q.items)
	var zero T
	for i := range q.items {
		q.items[i] = zero
	}
	q.items = nil
	return n
}

// Count returns number of pushed and drained items. Items dropped by
// Close are not counted as drained.
func (q *Queue[T]) Count() (pushed, popped int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushed, q.popped
}

func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
