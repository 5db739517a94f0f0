// Package mqueue implements the bounded message queue behind the
// asynchronous parts of the server, such as the blob pruner. Items are
// owned by the queue while pending: callers hand them over on Enqueue and
// receive ownership back on Dequeue.
package mqueue

import (
	"sync"
	"time"
)

// Queue is a FIFO (default) or LIFO queue with blocking timed dequeue and
// an empty-wait primitive. The zero value is not usable; call New.
type Queue[T any] struct {
	mu      sync.Mutex
	items   []T
	lifo    bool
	maxSize int
	// wake is closed and replaced on every state change so that all
	// blocked waiters re-check their condition.
	wake chan struct{}
}

// New creates a queue. maxSize zero means unbounded; otherwise enqueueing
// beyond maxSize evicts an item at the dequeue end to make room.
func New[T any](maxSize int) *Queue[T] {
	return &Queue[T]{
		maxSize: maxSize,
		wake:    make(chan struct{}),
	}
}

// SetFifoPolicy makes Dequeue return the oldest item first.
func (q *Queue[T]) SetFifoPolicy() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lifo = false
}

// SetLifoPolicy makes Dequeue return the most recent item first.
func (q *Queue[T]) SetLifoPolicy() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lifo = true
}

// Size returns the number of pending items.
func (q *Queue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Enqueue appends an item, evicting at the dequeue end if the queue is
// over capacity. Eviction is silent: the queue owns pending items and may
// drop them under pressure.
func (q *Queue[T]) Enqueue(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, item)
	if q.maxSize > 0 && len(q.items) > q.maxSize {
		if q.lifo {
			// Drop the newest-but-one: the item that just lost its
			// place at the dequeue end.
			q.items = append(q.items[:len(q.items)-2], q.items[len(q.items)-1])
		} else {
			q.items = q.items[1:]
		}
	}
	q.broadcast()
}

// Dequeue removes and returns one item, blocking up to timeout. A zero or
// negative timeout blocks until an item arrives. The second return value
// is false on timeout.
func (q *Queue[T]) Dequeue(timeout time.Duration) (T, bool) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.pop()
			q.broadcast()
			q.mu.Unlock()
			return item, true
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-deadline:
			var zero T
			return zero, false
		}
	}
}

// WaitEmpty blocks until the queue drains or the timeout elapses. A zero
// or negative timeout waits indefinitely. Returns true if the queue was
// observed empty.
func (q *Queue[T]) WaitEmpty(timeout time.Duration) bool {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			return true
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-deadline:
			return false
		}
	}
}

// Clear drops every pending item.
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.broadcast()
}

// pop removes the item at the dequeue end. Caller holds the mutex.
func (q *Queue[T]) pop() T {
	var item T
	if q.lifo {
		item = q.items[len(q.items)-1]
		q.items = q.items[:len(q.items)-1]
	} else {
		item = q.items[0]
		q.items = q.items[1:]
	}
	return item
}

// broadcast wakes every blocked waiter. Caller holds the mutex.
func (q *Queue[T]) broadcast() {
	close(q.wake)
	q.wake = make(chan struct{})
}
