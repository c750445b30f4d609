// Copyright 2026 The Rachat Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge carries events from the engine to a frontend through
// a bounded queue with batch drain semantics.
//
// The queue applies backpressure instead of dropping: when the bound
// is reached, Enqueue blocks until the consumer drains. Each item is
// delivered exactly once, in enqueue order.
package bridge

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("bridge: queue closed")

// Queue is a bounded FIFO connecting one producer domain to one
// consumer. Safe for concurrent use.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	closed   bool

	// space is closed and replaced whenever room becomes available,
	// waking every blocked producer at once.
	space chan struct{}

	// ready carries an edge-triggered "items available" pulse for
	// consumers that block between drains.
	ready chan struct{}
}

// New returns a queue holding at most capacity items. Capacity must be
// positive.
func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		panic("bridge: queue capacity must be positive")
	}
	return &Queue[T]{
		capacity: capacity,
		space:    make(chan struct{}),
		ready:    make(chan struct{}, 1),
	}
}

// Enqueue appends item, blocking while the queue is full until a drain
// makes room or ctx is cancelled. Returns ErrClosed after Close.
func (q *Queue[T]) Enqueue(ctx context.Context, item T) error {
	q.mu.Lock()
	for {
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if len(q.items) < q.capacity {
			break
		}
		wait := q.space
		q.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		q.mu.Lock()
	}

	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// Drain removes and returns every queued item in enqueue order. An
// empty queue returns nil. Blocked producers are woken.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	drained := q.items
	q.items = nil

	close(q.space)
	q.space = make(chan struct{})
	return drained
}

// Ready signals when items may be available. The channel pulses on
// enqueue; a consumer loop should Drain after each receive. Spurious
// wakeups are possible after a concurrent drain, so treat an empty
// Drain result as normal.
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.ready
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further enqueues and wakes blocked producers. Items
// already queued remain drainable. Close is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.space)
	q.space = make(chan struct{})
}
