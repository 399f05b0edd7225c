// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package queue provides an unbounded FIFO with a context-aware Pop.
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Pop once the queue is closed and drained.
var ErrClosed = errors.New("queue closed")

// Queue is an unbounded first-in first-out queue.
//
// Thread Safety: Safe for concurrent use. Any number of producers may Push
// while any number of consumers Pop.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{}
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{signal: make(chan struct{}, 1)}
}

// Push appends v. It reports false if the queue is closed and v was dropped.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.notify()
	return true
}

// Pop removes and returns the oldest item, blocking until one is available.
//
// Description:
//
//	Items pushed before Close are still delivered. Once the queue is closed
//	and empty, Pop returns ErrClosed.
//
// Outputs:
//
//	T - The item
//	error - ctx.Err() if ctx ends first, ErrClosed when closed and drained
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			more := len(q.items) > 0 || q.closed
			q.mu.Unlock()
			if more {
				// Wake the next consumer.
				q.notify()
			}
			return v, nil
		}
		if q.closed {
			q.mu.Unlock()
			q.notify()
			return zero, ErrClosed
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// TryPop returns the oldest item without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	var zero T
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return v, true
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting new items. Queued items remain poppable.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
}

func (q *Queue[T]) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
