// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package queue provides a lock-free multi-producer multi-consumer FIFO queue.
//
// The queue is the Michael-Scott linked queue built on atomic pointers. It is
// used for the collector's shared garbage queue, for the per-epoch queues of
// completed transactions and for the per-table queues of recycled tuple slots.
//
// # Key Features
//
//   - Lock-free Enqueue and Dequeue from any number of goroutines
//   - Optional capacity bound enforced without locks
//   - Non-blocking Dequeue that reports emptiness instead of waiting
//   - Head and tail kept on separate cache lines
//
// # Usage Examples
//
//	q := queue.NewBounded[int](128)
//	if !q.Enqueue(42) {
//	    // queue is full
//	}
//	v, ok := q.Dequeue()
//
// # Dangers and Warnings
//
//   - **Approximate Length**: Len() is exact only when no operation is in flight.
//   - **Value Retention**: The most recently dequeued value stays reachable from
//     the sentinel node until the next Dequeue.
//   - **No Blocking**: There is no way to wait for an element; callers poll.
package queue

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

type node[T any] struct {
	value T
	next  atomic.Pointer[node[T]]
}

// Queue is a lock-free FIFO queue. The zero value is not usable; create
// queues with New or NewBounded.
type Queue[T any] struct {
	_        cpu.CacheLinePad
	head     atomic.Pointer[node[T]]
	_        cpu.CacheLinePad
	tail     atomic.Pointer[node[T]]
	_        cpu.CacheLinePad
	size     atomic.Int64
	capacity int64
}

// New creates an unbounded queue.
func New[T any]() *Queue[T] {
	return NewBounded[T](0)
}

// NewBounded creates a queue that holds at most capacity elements.
// A capacity of zero or less means unbounded.
func NewBounded[T any](capacity int) *Queue[T] {
	if capacity < 0 {
		capacity = 0
	}
	q := &Queue[T]{capacity: int64(capacity)}
	sentinel := &node[T]{}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)
	return q
}

// reserve claims room for one element, failing when the queue is full.
func (q *Queue[T]) reserve() bool {
	if q.capacity == 0 {
		q.size.Add(1)
		return true
	}
	for {
		n := q.size.Load()
		if n >= q.capacity {
			return false
		}
		if q.size.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Enqueue appends v at the tail. It returns false only when the queue is
// bounded and full.
func (q *Queue[T]) Enqueue(v T) bool {
	if !q.reserve() {
		return false
	}

	n := &node[T]{value: v}
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if tail != q.tail.Load() {
			continue
		}
		if next != nil {
			// Tail is lagging; help the other producer finish.
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		if tail.next.CompareAndSwap(nil, n) {
			q.tail.CompareAndSwap(tail, n)
			return true
		}
	}
}

// Dequeue removes and returns the element at the head. The boolean is false
// when the queue was observed empty.
func (q *Queue[T]) Dequeue() (T, bool) {
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		next := head.next.Load()
		if head != q.head.Load() {
			continue
		}
		if next == nil {
			var zero T
			return zero, false
		}
		if head == tail {
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		v := next.value
		if q.head.CompareAndSwap(head, next) {
			q.size.Add(-1)
			return v, true
		}
	}
}

// Len returns the number of queued elements.
func (q *Queue[T]) Len() int {
	n := q.size.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

// Empty reports whether the queue currently holds no elements.
func (q *Queue[T]) Empty() bool {
	return q.head.Load().next.Load() == nil
}

// Cap returns the capacity bound, or zero when unbounded.
func (q *Queue[T]) Cap() int {
	return int(q.capacity)
}
