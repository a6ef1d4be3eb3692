// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package blocking

import (
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"
	"github.com/tailscale/interthread/syncs"
)

// link is the lock and wakeup condition of a Queue. Connected queues
// share one link.
type link struct {
	mu        *syncs.Lock
	cond      syncs.Cond // signaled when an item is written
	connected atomic.Bool
}

// wake notifies readers of a write. Once queues are connected a waiter
// may be watching either queue, so every waiter is woken.
func (ln *link) wake() {
	if ln.connected.Load() {
		ln.cond.Broadcast()
	} else {
		ln.cond.Signal()
	}
}

// Queue is an unbounded FIFO of items shared between goroutines.
// Items written by one goroutine are read in the order written, and each
// item is read by exactly one reader.
type Queue[T any] struct {
	cfg     Config[T]
	link    *link
	peer    *Queue[T]  // set by Connect
	drained syncs.Cond // signaled when items are removed
	items   deque.Deque[T]
}

// NewQueue returns an empty Queue.
func NewQueue[T any](cfg Config[T]) *Queue[T] {
	return &Queue[T]{
		cfg:  cfg,
		link: &link{mu: syncs.NewLock(cfg.Logf)},
	}
}

// lock locks q on behalf of the caller of the exported method calling it.
func (q *Queue[T]) lock() *syncs.Lock {
	l := q.link.mu
	l.LockAt(syncs.Caller(2))
	return l
}

func (q *Queue[T]) nonEmpty() bool { return q.items.Len() > 0 }

// pop removes the front item. q must be locked and non-empty.
func (q *Queue[T]) pop() T {
	it := q.items.PopFront()
	q.drained.Broadcast()
	return it
}

// Write appends item and wakes a reader.
func (q *Queue[T]) Write(item T) {
	l := q.lock()
	q.items.PushBack(item)
	l.Unlock()
	q.link.wake()
}

// WriteFront puts item at the head of q, ahead of everything already
// queued, and wakes a reader.
func (q *Queue[T]) WriteFront(item T) {
	l := q.lock()
	q.items.PushFront(item)
	l.Unlock()
	q.link.wake()
}

// Read removes and returns the front item, blocking until there is one.
func (q *Queue[T]) Read() T {
	l := q.lock()
	defer l.Unlock()
	q.link.cond.WaitUntil(l, q.nonEmpty)
	return q.pop()
}

// ReadTimeout is like Read but waits at most d. It reports false if no
// item arrived in time. A d <= 0 does not wait, and neither does a
// remaining budget below syncs.MinWait.
func (q *Queue[T]) ReadTimeout(d time.Duration) (_ T, ok bool) {
	l := q.lock()
	defer l.Unlock()
	if d <= 0 {
		return q.tryPop()
	}
	if !q.link.cond.WaitFor(l, d, q.nonEmpty) {
		var zero T
		return zero, false
	}
	return q.pop(), true
}

// ReadNoBlock removes and returns the front item if there is one.
func (q *Queue[T]) ReadNoBlock() (_ T, ok bool) {
	l := q.lock()
	defer l.Unlock()
	return q.tryPop()
}

// tryPop is pop for a q that may be empty. q must be locked.
func (q *Queue[T]) tryPop() (_ T, ok bool) {
	if q.items.Len() == 0 {
		var zero T
		return zero, false
	}
	return q.pop(), true
}

// Front returns the front item without removing it. The item still
// belongs to q.
func (q *Queue[T]) Front() (_ T, ok bool) {
	l := q.lock()
	defer l.Unlock()
	if q.items.Len() == 0 {
		var zero T
		return zero, false
	}
	return q.items.Front(), true
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	l := q.lock()
	defer l.Unlock()
	return q.items.Len()
}

// Connect makes q share other's lock and wakeup condition so that
// WaitForEither can wait for an item in either queue. Connect must be
// called before either queue is in use. It panics if q or other is
// already connected.
func (q *Queue[T]) Connect(other *Queue[T]) {
	if q == other {
		panic("blocking: Queue connected to itself")
	}
	if q.peer != nil || other.peer != nil {
		panic("blocking: Queue already connected")
	}
	q.link = other.link
	q.link.connected.Store(true)
	q.peer, other.peer = other, q
}

func (q *Queue[T]) mustBeConnected(other *Queue[T]) {
	if q.peer != other {
		panic(fmt.Sprintf("blocking: WaitForEither on Queue %p not connected to %p", q, other))
	}
}

// WaitForEither blocks until q or other, which must be connected by
// Connect, has an item. It does not remove anything.
func (q *Queue[T]) WaitForEither(other *Queue[T]) {
	q.mustBeConnected(other)
	l := q.lock()
	defer l.Unlock()
	q.link.cond.WaitUntil(l, func() bool {
		return q.items.Len() > 0 || other.items.Len() > 0
	})
}

// WaitForEitherTimeout is like WaitForEither but waits at most d, and
// reports whether either queue has an item.
func (q *Queue[T]) WaitForEitherTimeout(other *Queue[T], d time.Duration) bool {
	q.mustBeConnected(other)
	l := q.lock()
	defer l.Unlock()
	return q.link.cond.WaitFor(l, d, func() bool {
		return q.items.Len() > 0 || other.items.Len() > 0
	})
}

// WaitLen blocks until q holds at most n items.
func (q *Queue[T]) WaitLen(n int) {
	l := q.lock()
	defer l.Unlock()
	q.drained.WaitUntil(l, func() bool { return q.items.Len() <= n })
}

// WaitLenTimeout is like WaitLen but waits at most d, and reports whether
// q drained to n items.
func (q *Queue[T]) WaitLenTimeout(n int, d time.Duration) bool {
	l := q.lock()
	defer l.Unlock()
	return q.drained.WaitFor(l, d, func() bool { return q.items.Len() <= n })
}

// Drain removes and returns every queued item, front first. The items
// belong to the caller.
func (q *Queue[T]) Drain() []T {
	l := q.lock()
	defer l.Unlock()
	return q.drainLocked()
}

func (q *Queue[T]) drainLocked() []T {
	if q.items.Len() == 0 {
		return nil
	}
	items := q.items.AppendToSlice(make([]T, 0, q.items.Len()))
	q.items.Clear()
	q.drained.Broadcast()
	return items
}

// Clear removes every queued item, passing each to Config.Release.
func (q *Queue[T]) Clear() {
	q.clear(q.lock())
}

// Close releases every queued item, as Clear does. q may still be used
// afterwards.
func (q *Queue[T]) Close() {
	q.clear(q.lock())
}

// clear empties q, which l locks, and releases the items after
// unlocking.
func (q *Queue[T]) clear(l *syncs.Lock) {
	items := q.drainLocked()
	l.Unlock()
	q.cfg.release(items)
}

// All returns an iterator over a snapshot of the queued items, front
// first. The items still belong to q.
func (q *Queue[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		l := q.lock()
		snap := q.items.AppendToSlice(nil)
		l.Unlock()
		for _, it := range snap {
			if !yield(it) {
				return
			}
		}
	}
}
