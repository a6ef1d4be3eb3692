// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package blocking

import (
	"container/heap"
	"time"

	"github.com/tailscale/interthread/syncs"
)

// PriorityQueue is a Queue-like container that hands out its
// highest-priority item first. Items of equal priority are read in no
// particular order.
type PriorityQueue[T any] struct {
	cfg  Config[T]
	mu   *syncs.Lock
	cond syncs.Cond // signaled when an item is written
	h    itemHeap[T]
}

// NewPriorityQueue returns an empty PriorityQueue ordered by less:
// less(a, b) reports whether a has lower priority than b, so b is read
// before a.
func NewPriorityQueue[T any](less func(a, b T) bool, cfg Config[T]) *PriorityQueue[T] {
	if less == nil {
		panic("blocking: nil less func")
	}
	return &PriorityQueue[T]{
		cfg: cfg,
		mu:  syncs.NewLock(cfg.Logf),
		h:   itemHeap[T]{less: less},
	}
}

func (pq *PriorityQueue[T]) lock() *syncs.Lock {
	pq.mu.LockAt(syncs.Caller(2))
	return pq.mu
}

func (pq *PriorityQueue[T]) nonEmpty() bool { return len(pq.h.items) > 0 }

func (pq *PriorityQueue[T]) pop() T {
	return heap.Pop(&pq.h).(T)
}

// Write adds item and wakes a reader.
func (pq *PriorityQueue[T]) Write(item T) {
	l := pq.lock()
	heap.Push(&pq.h, item)
	l.Unlock()
	pq.cond.Signal()
}

// Read removes and returns the highest-priority item, blocking until
// there is one.
func (pq *PriorityQueue[T]) Read() T {
	l := pq.lock()
	defer l.Unlock()
	pq.cond.WaitUntil(l, pq.nonEmpty)
	return pq.pop()
}

// ReadTimeout is like Read but waits at most d. A d <= 0 does not wait.
func (pq *PriorityQueue[T]) ReadTimeout(d time.Duration) (_ T, ok bool) {
	l := pq.lock()
	defer l.Unlock()
	if !pq.cond.WaitFor(l, d, pq.nonEmpty) {
		var zero T
		return zero, false
	}
	return pq.pop(), true
}

// ReadNoBlock removes and returns the highest-priority item if there is
// one.
func (pq *PriorityQueue[T]) ReadNoBlock() (_ T, ok bool) {
	l := pq.lock()
	defer l.Unlock()
	if !pq.nonEmpty() {
		var zero T
		return zero, false
	}
	return pq.pop(), true
}

// Peek returns the item Read would return next, without removing it.
// The item still belongs to pq.
func (pq *PriorityQueue[T]) Peek() (_ T, ok bool) {
	l := pq.lock()
	defer l.Unlock()
	if len(pq.h.items) == 0 {
		var zero T
		return zero, false
	}
	return pq.h.items[0], true
}

// Len returns the number of queued items.
func (pq *PriorityQueue[T]) Len() int {
	l := pq.lock()
	defer l.Unlock()
	return len(pq.h.items)
}

// Drain removes and returns every queued item in heap order, which is
// not priority order. The items belong to the caller.
func (pq *PriorityQueue[T]) Drain() []T {
	l := pq.lock()
	defer l.Unlock()
	return pq.drainLocked()
}

func (pq *PriorityQueue[T]) drainLocked() []T {
	items := pq.h.items
	pq.h.items = nil
	return items
}

// Clear removes every queued item, passing each to Config.Release.
func (pq *PriorityQueue[T]) Clear() {
	pq.clear(pq.lock())
}

// Close releases every queued item, as Clear does.
func (pq *PriorityQueue[T]) Close() {
	pq.clear(pq.lock())
}

func (pq *PriorityQueue[T]) clear(l *syncs.Lock) {
	items := pq.drainLocked()
	l.Unlock()
	pq.cfg.release(items)
}

// itemHeap implements heap.Interface as a max-heap under less.
type itemHeap[T any] struct {
	items []T
	less  func(a, b T) bool
}

func (h *itemHeap[T]) Len() int           { return len(h.items) }
func (h *itemHeap[T]) Less(i, j int) bool { return h.less(h.items[j], h.items[i]) }
func (h *itemHeap[T]) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *itemHeap[T]) Push(x any)         { h.items = append(h.items, x.(T)) }

func (h *itemHeap[T]) Pop() any {
	n := len(h.items) - 1
	it := h.items[n]
	var zero T
	h.items[n] = zero
	h.items = h.items[:n]
	return it
}
