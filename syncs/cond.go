// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package syncs

import (
	"slices"
	"sync"
	"time"

	"github.com/petermattis/goid"
)

// Cond is a condition variable used together with a Lock. Unlike
// sync.Cond it is not bound to one lock, and waits may time out.
//
// Waiters are woken in the order they started waiting. Spurious wakeups
// are possible, so callers re-check their predicate after every wait;
// WaitUntil and WaitFor do that for them.
//
// The zero value is ready to use.
type Cond struct {
	mu      sync.Mutex
	waiters []chan struct{}
}

// Wait atomically unlocks l and suspends the calling goroutine until
// Signal or Broadcast wakes it, then relocks l before returning.
//
// The calling goroutine must hold l exactly once; Wait panics otherwise.
func (c *Cond) Wait(l *Lock) {
	c.wait(l, nil)
}

// WaitTimeout is like Wait but returns after at most d even if not
// woken. It returns immediately, without unlocking l, if d <= 0.
func (c *Cond) WaitTimeout(l *Lock, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	if !c.wait(l, t.C) {
		metricCondTimeouts.Inc()
	}
}

// wait reports whether it was woken by Signal or Broadcast.
func (c *Cond) wait(l *Lock, timeout <-chan time.Time) (woken bool) {
	gid := goid.Get()
	l.checkWaitable(gid)
	ch := make(chan struct{}, 1)
	c.mu.Lock()
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()
	site := l.releaseForWait(gid)

	select {
	case <-ch:
		woken = true
	case <-timeout:
		if !c.remove(ch) {
			// Signaled concurrently with the timeout.
			woken = true
		}
	}
	l.relock(gid, site)
	return woken
}

// remove drops ch from the waiter list and reports whether it was there.
func (c *Cond) remove(ch chan struct{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := slices.Index(c.waiters, ch)
	if i < 0 {
		return false
	}
	c.waiters = slices.Delete(c.waiters, i, i+1)
	return true
}

// Signal wakes the longest-waiting goroutine, if any.
// The caller may or may not hold the associated Lock.
func (c *Cond) Signal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.waiters) == 0 {
		return
	}
	ch := c.waiters[0]
	c.waiters[0] = nil
	c.waiters = c.waiters[1:]
	ch <- struct{}{}
}

// Broadcast wakes every waiting goroutine.
func (c *Cond) Broadcast() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, ch := range c.waiters {
		ch <- struct{}{}
		c.waiters[i] = nil
	}
	c.waiters = c.waiters[:0]
}

// WaitUntil waits on c until ready reports true. The calling goroutine
// must hold l exactly once; ready is evaluated with l held.
func (c *Cond) WaitUntil(l *Lock, ready func() bool) {
	for !ready() {
		c.Wait(l)
	}
}

// WaitFor is like WaitUntil but gives up once timeout has elapsed, and
// reports whether ready became true. A remaining budget shorter than
// MinWait counts as expired, so a timeout <= 0 evaluates ready once
// without waiting.
func (c *Cond) WaitFor(l *Lock, timeout time.Duration, ready func() bool) bool {
	deadline := time.Now().Add(timeout)
	for !ready() {
		remaining := time.Until(deadline)
		if remaining < minWait() {
			return false
		}
		c.WaitTimeout(l, remaining)
	}
	return true
}
