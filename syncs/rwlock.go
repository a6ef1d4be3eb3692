// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package syncs

import (
	"sync"
	"sync/atomic"
)

// RWLock is a reader/writer lock. Any number of readers or a single
// writer may hold it. It is not recursive.
//
// The zero value is unlocked.
type RWLock struct {
	mu      sync.RWMutex
	readers atomic.Int32
	writer  atomic.Bool
}

// WLock acquires rw for writing.
func (rw *RWLock) WLock() {
	rw.mu.Lock()
	rw.writer.Store(true)
}

// TryWLock acquires rw for writing if no one holds it, and reports whether
// it did.
func (rw *RWLock) TryWLock() bool {
	if !rw.mu.TryLock() {
		return false
	}
	rw.writer.Store(true)
	return true
}

// WUnlock releases a write hold on rw.
func (rw *RWLock) WUnlock() {
	rw.writer.Store(false)
	rw.mu.Unlock()
}

// RLock acquires rw for reading.
func (rw *RWLock) RLock() {
	rw.mu.RLock()
	rw.readers.Add(1)
}

// TryRLock acquires rw for reading if no writer holds or awaits it, and
// reports whether it did.
func (rw *RWLock) TryRLock() bool {
	if !rw.mu.TryRLock() {
		return false
	}
	rw.readers.Add(1)
	return true
}

// RUnlock releases a read hold on rw.
func (rw *RWLock) RUnlock() {
	rw.readers.Add(-1)
	rw.mu.RUnlock()
}

// Readers returns the number of current read holds. It is advisory.
func (rw *RWLock) Readers() int {
	return int(rw.readers.Load())
}

// WriteHeld reports whether a writer holds rw. It is advisory.
func (rw *RWLock) WriteHeld() bool {
	return rw.writer.Load()
}
