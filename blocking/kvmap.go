// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package blocking

import (
	"iter"
	"maps"
	"time"

	"github.com/tailscale/interthread/syncs"
)

// Map is a keyed container whose readers can wait for a key to be
// written. Writing an existing key replaces its value and releases the
// old one.
type Map[K comparable, V any] struct {
	cfg  Config[V]
	mu   *syncs.Lock
	cond syncs.Cond // broadcast on every write
	m    map[K]V
}

// NewMap returns an empty Map.
func NewMap[K comparable, V any](cfg Config[V]) *Map[K, V] {
	return &Map[K, V]{
		cfg: cfg,
		mu:  syncs.NewLock(cfg.Logf),
		m:   make(map[K]V),
	}
}

func (m *Map[K, V]) lock() *syncs.Lock {
	m.mu.LockAt(syncs.Caller(2))
	return m.mu
}

// take returns the value for key, deleting it if remove is set.
// m must be locked and hold key.
func (m *Map[K, V]) take(key K, remove bool) V {
	v := m.m[key]
	if remove {
		delete(m.m, key)
	}
	return v
}

// Write stores v under key and wakes every waiting reader. A value it
// replaces is passed to Config.Release.
//
// Writing a value that is already stored under key releases it while it
// stays stored; callers must not do that if Release frees the value.
func (m *Map[K, V]) Write(key K, v V) {
	l := m.lock()
	old, had := m.m[key]
	m.m[key] = v
	l.Unlock()
	m.cond.Broadcast()
	if had && m.cfg.Release != nil {
		m.cfg.Release(old)
	}
}

// Get blocks until key is present and returns its value. If remove is
// set the entry is deleted and the value belongs to the caller.
func (m *Map[K, V]) Get(key K, remove bool) V {
	l := m.lock()
	defer l.Unlock()
	m.cond.WaitUntil(l, func() bool {
		_, ok := m.m[key]
		return ok
	})
	return m.take(key, remove)
}

// GetTimeout is like Get but waits at most d, and reports whether key was
// found. A d <= 0 does not wait.
func (m *Map[K, V]) GetTimeout(key K, d time.Duration, remove bool) (_ V, ok bool) {
	l := m.lock()
	defer l.Unlock()
	if !m.cond.WaitFor(l, d, func() bool {
		_, ok := m.m[key]
		return ok
	}) {
		var zero V
		return zero, false
	}
	return m.take(key, remove), true
}

// GetNoBlock returns the value for key if present.
func (m *Map[K, V]) GetNoBlock(key K, remove bool) (_ V, ok bool) {
	l := m.lock()
	defer l.Unlock()
	if _, ok := m.m[key]; !ok {
		var zero V
		return zero, false
	}
	return m.take(key, remove), true
}

// Remove deletes key, passing its value to Config.Release, and reports
// whether it was present.
func (m *Map[K, V]) Remove(key K) bool {
	l := m.lock()
	v, ok := m.m[key]
	delete(m.m, key)
	l.Unlock()
	if ok && m.cfg.Release != nil {
		m.cfg.Release(v)
	}
	return ok
}

// Len returns the number of entries.
func (m *Map[K, V]) Len() int {
	l := m.lock()
	defer l.Unlock()
	return len(m.m)
}

// All returns an iterator over a snapshot of the entries, in no
// particular order. The values still belong to m.
func (m *Map[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		l := m.lock()
		snap := maps.Clone(m.m)
		l.Unlock()
		for k, v := range snap {
			if !yield(k, v) {
				return
			}
		}
	}
}

// Clear deletes every entry, passing each value to Config.Release.
func (m *Map[K, V]) Clear() {
	m.clear(m.lock())
}

// Close releases every entry, as Clear does.
func (m *Map[K, V]) Close() {
	m.clear(m.lock())
}

// clear empties m, which l locks, and releases the values after
// unlocking.
func (m *Map[K, V]) clear(l *syncs.Lock) {
	old := m.m
	m.m = make(map[K]V)
	l.Unlock()
	if m.cfg.Release == nil {
		return
	}
	for _, v := range old {
		m.cfg.Release(v)
	}
}
