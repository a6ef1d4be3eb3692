// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package syncs

import "time"

// Semaphore is a binary semaphore: Post sets it, and Get waits for it to
// be set and clears it. Posts while already set are absorbed.
//
// The zero value is an unset Semaphore.
type Semaphore struct {
	mu   Lock
	cond Cond
	set  bool
}

// Post sets s and wakes one goroutine waiting in Get.
func (s *Semaphore) Post() {
	s.mu.Lock()
	s.set = true
	s.mu.Unlock()
	s.cond.Signal()
}

// Get blocks until s is set, then clears it.
func (s *Semaphore) Get() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cond.WaitUntil(&s.mu, s.isSet)
	s.set = false
}

// TryGet clears s and reports whether it was set. It does not block.
func (s *Semaphore) TryGet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.set
	s.set = false
	return was
}

// GetTimeout is like Get but waits at most d, and reports whether it
// cleared s.
func (s *Semaphore) GetTimeout(d time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cond.WaitFor(&s.mu, d, s.isSet) {
		return false
	}
	s.set = false
	return true
}

func (s *Semaphore) isSet() bool { return s.set }
