// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package syncs

// Guard holds one Lock until Release. Use it as
//
//	g := syncs.Acquire(l)
//	defer g.Release()
//
// Copies of a *Guard share its state, so the Lock is unlocked once no
// matter which copy releases it.
type Guard struct {
	l        *Lock
	released bool
}

// Acquire locks l and returns a Guard that unlocks it.
func Acquire(l *Lock) *Guard {
	l.Lock()
	return &Guard{l: l}
}

// AcquireAt is like Acquire but diagnoses the acquisition as LockAt does.
func AcquireAt(l *Lock, site CallSite) *Guard {
	l.LockAt(site)
	return &Guard{l: l}
}

// Release unlocks the guarded Lock. Calls after the first do nothing.
func (g *Guard) Release() {
	if g.released || g.l == nil {
		return
	}
	g.released = true
	g.l.Unlock()
}

// Locked runs fn with l held, releasing l even if fn panics.
func Locked(l *Lock, fn func()) {
	l.LockAt(Caller(1))
	defer l.Unlock()
	fn()
}
