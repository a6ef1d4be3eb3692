// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package syncs

import (
	"fmt"
	"math/rand/v2"
	"runtime"
	"time"
)

// OwnedMask marks which locks passed to LockMultiple the caller already
// holds: bit i set means locks[i] is held.
type OwnedMask uint8

// Owned returns the mask with the given lock positions set.
func Owned(positions ...int) OwnedMask {
	var m OwnedMask
	for _, p := range positions {
		m |= 1 << p
	}
	return m
}

func (m OwnedMask) has(i int) bool { return m&(1<<i) != 0 }

// rotations lists, per lock count, the acquisition orders tried in turn.
// The first lock of each order is waited for; the rest are only tried.
// Every lock leads exactly one order.
var rotations = map[int][][]int{
	2: {{0, 1}, {1, 0}},
	3: {{0, 1, 2}, {1, 0, 2}, {2, 1, 0}},
}

// maxBackoff bounds the sleep between contended rotation cycles.
const maxBackoff = time.Millisecond

// MultiGuard holds two or three Locks acquired together by LockMultiple.
type MultiGuard struct {
	locks    [3]*Lock
	n        int
	owned    OwnedMask
	released bool
}

// LockMultiple acquires every one of two or three distinct locks without
// ever blocking on one while holding another, so goroutines that lock
// overlapping sets in different orders cannot deadlock.
//
// owned marks locks the caller already holds, each exactly once. Those
// are released while the whole set is acquired and are held again when
// LockMultiple returns; Release leaves them held.
//
// It panics if given fewer than two or more than three locks, the same
// lock twice, or an owned lock the caller does not hold at depth 1.
func LockMultiple(owned OwnedMask, locks ...*Lock) *MultiGuard {
	return lockMultiple(CallSite{}, owned, locks)
}

// LockMultipleAt is like LockMultiple but records site on each
// acquisition and enables the stall watchdog for them.
func LockMultipleAt(site CallSite, owned OwnedMask, locks ...*Lock) *MultiGuard {
	return lockMultiple(site, owned, locks)
}

func lockMultiple(site CallSite, owned OwnedMask, locks []*Lock) *MultiGuard {
	if len(locks) < 2 || len(locks) > 3 {
		panic(fmt.Sprintf("syncs: LockMultiple of %d locks", len(locks)))
	}
	if owned>>len(locks) != 0 {
		panic(fmt.Sprintf("syncs: LockMultiple owned mask %#x out of range", owned))
	}
	g := &MultiGuard{n: len(locks), owned: owned}
	copy(g.locks[:], locks)
	for i, l := range locks {
		if l == nil {
			panic(fmt.Sprintf("syncs: LockMultiple lock %d is nil", i))
		}
		for _, prev := range locks[:i] {
			if prev == l {
				panic("syncs: LockMultiple of the same lock twice")
			}
		}
		if owned.has(i) && (!l.Held() || l.Depth() != 1) {
			panic(fmt.Sprintf("syncs: LockMultiple lock %d marked owned but held as %v", i, l))
		}
	}
	for i, l := range locks {
		if owned.has(i) {
			l.Unlock()
		}
	}
	acquireAll(site, g.locks[:g.n])
	return g
}

// acquireAll locks every one of locks. Each attempt waits only for the
// leading lock of a rotation and tries the others, backing out entirely
// on the first failure.
func acquireAll(site CallSite, locks []*Lock) {
	rots := rotations[len(locks)]
	for cycle := 1; ; cycle++ {
		for _, order := range rots {
			if tryOrder(site, locks, order) {
				return
			}
		}
		metricMultiLockCycles.Inc()
		if every := multiLockLogEvery(); every > 0 && cycle%every == 0 {
			locks[0].logger()("[v1] syncs: multi-lock at %v contended for %d cycles", site, cycle)
		}
		if cycle >= multiLockBackoffAfter() {
			time.Sleep(rand.N(maxBackoff) + 1)
		} else {
			runtime.Gosched()
		}
	}
}

// tryOrder locks locks[order[0]], then tries the rest in order. On
// failure it unlocks what it took and reports false.
func tryOrder(site CallSite, locks []*Lock, order []int) bool {
	diagnosed := !site.IsZero()
	lead := locks[order[0]]
	if diagnosed {
		lead.LockAt(site)
	} else {
		lead.Lock()
	}
	for i, idx := range order[1:] {
		var ok bool
		if diagnosed {
			ok = locks[idx].TryLockAt(site)
		} else {
			ok = locks[idx].TryLock()
		}
		if ok {
			continue
		}
		for j := i; j > 0; j-- {
			locks[order[j]].Unlock()
		}
		lead.Unlock()
		return false
	}
	return true
}

// Release unlocks the locks that LockMultiple acquired for the caller.
// Locks passed as owned stay held. Calls after the first do nothing.
func (g *MultiGuard) Release() {
	if g.released {
		return
	}
	g.released = true
	for i := g.n - 1; i >= 0; i-- {
		if !g.owned.has(i) {
			g.locks[i].Unlock()
		}
	}
}
