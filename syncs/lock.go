// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package syncs

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petermattis/goid"
	"github.com/tailscale/interthread/types/logger"
	"github.com/tailscale/interthread/util/goroutines"
)

// maxSites is the number of nested acquisitions of a Lock whose call
// sites are recorded.
const maxSites = 5

// Lock is a recursive mutual-exclusion lock owned by a goroutine.
//
// Acquisitions made with a CallSite (LockAt, TryLockAt) are diagnosed: if
// LockAt waits longer than INTERTHREAD_LOCK_WATCHDOG (1s by default), a
// report naming the waiter, the holder and the holder's recorded call
// sites is logged once and the wait continues. Plain Lock never reports.
//
// The zero value is an unlocked Lock that logs with log.Printf.
// A Lock must not be copied after first use.
type Lock struct {
	logf logger.Logf

	initOnce sync.Once
	sem      chan struct{} // holds a token while locked

	owner atomic.Int64 // goroutine id of the holder, or 0
	depth atomic.Int32 // written only by the holder

	sitesMu sync.Mutex // leaf lock; guards sites
	sites   siteStack
}

// NewLock returns an unlocked Lock that writes diagnostics to logf.
// A nil logf means log.Printf.
func NewLock(logf logger.Logf) *Lock {
	return &Lock{logf: logf}
}

func (l *Lock) init() {
	l.initOnce.Do(func() {
		l.sem = make(chan struct{}, 1)
	})
}

func (l *Lock) logger() logger.Logf {
	return logger.OrStd(l.logf)
}

// Lock acquires l, blocking until it is available. If the calling
// goroutine already holds l, the depth is incremented instead.
func (l *Lock) Lock() {
	l.lock(goid.Get(), CallSite{}, false)
}

// LockAt is like Lock but records site and enables the stall watchdog
// and trace logging for this acquisition.
func (l *Lock) LockAt(site CallSite) {
	l.lock(goid.Get(), site, true)
}

func (l *Lock) lock(gid int64, site CallSite, diagnosed bool) {
	site.Goroutine = gid
	if l.owner.Load() == gid {
		l.reenter(site)
		return
	}
	l.init()
	if diagnosed && lockTrace.Enabled() {
		l.logger()("[v2] syncs: lock %p start at %v", l, site)
	}
	select {
	case l.sem <- struct{}{}:
	default:
		if diagnosed {
			l.lockSlow(site)
		} else {
			l.sem <- struct{}{}
		}
	}
	l.acquired(site)
	if diagnosed && lockTrace.Enabled() {
		l.logger()("[v2] syncs: lock %p acquired at %v", l, site)
	}
}

// lockSlow blocks until l is acquired, reporting once if that takes
// longer than the watchdog interval.
func (l *Lock) lockSlow(site CallSite) {
	start := time.Now()
	t := time.NewTimer(lockWatchdog())
	defer t.Stop()
	select {
	case l.sem <- struct{}{}:
		return
	case <-t.C:
	}
	l.reportStall(site, time.Since(start))
	l.sem <- struct{}{}
	metricStalledAcquire.Observe(time.Since(start).Seconds())
}

func (l *Lock) reportStall(site CallSite, waited time.Duration) {
	metricWatchdogFired.Inc()
	holder := l.owner.Load()
	var holderStack []byte
	if holder != 0 {
		holderStack = goroutines.Stack(holder)
	}
	logger.NoRateLimit(l.logger())(
		"syncs: lock %p blocked more than %v at %v (goroutine %d) by goroutine %d holding %v\nwaiter:\n%s\nholder:\n%s",
		l, waited.Round(time.Millisecond), site, site.Goroutine, holder, l,
		goroutines.ScrubbedGoroutineDump(false), holderStack)
}

// acquired records that the calling goroutine now holds l at depth 1.
func (l *Lock) acquired(site CallSite) {
	site.When = time.Now()
	l.owner.Store(site.Goroutine)
	l.depth.Store(1)
	l.sitesMu.Lock()
	l.sites.set(1, site)
	l.sitesMu.Unlock()
}

func (l *Lock) reenter(site CallSite) {
	site.When = time.Now()
	d := l.depth.Add(1)
	l.sitesMu.Lock()
	l.sites.set(int(d), site)
	l.sitesMu.Unlock()
}

// TryLock acquires l if it is available or already held by the calling
// goroutine, and reports whether it did.
func (l *Lock) TryLock() bool {
	return l.tryLock(goid.Get(), CallSite{}, false)
}

// TryLockAt is like TryLock but records site.
func (l *Lock) TryLockAt(site CallSite) bool {
	return l.tryLock(goid.Get(), site, true)
}

func (l *Lock) tryLock(gid int64, site CallSite, diagnosed bool) bool {
	site.Goroutine = gid
	if l.owner.Load() == gid {
		l.reenter(site)
		return true
	}
	l.init()
	select {
	case l.sem <- struct{}{}:
	default:
		return false
	}
	l.acquired(site)
	if diagnosed && lockTrace.Enabled() {
		l.logger()("[v2] syncs: trylock %p acquired at %v", l, site)
	}
	return true
}

// TryLockTimeout acquires l, waiting at most d, and reports whether it
// did. A d <= 0 behaves like TryLock.
func (l *Lock) TryLockTimeout(d time.Duration) bool {
	gid := goid.Get()
	if l.tryLock(gid, CallSite{}, false) {
		return true
	}
	if d <= 0 {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case l.sem <- struct{}{}:
		l.acquired(CallSite{Goroutine: gid})
		return true
	case <-t.C:
		return false
	}
}

// Unlock releases one level of l. It panics if the calling goroutine does
// not hold l.
func (l *Lock) Unlock() {
	l.unlock(goid.Get())
}

func (l *Lock) unlock(gid int64) {
	if l.owner.Load() != gid {
		panic("syncs: unlock of Lock not held by this goroutine")
	}
	d := int(l.depth.Load())
	l.sitesMu.Lock()
	top := l.sites.top(d)
	l.sites.clear(d)
	l.sitesMu.Unlock()
	if !top.IsZero() && lockTrace.Enabled() {
		l.logger()("[v2] syncs: unlock %p at depth %d, locked at %v", l, d, top)
	}
	if d > 1 {
		l.depth.Store(int32(d - 1))
		return
	}
	l.depth.Store(0)
	l.owner.Store(0)
	<-l.sem
}

// Depth returns the number of times l is currently held by its holder,
// or 0 if it is unlocked. The value is advisory unless the caller holds l.
func (l *Lock) Depth() int {
	return int(l.depth.Load())
}

// Held reports whether the calling goroutine holds l.
func (l *Lock) Held() bool {
	return l.owner.Load() == goid.Get()
}

// AssertHeld panics if the calling goroutine does not hold l.
func (l *Lock) AssertHeld() {
	if !l.Held() {
		panic(fmt.Sprintf("syncs: Lock %p not held by goroutine %d (%v)", l, goid.Get(), l))
	}
}

// Sites returns the call sites recorded for the current holder, outermost
// first. Acquisitions without a CallSite appear as zero-location entries.
func (l *Lock) Sites() []CallSite {
	l.sitesMu.Lock()
	defer l.sitesMu.Unlock()
	return l.sites.appendTo(nil, l.Depth())
}

// String describes the current holder of l as "depth=N site site ...",
// in the same form the watchdog reports use.
func (l *Lock) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "depth=%d", l.Depth())
	for _, s := range l.Sites() {
		sb.WriteByte(' ')
		sb.WriteString(s.String())
	}
	return sb.String()
}

// checkWaitable panics unless goroutine gid holds l exactly once.
func (l *Lock) checkWaitable(gid int64) {
	if l.owner.Load() != gid {
		panic("syncs: Cond wait on Lock not held by this goroutine")
	}
	if d := l.depth.Load(); d != 1 {
		panic(fmt.Sprintf("syncs: Cond wait on Lock held at depth %d", d))
	}
}

// releaseForWait unlocks l and returns the recorded site so relock can
// restore it. The caller has already passed checkWaitable.
func (l *Lock) releaseForWait(gid int64) CallSite {
	l.sitesMu.Lock()
	site := l.sites.top(1)
	l.sitesMu.Unlock()
	l.unlock(gid)
	return site
}

func (l *Lock) relock(gid int64, site CallSite) {
	l.lock(gid, site, !site.IsZero())
}
