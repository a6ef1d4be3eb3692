// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package syncs

import (
	"time"

	"github.com/tailscale/interthread/envknob"
	"github.com/tailscale/interthread/envknob/logknob"
)

var (
	// lockWatchdog is how long a diagnosed acquisition waits before
	// reporting a stall.
	lockWatchdog = envknob.RegisterDuration("INTERTHREAD_LOCK_WATCHDOG", time.Second)

	// minWait is the smallest remaining budget a timed wait will sleep for.
	minWait = envknob.RegisterDuration("INTERTHREAD_MIN_WAIT", 2*time.Millisecond)

	multiLockLogEvery     = envknob.RegisterInt("INTERTHREAD_MULTILOCK_LOG_EVERY", 1)
	multiLockBackoffAfter = envknob.RegisterInt("INTERTHREAD_MULTILOCK_BACKOFF_AFTER", 8)

	lockTrace = logknob.NewLogKnob("INTERTHREAD_LOCK_TRACE")
)

// SetTrace turns per-acquisition trace logging of diagnosed Lock
// operations on or off, overriding INTERTHREAD_LOCK_TRACE when on.
func SetTrace(on bool) {
	lockTrace.Set(on)
}

// MinWait returns the smallest remaining budget for which timed waits
// in this package and its users will block. Shorter budgets count as
// expired.
func MinWait() time.Duration {
	return minWait()
}
