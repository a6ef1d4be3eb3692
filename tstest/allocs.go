// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package tstest

import (
	"fmt"
	"runtime"
	"testing"
	"time"
)

// MinAllocsPerRun asserts that f can run with no more than target
// allocations on at least one run. It runs f up to 1000 times or 5s,
// whichever happens first, and returns an error describing the observed
// allocations if no run met target.
//
// It sets GOMAXPROCS to 1 during its measurement and restores it before
// returning.
func MinAllocsPerRun(t testing.TB, target uint64, f func()) error {
	t.Helper()
	defer runtime.GOMAXPROCS(runtime.GOMAXPROCS(1))

	var ms runtime.MemStats
	var lo, hi, sum uint64
	start := time.Now()
	var iters int
	for iters < 1000 && time.Since(start) < 5*time.Second {
		runtime.ReadMemStats(&ms)
		before := ms.Mallocs
		f()
		runtime.ReadMemStats(&ms)
		n := ms.Mallocs - before
		if n <= target {
			return nil
		}
		if lo == 0 || n < lo {
			lo = n
		}
		hi = max(hi, n)
		sum += n
		iters++
	}
	return fmt.Errorf("min allocs = %d, max allocs = %d, avg allocs/run = %f, want run with <= %d allocs", lo, hi, float64(sum)/float64(iters), target)
}
