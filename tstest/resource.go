// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package tstest

import (
	"bytes"
	"runtime"
	"runtime/pprof"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// ResourceCheck takes a snapshot of the current goroutines and registers a
// cleanup on tb to verify that every goroutine the test started (waiters,
// writers, lock holders) has exited by the time the test ends.
//
// It panics if called from a parallel test.
func ResourceCheck(tb testing.TB) {
	tb.Helper()

	// tb.Setenv panics in parallel tests, which would make the goroutine
	// count meaningless.
	tb.Setenv("INTERTHREAD_CHECKING_RESOURCES", "1")

	startN, startStacks := goroutineProfile()
	tb.Cleanup(func() {
		if tb.Failed() {
			// Panics are not caught here; see
			// https://github.com/golang/go/issues/49929.
			return
		}
		// Released waiters may still be on their way out.
		for range 300 {
			if runtime.NumGoroutine() <= startN {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		endN, endStacks := goroutineProfile()
		if endN <= startN {
			return
		}
		tb.Logf("goroutine diff:\n%v\n", cmp.Diff(startStacks, endStacks))

		// Errorf rather than Fatal so a concurrent panic still gets reported.
		tb.Errorf("goroutine count: expected %d, got %d\n", startN, endN)
	})
}

func goroutineProfile() (int, []byte) {
	p := pprof.Lookup("goroutine")
	var b bytes.Buffer
	p.WriteTo(&b, 1)
	return p.Count(), b.Bytes()
}
