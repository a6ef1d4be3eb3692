// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package syncs

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/tailscale/interthread/tstest"
	"github.com/tailscale/interthread/types/logger"
)

var errNotYet = errors.New("not yet")

// waitabit holds the processor for a short random time, occasionally
// sleeping.
func waitabit(rng *rand.Rand) {
	if rng.IntN(64) == 0 {
		time.Sleep(time.Duration(rng.Int64N(int64(50 * time.Microsecond))))
		return
	}
	for range rng.IntN(4) {
		runtime.Gosched()
	}
}

func TestLockMultipleLiveness(t *testing.T) {
	tstest.ResourceCheck(t)
	iters, budget := 10000, 20*time.Second
	if testing.Short() {
		iters, budget = 1000, 5*time.Second
	}
	seed := uint64(tstest.GetSeed(t))
	locks := []*Lock{NewLock(logger.Discard), NewLock(logger.Discard), NewLock(logger.Discard)}
	var (
		wg     sync.WaitGroup
		inside int // guarded by all three locks
		total  int
	)
	check := func(rng *rand.Rand) {
		inside++
		if inside != 1 {
			t.Errorf("%d goroutines inside the multi-lock", inside)
		}
		waitabit(rng)
		total++
		inside--
	}
	for i := range locks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(seed, uint64(i)))
			own := locks[i]
			for range iters {
				owned := OwnedMask(0)
				if rng.IntN(2) == 1 {
					own.Lock()
					owned = Owned(i)
					waitabit(rng)
				}
				g := LockMultiple(owned, locks...)
				check(rng)
				g.Release()
				if owned != 0 {
					waitabit(rng)
					own.Unlock()
				}
				waitabit(rng)
			}
		}()
	}

	// Meanwhile hold two of them and ask for all three.
	wg.Add(1)
	go func() {
		defer wg.Done()
		rng := rand.New(rand.NewPCG(seed, uint64(len(locks))))
		for range iters / 10 {
			locks[0].Lock()
			locks[1].Lock()
			g := LockMultipleAt(Here(), Owned(0, 1), locks...)
			check(rng)
			g.Release()
			if locks[0].Depth() != 1 || locks[1].Depth() != 1 {
				t.Errorf("owned locks not held after Release: %v, %v", locks[0], locks[1])
			}
			locks[1].Unlock()
			locks[0].Unlock()
			waitabit(rng)
		}
	}()

	done := make(chan bool)
	go func() {
		wg.Wait()
		close(done)
	}()
	start := time.Now()
	select {
	case <-done:
		t.Logf("%d acquisitions in %v", total, time.Since(start).Round(time.Millisecond))
	case <-time.After(budget):
		t.Fatalf("multi-lock still running after %v", budget)
	}
	if want := len(locks)*iters + iters/10; total != want {
		t.Errorf("total = %d; want %d", total, want)
	}
}

func TestLockMultipleTwo(t *testing.T) {
	tstest.ResourceCheck(t)
	var a, b Lock
	var wg sync.WaitGroup
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				var g *MultiGuard
				if i == 0 {
					g = LockMultiple(0, &a, &b)
				} else {
					g = LockMultiple(0, &b, &a)
				}
				g.Release()
			}
		}()
	}
	wg.Wait()
	if a.Depth() != 0 || b.Depth() != 0 {
		t.Errorf("locks held after all releases: %v, %v", &a, &b)
	}
}

func TestLockMultipleOwned(t *testing.T) {
	var a, b, c Lock
	b.Lock()
	g := LockMultiple(Owned(1), &a, &b, &c)
	for i, l := range []*Lock{&a, &b, &c} {
		if !l.Held() || l.Depth() != 1 {
			t.Errorf("lock %d: held=%v %v", i, l.Held(), l)
		}
	}
	g.Release()
	g.Release()
	if a.Depth() != 0 || c.Depth() != 0 {
		t.Errorf("acquired locks still held: %v, %v", &a, &c)
	}
	if !b.Held() || b.Depth() != 1 {
		t.Errorf("owned lock after Release: held=%v %v", b.Held(), &b)
	}
	b.Unlock()
}

func TestLockMultipleMisuse(t *testing.T) {
	var a, b, c, d Lock
	wantPanic(t, func() { LockMultiple(0, &a) })
	wantPanic(t, func() { LockMultiple(0, &a, &b, &c, &d) })
	wantPanic(t, func() { LockMultiple(0, &a, &a) })
	wantPanic(t, func() { LockMultiple(0, &a, nil) })
	wantPanic(t, func() { LockMultiple(Owned(2), &a, &b) })
	wantPanic(t, func() { LockMultiple(Owned(0), &a, &b) })

	a.Lock()
	a.Lock()
	wantPanic(t, func() { LockMultiple(Owned(0), &a, &b) })
	a.Unlock()
	a.Unlock()

	for i, l := range []*Lock{&a, &b, &c, &d} {
		if l.Depth() != 0 {
			t.Errorf("lock %d left held after refused LockMultiple: %v", i, l)
		}
	}
}

func TestLockMultipleContentionLogs(t *testing.T) {
	tstest.ResourceCheck(t)
	setKnob(t, "INTERTHREAD_LOCK_WATCHDOG", "10ms")

	var logs logCollector
	a, b := NewLock(logs.logf), NewLock(logs.logf)
	before := testutil.ToFloat64(metricMultiLockCycles)
	waitLog := func(substr string) {
		t.Helper()
		if err := tstest.WaitFor(5*time.Second, func() error {
			if len(logs.matching(substr)) == 0 {
				return errNotYet
			}
			return nil
		}); err != nil {
			t.Fatalf("waiting for %q: %v", substr, err)
		}
	}

	b.Lock()
	done := make(chan bool)
	go func() {
		g := LockMultipleAt(Here(), 0, a, b)
		g.Release()
		close(done)
	}()

	// The (a, b) order fails on b and backs out; the (b, a) order then
	// waits on b, which the watchdog reports.
	waitLog(fmt.Sprintf("lock %p blocked", b))
	// Take a before handing b over, so the (b, a) order fails too and
	// the whole cycle is contended.
	a.Lock()
	b.Unlock()
	waitLog("[v1] syncs: multi-lock at multiguard_test.go:")
	a.Unlock()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("LockMultiple did not finish once both locks were free")
	}
	if got := testutil.ToFloat64(metricMultiLockCycles) - before; got < 1 {
		t.Errorf("contention counter advanced by %v; want >= 1", got)
	}
	if a.Depth() != 0 || b.Depth() != 0 {
		t.Errorf("locks held after Release: %v, %v", a, b)
	}
}
