// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package blocking

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/creachadair/taskgroup"
	qt "github.com/frankban/quicktest"
	gocmp "github.com/google/go-cmp/cmp"
	"github.com/tailscale/interthread/envknob"
	"github.com/tailscale/interthread/syncs"
	"github.com/tailscale/interthread/tstest"
	"github.com/tailscale/interthread/types/logger"
	"golang.org/x/sync/errgroup"
)

type tagged struct {
	Writer, Seq int
}

// releaseCounter counts Release calls per item.
type releaseCounter[T comparable] struct {
	mu sync.Mutex
	n  map[T]int
}

func (rc *releaseCounter[T]) release(v T) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.n == nil {
		rc.n = make(map[T]int)
	}
	rc.n[v]++
}

func (rc *releaseCounter[T]) counts() map[T]int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return maps.Clone(rc.n)
}

func TestQueueEachItemReadOnce(t *testing.T) {
	tstest.ResourceCheck(t)
	c := qt.New(t)
	rng := rand.New(rand.NewPCG(uint64(tstest.GetSeed(t)), 0))

	const writers, readers, perWriter = 4, 4, 2000
	q := NewQueue[tagged](Config[tagged]{Logf: logger.TestLogger(t)})

	var eg errgroup.Group
	for w := range writers {
		pause := rng.IntN(50)
		eg.Go(func() error {
			for n := range perWriter {
				q.Write(tagged{w, n})
				if n%(pause+1) == 0 {
					time.Sleep(time.Microsecond)
				}
			}
			return nil
		})
	}

	got := make([][]tagged, readers)
	var read atomic.Int64
	var tg taskgroup.Group
	for r := range readers {
		tg.Go(func() error {
			for read.Load() < writers*perWriter {
				it, ok := q.ReadTimeout(20 * time.Millisecond)
				if !ok {
					continue
				}
				got[r] = append(got[r], it)
				read.Add(1)
			}
			return nil
		})
	}
	c.Assert(eg.Wait(), qt.IsNil)
	c.Assert(tg.Wait(), qt.IsNil)

	var all []tagged
	for r, items := range got {
		// Per writer, each reader sees items in write order.
		last := make(map[int]int)
		for _, it := range items {
			if prev, ok := last[it.Writer]; ok && it.Seq <= prev {
				c.Errorf("reader %d saw writer %d item %d after %d", r, it.Writer, it.Seq, prev)
			}
			last[it.Writer] = it.Seq
		}
		all = append(all, items...)
	}
	slices.SortFunc(all, func(a, b tagged) int {
		return cmp.Or(cmp.Compare(a.Writer, b.Writer), cmp.Compare(a.Seq, b.Seq))
	})
	var want []tagged
	for w := range writers {
		for n := range perWriter {
			want = append(want, tagged{w, n})
		}
	}
	if diff := gocmp.Diff(want, all); diff != "" {
		c.Fatalf("items read (-want +got):\n%s", diff)
	}
}

func TestQueueFIFO(t *testing.T) {
	c := qt.New(t)
	q := NewQueue[int](Config[int]{})
	for i := range 5 {
		q.Write(i)
	}
	q.WriteFront(-1)
	c.Assert(q.Len(), qt.Equals, 6)
	front, ok := q.Front()
	c.Assert(ok, qt.IsTrue)
	c.Assert(front, qt.Equals, -1)
	c.Assert(slices.Collect(q.All()), qt.DeepEquals, []int{-1, 0, 1, 2, 3, 4})

	var got []int
	for range 6 {
		got = append(got, q.Read())
	}
	c.Assert(got, qt.DeepEquals, []int{-1, 0, 1, 2, 3, 4})
	_, ok = q.ReadNoBlock()
	c.Assert(ok, qt.IsFalse)
	_, ok = q.Front()
	c.Assert(ok, qt.IsFalse)
}

func TestQueueReadTimeout(t *testing.T) {
	tstest.ResourceCheck(t)
	c := qt.New(t)
	q := NewQueue[string](Config[string]{})

	for _, d := range []time.Duration{-time.Second, 0, time.Millisecond} {
		start := time.Now()
		_, ok := q.ReadTimeout(d)
		c.Check(ok, qt.IsFalse)
		if took := time.Since(start); took > 50*time.Millisecond {
			c.Errorf("ReadTimeout(%v) on empty queue took %v", d, took)
		}
	}

	start := time.Now()
	_, ok := q.ReadTimeout(40 * time.Millisecond)
	c.Assert(ok, qt.IsFalse)
	c.Assert(time.Since(start) >= 38*time.Millisecond, qt.IsTrue)

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Write("hello")
	}()
	got, ok := q.ReadTimeout(5 * time.Second)
	c.Assert(ok, qt.IsTrue)
	c.Assert(got, qt.Equals, "hello")

	q.Write("now")
	got, ok = q.ReadTimeout(0)
	c.Assert(ok, qt.IsTrue)
	c.Assert(got, qt.Equals, "now")
}

func TestQueueReadBlocks(t *testing.T) {
	tstest.ResourceCheck(t)
	c := qt.New(t)
	q := NewQueue[int](Config[int]{})
	got := make(chan int)
	go func() { got <- q.Read() }()
	select {
	case v := <-got:
		c.Fatalf("Read returned %d from empty queue", v)
	case <-time.After(20 * time.Millisecond):
	}
	q.Write(7)
	c.Assert(<-got, qt.Equals, 7)
}

func TestQueueWaitForEither(t *testing.T) {
	tstest.ResourceCheck(t)
	c := qt.New(t)
	a := NewQueue[int](Config[int]{})
	b := NewQueue[int](Config[int]{})
	b.Connect(a)

	c.Assert(a.WaitForEitherTimeout(b, 10*time.Millisecond), qt.IsFalse)
	c.Assert(a.WaitForEitherTimeout(b, 0), qt.IsFalse)

	// A plain reader of a must not absorb the wakeup meant for the waiter.
	readerDone := make(chan int)
	go func() { readerDone <- a.Read() }()

	woke := make(chan bool)
	go func() {
		a.WaitForEither(b)
		woke <- true
	}()
	time.Sleep(20 * time.Millisecond)
	b.Write(1)
	select {
	case <-woke:
	case <-time.After(5 * time.Second):
		c.Fatal("WaitForEither not woken by write to the other queue")
	}
	v, ok := b.ReadNoBlock()
	c.Assert(ok, qt.IsTrue)
	c.Assert(v, qt.Equals, 1)

	a.Write(2)
	c.Assert(<-readerDone, qt.Equals, 2)
	c.Assert(b.Len(), qt.Equals, 0)
}

func TestQueueConnectMisuse(t *testing.T) {
	c := qt.New(t)
	a := NewQueue[int](Config[int]{})
	b := NewQueue[int](Config[int]{})
	other := NewQueue[int](Config[int]{})
	c.Assert(func() { a.WaitForEither(b) }, qt.PanicMatches, `blocking: WaitForEither .* not connected .*`)
	c.Assert(func() { a.Connect(a) }, qt.PanicMatches, `blocking: Queue connected to itself`)
	a.Connect(b)
	c.Assert(func() { other.Connect(b) }, qt.PanicMatches, `blocking: Queue already connected`)
	c.Assert(func() { a.WaitForEitherTimeout(other, time.Millisecond) }, qt.PanicMatches, `.*not connected.*`)
}

func TestQueueReleaseExactlyOnce(t *testing.T) {
	c := qt.New(t)
	var rc releaseCounter[int]
	q := NewQueue[int](Config[int]{Release: rc.release})
	for i := range 5 {
		q.Write(i)
	}
	c.Assert(q.Read(), qt.Equals, 0)
	c.Assert(q.Read(), qt.Equals, 1)
	q.Close()
	q.Close()
	c.Assert(rc.counts(), qt.DeepEquals, map[int]int{2: 1, 3: 1, 4: 1})
	c.Assert(q.Len(), qt.Equals, 0)

	q.Write(10)
	q.Write(11)
	c.Assert(q.Drain(), qt.DeepEquals, []int{10, 11})
	q.Clear()
	c.Assert(rc.counts(), qt.HasLen, 3)
}

func TestQueueWaitLen(t *testing.T) {
	tstest.ResourceCheck(t)
	c := qt.New(t)
	q := NewQueue[int](Config[int]{})
	for i := range 3 {
		q.Write(i)
	}
	c.Assert(q.WaitLenTimeout(3, 0), qt.IsTrue)
	c.Assert(q.WaitLenTimeout(0, 10*time.Millisecond), qt.IsFalse)

	done := make(chan bool)
	go func() {
		q.WaitLen(1)
		close(done)
	}()
	q.Read()
	select {
	case <-done:
		c.Fatal("WaitLen(1) returned with 2 items queued")
	case <-time.After(20 * time.Millisecond):
	}
	q.Read()
	<-done
	c.Assert(q.Len(), qt.Equals, 1)
}

func TestQueueStallNamesCaller(t *testing.T) {
	tstest.ResourceCheck(t)
	c := qt.New(t)
	envknob.Setenv("INTERTHREAD_LOCK_WATCHDOG", "20ms")
	defer envknob.Setenv("INTERTHREAD_LOCK_WATCHDOG", "")

	var (
		mu   sync.Mutex
		logs []string
	)
	logf := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		logs = append(logs, fmt.Sprintf(format, args...))
	}
	q := NewQueue[int](Config[int]{Logf: logf})
	q.link.mu.LockAt(syncs.Here())
	done := make(chan bool)
	go func() {
		q.Write(1)
		close(done)
	}()
	err := tstest.WaitFor(5*time.Second, func() error {
		mu.Lock()
		defer mu.Unlock()
		for _, l := range logs {
			if strings.Contains(l, "blocked more than") {
				return nil
			}
		}
		return errors.New("no stall report")
	})
	q.link.mu.Unlock()
	<-done
	c.Assert(err, qt.IsNil)

	mu.Lock()
	defer mu.Unlock()
	c.Assert(logs, qt.HasLen, 1)
	// Both the waiting Write and the holder are attributed to this file.
	c.Assert(strings.Count(logs[0], "queue_test.go:") >= 2, qt.IsTrue, qt.Commentf("%s", logs[0]))
}

func TestLockSitesNameCaller(t *testing.T) {
	c := qt.New(t)
	var (
		mu    sync.Mutex
		lines []string
	)
	logf := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, fmt.Sprintf(format, args...))
	}
	syncs.SetTrace(true)
	defer syncs.SetTrace(false)

	q := NewQueue(Config[int]{Logf: logf})
	pq := NewPriorityQueue(cmp.Less[int], Config[int]{Logf: logf})
	m := NewMap[string](Config[int]{Logf: logf})
	for _, tt := range []struct {
		name string
		fn   func()
	}{
		{"Queue.ReadTimeout(0)", func() { q.ReadTimeout(0) }},
		{"Queue.ReadNoBlock", func() { q.ReadNoBlock() }},
		{"Queue.Clear", func() { q.Clear() }},
		{"Queue.Close", func() { q.Close() }},
		{"PriorityQueue.ReadTimeout(0)", func() { pq.ReadTimeout(0) }},
		{"PriorityQueue.ReadNoBlock", func() { pq.ReadNoBlock() }},
		{"PriorityQueue.Drain", func() { pq.Drain() }},
		{"PriorityQueue.Clear", func() { pq.Clear() }},
		{"PriorityQueue.Close", func() { pq.Close() }},
		{"Map.GetTimeout(0)", func() { m.GetTimeout("k", 0, false) }},
		{"Map.Clear", func() { m.Clear() }},
		{"Map.Close", func() { m.Close() }},
	} {
		c.Run(tt.name, func(c *qt.C) {
			mu.Lock()
			lines = nil
			mu.Unlock()
			tt.fn()
			mu.Lock()
			defer mu.Unlock()
			c.Assert(lines, qt.Not(qt.HasLen), 0)
			for _, l := range lines {
				c.Check(l, qt.Matches, `.* at queue_test\.go:\d+.*`)
			}
		})
	}
}
