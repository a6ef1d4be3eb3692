// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tailscale/interthread/blocking"
	"github.com/tailscale/interthread/syncs"
	"github.com/tailscale/interthread/types/logger"
)

// run executes every scenario in turn and writes a summary line per
// scenario to w.
func run(cfg config, logf logger.Logf, w io.Writer) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	scenarios := []struct {
		name string
		fn   func(config, logger.Logf) (string, error)
	}{
		{"multilock", multiLock},
		{"pipeline", pipeline},
		{"connected", connected},
	}
	for _, sc := range scenarios {
		start := time.Now()
		summary, err := sc.fn(cfg, logger.WithPrefix(logf, sc.name+": "))
		if err != nil {
			return fmt.Errorf("%s: %w", sc.name, err)
		}
		fmt.Fprintf(w, "%-10s ok  %-8v %s\n", sc.name, time.Since(start).Round(time.Millisecond), summary)
	}
	return nil
}

// multiLock has three goroutines each own one of three locks and
// repeatedly acquire all three, sometimes while holding their own, while
// a fourth holds two and asks for the third.
func multiLock(cfg config, logf logger.Logf) (string, error) {
	locks := []*syncs.Lock{syncs.NewLock(logf), syncs.NewLock(logf), syncs.NewLock(logf)}
	var (
		inside   int // guarded by all three locks
		entered  atomic.Int64
		overlaps atomic.Int64
	)
	critical := func() {
		inside++
		if inside != 1 {
			overlaps.Add(1)
		}
		entered.Add(1)
		inside--
	}

	var eg errgroup.Group
	for i := range locks {
		eg.Go(func() error {
			own := locks[i]
			for range cfg.Iterations {
				owned := syncs.OwnedMask(0)
				if rand.IntN(2) == 1 {
					own.Lock()
					owned = syncs.Owned(i)
				}
				g := syncs.LockMultipleAt(syncs.Here(), owned, locks...)
				critical()
				g.Release()
				if owned != 0 {
					own.Unlock()
				}
			}
			return nil
		})
	}
	eg.Go(func() error {
		for range max(cfg.Iterations/10, 1) {
			locks[0].Lock()
			locks[1].Lock()
			g := syncs.LockMultiple(syncs.Owned(0, 1), locks...)
			critical()
			g.Release()
			if !locks[0].Held() || !locks[1].Held() {
				return errors.New("owned locks lost across LockMultiple")
			}
			locks[1].Unlock()
			locks[0].Unlock()
		}
		return nil
	})
	if err := waitGroup(&eg, cfg.Wait*10); err != nil {
		return "", err
	}
	if n := overlaps.Load(); n != 0 {
		return "", fmt.Errorf("%d overlapping critical sections", n)
	}
	return fmt.Sprintf("%d acquisitions", entered.Load()), nil
}

type message struct {
	Writer, Seq, Prio int
}

type key struct{ Writer, Seq int }

// pipeline moves messages from writers through a Queue to readers, which
// record each message in a Map and forward it to a PriorityQueue. Every
// message must arrive exactly once and drain in priority order.
func pipeline(cfg config, logf logger.Logf) (string, error) {
	var released atomic.Int64
	cfgMsg := blocking.Config[message]{
		Logf:    logf,
		Release: func(message) { released.Add(1) },
	}
	in := blocking.NewQueue(cfgMsg)
	byPrio := blocking.NewPriorityQueue(func(a, b message) bool { return a.Prio < b.Prio }, cfgMsg)
	seen := blocking.NewMap[key](cfgMsg)
	defer in.Close()
	defer byPrio.Close()
	defer seen.Close()

	total := cfg.Writers * cfg.Items
	var (
		eg   errgroup.Group
		read atomic.Int64
		dups atomic.Int64
	)
	for w := range cfg.Writers {
		eg.Go(func() error {
			for n := range cfg.Items {
				in.Write(message{w, n, rand.IntN(100)})
				if n%64 == 0 {
					// Keep the queue from growing without bound.
					if !in.WaitLenTimeout(1024, cfg.Wait) {
						return errors.New("queue did not drain")
					}
				}
			}
			return nil
		})
	}
	for range cfg.Readers {
		eg.Go(func() error {
			idle := time.Now()
			for read.Load() < int64(total) {
				m, ok := in.ReadTimeout(10 * time.Millisecond)
				if !ok {
					if time.Since(idle) > cfg.Wait {
						return fmt.Errorf("no message for %v after %d of %d", cfg.Wait, read.Load(), total)
					}
					continue
				}
				idle = time.Now()
				k := key{m.Writer, m.Seq}
				if _, dup := seen.GetNoBlock(k, false); dup {
					dups.Add(1)
				}
				seen.Write(k, m)
				byPrio.Write(m)
				read.Add(1)
			}
			return nil
		})
	}
	if err := waitGroup(&eg, cfg.Wait*10); err != nil {
		return "", err
	}
	if n := dups.Load(); n != 0 {
		return "", fmt.Errorf("%d messages delivered twice", n)
	}
	if n := seen.Len(); n != total {
		return "", fmt.Errorf("%d distinct messages delivered, want %d", n, total)
	}
	if n := released.Load(); n != 0 {
		return "", fmt.Errorf("%d messages released before close", n)
	}

	last := 100
	for range total {
		m, ok := byPrio.ReadNoBlock()
		if !ok {
			return "", errors.New("priority queue ran dry")
		}
		if m.Prio > last {
			return "", fmt.Errorf("priority %d read after %d", m.Prio, last)
		}
		last = m.Prio
		m2 := seen.Get(key{m.Writer, m.Seq}, true)
		if m2 != m {
			return "", fmt.Errorf("map holds %+v for %+v", m2, m)
		}
	}
	return fmt.Sprintf("%d messages", total), nil
}

// connected has a producer alternate between two connected queues while
// a consumer waits on both at once.
func connected(cfg config, logf logger.Logf) (string, error) {
	a := blocking.NewQueue(blocking.Config[int]{Logf: logf})
	b := blocking.NewQueue(blocking.Config[int]{Logf: logf})
	b.Connect(a)

	var eg errgroup.Group
	eg.Go(func() error {
		for n := range cfg.Items {
			if n%2 == 0 {
				a.Write(n)
			} else {
				b.Write(n)
			}
		}
		return nil
	})
	var wakeups, fromA, fromB int
	eg.Go(func() error {
		for fromA+fromB < cfg.Items {
			if !a.WaitForEitherTimeout(b, cfg.Wait) {
				return fmt.Errorf("no item for %v after %d of %d", cfg.Wait, fromA+fromB, cfg.Items)
			}
			wakeups++
			for {
				if _, ok := a.ReadNoBlock(); ok {
					fromA++
					continue
				}
				if _, ok := b.ReadNoBlock(); ok {
					fromB++
					continue
				}
				break
			}
		}
		return nil
	})
	if err := waitGroup(&eg, cfg.Wait*10); err != nil {
		return "", err
	}
	if want := (cfg.Items + 1) / 2; fromA != want {
		return "", fmt.Errorf("read %d items from the first queue, want %d", fromA, want)
	}
	return fmt.Sprintf("%d items in %d wakeups", fromA+fromB, wakeups), nil
}

// waitGroup waits for eg, giving up after d.
func waitGroup(eg *errgroup.Group, d time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- eg.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(d):
		return fmt.Errorf("still running after %v; deadlocked?", d)
	}
}
