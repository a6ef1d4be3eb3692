// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package syncs

import (
	"testing"
	"time"

	"github.com/tailscale/interthread/tstest"
)

func TestSemaphore(t *testing.T) {
	var s Semaphore
	if s.TryGet() {
		t.Fatal("TryGet on new Semaphore succeeded")
	}
	s.Post()
	s.Post()
	if !s.TryGet() {
		t.Fatal("TryGet after Post failed")
	}
	if s.TryGet() {
		t.Fatal("second Post was not absorbed")
	}
	s.Post()
	s.Get()
	if s.GetTimeout(10 * time.Millisecond) {
		t.Fatal("GetTimeout on unset Semaphore succeeded")
	}
	if s.GetTimeout(0) {
		t.Fatal("GetTimeout(0) on unset Semaphore succeeded")
	}
	s.Post()
	if !s.GetTimeout(0) {
		t.Fatal("GetTimeout(0) on set Semaphore failed")
	}
}

func TestSemaphoreWakesGetter(t *testing.T) {
	tstest.ResourceCheck(t)
	var s Semaphore
	got := make(chan bool)
	go func() {
		s.Get()
		got <- true
	}()
	go func() {
		got <- s.GetTimeout(5 * time.Second)
	}()
	time.Sleep(10 * time.Millisecond)
	s.Post()
	<-got
	s.Post()
	if !<-got {
		t.Error("GetTimeout did not observe Post")
	}
}
