// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package tstest provides utilities for use in unit tests.
package tstest

import (
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"
)

// GetSeed gets the current global random test seed. By default, this is
// based on the current time, but it can be fixed to a specific value with
// the INTERTHREAD_TEST_SEED environment variable. The seed is logged so a
// failing run can be reproduced.
func GetSeed(t testing.TB) int64 {
	t.Helper()
	seed := time.Now().UnixNano()
	if v := os.Getenv("INTERTHREAD_TEST_SEED"); v != "" {
		s, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			t.Fatalf("INTERTHREAD_TEST_SEED: %v", err)
		}
		seed = s
	}
	t.Logf("using random seed %d (INTERTHREAD_TEST_SEED)", seed)
	return seed
}

// WaitFor retries try for up to maxWait.
// It returns nil once try returns nil the first time.
// If maxWait passes without success, it returns try's last error.
func WaitFor(maxWait time.Duration, try func() error) error {
	bo := 10 * time.Millisecond
	deadline := time.Now().Add(maxWait)
	var err error
	for time.Now().Before(deadline) {
		err = try()
		if err == nil {
			return nil
		}
		time.Sleep(bo)
		bo = min(bo*2, 250*time.Millisecond)
	}
	if err == nil {
		err = fmt.Errorf("WaitFor: no attempt within %v", maxWait)
	}
	return err
}
