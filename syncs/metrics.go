// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package syncs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricWatchdogFired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interthread_lock_watchdog_fired_total",
		Help: "Number of Lock acquisitions that waited longer than the watchdog interval.",
	})
	metricStalledAcquire = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "interthread_lock_stalled_acquire_seconds",
		Help:    "Total wait of Lock acquisitions that tripped the watchdog.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 8),
	})
	metricMultiLockCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interthread_multilock_contention_cycles_total",
		Help: "Number of full rotation cycles that failed to acquire every lock of a multi-lock.",
	})
	metricCondTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interthread_cond_wait_timeouts_total",
		Help: "Number of Cond.WaitTimeout calls that returned without a signal.",
	})
)
