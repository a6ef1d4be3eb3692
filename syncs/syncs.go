// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package syncs contains coordination primitives for goroutines that
// share state: a recursive Lock with call-site diagnostics and a stall
// watchdog, a Cond usable with that Lock, scoped guards, deadlock-free
// acquisition of several Locks at once, a binary Semaphore, and a
// reader/writer lock.
//
// Ownership of a Lock is tracked per goroutine. A goroutine that holds a
// Lock may lock it again; it must unlock it the same number of times.
package syncs
