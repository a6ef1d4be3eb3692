// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package logknob provides a helpful wrapper that allows enabling verbose
// logging either from an envknob or programmatically at runtime.
package logknob

import (
	"sync/atomic"

	"github.com/tailscale/interthread/envknob"
)

// LogKnob allows configuring verbose logging, with two ways to enable it:
// an environment variable read through envknob, and an atomic boolean for
// turning it on from code (a debug endpoint, a test, a CLI flag).
type LogKnob struct {
	env    func() bool
	manual atomic.Bool
}

// NewLogKnob creates a new LogKnob backed by the provided environment
// variable name.
func NewLogKnob(env string) *LogKnob {
	if env == "" {
		panic("must provide an environment variable")
	}
	return &LogKnob{env: envknob.RegisterBool(env)}
}

// Set will cause logs to be printed when called with Set(true). When called
// with Set(false), logs will not be printed due to an earlier call of
// Set(true), but may be printed due to the envknob.
func (lk *LogKnob) Set(v bool) {
	lk.manual.Store(v)
}

// Enabled reports whether any of the configured methods for enabling
// logging are true. Callers use it to skip building expensive arguments.
func (lk *LogKnob) Enabled() bool {
	return lk.manual.Load() || lk.env()
}
