// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package logger defines a type for writing to logs. It's just a
// convenience type so that we don't have to pass verbose func(...)
// types around.
//
// A Logf is the diagnostics sink handed to every coordination primitive
// at construction. Severity follows the usual convention of a format
// prefix: "[v2] " for per-operation trace detail, "[v1] " for contention
// notes, and no prefix for errors that someone should look at.
package logger

import (
	"container/list"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

// Logf is the basic logger type: a printf-like func.
// Like log.Printf, the format need not end in a newline.
// Logf functions must be safe for concurrent use.
//
// A Logf handed to a lock must not itself block on that lock.
//
// Functions that wrap logger functions must pass through the original
// format and args, possibly augmented.
// Replacing the format and args (e.g. with fmt.Sprintf and %s)
// disrupts rate limiting.
type Logf func(format string, args ...any)

// WithPrefix wraps f, prefixing each format with the provided prefix.
func WithPrefix(f Logf, prefix string) Logf {
	return func(format string, args ...any) {
		f(prefix+format, args...)
	}
}

// FuncWriter returns an io.Writer that writes to f.
func FuncWriter(f Logf) io.Writer {
	return funcWriter{f}
}

// StdLogger returns a standard library logger from a Logf.
// StdLoggers are discouraged, because they flatten all logging formats into %s.
// This interacts badly with rate limiting.
func StdLogger(f Logf) *log.Logger {
	return log.New(FuncWriter(f), "", 0)
}

type funcWriter struct{ f Logf }

func (w funcWriter) Write(p []byte) (int, error) {
	w.f("%s", p)
	return len(p), nil
}

// Discard is a Logf that throws away the logs given to it.
func Discard(string, ...any) {}

// OrStd returns logf, or log.Printf if logf is nil.
func OrStd(logf Logf) Logf {
	if logf == nil {
		return log.Printf
	}
	return logf
}

// TestLogger returns a logger that routes to tb.Logf.
// It stops logging once the test has finished, since testing panics
// on late calls to Logf from leftover goroutines.
func TestLogger(tb testing.TB) Logf {
	var (
		mu   sync.Mutex
		done bool
	)
	tb.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		done = true
	})
	return func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		if done {
			return
		}
		tb.Helper()
		tb.Logf(format, args...)
	}
}

// limitData is used to keep track of each format string's associated
// rate-limiting data.
type limitData struct {
	lim        *rate.Limiter // the token bucket associated with this string
	msgBlocked bool          // whether a "duplicate error" message has already been logged
	ele        *list.Element // list element used to access this string in the cache
}

// RateLimitedFn returns a rate-limiting Logf wrapping the given logf.
// Messages are allowed through at a maximum of one message every f (where f is a time.Duration), in
// bursts of up to burst messages at a time. Up to maxCache strings will be held at a time.
//
// Lock trace output goes through one of these so that a hot lock with
// tracing enabled can't flood the sink.
func RateLimitedFn(logf Logf, f time.Duration, burst int, maxCache int) Logf {
	r := rate.Every(f)
	var (
		mu       sync.Mutex
		msgLim   = make(map[string]*limitData) // keyed by logf format
		msgCache = list.New()                  // a rudimentary LRU that limits the size of the map
	)

	type verdict int
	const (
		allow verdict = iota
		warn
		block
	)

	judge := func(format string, args []any) verdict {
		for _, arg := range args {
			if _, ok := arg.(noRateLimit); ok {
				return allow
			}
		}

		mu.Lock()
		defer mu.Unlock()
		rl, ok := msgLim[format]
		if ok {
			msgCache.MoveToFront(rl.ele)
		} else {
			rl = &limitData{
				lim: rate.NewLimiter(r, burst),
				ele: msgCache.PushFront(format),
			}
			msgLim[format] = rl
			if msgCache.Len() > maxCache {
				delete(msgLim, msgCache.Back().Value.(string))
				msgCache.Remove(msgCache.Back())
			}
		}
		if rl.lim.Allow() {
			rl.msgBlocked = false
			return allow
		}
		if !rl.msgBlocked {
			rl.msgBlocked = true
			return warn
		}
		return block
	}

	return func(format string, args ...any) {
		switch judge(format, args) {
		case allow:
			logf(format, args...)
		case warn:
			logf("[RATE LIMITED] format string \"%s\" (example: \"%s\")",
				strings.TrimSpace(noopFormatRemover.Replace(format)),
				strings.TrimSpace(fmt.Sprintf(format, args...)))
		}
	}
}

// noopFormat is a special format we use to indicate that the corresponding
// argument is an internal implementation detail and can be ignored.
// It is selected specifically to be unusual, in the hopes in never occurs anywhere else.
const noopFormat = "%+5.2L"

var noopFormatRemover = strings.NewReplacer(noopFormat, "")

// noopFormatter is a type that generates nothing when printing using fmt.Sprintf.
type noopFormatter struct{}

func (noopFormatter) Format(fmt.State, rune) {}

// NoRateLimit removes rate limiting for logf.
// The watchdog report uses it: it is logged once per stall and must
// never be swallowed.
func NoRateLimit(logf Logf) Logf {
	return func(format string, args ...any) {
		args = args[:len(args):len(args)]
		args = append(args, noRateLimit{})
		logf(format+noopFormat, args...)
	}
}

// noRateLimit is a sentinel type.
// If there are any arguments of type noRateLimit in a call
// to a rate-limiter created by RateLimitedFn, then the
// rate-limiter ignores that log call.
type noRateLimit struct {
	noopFormatter
}
