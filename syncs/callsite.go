// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package syncs

import (
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	"github.com/petermattis/goid"
)

// A CallSite records where and by whom a Lock was acquired.
// The zero value means the location is unknown.
//
// Only the program counter is captured; the file and line are resolved
// when the site is printed, so recording a site does not allocate.
type CallSite struct {
	Goroutine int64     // goroutine id of the acquirer
	PC        uintptr   // return address into the acquiring function, or 0 if unknown
	When      time.Time // acquisition time
}

// Here returns the CallSite of its caller.
func Here() CallSite {
	return Caller(1)
}

// Caller returns the CallSite skip frames above its caller. Caller(0) is
// the same as Here. Wrappers that lock on behalf of their own callers use
// Caller(1) so diagnostics name the wrapper's caller.
func Caller(skip int) CallSite {
	var pcs [1]uintptr
	if runtime.Callers(skip+2, pcs[:]) == 0 {
		return CallSite{Goroutine: goid.Get()}
	}
	return CallSite{Goroutine: goid.Get(), PC: pcs[0]}
}

// IsZero reports whether cs carries no location.
func (cs CallSite) IsZero() bool {
	return cs.PC == 0
}

func (cs CallSite) frame() runtime.Frame {
	if cs.PC == 0 {
		return runtime.Frame{}
	}
	f, _ := runtime.CallersFrames([]uintptr{cs.PC}).Next()
	return f
}

// File returns the full path of the source file of cs, or "" if unknown.
func (cs CallSite) File() string { return cs.frame().File }

// Line returns the source line of cs, or 0 if unknown.
func (cs CallSite) Line() int { return cs.frame().Line }

// String returns "file:line", using only the base name of the file, or
// "?" if the location is unknown.
func (cs CallSite) String() string {
	f := cs.frame()
	if f.File == "" {
		return "?"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
}

// siteStack holds the call sites of the outermost maxSites acquisitions
// of a recursively held Lock, indexed by depth-1. Deeper acquisitions are
// counted but not recorded.
type siteStack [maxSites]CallSite

func (s *siteStack) set(depth int, cs CallSite) {
	if depth < 1 || depth > len(s) {
		return
	}
	s[depth-1] = cs
}

func (s *siteStack) clear(depth int) {
	s.set(depth, CallSite{})
}

// top returns the site recorded for depth, if any.
func (s *siteStack) top(depth int) CallSite {
	if depth < 1 || depth > len(s) {
		return CallSite{}
	}
	return s[depth-1]
}

// appendTo appends the sites recorded for depths 1 through depth.
func (s *siteStack) appendTo(dst []CallSite, depth int) []CallSite {
	return append(dst, s[:min(depth, len(s))]...)
}
