// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package blocking contains containers for handing items between
// goroutines: a FIFO Queue, a PriorityQueue and a keyed Map. Readers may
// block until an item is available, optionally with a timeout.
//
// Each container owns the items it holds. Items removed by Clear or Close
// are passed to Config.Release, if set; items handed to a reader belong to
// the reader.
//
// Container locks are never held while calling Release or while yielding
// to a range loop.
package blocking

import "github.com/tailscale/interthread/types/logger"

// Config configures a container. The zero value is valid.
type Config[T any] struct {
	// Logf receives lock diagnostics for the container's lock. If nil,
	// log.Printf is used.
	Logf logger.Logf

	// Release, if non-nil, is called for every item the container drops
	// without handing it to a reader: by Clear, by Close, and for values
	// overwritten in a Map.
	Release func(T)
}

func (c Config[T]) release(items []T) {
	if c.Release == nil {
		return
	}
	for _, it := range items {
		c.Release(it)
	}
}
