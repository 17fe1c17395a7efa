// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package structured

import (
	"context"
	"sync"
)

// Gate is a repeatable open/close barrier: Wait suspends while the gate is
// closed and returns as soon as (or immediately if already) it is open.
// Unlike Deferred, a Gate can be closed again after opening and reused.
type Gate struct {
	mu   sync.Mutex
	open bool
	ch   chan struct{}
}

// NewGate creates a gate in the given initial state.
func NewGate(open bool) *Gate {
	g := &Gate{open: open, ch: make(chan struct{})}
	if open {
		close(g.ch)
	}
	return g
}

// Open unblocks every current and future Wait call until Close is next
// called.
func (g *Gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open {
		return
	}
	g.open = true
	close(g.ch)
}

// Close re-arms the gate: subsequent Wait calls block until the next Open.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		return
	}
	g.open = false
	g.ch = make(chan struct{})
}

// Wait suspends until the gate is open or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// IsOpen reports the gate's current state.
func (g *Gate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}
