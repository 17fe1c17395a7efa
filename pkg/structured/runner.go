// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package structured implements a structured-concurrency runtime: a tree
// of runners and fibers where cancellation always propagates from parent
// to child, disposal always awaits descendants, and suspension happens
// only at well-defined points (race, timeout, retry/repeat steps,
// semaphore acquisition, gate waits, and fiber awaits).
//
// A runner tree is single-threaded in the sense that its bookkeeping
// (child set, state transitions) is guarded by one mutex; the tasks
// themselves still run as goroutines, scheduled cooperatively through the
// combinators in this package rather than ad hoc go statements.
package structured

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// State is a Runner's lifecycle stage.
type State int

const (
	StateActive State = iota
	StateDisposing
	StateDisposed
)

// AbortError is returned by a task whose runner was disposed or whose
// fiber was explicitly aborted, or by a combinator's loser.
type AbortError struct {
	Reason error
}

func (e *AbortError) Error() string {
	if e.Reason == nil {
		return "structured: aborted"
	}
	return fmt.Sprintf("structured: aborted: %v", e.Reason)
}

func (e *AbortError) Unwrap() error { return e.Reason }

var (
	// ErrRunnerClosing is the default AbortError reason for tasks
	// submitted to a disposing or disposed runner.
	ErrRunnerClosing = errors.New("structured: runner closing")

	// ErrRaceLost is the default reason a race's losing tasks are
	// aborted with.
	ErrRaceLost = errors.New("structured: race lost")
)

// fiberHandle is the non-generic view of a Fiber that a Runner needs for
// tree bookkeeping: every Fiber[T] implements it regardless of T.
type fiberHandle interface {
	abort(reason error)
	settled() <-chan struct{}
}

// Runner owns a subtree of fibers and a cancellation scope. Disposing a
// runner aborts every fiber spawned on it (and transitively, every fiber
// spawned on its child runners) and blocks until they have all settled.
type Runner struct {
	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelCauseFunc
	state     State
	parent    *Runner
	children  map[fiberHandle]struct{}
	subs      map[*Runner]struct{}
	mask      int
	maskScope *maskScope
	version   uint64

	cachedSnapshot *Snapshot
	cachedVersion  uint64
}

// NewRoot creates a runner with no parent, deriving its cancellation scope
// from parentCtx (typically context.Background(), or a process-lifetime
// context at the composition root).
func NewRoot(parentCtx context.Context) *Runner {
	ctx, cancel := context.WithCancelCause(parentCtx)
	return &Runner{
		ctx:      ctx,
		cancel:   cancel,
		children: make(map[fiberHandle]struct{}),
		subs:     make(map[*Runner]struct{}),
	}
}

// Child creates a new runner whose cancellation scope is derived from r's:
// disposing r aborts the child runner's fibers too.
func (r *Runner) Child() *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, cancel := context.WithCancelCause(r.ctx)
	child := &Runner{
		ctx:      ctx,
		cancel:   cancel,
		parent:   r,
		children: make(map[fiberHandle]struct{}),
		subs:     make(map[*Runner]struct{}),
	}
	r.subs[child] = struct{}{}
	r.bumpVersion()
	return child
}

// State reports r's current lifecycle stage.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Context is the cancellation scope new fibers on r should observe.
func (r *Runner) Context() context.Context {
	return r.ctx
}

// Mask returns r's current abort mask: 0 means cancellable.
func (r *Runner) Mask() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mask
}

// Dispose transitions r from active to disposing to disposed: it aborts
// every live fiber (depth-first into child runners first, so the deepest
// descendants are asked to stop before their ancestors), then blocks until
// all of them have settled.
func (r *Runner) Dispose(reason error) {
	r.mu.Lock()
	if r.state != StateActive {
		r.mu.Unlock()
		return
	}
	r.state = StateDisposing
	r.bumpVersion()
	subs := make([]*Runner, 0, len(r.subs))
	for c := range r.subs {
		subs = append(subs, c)
	}
	fibers := make([]fiberHandle, 0, len(r.children))
	for f := range r.children {
		fibers = append(fibers, f)
	}
	r.mu.Unlock()

	for _, c := range subs {
		c.Dispose(reason)
	}

	for _, f := range fibers {
		f.abort(&AbortError{Reason: reason})
	}
	for _, f := range fibers {
		<-f.settled()
	}

	r.cancel(reason)

	r.mu.Lock()
	r.state = StateDisposed
	r.bumpVersion()
	r.mu.Unlock()
}

func (r *Runner) addFiber(f fiberHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateActive {
		return &AbortError{Reason: ErrRunnerClosing}
	}
	r.children[f] = struct{}{}
	r.bumpVersion()
	return nil
}

func (r *Runner) removeFiber(f fiberHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.children, f)
	r.bumpVersion()
}

// bumpVersion invalidates the cached Snapshot: it must be called with
// r.mu held, on every change to children or subs.
func (r *Runner) bumpVersion() {
	r.version++
}

// withMask runs fn with r's abort mask adjusted by delta, restoring the
// previous value afterward. It is the primitive behind Unabortable (delta
// = 1 around the whole task) and UnabortableMask (delta = 1 around fn,
// delta = -1 around each restore call).
func (r *Runner) withMask(delta int, fn func()) {
	r.mu.Lock()
	prev := r.mask
	r.mask = prev + delta
	r.mu.Unlock()

	fn()

	r.mu.Lock()
	r.mask = prev
	r.mu.Unlock()
}
