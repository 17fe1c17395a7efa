// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package structured

import (
	"context"
	"errors"
	"sync"
)

// Task is a unit of work run on a Runner: it observes ctx for
// cancellation and returns an explicit result or error, never panicking
// for ordinary control flow.
type Task[T any] func(ctx context.Context) (T, error)

// Outcome is a Task's settled result.
type Outcome[T any] struct {
	Value T
	Err   error
}

// Fiber is a live handle to an executing Task: it can be awaited,
// aborted, or inspected without awaiting.
type Fiber[T any] struct {
	runner *Runner
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu        sync.Mutex
	outcome   Outcome[T]
	set       bool
	abortReq  *AbortError
}

// Spawn starts task on r, returning a handle to it. If r is disposing or
// disposed, the returned Fiber is already settled with AbortError{reason:
// RunnerClosing} and task is never invoked.
func Spawn[T any](r *Runner, task Task[T]) *Fiber[T] {
	ctx, cancel := context.WithCancelCause(r.ctx)
	f := &Fiber[T]{runner: r, ctx: ctx, cancel: cancel, done: make(chan struct{})}

	if err := r.addFiber(f); err != nil {
		cancel(err)
		f.setOutcome(Outcome[T]{Err: err})
		return f
	}

	go func() {
		defer r.removeFiber(f)
		value, err := task(ctx)
		f.setOutcome(Outcome[T]{Value: value, Err: err})
	}()

	return f
}

func (f *Fiber[T]) setOutcome(o Outcome[T]) {
	f.mu.Lock()
	if f.set {
		f.mu.Unlock()
		return
	}
	// A task that completed normally despite a suppressed (masked) abort
	// request still surfaces as aborted at the fiber boundary, per the
	// masked-cancellation semantics: the task's own outcome is preserved
	// inside the AbortError rather than discarded.
	if o.Err == nil && f.abortReq != nil {
		wrapped := *f.abortReq
		o.Err = &wrapped
	}
	f.outcome = o
	f.set = true
	f.mu.Unlock()
	close(f.done)
}

// Await blocks until the fiber settles and returns its outcome.
func (f *Fiber[T]) Await() (T, error) {
	<-f.done
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outcome.Value, f.outcome.Err
}

// Outcome returns the fiber's outcome without blocking; ok is false if it
// has not settled yet.
func (f *Fiber[T]) Outcome() (Outcome[T], bool) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.outcome, true
	default:
		return Outcome[T]{}, false
	}
}

// Abort requests cancellation of the fiber's task with the given reason.
// If the runner's abort mask is non-zero at the time of the call, the
// task's ctx is not canceled and the task runs to completion; the request
// is recorded and a successful outcome is reported as an AbortError at
// the fiber boundary. A request suppressed this way is not delivered
// later, when the mask returns to zero.
func (f *Fiber[T]) Abort(reason error) {
	f.abort(&AbortError{Reason: reason})
}

func (f *Fiber[T]) abort(err *AbortError) {
	if f.runner.Mask() > 0 {
		// Masked: the task keeps running unabortable, but the fiber
		// remembers the request so its eventual (successful) outcome is
		// still reported as aborted at the boundary.
		f.mu.Lock()
		if f.abortReq == nil {
			f.abortReq = err
		}
		f.mu.Unlock()
		return
	}
	f.cancel(err)
}

func (f *Fiber[T]) settled() <-chan struct{} {
	return f.done
}

// Unabortable runs task on r with the abort mask incremented for its
// duration: external Abort calls are suppressed for task's context, so it
// always runs to natural completion.
func Unabortable[T any](ctx context.Context, r *Runner, task Task[T]) (T, error) {
	var out Outcome[T]
	r.withMask(1, func() {
		value, err := task(ctx)
		out = Outcome[T]{Value: value, Err: err}
	})
	return out.Value, out.Err
}

// ErrRestoreWrongScope is returned by a Restore callback invoked outside
// the UnabortableMask call that produced it -- after that call's fn has
// already returned, or while a different, nested UnabortableMask scope on
// the same runner is the one currently active.
var ErrRestoreWrongScope = errors.New("structured: restore called from a different mask scope")

// maskScope identifies one UnabortableMask call's position in a runner's
// mask stack, letting its Restore callback detect being used after its
// own scope has exited.
type maskScope struct{}

// Restore is handed to UnabortableMask's fn. It runs task with the
// runner's abort mask dropped back to the depth UnabortableMask itself
// was entered at, so task is cancellable again for its duration, then
// raises the mask back to cover whatever of fn remains -- the cancellable
// middle of an otherwise-unabortable acquire/use/release sequence.
type Restore[T any] func(ctx context.Context, task Task[T]) (T, error)

// UnabortableMask runs fn with r's abort mask incremented by one, like
// Unabortable, but additionally hands fn a restore callback so a bounded
// middle section can run cancellable without exposing the acquire and
// release steps around it to the same risk.
func UnabortableMask[T any](ctx context.Context, r *Runner, fn func(ctx context.Context, restore Restore[T]) (T, error)) (T, error) {
	scope := &maskScope{}
	r.mu.Lock()
	outer := r.maskScope
	r.maskScope = scope
	r.mu.Unlock()

	var out Outcome[T]
	r.withMask(1, func() {
		restore := func(ctx context.Context, task Task[T]) (T, error) {
			r.mu.Lock()
			current := r.maskScope
			r.mu.Unlock()
			if current != scope {
				var zero T
				return zero, ErrRestoreWrongScope
			}

			var inner Outcome[T]
			r.withMask(-1, func() {
				value, err := task(ctx)
				inner = Outcome[T]{Value: value, Err: err}
			})
			return inner.Value, inner.Err
		}

		value, err := fn(ctx, restore)
		out = Outcome[T]{Value: value, Err: err}
	})

	r.mu.Lock()
	if r.maskScope == scope {
		r.maskScope = outer
	}
	r.mu.Unlock()

	return out.Value, out.Err
}
