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

// DeferredDisposedError is the error every pending waiter receives when a
// Deferred is disposed before being resolved or rejected.
var DeferredDisposedError = errors.New("structured: deferred disposed")

// Deferred is a single-shot value: Resolve or Reject may be called at most
// once, and every Await (past, present, or future) observes the same
// outcome. Calling Dispose before either settles every pending and future
// Await with DeferredDisposedError.
type Deferred[T any] struct {
	mu    sync.Mutex
	done  chan struct{}
	value T
	err   error
	set   bool
}

// NewDeferred creates an unresolved Deferred.
func NewDeferred[T any]() *Deferred[T] {
	return &Deferred[T]{done: make(chan struct{})}
}

// Resolve settles the Deferred successfully with value. Calls after the
// first Resolve, Reject, or Dispose are ignored.
func (d *Deferred[T]) Resolve(value T) {
	d.settle(value, nil)
}

// Reject settles the Deferred with err. Calls after the first Resolve,
// Reject, or Dispose are ignored.
func (d *Deferred[T]) Reject(err error) {
	var zero T
	d.settle(zero, err)
}

// Dispose settles the Deferred with DeferredDisposedError if it has not
// already settled.
func (d *Deferred[T]) Dispose() {
	var zero T
	d.settle(zero, DeferredDisposedError)
}

func (d *Deferred[T]) settle(value T, err error) {
	d.mu.Lock()
	if d.set {
		d.mu.Unlock()
		return
	}
	d.value, d.err, d.set = value, err, true
	d.mu.Unlock()
	close(d.done)
}

// Await suspends until the Deferred settles or ctx is done.
func (d *Deferred[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-d.done:
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.value, d.err
	case <-ctx.Done():
		var zero T
		return zero, context.Cause(ctx)
	}
}

// Task returns a Task view of this Deferred, suitable for Race/Timeout/etc.
func (d *Deferred[T]) Task() Task[T] {
	return func(ctx context.Context) (T, error) {
		return d.Await(ctx)
	}
}
