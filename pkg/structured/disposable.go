// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package structured

import (
	"context"
	"sync"
)

// Disposer releases a resource acquired through AsyncDisposableStack.Use.
type Disposer func(ctx context.Context) error

// AsyncDisposableStack collects disposers and releases them in reverse
// (LIFO) order on Close, each run unabortable on root so a disposal in
// progress cannot be interrupted by the same cancellation that triggered
// it.
type AsyncDisposableStack struct {
	root *Runner

	mu       sync.Mutex
	stack    []Disposer
	disposed bool
}

// NewAsyncDisposableStack creates an empty stack whose releases run
// unabortable on root.
func NewAsyncDisposableStack(root *Runner) *AsyncDisposableStack {
	return &AsyncDisposableStack{root: root}
}

// Defer registers d to run on Close, after everything registered before
// it (LIFO).
func (s *AsyncDisposableStack) Defer(d Disposer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.stack = append(s.stack, d)
}

// Use registers value's Disposer and returns value unchanged, mirroring
// the acquire-then-track idiom of resource management: `r := stack.Use(ctx,
// openThing(), closeThing)`.
func Use[T any](s *AsyncDisposableStack, value T, d func(ctx context.Context, value T) error) T {
	s.Defer(func(ctx context.Context) error {
		return d(ctx, value)
	})
	return value
}

// Adopt transfers ownership of an already-open resource plus its disposer
// into s, identical to Use but named for the case where the resource was
// acquired elsewhere.
func Adopt[T any](s *AsyncDisposableStack, value T, d func(ctx context.Context, value T) error) T {
	return Use(s, value, d)
}

// Move transfers every registered disposer from s into a new stack,
// leaving s empty; the returned stack owns the same root. Used to hand
// off a partially built set of resources to a longer-lived owner once
// construction succeeds.
func (s *AsyncDisposableStack) Move() *AsyncDisposableStack {
	s.mu.Lock()
	defer s.mu.Unlock()
	moved := &AsyncDisposableStack{root: s.root, stack: s.stack}
	s.stack = nil
	return moved
}

// Close releases every registered disposer in reverse order, each run
// unabortable on root. The first error encountered is returned after all
// disposers have run; later disposers still run even if an earlier one
// fails.
func (s *AsyncDisposableStack) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	stack := s.stack
	s.stack = nil
	s.mu.Unlock()

	var firstErr error
	for i := len(stack) - 1; i >= 0; i-- {
		d := stack[i]
		_, err := Unabortable(ctx, s.root, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, d(ctx)
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
