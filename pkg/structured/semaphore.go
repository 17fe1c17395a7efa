// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package structured

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// SemaphoreDisposedError is returned by With/WithN calls that lose the
// race against Dispose: a call blocked acquiring a permit is aborted with
// this error instead of ever running task, and a call already running
// task is reported as disposed at the boundary the same way a masked
// Fiber abort is (its own nil outcome is overridden; a real error it
// already produced is not).
type SemaphoreDisposedError struct {
	Reason error
}

func (e *SemaphoreDisposedError) Error() string {
	if e.Reason == nil {
		return "structured: semaphore disposed"
	}
	return fmt.Sprintf("structured: semaphore disposed: %v", e.Reason)
}

func (e *SemaphoreDisposedError) Unwrap() error { return e.Reason }

// Semaphore bounds concurrent access to a resource to n holders, acquired
// and released as a suspension point around a task.
type Semaphore struct {
	sem *semaphore.Weighted

	mu       sync.Mutex
	disposed bool
	reason   error
	closeCh  chan struct{}
}

// NewSemaphore creates a semaphore with n permits.
func NewSemaphore(n int64) *Semaphore {
	return &Semaphore{sem: semaphore.NewWeighted(n), closeCh: make(chan struct{})}
}

// Dispose aborts every blocked Acquire with SemaphoreDisposedError,
// cancels the ctx of every task currently holding a permit (a nil outcome
// from such a task is reported as SemaphoreDisposedError; an error it
// returns is passed through), and makes every future With/WithN call fail
// immediately without attempting to acquire.
// Idempotent: a second call is a no-op.
func (s *Semaphore) Dispose(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.disposed = true
	s.reason = reason
	close(s.closeCh)
}

func (s *Semaphore) disposal() (error, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason, s.disposed
}

// With acquires one permit, runs task, and releases the permit regardless
// of outcome. Blocking for the permit is itself a suspension point: ctx
// cancellation unblocks the wait without running task, as does Dispose.
func (s *Semaphore) With(ctx context.Context, task Task[any]) (any, error) {
	return WithN(ctx, s, task)
}

// WithN behaves like With but run for a task returning T.
func WithN[T any](ctx context.Context, s *Semaphore, task Task[T]) (T, error) {
	var zero T

	if reason, disposed := s.disposal(); disposed {
		return zero, &SemaphoreDisposedError{Reason: reason}
	}

	// acquireCtx is canceled either by the caller's own ctx or by
	// Dispose, whichever comes first; task observes the same ctx so a
	// disposal reaching it mid-run is cooperative, like every other
	// cancellation in this package.
	acquireCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-s.closeCh:
			cancel()
		case <-stop:
		}
	}()

	if err := s.sem.Acquire(acquireCtx, 1); err != nil {
		if reason, disposed := s.disposal(); disposed {
			return zero, &SemaphoreDisposedError{Reason: reason}
		}
		return zero, err
	}
	defer s.sem.Release(1)

	value, err := task(acquireCtx)
	if err == nil {
		if reason, disposed := s.disposal(); disposed {
			return zero, &SemaphoreDisposedError{Reason: reason}
		}
	}
	return value, err
}

// Mutex is a Semaphore with a single permit: at most one task body runs at
// a time.
type Mutex struct {
	sem *Semaphore
}

// NewMutex creates an unlocked mutex.
func NewMutex() *Mutex {
	return &Mutex{sem: NewSemaphore(1)}
}

// With runs task while holding the mutex.
func (m *Mutex) With(ctx context.Context, task Task[any]) (any, error) {
	return m.sem.With(ctx, task)
}

// MutexWithN behaves like Mutex.With but for a task returning T.
func MutexWithN[T any](ctx context.Context, m *Mutex, task Task[T]) (T, error) {
	return WithN(ctx, m.sem, task)
}

// Dispose aborts the mutex's blocked and in-flight holders the same way
// Semaphore.Dispose does.
func (m *Mutex) Dispose(reason error) {
	m.sem.Dispose(reason)
}
