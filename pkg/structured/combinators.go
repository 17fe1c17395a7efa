// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package structured

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// ErrTimeout is returned by Timeout when the wrapped task does not settle
// within the given duration.
var ErrTimeout = errors.New("structured: timeout")

// Race runs every task in tasks concurrently on r and returns the first
// to settle; the rest are aborted with ErrRaceLost (their eventual
// completion, if any, is discarded). Race itself is a suspension point.
func Race[T any](ctx context.Context, r *Runner, tasks ...Task[T]) (T, error) {
	var zero T
	if len(tasks) == 0 {
		return zero, fmt.Errorf("structured: race requires at least one task")
	}

	fibers := make([]*Fiber[T], len(tasks))
	for i, t := range tasks {
		fibers[i] = Spawn(r, t)
	}

	type settled struct {
		idx   int
		value T
		err   error
	}
	results := make(chan settled, len(fibers))
	for i, f := range fibers {
		go func(i int, f *Fiber[T]) {
			v, err := f.Await()
			results <- settled{idx: i, value: v, err: err}
		}(i, f)
	}

	select {
	case <-ctx.Done():
		for _, f := range fibers {
			f.Abort(ctx.Err())
		}
		return zero, context.Cause(ctx)
	case first := <-results:
		for i, f := range fibers {
			if i != first.idx {
				f.Abort(ErrRaceLost)
			}
		}
		return first.value, first.err
	}
}

// Timeout races task against a timer, returning ErrTimeout if the timer
// wins. The task is aborted, not killed: its eventual completion (if
// unmasked) is discarded, matching Race's loser semantics.
func Timeout[T any](ctx context.Context, r *Runner, task Task[T], d time.Duration) (T, error) {
	return Race(ctx, r, task, func(ctx context.Context) (T, error) {
		var zero T
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return zero, ErrTimeout
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	})
}

// Schedule computes the delay before the next retry/repeat attempt, given
// the zero-based attempt number. Returning ok=false ends the schedule.
type Schedule func(attempt int) (delay time.Duration, ok bool)

// FixedSchedule retries up to maxAttempts times with a constant delay.
func FixedSchedule(delay time.Duration, maxAttempts int) Schedule {
	return func(attempt int) (time.Duration, bool) {
		if attempt >= maxAttempts {
			return 0, false
		}
		return delay, true
	}
}

// RateLimitedSchedule retries up to maxAttempts times, spacing attempts by
// whatever delay limiter's token bucket currently demands rather than a
// fixed interval: bursts of failures back off faster than a steady trickle
// would need to.
func RateLimitedSchedule(limiter *rate.Limiter, maxAttempts int) Schedule {
	return func(attempt int) (time.Duration, bool) {
		if attempt >= maxAttempts {
			return 0, false
		}
		return limiter.Reserve().Delay(), true
	}
}

// RetryError is returned by Retry when its schedule is exhausted.
type RetryError struct {
	Cause    error
	Attempts int
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("structured: retry exhausted after %d attempts: %v", e.Attempts, e.Cause)
}

func (e *RetryError) Unwrap() error { return e.Cause }

// RetryOptions customizes Retry's behavior.
type RetryOptions struct {
	// Retryable reports whether err should trigger another attempt. Nil
	// means every non-AbortError is retryable.
	Retryable func(err error) bool
	OnRetry   func(attempt int, err error)
}

// Retry runs task, and on failure consults schedule for the next delay,
// sleeping before trying again. AbortError is never retried. Exhausting
// the schedule returns RetryError.
func Retry[T any](ctx context.Context, task Task[T], schedule Schedule, opts RetryOptions) (T, error) {
	var zero T
	attempt := 0
	var lastErr error

	for {
		value, err := task(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err

		var abortErr *AbortError
		if errors.As(err, &abortErr) {
			return zero, err
		}
		if opts.Retryable != nil && !opts.Retryable(err) {
			return zero, err
		}

		delay, ok := schedule(attempt)
		attempt++
		if !ok {
			return zero, &RetryError{Cause: lastErr, Attempts: attempt}
		}
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, context.Cause(ctx)
		}
	}
}

// RepeatOptions customizes Repeat's behavior.
type RepeatOptions struct {
	// Repeatable reports whether the loop should continue after a
	// successful iteration. Nil means always continue until the schedule
	// ends.
	Repeatable func(value interface{}) bool
	OnRepeat   func(iteration int)
}

// Repeat runs task once, then loops, sleeping per schedule between
// iterations, until the schedule ends or task fails.
func Repeat[T any](ctx context.Context, task Task[T], schedule Schedule, opts RepeatOptions) (T, error) {
	var zero T
	iteration := 0

	for {
		value, err := task(ctx)
		if err != nil {
			return zero, err
		}
		if opts.Repeatable != nil && !opts.Repeatable(value) {
			return value, nil
		}

		delay, ok := schedule(iteration)
		iteration++
		if !ok {
			return value, nil
		}
		if opts.OnRepeat != nil {
			opts.OnRepeat(iteration)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, context.Cause(ctx)
		}
	}
}
