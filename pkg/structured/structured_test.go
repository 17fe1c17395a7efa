// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package structured

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFiberAwaitReturnsOutcome(t *testing.T) {
	r := NewRoot(context.Background())
	f := Spawn(r, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	value, err := f.Await()
	require.NoError(t, err)
	assert.Equal(t, 42, value)
}

func TestDisposeAbortsAndAwaitsChildren(t *testing.T) {
	r := NewRoot(context.Background())
	started := make(chan struct{})
	f := Spawn(r, func(ctx context.Context) (int, error) {
		close(started)
		<-ctx.Done()
		return 0, context.Cause(ctx)
	})

	<-started
	r.Dispose(errors.New("shutting down"))

	_, err := f.Await()
	var abortErr *AbortError
	require.ErrorAs(t, err, &abortErr)
}

func TestDisposeDepthFirstIntoChildRunners(t *testing.T) {
	r := NewRoot(context.Background())
	child := r.Child()

	started := make(chan struct{})
	f := Spawn(child, func(ctx context.Context) (int, error) {
		close(started)
		<-ctx.Done()
		return 0, context.Cause(ctx)
	})

	<-started
	r.Dispose(errors.New("root disposed"))

	_, err := f.Await()
	assert.Error(t, err)
	assert.Equal(t, StateDisposed, child.State())
}

func TestUnabortableTaskRunsToCompletion(t *testing.T) {
	r := NewRoot(context.Background())
	ctx := context.Background()

	var ran atomic.Bool
	done := make(chan struct{})
	go func() {
		_, _ = Unabortable(ctx, r, func(ctx context.Context) (int, error) {
			time.Sleep(10 * time.Millisecond)
			ran.Store(true)
			return 1, nil
		})
		close(done)
	}()

	// Give the unabortable task a moment to start, then dispose: it must
	// still run to completion since Dispose's fiber abort is masked.
	time.Sleep(2 * time.Millisecond)
	r.Dispose(errors.New("shutting down"))
	<-done
	assert.True(t, ran.Load())
}

func TestUnabortableMaskRestoreDropsMaskDuringMiddle(t *testing.T) {
	r := NewRoot(context.Background())
	ctx := context.Background()

	var maskDuringAcquire, maskDuringMiddle, maskDuringRelease int

	_, err := UnabortableMask(ctx, r, func(ctx context.Context, restore Restore[int]) (int, error) {
		maskDuringAcquire = r.Mask()

		v, err := restore(ctx, func(ctx context.Context) (int, error) {
			maskDuringMiddle = r.Mask()
			return 7, nil
		})
		require.NoError(t, err)

		maskDuringRelease = r.Mask()
		return v, nil
	})
	require.NoError(t, err)

	assert.Equal(t, 1, maskDuringAcquire)
	assert.Equal(t, 0, maskDuringMiddle)
	assert.Equal(t, 1, maskDuringRelease)
	assert.Equal(t, 0, r.Mask(), "mask must be fully restored after UnabortableMask returns")
}

func TestUnabortableMaskRestoreRejectsStaleScope(t *testing.T) {
	r := NewRoot(context.Background())
	ctx := context.Background()

	var leaked Restore[int]
	_, err := UnabortableMask(ctx, r, func(ctx context.Context, restore Restore[int]) (int, error) {
		leaked = restore
		return 0, nil
	})
	require.NoError(t, err)

	// leaked escaped its own UnabortableMask call, which has since
	// returned: invoking it now is a cross-scope use.
	_, err = leaked(ctx, func(ctx context.Context) (int, error) { return 1, nil })
	assert.ErrorIs(t, err, ErrRestoreWrongScope)
}

func TestUnabortableMaskRestoreRejectsOuterScopeDuringNestedScope(t *testing.T) {
	r := NewRoot(context.Background())
	ctx := context.Background()

	_, err := UnabortableMask(ctx, r, func(ctx context.Context, outerRestore Restore[int]) (int, error) {
		return UnabortableMask(ctx, r, func(ctx context.Context, innerRestore Restore[int]) (int, error) {
			// Using the outer scope's restore while the inner scope is
			// the one currently active on r is a precondition violation.
			return outerRestore(ctx, func(ctx context.Context) (int, error) { return 1, nil })
		})
	})
	assert.ErrorIs(t, err, ErrRestoreWrongScope)
}

func TestRaceReturnsFirstAndAbortsLoser(t *testing.T) {
	r := NewRoot(context.Background())
	ctx := context.Background()

	loserAborted := make(chan struct{})
	fast := func(ctx context.Context) (string, error) {
		return "fast", nil
	}
	slow := func(ctx context.Context) (string, error) {
		select {
		case <-ctx.Done():
			close(loserAborted)
			return "", context.Cause(ctx)
		case <-time.After(time.Second):
			return "slow", nil
		}
	}

	value, err := Race(ctx, r, fast, slow)
	require.NoError(t, err)
	assert.Equal(t, "fast", value)

	select {
	case <-loserAborted:
	case <-time.After(time.Second):
		t.Fatal("loser was never aborted")
	}
}

func TestRaceWithUnabortableLoserStillCompletesBeforeDiscard(t *testing.T) {
	r := NewRoot(context.Background())
	ctx := context.Background()

	var loserRan atomic.Bool
	fast := func(ctx context.Context) (string, error) {
		return "fast", nil
	}
	slowUnabortable := func(ctx context.Context) (string, error) {
		return Unabortable(ctx, r, func(ctx context.Context) (string, error) {
			time.Sleep(20 * time.Millisecond)
			loserRan.Store(true)
			return "slow", nil
		})
	}

	value, err := Race(ctx, r, fast, slowUnabortable)
	require.NoError(t, err)
	assert.Equal(t, "fast", value)

	time.Sleep(40 * time.Millisecond)
	assert.True(t, loserRan.Load(), "unabortable loser must still run to completion")
}

func TestTimeoutFiresWhenTaskTooSlow(t *testing.T) {
	r := NewRoot(context.Background())
	ctx := context.Background()

	_, err := Timeout(ctx, r, func(ctx context.Context) (int, error) {
		select {
		case <-ctx.Done():
			return 0, context.Cause(ctx)
		case <-time.After(time.Second):
			return 1, nil
		}
	}, 5*time.Millisecond)

	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRetryExhaustsScheduleAndWrapsCause(t *testing.T) {
	ctx := context.Background()
	attempts := 0
	boom := errors.New("boom")

	_, err := Retry(ctx, func(ctx context.Context) (int, error) {
		attempts++
		return 0, boom
	}, FixedSchedule(time.Millisecond, 3), RetryOptions{})

	var retryErr *RetryError
	require.ErrorAs(t, err, &retryErr)
	assert.Equal(t, 4, attempts) // initial attempt + 3 retries
	assert.ErrorIs(t, retryErr, boom)
}

func TestRetrySucceedsBeforeExhausting(t *testing.T) {
	ctx := context.Background()
	attempts := 0

	value, err := Retry(ctx, func(ctx context.Context) (int, error) {
		attempts++
		if attempts < 3 {
			return 0, errors.New("transient")
		}
		return 99, nil
	}, FixedSchedule(time.Millisecond, 10), RetryOptions{})

	require.NoError(t, err)
	assert.Equal(t, 99, value)
	assert.Equal(t, 3, attempts)
}

func TestRepeatStopsWhenNotRepeatable(t *testing.T) {
	ctx := context.Background()
	iterations := 0

	_, err := Repeat(ctx, func(ctx context.Context) (int, error) {
		iterations++
		return iterations, nil
	}, FixedSchedule(time.Millisecond, 100), RepeatOptions{
		Repeatable: func(v interface{}) bool { return v.(int) < 3 },
	})

	require.NoError(t, err)
	assert.Equal(t, 3, iterations)
}

func TestSemaphoreBoundsConcurrency(t *testing.T) {
	ctx := context.Background()
	sem := NewSemaphore(1)

	var active atomic.Int32
	var maxActive atomic.Int32
	run := func(ctx context.Context) (any, error) {
		n := active.Add(1)
		if n > maxActive.Load() {
			maxActive.Store(n)
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return nil, nil
	}

	done := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, _ = sem.With(ctx, run)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 3; i++ {
		<-done
	}

	assert.Equal(t, int32(1), maxActive.Load())
}

func TestSemaphoreDisposeAbortsBlockedAcquire(t *testing.T) {
	ctx := context.Background()
	sem := NewSemaphore(1)

	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = sem.With(ctx, func(ctx context.Context) (any, error) {
			close(holding)
			<-release
			return nil, nil
		})
	}()
	<-holding

	blockedErr := make(chan error, 1)
	go func() {
		_, err := sem.With(ctx, func(ctx context.Context) (any, error) {
			return nil, nil
		})
		blockedErr <- err
	}()

	reason := errors.New("shutting down")
	sem.Dispose(reason)
	close(release)

	err := <-blockedErr
	var disposed *SemaphoreDisposedError
	require.ErrorAs(t, err, &disposed)
	assert.Equal(t, reason, disposed.Reason)

	_, err = sem.With(ctx, func(ctx context.Context) (any, error) { return nil, nil })
	require.ErrorAs(t, err, &disposed)
}

func TestSemaphoreDisposeCancelsRunningHolderContext(t *testing.T) {
	ctx := context.Background()
	sem := NewSemaphore(1)

	holding := make(chan struct{})
	taskErr := make(chan error, 1)
	go func() {
		_, err := sem.With(ctx, func(ctx context.Context) (any, error) {
			close(holding)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		taskErr <- err
	}()
	<-holding

	sem.Dispose(errors.New("shutting down"))

	err := <-taskErr
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGateBlocksUntilOpen(t *testing.T) {
	ctx := context.Background()
	g := NewGate(false)

	waited := make(chan struct{})
	go func() {
		_ = g.Wait(ctx)
		close(waited)
	}()

	select {
	case <-waited:
		t.Fatal("wait returned before gate opened")
	case <-time.After(5 * time.Millisecond):
	}

	g.Open()
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("wait never returned after gate opened")
	}
}

func TestDeferredDisposeSettlesWaiters(t *testing.T) {
	ctx := context.Background()
	d := NewDeferred[int]()

	d.Dispose()
	_, err := d.Await(ctx)
	assert.ErrorIs(t, err, DeferredDisposedError)

	// A second Resolve after Dispose must not override the settled outcome.
	d.Resolve(7)
	_, err = d.Await(ctx)
	assert.ErrorIs(t, err, DeferredDisposedError)
}

func TestAsyncDisposableStackReleasesInReverseOrder(t *testing.T) {
	r := NewRoot(context.Background())
	stack := NewAsyncDisposableStack(r)

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		stack.Defer(func(ctx context.Context) error {
			order = append(order, i)
			return nil
		})
	}

	require.NoError(t, stack.Close(context.Background()))
	assert.Equal(t, []int{2, 1, 0}, order)
}

func TestAsyncDisposableStackRunsAllDisposersDespiteError(t *testing.T) {
	r := NewRoot(context.Background())
	stack := NewAsyncDisposableStack(r)

	var secondRan bool
	stack.Defer(func(ctx context.Context) error {
		secondRan = true
		return nil
	})
	stack.Defer(func(ctx context.Context) error {
		return errors.New("release failed")
	})

	err := stack.Close(context.Background())
	assert.Error(t, err)
	assert.True(t, secondRan)
}

func TestSnapshotIdentityStableWithoutMutation(t *testing.T) {
	r := NewRoot(context.Background())
	first := r.Snapshot()
	second := r.Snapshot()
	assert.Same(t, first, second)

	f := Spawn(r, func(ctx context.Context) (int, error) { return 0, nil })
	f.Await()
	r.removeFiber(f) // already removed by Spawn's goroutine defer; idempotent

	third := r.Snapshot()
	assert.NotSame(t, first, third)
}
