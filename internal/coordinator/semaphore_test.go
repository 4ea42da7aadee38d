package coordinator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCeiling is a minimal pool.Ceiling double: Acquire fails for the first
// failUntil calls and succeeds after that, and Subscribe hands back
// notifyCh (or subscribeErr when set), letting Wait's Pub/Sub and polling
// paths be exercised independently.
type fakeCeiling struct {
	acquireCalls atomic.Int64
	failUntil    int64 // Acquire fails while acquireCalls <= failUntil
	notifyCh     chan string
	subscribeErr error
	released     atomic.Int64
	closed       atomic.Bool
}

func newFakeCeiling(failUntil int64) *fakeCeiling {
	return &fakeCeiling{failUntil: failUntil, notifyCh: make(chan string, 1)}
}

func (f *fakeCeiling) Acquire(context.Context, string) error {
	n := f.acquireCalls.Add(1)
	if n <= f.failUntil {
		return errAtCeiling
	}
	return nil
}

func (f *fakeCeiling) Release(context.Context, string) error {
	f.released.Add(1)
	return nil
}

func (f *fakeCeiling) Close(context.Context) error {
	f.closed.Store(true)
	return nil
}

func (f *fakeCeiling) Subscribe(context.Context, string) (<-chan string, error) {
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	return f.notifyCh, nil
}

type sentinelError string

func (e sentinelError) Error() string { return string(e) }

var errAtCeiling = sentinelError("at distributed ceiling")

func TestSemaphoreWaitSucceedsImmediatelyWhenSlotFree(t *testing.T) {
	fc := newFakeCeiling(0)
	sem := NewSemaphore(fc)

	err := sem.Wait(context.Background(), "ep1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), fc.acquireCalls.Load())
}

func TestSemaphoreWaitAcquiresAfterPubSubNotification(t *testing.T) {
	fc := newFakeCeiling(1) // first Acquire fails, every later one succeeds
	sem := NewSemaphore(fc)

	done := make(chan error, 1)
	go func() {
		done <- sem.Wait(context.Background(), "ep1", time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	fc.notifyCh <- "ep1"

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after notification")
	}
}

func TestSemaphoreWaitFallsBackToPollingWhenSubscribeFails(t *testing.T) {
	fc := newFakeCeiling(1)
	fc.subscribeErr = sentinelError("subscribe unavailable")
	sem := NewSemaphore(fc)

	err := sem.Wait(context.Background(), "ep1", time.Second)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, fc.acquireCalls.Load(), int64(2))
}

func TestSemaphoreWaitTimesOutWhenNeverFreed(t *testing.T) {
	fc := newFakeCeiling(1 << 30) // never succeeds
	sem := NewSemaphore(fc)

	start := time.Now()
	err := sem.Wait(context.Background(), "ep1", 50*time.Millisecond)
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestSemaphoreWaitReturnsOnContextCancellation(t *testing.T) {
	fc := newFakeCeiling(1 << 30)
	sem := NewSemaphore(fc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sem.Wait(ctx, "ep1", time.Second) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after cancellation")
	}
}

func TestTryAcquireReportsSuccessAndFailure(t *testing.T) {
	fc := newFakeCeiling(1)
	sem := NewSemaphore(fc)

	err := sem.TryAcquire(context.Background(), "ep1")
	require.Error(t, err)

	err = sem.TryAcquire(context.Background(), "ep1")
	require.NoError(t, err)
}

func TestBlockingCeilingDelegatesReleaseCloseAndWaitsOnAcquire(t *testing.T) {
	fc := newFakeCeiling(0)
	bc := NewBlockingCeiling(fc, time.Second)

	require.NoError(t, bc.Acquire(context.Background(), "ep1"))
	require.NoError(t, bc.Release(context.Background(), "ep1"))
	assert.Equal(t, int64(1), fc.released.Load())
	require.NoError(t, bc.Close(context.Background()))
	assert.True(t, fc.closed.Load())
}
