package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/cjgratacos/dynamopool/internal/metrics"
	"github.com/cjgratacos/dynamopool/internal/observer"
	"github.com/cjgratacos/dynamopool/internal/pool"
)

// ── Distributed Semaphore ───────────────────────────────────────────────
//
// The semaphore provides a distributed waiting mechanism for session
// acquisition. When the distributed ceiling for an endpoint is reached,
// callers wait on the semaphore until a session is released by any pool
// instance.
//
// It combines:
//   - Redis Pub/Sub for instant cross-instance notifications
//   - Polling fallback to handle missed Pub/Sub messages
//   - Timeout to prevent indefinite waiting

// Semaphore provides distributed waiting for session availability beyond
// what a single fast-path Acquire attempt offers. It wraps any pool.Ceiling
// backend (in practice, *RedisCoordinator) rather than RedisCoordinator
// directly, so it can be exercised against a fake in tests.
type Semaphore struct {
	backend  pool.Ceiling
	observer *observer.Logger
	sink     metrics.Sink
}

// NewSemaphore creates a new distributed semaphore over backend.
func NewSemaphore(backend pool.Ceiling) *Semaphore {
	return &Semaphore{backend: backend, observer: observer.New("semaphore"), sink: metrics.NewSink()}
}

// Wait blocks until a session slot becomes available for the given
// endpoint, then atomically acquires it.
func (s *Semaphore) Wait(ctx context.Context, endpointID string, timeout time.Duration) error {
	if err := s.backend.Acquire(ctx, endpointID); err == nil {
		return nil
	}

	start := time.Now()
	s.observer.Debugf("waiting for session slot on endpoint %s (timeout=%s)", endpointID, timeout)

	notifyCh, err := s.backend.Subscribe(ctx, endpointID)
	if err != nil {
		return s.waitPolling(ctx, endpointID, timeout)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	pollTicker := time.NewTicker(500 * time.Millisecond)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.sink.CoordinatorOperation("semaphore_wait", "cancelled")
			return ctx.Err()

		case <-timer.C:
			s.sink.CoordinatorOperation("semaphore_wait", "timeout")
			return fmt.Errorf("semaphore timeout (%v) for endpoint %s", timeout, endpointID)

		case _, ok := <-notifyCh:
			if !ok {
				return s.waitPolling(ctx, endpointID, timeout-time.Since(start))
			}
			if err := s.backend.Acquire(ctx, endpointID); err == nil {
				s.observer.Debugf("acquired slot on endpoint %s after %v", endpointID, time.Since(start))
				return nil
			}

		case <-pollTicker.C:
			if err := s.backend.Acquire(ctx, endpointID); err == nil {
				s.observer.Debugf("acquired slot on endpoint %s after %v (poll)", endpointID, time.Since(start))
				return nil
			}
		}
	}
}

// waitPolling is a fallback that polls the backend for slot availability.
func (s *Semaphore) waitPolling(ctx context.Context, endpointID string, remaining time.Duration) error {
	if remaining <= 0 {
		return fmt.Errorf("semaphore timeout for endpoint %s", endpointID)
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			s.sink.CoordinatorOperation("semaphore_wait", "timeout")
			return fmt.Errorf("semaphore timeout (%v) for endpoint %s", remaining, endpointID)
		case <-ticker.C:
			if err := s.backend.Acquire(ctx, endpointID); err == nil {
				return nil
			}
		}
	}
}

// TryAcquire attempts a single non-blocking acquire.
func (s *Semaphore) TryAcquire(ctx context.Context, endpointID string) error {
	err := s.backend.Acquire(ctx, endpointID)
	if err != nil {
		s.sink.CoordinatorOperation("try_acquire", "rejected")
	} else {
		s.sink.CoordinatorOperation("try_acquire", "ok")
	}
	return err
}

// BlockingCeiling adapts Semaphore into a pool.Ceiling: Acquire waits out
// waitTimeout (Pub/Sub notified, polling as a fallback) instead of failing
// fast the first time the distributed ceiling is at capacity. Use this in
// place of the backend (*RedisCoordinator) itself when borrowers should
// queue on the global limit the same way they already queue on the local
// pool's waiter queue, rather than getting AcquisitionFailed back
// immediately.
type BlockingCeiling struct {
	sem         *Semaphore
	backend     pool.Ceiling
	waitTimeout time.Duration
}

// NewBlockingCeiling builds a BlockingCeiling over backend. waitTimeout
// bounds how long Acquire waits for a slot before giving up.
func NewBlockingCeiling(backend pool.Ceiling, waitTimeout time.Duration) *BlockingCeiling {
	return &BlockingCeiling{sem: NewSemaphore(backend), backend: backend, waitTimeout: waitTimeout}
}

func (b *BlockingCeiling) Acquire(ctx context.Context, endpointID string) error {
	return b.sem.Wait(ctx, endpointID, b.waitTimeout)
}

func (b *BlockingCeiling) Release(ctx context.Context, endpointID string) error {
	return b.backend.Release(ctx, endpointID)
}

func (b *BlockingCeiling) Subscribe(ctx context.Context, endpointID string) (<-chan string, error) {
	return b.backend.Subscribe(ctx, endpointID)
}

func (b *BlockingCeiling) Close(ctx context.Context) error {
	return b.backend.Close(ctx)
}
