// Package pool implements the bounded session pool: a mutual-exclusion
// region guarding counts, an idle reservoir, and a FIFO waiter queue, with
// the session factory and validator always invoked outside the lock. It is
// the core subsystem described by the specification — everything else
// (SQL/PartiQL parsing, result marshalling, driver registration) is an
// external collaborator this package never imports.
package pool

import (
	"context"
	"sync"
	"time"
)

// Pool multiplexes callers over a bounded set of physical sessions for one
// endpoint. It is the generalized, dependency-injected analogue of the
// teacher's BucketPool: the factory, validator, metrics sink, ceiling gate,
// and observer are all supplied by the caller instead of being hard-wired
// to go-mssqldb and Prometheus globals.
type Pool struct {
	mu sync.Mutex

	endpointID string
	cfg        Config
	factory    Factory
	validator  Validator
	ceiling    Ceiling
	observer   Observer
	sink       MetricsSink

	total   int
	idle    []*idleEntry
	waiters []*waiter
	closed  bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option customizes New beyond the required factory/validator pair.
type Option func(*Pool)

// WithCeiling installs a distributed session-ceiling coordinator. Without
// one, the pool enforces only its local maxSize.
func WithCeiling(c Ceiling) Option {
	return func(p *Pool) { p.ceiling = c }
}

// WithObserver installs a structured-log sink. Without one, log lines are
// discarded.
func WithObserver(o Observer) Option {
	return func(p *Pool) { p.observer = o }
}

// WithMetrics installs a MetricsSink. Without one, metrics calls are no-ops.
func WithMetrics(s MetricsSink) Option {
	return func(p *Pool) { p.sink = s }
}

// New builds a pool for endpointID, eagerly creating cfg.InitialSize
// physical sessions (best-effort — a failure to prewarm one is logged and
// skipped, matching the teacher's warm-pool behavior) and starting the
// background maintenance loop.
func New(ctx context.Context, endpointID string, cfg Config, factory Factory, validator Validator, opts ...Option) (*Pool, error) {
	validated, err := NewConfig(cfg)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		endpointID: endpointID,
		cfg:        validated,
		factory:    factory,
		validator:  validator,
		ceiling:    noopCeiling{},
		observer:   noopObserver{},
		sink:       noopMetrics{},
		idle:       make([]*idleEntry, 0, validated.MaxSize),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	for i := 0; i < validated.InitialSize; i++ {
		ts, err := p.createPhysical(ctx)
		if err != nil {
			p.observer.Warnf("endpoint %s: failed to prewarm session %d/%d: %v", endpointID, i+1, validated.InitialSize, err)
			continue
		}
		p.idle = append(p.idle, &idleEntry{trackedSession: ts, insertedAt: time.Now()})
		p.total++
	}
	p.updateGauges()

	p.wg.Add(1)
	go p.maintenanceLoop()

	p.observer.Infof("endpoint %s: pool initialized: %d idle, max=%d", endpointID, len(p.idle), validated.MaxSize)
	return p, nil
}

// Borrow acquires a session, blocking (if blockWhenExhausted) until one is
// available or the deadline elapses. The deadline is now+maxWait, narrowed
// to ctx's own deadline when ctx's is earlier — a caller's own deadline is
// always honored strictly, even when it is shorter than maxWait.
func (p *Pool) Borrow(ctx context.Context) (*Handle, error) {
	deadline := time.Now().Add(p.cfg.MaxWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	for {
		ts, err := p.acquirePhysical(ctx, deadline)
		if err != nil {
			return nil, err
		}

		if p.cfg.TestOnBorrow {
			vctx, cancel := context.WithTimeout(ctx, p.cfg.ValidationTimeout)
			ok := p.validator(vctx, ts.physical)
			cancel()
			if !ok {
				p.sink.ValidationFailed(p.endpointID, "borrow")
				p.destroyAndDecrement(ts)
				if !time.Now().Before(deadline) {
					return nil, newError(ErrTimeout, "validator kept rejecting sessions until deadline", nil)
				}
				continue
			}
			ts.lastValidatedAt = time.Now()
		}

		h := &Handle{
			ts:           ts,
			pool:         p,
			lastAccessAt: time.Now(),
		}
		p.sink.Operation(p.endpointID, "acquired")
		return h, nil
	}
}

// acquirePhysical implements idle reuse, grow-under-ceiling, fail-fast, or
// wait — the four branches of step 1 of Borrow.
func (p *Pool) acquirePhysical(ctx context.Context, deadline time.Time) (*trackedSession, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, newError(ErrPoolClosed, "pool is closed", nil)
	}

	if ts := p.popIdleLocked(); ts != nil {
		p.mu.Unlock()
		return ts, nil
	}

	if p.total < p.cfg.MaxSize {
		p.total++
		p.mu.Unlock()

		ts, err := p.createPhysical(ctx)
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			p.sink.Operation(p.endpointID, "create_failed")
			return nil, newError(ErrAcquisitionFailed, "session factory failed", err)
		}
		return ts, nil
	}

	if !p.cfg.BlockWhenExhausted {
		p.mu.Unlock()
		p.sink.Operation(p.endpointID, "exhausted")
		return nil, newError(ErrPoolExhausted, "pool exhausted and blockWhenExhausted is false", nil)
	}

	w := &waiter{ch: make(chan waiterResult, 1)}
	p.waiters = append(p.waiters, w)
	p.sink.QueueLength(p.endpointID, len(p.waiters))
	p.mu.Unlock()

	start := time.Now()
	p.observer.Debugf("endpoint %s: borrow queued, position=%d", p.endpointID, len(p.waiters))

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case res := <-w.ch:
		p.sink.QueueWait(p.endpointID, time.Since(start))
		if res.err != nil {
			return nil, res.err
		}
		return res.session, nil

	case <-timer.C:
		p.removeWaiter(w)
		p.sink.Operation(p.endpointID, "timeout")
		return nil, newError(ErrTimeout, "maxWait elapsed while queued", nil)

	case <-ctx.Done():
		p.removeWaiter(w)
		p.sink.Operation(p.endpointID, "cancelled")
		return nil, newError(ErrTimeout, "context cancelled while queued", ctx.Err())
	}
}

// createPhysical acquires a distributed ceiling slot (if configured) and
// calls the factory, both outside the pool lock and both budgeted by
// connectTimeout. On any failure the ceiling slot, if taken, is released.
func (p *Pool) createPhysical(ctx context.Context) (*trackedSession, error) {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()

	if err := p.ceiling.Acquire(cctx, p.endpointID); err != nil {
		return nil, err
	}

	sess, err := p.factory(cctx)
	if err != nil {
		p.ceiling.Release(context.Background(), p.endpointID)
		return nil, err
	}

	now := time.Now()
	return &trackedSession{physical: sess, createdAt: now, lastValidatedAt: now}, nil
}

// returnSession hands a session back to the pool. It is idempotent: a
// second Close on the same Handle has no additional effect.
func (p *Pool) returnSession(h *Handle) {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	ts := h.ts

	if p.cfg.TestOnReturn {
		vctx, cancel := context.WithTimeout(context.Background(), p.cfg.ValidationTimeout)
		ok := p.validator(vctx, ts.physical)
		cancel()
		if !ok {
			p.sink.ValidationFailed(p.endpointID, "return")
			p.destroyAndDecrement(ts)
			return
		}
		ts.lastValidatedAt = time.Now()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.destroyAndDecrement(ts)
		return
	}
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.sink.QueueLength(p.endpointID, len(p.waiters))
		p.mu.Unlock()
		w.ch <- waiterResult{session: ts}
		p.sink.Operation(p.endpointID, "released_to_waiter")
		return
	}
	p.idle = append(p.idle, &idleEntry{trackedSession: ts, insertedAt: time.Now()})
	p.updateGaugesLocked()
	p.mu.Unlock()
	p.sink.Operation(p.endpointID, "released")
}

// discard unconditionally destroys a session. The freed capacity, if any,
// is offered to a waiter by building it a brand new session — discard
// never reuses the destroyed one.
func (p *Pool) discard(h *Handle) {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	p.destroyAndDecrement(h.ts)
	p.sink.Operation(p.endpointID, "discarded")
}

// destroyAndDecrement closes the physical session, decrements total,
// releases any distributed ceiling slot, and offers the freed capacity to
// a waiter, if any.
func (p *Pool) destroyAndDecrement(ts *trackedSession) {
	ts.physical.Close()
	p.mu.Lock()
	p.total--
	p.updateGaugesLocked()
	p.mu.Unlock()
	p.ceiling.Release(context.Background(), p.endpointID)
	p.wakeWaiterForFreedCapacity()
}

// wakeWaiterForFreedCapacity pops the longest-waiting waiter (if any, and
// if there is room under maxSize) and asynchronously builds it a fresh
// session: unlike returnSession, destroy paths never have a live session on
// hand to forward directly.
func (p *Pool) wakeWaiterForFreedCapacity() {
	p.mu.Lock()
	if p.closed || len(p.waiters) == 0 || p.total >= p.cfg.MaxSize {
		p.mu.Unlock()
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	p.total++
	p.sink.QueueLength(p.endpointID, len(p.waiters))
	p.mu.Unlock()

	go func() {
		ts, err := p.createPhysical(context.Background())
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			w.ch <- waiterResult{err: newError(ErrAcquisitionFailed, "session factory failed while serving a queued waiter", err)}
			return
		}
		w.ch <- waiterResult{session: ts}
	}()
}

// popIdleLocked removes and returns one idle entry per the ordering
// policy, or nil if none is available. Must be called with mu held.
func (p *Pool) popIdleLocked() *trackedSession {
	if len(p.idle) == 0 {
		return nil
	}
	var entry *idleEntry
	switch p.cfg.Ordering {
	case FIFO:
		entry = p.idle[0]
		p.idle = p.idle[1:]
	default: // LIFO
		n := len(p.idle) - 1
		entry = p.idle[n]
		p.idle = p.idle[:n]
	}
	p.updateGaugesLocked()
	return entry.trackedSession
}

// removeWaiter drops w from the queue if it is still there (it may already
// have been delivered a session concurrently).
func (p *Pool) removeWaiter(w *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, q := range p.waiters {
		if q == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.sink.QueueLength(p.endpointID, len(p.waiters))
			return
		}
	}
}

// Close shuts the pool down: new borrows fail with PoolClosed, every
// waiter is woken with PoolClosed, every idle session is destroyed
// synchronously, and the maintenance loop exits. Handles borrowed before
// Close continue to work until their own Close, at which point their
// session is destroyed instead of re-queued.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stopCh)

	for _, w := range p.waiters {
		w.ch <- waiterResult{err: newError(ErrPoolClosed, "pool closed while waiting", nil)}
	}
	p.waiters = nil

	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, entry := range idle {
		entry.physical.Close()
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		p.ceiling.Release(context.Background(), p.endpointID)
	}
	p.mu.Lock()
	p.updateGaugesLocked()
	p.mu.Unlock()

	p.wg.Wait()
	p.observer.Infof("endpoint %s: pool closed", p.endpointID)
	return nil
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	EndpointID string
	Active     int
	Idle       int
	Max        int
	WaitQueue  int
}

// Stats returns the current occupancy snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		EndpointID: p.endpointID,
		Active:     p.total - len(p.idle),
		Idle:       len(p.idle),
		Max:        p.cfg.MaxSize,
		WaitQueue:  len(p.waiters),
	}
}

func (p *Pool) updateGauges() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updateGaugesLocked()
}

// updateGaugesLocked must be called with mu held.
func (p *Pool) updateGaugesLocked() {
	p.sink.Gauges(p.endpointID, p.total-len(p.idle), len(p.idle), p.cfg.MaxSize)
}

// noopObserver discards every call; used when New is called without
// WithObserver.
type noopObserver struct{}

func (noopObserver) Debugf(string, ...any) {}
func (noopObserver) Infof(string, ...any)  {}
func (noopObserver) Warnf(string, ...any)  {}
func (noopObserver) Errorf(string, ...any) {}
