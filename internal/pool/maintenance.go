package pool

import (
	"context"
	"sort"
	"time"
)

// maintenanceLoop runs until the pool is closed, sweeping the idle
// reservoir on cfg.EvictionInterval: it evicts by maxLifetime, then by
// idleTimeout, then (for survivors whose lastValidatedAt is older than
// evictionInterval, bounded by numTestsPerEvictionRun) revalidates via
// testWhileIdle — in that priority order, matching the specification's
// eviction-policy ordering. A session validated recently enough (e.g. just
// borrowed and returned) is left alone rather than re-probed on the very
// next tick. After evicting it tops the reservoir back up to minSize.
func (p *Pool) maintenanceLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.runMaintenanceCycle()
		}
	}
}

func (p *Pool) runMaintenanceCycle() {
	now := time.Now()

	var toEvict []*trackedSession
	var toValidate []*trackedSession

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	// §4.2: at most numTestsPerEvictionRun idle entries are examined per
	// tick, oldest-inserted first, regardless of the pool's LIFO/FIFO
	// borrow-ordering policy — maintenance always sweeps from the back of
	// the queue outward.
	oldest := make([]int, len(p.idle))
	for i := range oldest {
		oldest[i] = i
	}
	sort.Slice(oldest, func(a, b int) bool {
		return p.idle[oldest[a]].insertedAt.Before(p.idle[oldest[b]].insertedAt)
	})
	scanLimit := p.cfg.NumTestsPerEvictionRun
	if scanLimit > len(oldest) {
		scanLimit = len(oldest)
	}

	evictIdx := make(map[int]bool, scanLimit)
	idleRemaining := len(p.idle)
	for _, idx := range oldest[:scanLimit] {
		entry := p.idle[idx]
		switch {
		case p.cfg.MaxLifetime > 0 && now.Sub(entry.createdAt) >= p.cfg.MaxLifetime:
			evictIdx[idx] = true
			idleRemaining--
			toEvict = append(toEvict, entry.trackedSession)
		case p.cfg.IdleTimeout > 0 && now.Sub(entry.insertedAt) >= p.cfg.IdleTimeout && idleRemaining > p.cfg.MinSize:
			evictIdx[idx] = true
			idleRemaining--
			toEvict = append(toEvict, entry.trackedSession)
		case p.cfg.TestWhileIdle && now.Sub(entry.lastValidatedAt) > p.cfg.EvictionInterval:
			toValidate = append(toValidate, entry.trackedSession)
		}
	}

	if len(evictIdx) > 0 {
		kept := p.idle[:0:0]
		for i, entry := range p.idle {
			if !evictIdx[i] {
				kept = append(kept, entry)
			}
		}
		p.idle = kept
	}

	p.total -= len(toEvict)
	p.updateGaugesLocked()
	p.mu.Unlock()

	for _, ts := range toEvict {
		p.sink.Operation(p.endpointID, "eviction_lifetime_or_idle")
		ts.physical.Close()
		p.ceiling.Release(context.Background(), p.endpointID)
	}

	for _, ts := range toValidate {
		vctx, cancel := context.WithTimeout(context.Background(), p.cfg.ValidationTimeout)
		ok := p.validator(vctx, ts.physical)
		cancel()
		if ok {
			ts.lastValidatedAt = time.Now()
			continue
		}
		p.sink.ValidationFailed(p.endpointID, "idle")
		if p.removeIdleByPointer(ts) {
			p.destroyAndDecrement(ts)
		}
	}

	p.refillToMinSize()
}

// removeIdleByPointer drops ts from the idle reservoir if it's still
// there and reports whether it did. It may already have been handed to a
// borrower concurrently, in which case this is a no-op, it returns false,
// and the session is left to that borrower.
func (p *Pool) removeIdleByPointer(ts *trackedSession) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, entry := range p.idle {
		if entry.trackedSession == ts {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			p.updateGaugesLocked()
			return true
		}
	}
	return false
}

// refillToMinSize tops the idle reservoir back up to minSize, best-effort:
// a factory failure here is logged and retried on the next cycle rather
// than surfaced to any caller.
func (p *Pool) refillToMinSize() {
	for {
		p.mu.Lock()
		if p.closed || p.total >= p.cfg.MinSize {
			p.mu.Unlock()
			return
		}
		p.total++
		p.mu.Unlock()

		ts, err := p.createPhysical(context.Background())
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			p.observer.Warnf("endpoint %s: maintenance refill failed: %v", p.endpointID, err)
			return
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			ts.physical.Close()
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			p.ceiling.Release(context.Background(), p.endpointID)
			return
		}
		p.idle = append(p.idle, &idleEntry{trackedSession: ts, insertedAt: time.Now()})
		p.updateGaugesLocked()
		p.mu.Unlock()
	}
}
