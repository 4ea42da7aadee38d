package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjgratacos/dynamopool/internal/txn"
)

// Handle is a borrowed session. It implements Session and must be returned
// exactly once via Close; returning it a second time is a no-op rather than
// an error, matching the teacher's PooledConn.Close behavior.
type Handle struct {
	ts   *trackedSession
	pool *Pool

	txnOnce sync.Once
	coord   *txn.Coordinator

	closed       atomic.Bool
	lastAccessAt time.Time
}

func (h *Handle) checkOpen() error {
	if h.closed.Load() {
		return newError(ErrSessionClosed, "operation attempted on a closed handle", nil)
	}
	return nil
}

// Exec proxies to the underlying physical session.
func (h *Handle) Exec(ctx context.Context, stmt string, args ...any) (Result, error) {
	if err := h.checkOpen(); err != nil {
		return nil, err
	}
	h.lastAccessAt = time.Now()
	return h.ts.physical.Exec(ctx, stmt, args...)
}

// Query proxies to the underlying physical session.
func (h *Handle) Query(ctx context.Context, stmt string, args ...any) (Rows, error) {
	if err := h.checkOpen(); err != nil {
		return nil, err
	}
	h.lastAccessAt = time.Now()
	return h.ts.physical.Query(ctx, stmt, args...)
}

// Transaction returns the write-transaction coordinator bound to this
// handle's underlying session, creating it on first use. The coordinator
// is exclusive to this handle and must not be shared across goroutines
// that don't also share the handle. Fails with SessionClosed on a closed
// handle, the same guard Exec/Query apply — without it, a first call made
// after Close would bind a fresh Coordinator to a physical session that
// may already have been handed to a different borrower.
func (h *Handle) Transaction() (*txn.Coordinator, error) {
	if err := h.checkOpen(); err != nil {
		return nil, err
	}
	h.txnOnce.Do(func() {
		h.coord = txn.New(h.ts.physical.TransactWriter())
	})
	return h.coord, nil
}

// Unwrap exposes the underlying physical session's native client, for
// callers that need provider-specific functionality the Session interface
// doesn't cover.
func (h *Handle) Unwrap() any {
	return h.ts.physical.Unwrap()
}

// Close returns the session to the pool. Idempotent.
func (h *Handle) Close() error {
	h.pool.returnSession(h)
	return nil
}

// Discard destroys the underlying session instead of returning it to the
// pool, for callers that detected the session is no longer trustworthy
// (e.g. an Exec/Query failure that looks like a dead connection rather
// than a query error).
func (h *Handle) Discard() error {
	h.pool.discard(h)
	return nil
}
