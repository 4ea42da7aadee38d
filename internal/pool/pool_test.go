package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjgratacos/dynamopool/internal/txn"
)

// fakeSession is a trivial PhysicalSession double. alive toggles what the
// fake validator reports for it.
type fakeSession struct {
	id       int
	closed   atomic.Bool
	alive    atomic.Bool
	txnCalls atomic.Int32
}

func newFakeSession(id int) *fakeSession {
	s := &fakeSession{id: id}
	s.alive.Store(true)
	return s
}

func (s *fakeSession) Exec(context.Context, string, ...any) (Result, error) { return nil, nil }
func (s *fakeSession) Query(context.Context, string, ...any) (Rows, error)  { return nil, nil }
func (s *fakeSession) TransactWriter() txn.Writer                           { return fakeWriter{sess: s} }
func (s *fakeSession) Unwrap() any                                          { return s }
func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

// fakeWriter ties a txn.Writer back to the fakeSession it was vended from,
// so tests can assert a commit landed on (or never reached) a particular
// physical session.
type fakeWriter struct{ sess *fakeSession }

func (w fakeWriter) TransactWriteItems(context.Context, []txn.Intent) error {
	w.sess.txnCalls.Add(1)
	return nil
}

// fakeFactory hands out sequentially numbered sessions. failNext causes the
// next N calls to fail instead, used to exercise AcquisitionFailed paths.
type fakeFactory struct {
	mu       sync.Mutex
	next     int
	failNext int
}

func (f *fakeFactory) factory(context.Context) (PhysicalSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return nil, assertErr("factory failure")
	}
	f.next++
	return newFakeSession(f.next), nil
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func alwaysValid(context.Context, PhysicalSession) bool { return true }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinSize = 0
	cfg.InitialSize = 0
	cfg.MaxSize = 2
	cfg.MaxWait = 200 * time.Millisecond
	cfg.EvictionInterval = time.Hour // keep maintenance out of the way by default
	cfg.TestOnBorrow = false
	cfg.TestWhileIdle = false
	return cfg
}

func TestBorrowGrowsUpToMaxSize(t *testing.T) {
	ff := &fakeFactory{}
	p, err := New(context.Background(), "ep1", testConfig(), ff.factory, alwaysValid)
	require.NoError(t, err)
	defer p.Close()

	h1, err := p.Borrow(context.Background())
	require.NoError(t, err)
	h2, err := p.Borrow(context.Background())
	require.NoError(t, err)

	stats := p.Stats()
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, 0, stats.Idle)

	require.NoError(t, h1.Close())
	require.NoError(t, h2.Close())
}

func TestBorrowFailsFastWhenNotBlocking(t *testing.T) {
	ff := &fakeFactory{}
	cfg := testConfig()
	cfg.BlockWhenExhausted = false
	p, err := New(context.Background(), "ep1", cfg, ff.factory, alwaysValid)
	require.NoError(t, err)
	defer p.Close()

	h1, err := p.Borrow(context.Background())
	require.NoError(t, err)
	h2, err := p.Borrow(context.Background())
	require.NoError(t, err)
	defer h1.Close()
	defer h2.Close()

	_, err = p.Borrow(context.Background())
	require.Error(t, err)
	assert.True(t, Is(err, ErrPoolExhausted))
}

func TestBorrowBlocksThenTimesOut(t *testing.T) {
	ff := &fakeFactory{}
	cfg := testConfig()
	cfg.MaxWait = 50 * time.Millisecond
	p, err := New(context.Background(), "ep1", cfg, ff.factory, alwaysValid)
	require.NoError(t, err)
	defer p.Close()

	h1, err := p.Borrow(context.Background())
	require.NoError(t, err)
	h2, err := p.Borrow(context.Background())
	require.NoError(t, err)
	defer h1.Close()
	defer h2.Close()

	start := time.Now()
	_, err = p.Borrow(context.Background())
	require.Error(t, err)
	assert.True(t, Is(err, ErrTimeout))
	assert.GreaterOrEqual(t, time.Since(start), cfg.MaxWait)
}

func TestReturnHandsDirectlyToWaiter(t *testing.T) {
	ff := &fakeFactory{}
	cfg := testConfig()
	cfg.MaxWait = time.Second
	p, err := New(context.Background(), "ep1", cfg, ff.factory, alwaysValid)
	require.NoError(t, err)
	defer p.Close()

	h1, err := p.Borrow(context.Background())
	require.NoError(t, err)
	h2, err := p.Borrow(context.Background())
	require.NoError(t, err)

	var waiterErr error
	var gotHandle *Handle
	done := make(chan struct{})
	go func() {
		gotHandle, waiterErr = p.Borrow(context.Background())
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, h1.Close())

	<-done
	require.NoError(t, waiterErr)
	require.NotNil(t, gotHandle)
	gotHandle.Close()
	h2.Close()
}

func TestCloseWakesWaitersWithPoolClosed(t *testing.T) {
	ff := &fakeFactory{}
	cfg := testConfig()
	cfg.MaxWait = time.Second
	p, err := New(context.Background(), "ep1", cfg, ff.factory, alwaysValid)
	require.NoError(t, err)

	h1, err := p.Borrow(context.Background())
	require.NoError(t, err)
	h2, err := p.Borrow(context.Background())
	require.NoError(t, err)
	defer h1.Close()
	defer h2.Close()

	var waiterErr error
	done := make(chan struct{})
	go func() {
		_, waiterErr = p.Borrow(context.Background())
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.Close())

	<-done
	require.Error(t, waiterErr)
	assert.True(t, Is(waiterErr, ErrPoolClosed))
}

func TestDiscardDestroysAndDoesNotReuse(t *testing.T) {
	ff := &fakeFactory{}
	p, err := New(context.Background(), "ep1", testConfig(), ff.factory, alwaysValid)
	require.NoError(t, err)
	defer p.Close()

	h, err := p.Borrow(context.Background())
	require.NoError(t, err)
	sess := h.Unwrap().(*fakeSession)

	require.NoError(t, h.Discard())
	assert.True(t, sess.closed.Load())
	assert.Equal(t, 0, p.Stats().Active)
	assert.Equal(t, 0, p.Stats().Idle)
}

func TestHandleCloseIsIdempotent(t *testing.T) {
	ff := &fakeFactory{}
	p, err := New(context.Background(), "ep1", testConfig(), ff.factory, alwaysValid)
	require.NoError(t, err)
	defer p.Close()

	h, err := p.Borrow(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.NoError(t, h.Close()) // second close: no-op, no panic

	assert.Equal(t, 1, p.Stats().Idle)
}

func TestLIFOOrderingReturnsMostRecentFirst(t *testing.T) {
	ff := &fakeFactory{}
	cfg := testConfig()
	cfg.Ordering = LIFO
	p, err := New(context.Background(), "ep1", cfg, ff.factory, alwaysValid)
	require.NoError(t, err)
	defer p.Close()

	h1, _ := p.Borrow(context.Background())
	h2, _ := p.Borrow(context.Background())
	h1.Close()
	h2.Close()

	h3, err := p.Borrow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, h2.Unwrap().(*fakeSession).id, h3.Unwrap().(*fakeSession).id)
}

func TestFIFOOrderingReturnsOldestFirst(t *testing.T) {
	ff := &fakeFactory{}
	cfg := testConfig()
	cfg.Ordering = FIFO
	p, err := New(context.Background(), "ep1", cfg, ff.factory, alwaysValid)
	require.NoError(t, err)
	defer p.Close()

	h1, _ := p.Borrow(context.Background())
	h2, _ := p.Borrow(context.Background())
	h1.Close()
	h2.Close()

	h3, err := p.Borrow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, h1.Unwrap().(*fakeSession).id, h3.Unwrap().(*fakeSession).id)
}

func TestAcquisitionFailureDoesNotLeakTotal(t *testing.T) {
	ff := &fakeFactory{failNext: 1}
	p, err := New(context.Background(), "ep1", testConfig(), ff.factory, alwaysValid)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Borrow(context.Background())
	require.Error(t, err)
	assert.True(t, Is(err, ErrAcquisitionFailed))
	assert.Equal(t, 0, p.Stats().Active)

	// A subsequent borrow should succeed now that the factory stops failing.
	h, err := p.Borrow(context.Background())
	require.NoError(t, err)
	defer h.Close()
}

// fakeCeiling always denies Acquire, for S7.
type fakeCeiling struct{}

func (fakeCeiling) Acquire(context.Context, string) error { return assertErr("at distributed ceiling") }
func (fakeCeiling) Release(context.Context, string) error { return nil }
func (fakeCeiling) Close(context.Context) error           { return nil }
func (fakeCeiling) Subscribe(context.Context, string) (<-chan string, error) {
	ch := make(chan string)
	return ch, nil
}

// TestDistributedCeilingDeniesGrowth is scenario S7: a Ceiling that always
// rejects Acquire must fail the very first borrow with AcquisitionFailed and
// leave total at 0, even though maxSize has room.
func TestDistributedCeilingDeniesGrowth(t *testing.T) {
	ff := &fakeFactory{}
	cfg := testConfig()
	cfg.MaxSize = 5
	p, err := New(context.Background(), "ep1", cfg, ff.factory, alwaysValid, WithCeiling(fakeCeiling{}))
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Borrow(context.Background())
	require.Error(t, err)
	assert.True(t, Is(err, ErrAcquisitionFailed))
	assert.Equal(t, 0, p.Stats().Active)
	assert.Equal(t, 0, p.Stats().Idle)
}

// flakyValidator rejects the first session it ever sees, then accepts every
// subsequent one — modeling a single transient validation hiccup.
type flakyValidator struct {
	mu    sync.Mutex
	calls int
}

func (v *flakyValidator) validate(context.Context, PhysicalSession) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	return v.calls > 1
}

func TestTestOnBorrowRetriesOnValidationFailure(t *testing.T) {
	ff := &fakeFactory{}
	cfg := testConfig()
	cfg.TestOnBorrow = true
	cfg.MaxWait = time.Second
	v := &flakyValidator{}
	p, err := New(context.Background(), "ep1", cfg, ff.factory, v.validate)
	require.NoError(t, err)
	defer p.Close()

	h, err := p.Borrow(context.Background())
	require.NoError(t, err)
	defer h.Close()

	// The first session (id=1) was rejected and destroyed; the handle we got
	// back must be a freshly created session that the validator then accepted.
	assert.Equal(t, 2, h.Unwrap().(*fakeSession).id)
}

// TestMaintenanceEvictsByLifetime is scenario S4: a session older than
// maxLifetime is destroyed by the maintenance loop within a couple of
// eviction ticks, and the next borrow produces a new physical session
// (distinct id, later createdAt) rather than the evicted one.
func TestMaintenanceEvictsByLifetime(t *testing.T) {
	ff := &fakeFactory{}
	cfg := testConfig()
	cfg.MaxLifetime = 500 * time.Millisecond
	cfg.EvictionInterval = 100 * time.Millisecond
	p, err := New(context.Background(), "ep1", cfg, ff.factory, alwaysValid)
	require.NoError(t, err)
	defer p.Close()

	h1, err := p.Borrow(context.Background())
	require.NoError(t, err)
	firstID := h1.Unwrap().(*fakeSession).id
	firstCreatedAt := h1.ts.createdAt
	require.NoError(t, h1.Close())

	require.Eventually(t, func() bool {
		stats := p.Stats()
		return stats.Idle == 0 && stats.Active == 0
	}, 2*time.Second, 50*time.Millisecond, "expired idle session was never evicted")

	h2, err := p.Borrow(context.Background())
	require.NoError(t, err)
	defer h2.Close()

	assert.NotEqual(t, firstID, h2.Unwrap().(*fakeSession).id)
	assert.True(t, h2.ts.createdAt.After(firstCreatedAt))
}

// TestMaintenanceRevalidatesOnlyStaleIdleSessions locks down the
// evictionInterval staleness gate on testWhileIdle: a session validated
// moments ago (here, by testOnBorrow immediately before being returned)
// must not be re-probed again on the very next maintenance tick, only once
// it has actually gone stale.
func TestMaintenanceRevalidatesOnlyStaleIdleSessions(t *testing.T) {
	ff := &fakeFactory{}
	cfg := testConfig()
	cfg.TestOnBorrow = true
	cfg.TestWhileIdle = true
	cfg.EvictionInterval = 150 * time.Millisecond
	v := &countingValidator{ok: true}
	p, err := New(context.Background(), "ep1", cfg, ff.factory, v.validate)
	require.NoError(t, err)
	defer p.Close()

	h, err := p.Borrow(context.Background())
	require.NoError(t, err)
	callsAfterBorrow := v.callCount()
	require.NoError(t, h.Close())

	// Well inside one evictionInterval: the session was just validated by
	// testOnBorrow, so a maintenance tick here must leave it alone.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, callsAfterBorrow, v.callCount(), "idle session was revalidated before going stale")

	// Past evictionInterval since that last validation: now it's fair game.
	require.Eventually(t, func() bool {
		return v.callCount() > callsAfterBorrow
	}, 2*time.Second, 50*time.Millisecond, "stale idle session was never revalidated")
}

// countingValidator always returns ok but records how many times it was
// invoked, so tests can assert on validation *frequency* rather than outcome.
type countingValidator struct {
	mu    sync.Mutex
	calls int
	ok    bool
}

func (v *countingValidator) validate(context.Context, PhysicalSession) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	return v.ok
}

func (v *countingValidator) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

// TestTransactionAfterCloseFailsClosed guards against binding a fresh
// Coordinator to a physical session that Close already returned to the
// pool: calling Transaction() for the first time on a closed Handle must
// fail with SessionClosed rather than silently succeeding against a
// session some other borrower now owns.
func TestTransactionAfterCloseFailsClosed(t *testing.T) {
	ff := &fakeFactory{}
	cfg := testConfig()
	cfg.MaxSize = 1
	p, err := New(context.Background(), "ep1", cfg, ff.factory, alwaysValid)
	require.NoError(t, err)
	defer p.Close()

	h1, err := p.Borrow(context.Background())
	require.NoError(t, err)
	s1 := h1.Unwrap().(*fakeSession)
	require.NoError(t, h1.Close())

	// MaxSize=1: the only physical session now sits back in the idle set
	// (or, below, is handed straight to h2) rather than being h1's alone.
	coord, err := h1.Transaction()
	assert.Nil(t, coord)
	require.Error(t, err)
	assert.True(t, Is(err, ErrSessionClosed))

	h2, err := p.Borrow(context.Background())
	require.NoError(t, err)
	defer h2.Close()
	s2 := h2.Unwrap().(*fakeSession)
	require.Same(t, s1, s2, "expected the same reused physical session under MaxSize=1")

	h2Coord, err := h2.Transaction()
	require.NoError(t, err)
	require.NoError(t, h2Coord.Begin())
	require.NoError(t, h2Coord.AddPut("T1", map[string]any{"id": "1"}))
	require.NoError(t, h2Coord.Commit(context.Background()))

	assert.Equal(t, int32(1), s2.txnCalls.Load(), "commit through the rightful borrower should reach the session exactly once")
}
