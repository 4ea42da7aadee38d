package txn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWriter records every batch it is asked to commit and can be told to
// fail the next call, optionally as a cancellation carrying reasons.
type fakeWriter struct {
	commits        [][]Intent
	failNext       error
	cancelReasons  []string
	cancelOnNext   bool
}

func (w *fakeWriter) TransactWriteItems(_ context.Context, intents []Intent) error {
	if w.cancelOnNext {
		w.cancelOnNext = false
		return &fakeCancellation{reasons: w.cancelReasons}
	}
	if w.failNext != nil {
		err := w.failNext
		w.failNext = nil
		return err
	}
	w.commits = append(w.commits, intents)
	return nil
}

type fakeCancellation struct {
	reasons []string
}

func (e *fakeCancellation) Error() string                { return "transaction cancelled" }
func (e *fakeCancellation) CancellationReasons() []string { return e.reasons }

type plainError string

func (e plainError) Error() string { return string(e) }

func TestBeginThenAddThenCommit(t *testing.T) {
	w := &fakeWriter{}
	c := New(w)

	require.NoError(t, c.Begin())
	require.NoError(t, c.AddPut("orders", map[string]any{"id": "1"}))
	require.NoError(t, c.AddUpdate("orders", map[string]any{"id": "1"}, "SET qty = :q", nil, map[string]any{":q": 5}))
	require.NoError(t, c.AddDelete("orders", map[string]any{"id": "2"}))
	assert.Equal(t, 3, c.Size())
	assert.True(t, c.IsActive())

	require.NoError(t, c.Commit(context.Background()))
	assert.False(t, c.IsActive())
	assert.Equal(t, 0, c.Size())
	require.Len(t, w.commits, 1)
	assert.Len(t, w.commits[0], 3)
}

func TestBeginWhileActiveFailsNested(t *testing.T) {
	c := New(&fakeWriter{})
	require.NoError(t, c.Begin())
	err := c.Begin()
	require.Error(t, err)
	assert.True(t, Is(err, ErrNestedTransaction))
}

func TestAddWithoutBeginFailsNotInTransaction(t *testing.T) {
	c := New(&fakeWriter{})
	err := c.AddPut("orders", map[string]any{"id": "1"})
	require.Error(t, err)
	assert.True(t, Is(err, ErrNotInTransaction))
}

func TestBufferCapIsEnforced(t *testing.T) {
	c := New(&fakeWriter{})
	require.NoError(t, c.Begin())
	for i := 0; i < MaxItems; i++ {
		require.NoError(t, c.AddPut("orders", map[string]any{"id": i}))
	}
	err := c.AddPut("orders", map[string]any{"id": "overflow"})
	require.Error(t, err)
	assert.True(t, Is(err, ErrTransactionFull))
}

func TestRollbackNeverContactsWriter(t *testing.T) {
	w := &fakeWriter{}
	c := New(w)
	require.NoError(t, c.Begin())
	require.NoError(t, c.AddPut("orders", map[string]any{"id": "1"}))

	require.NoError(t, c.Rollback())
	assert.False(t, c.IsActive())
	assert.Empty(t, w.commits)
}

func TestCommitWithEmptyBufferSkipsWriter(t *testing.T) {
	w := &fakeWriter{}
	c := New(w)
	require.NoError(t, c.Begin())
	require.NoError(t, c.Commit(context.Background()))
	assert.Empty(t, w.commits)
}

// TestCommitMapsCancellation is scenario S8: a writer cancellation with
// per-item reasons surfaces as ErrTransactionCancelled, reasons preserved in
// order, and the coordinator returns to Idle.
func TestCommitMapsCancellation(t *testing.T) {
	w := &fakeWriter{cancelOnNext: true, cancelReasons: []string{"None", "ConditionalCheckFailed"}}
	c := New(w)
	require.NoError(t, c.Begin())
	require.NoError(t, c.AddPut("orders", map[string]any{"id": "1"}))
	require.NoError(t, c.AddPut("orders", map[string]any{"id": "2"}))

	err := c.Commit(context.Background())
	require.Error(t, err)
	assert.True(t, Is(err, ErrTransactionCancelled))

	var txnErr *Error
	require.ErrorAs(t, err, &txnErr)
	assert.Equal(t, []string{"None", "ConditionalCheckFailed"}, txnErr.Reasons)
	assert.False(t, c.IsActive())
}

func TestCommitMapsGenericFailure(t *testing.T) {
	w := &fakeWriter{failNext: plainError("throttled")}
	c := New(w)
	require.NoError(t, c.Begin())
	require.NoError(t, c.AddPut("orders", map[string]any{"id": "1"}))

	err := c.Commit(context.Background())
	require.Error(t, err)
	assert.True(t, Is(err, ErrTransactionFailed))
	assert.False(t, c.IsActive())
}

func TestCommitWithoutBeginFails(t *testing.T) {
	c := New(&fakeWriter{})
	err := c.Commit(context.Background())
	require.Error(t, err)
	assert.True(t, Is(err, ErrNotInTransaction))
}
