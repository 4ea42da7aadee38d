// Package txn implements the multi-item write-transaction coordinator that
// rides on top of one pooled session: it buffers PUT/UPDATE/DELETE write
// intents and commits them atomically via a single TransactWriteItems-style
// call, mapping the provider's partial-failure exception onto a clean
// client-side rollback.
//
// The coordinator is exclusive to one pooled handle — it is never shared
// across handles, matching §5 of the pool specification.
package txn

import (
	"context"
	"fmt"
	"sync"
)

// MaxItems is the hard cap on buffered write intents per transaction.
const MaxItems = 100

// Kind identifies the mutation an Intent performs.
type Kind int

const (
	Put Kind = iota
	Update
	Delete
)

func (k Kind) String() string {
	switch k {
	case Put:
		return "PUT"
	case Update:
		return "UPDATE"
	case Delete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Intent is one buffered write against one item of one table.
type Intent struct {
	Kind                      Kind
	Table                     string
	Key                       map[string]any
	Item                      map[string]any
	UpdateExpression          string
	ConditionExpression       string
	ExpressionAttributeNames  map[string]string
	ExpressionAttributeValues map[string]any
}

// Writer is the collaborator the coordinator commits through. It is
// implemented by the physical session's DynamoDB wrapper; the coordinator
// itself never talks to the AWS SDK directly, so tests can substitute a
// fake.
type Writer interface {
	TransactWriteItems(ctx context.Context, intents []Intent) error
}

// state tracks the coordinator's Idle/Active lifecycle.
type state int

const (
	idle state = iota
	active
)

// ErrorKind classifies a transaction-surfaced error with a stable tag.
type ErrorKind int

const (
	ErrNestedTransaction ErrorKind = iota
	ErrNotInTransaction
	ErrTransactionFull
	ErrTransactionCancelled
	ErrTransactionFailed
)

var errKindText = map[ErrorKind]string{
	ErrNestedTransaction:    "nested transaction",
	ErrNotInTransaction:     "not in transaction",
	ErrTransactionFull:      "transaction full",
	ErrTransactionCancelled: "transaction cancelled",
	ErrTransactionFailed:    "transaction failed",
}

func (k ErrorKind) String() string {
	if s, ok := errKindText[k]; ok {
		return s
	}
	return "unknown"
}

// Error is the single result/error sum type for the transaction coordinator.
type Error struct {
	Kind    ErrorKind
	Message string
	// Reasons carries one cancellation reason per buffered item, in buffer
	// order, when Kind == ErrTransactionCancelled. A reason of "None" means
	// that particular item did not cause the cancellation.
	Reasons []string
	Cause   error
}

func (e *Error) Error() string {
	if e.Kind == ErrTransactionCancelled {
		return fmt.Sprintf("txn: %s: %s: reasons=%v", e.Kind, e.Message, e.Reasons)
	}
	if e.Cause != nil {
		return fmt.Sprintf("txn: %s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("txn: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether err carries the given kind.
func Is(err error, kind ErrorKind) bool {
	te, ok := err.(*Error)
	if !ok {
		return false
	}
	return te.Kind == kind
}

// Coordinator buffers write intents for one pooled handle and commits or
// rolls them back atomically. All state transitions serialize on mu; Size
// and IsActive are safe to call concurrently with a transition in flight.
type Coordinator struct {
	mu     sync.Mutex
	writer Writer
	state  state
	buffer []Intent
}

// New creates a coordinator bound to the given writer. It starts Idle.
func New(writer Writer) *Coordinator {
	return &Coordinator{writer: writer, state: idle}
}

// Begin transitions Idle → Active, clearing any leftover buffer. It fails
// with ErrNestedTransaction if a transaction is already active.
func (c *Coordinator) Begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == active {
		return &Error{Kind: ErrNestedTransaction, Message: "begin called while already active"}
	}
	c.state = active
	c.buffer = c.buffer[:0]
	return nil
}

// AddPut buffers a PUT intent.
func (c *Coordinator) AddPut(table string, item map[string]any) error {
	return c.add(Intent{Kind: Put, Table: table, Item: item})
}

// AddUpdate buffers an UPDATE intent.
func (c *Coordinator) AddUpdate(table string, key map[string]any, updateExpr string, names map[string]string, values map[string]any) error {
	return c.add(Intent{
		Kind:                      Update,
		Table:                     table,
		Key:                       key,
		UpdateExpression:          updateExpr,
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
}

// AddDelete buffers a DELETE intent.
func (c *Coordinator) AddDelete(table string, key map[string]any) error {
	return c.add(Intent{Kind: Delete, Table: table, Key: key})
}

func (c *Coordinator) add(intent Intent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != active {
		return &Error{Kind: ErrNotInTransaction, Message: "no active transaction"}
	}
	if len(c.buffer) >= MaxItems {
		return &Error{Kind: ErrTransactionFull, Message: fmt.Sprintf("buffer already holds %d items", MaxItems)}
	}
	c.buffer = append(c.buffer, intent)
	return nil
}

// Commit issues a single atomic batch-write request for the buffered
// intents and returns the coordinator to Idle regardless of outcome. An
// empty buffer commits successfully without any upstream call.
func (c *Coordinator) Commit(ctx context.Context) error {
	c.mu.Lock()
	if c.state != active {
		c.mu.Unlock()
		return &Error{Kind: ErrNotInTransaction, Message: "commit called without an active transaction"}
	}
	buffer := c.buffer
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.state = idle
		c.buffer = nil
		c.mu.Unlock()
	}()

	if len(buffer) == 0 {
		return nil
	}

	if err := c.writer.TransactWriteItems(ctx, buffer); err != nil {
		if cancelled, reasons, ok := asCancellation(err); ok {
			return &Error{Kind: ErrTransactionCancelled, Message: "provider cancelled the batch", Reasons: reasons, Cause: cancelled}
		}
		return &Error{Kind: ErrTransactionFailed, Message: "provider rejected the batch", Cause: err}
	}
	return nil
}

// Rollback discards the buffered intents without ever contacting the
// upstream service — by contract the batch was never sent.
func (c *Coordinator) Rollback() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != active {
		return &Error{Kind: ErrNotInTransaction, Message: "rollback called without an active transaction"}
	}
	c.state = idle
	c.buffer = nil
	return nil
}

// IsActive reports whether the coordinator currently has a transaction open.
func (c *Coordinator) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == active
}

// Size reports how many intents are currently buffered.
func (c *Coordinator) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// CancellationError is the interface a Writer's error must satisfy for
// Commit to classify it as a provider-level cancellation rather than a
// generic failure. This lets internal/dynamo wrap
// *types.TransactionCanceledException without txn importing the AWS SDK.
type CancellationError interface {
	error
	CancellationReasons() []string
}

func asCancellation(err error) (error, []string, bool) {
	if ce, ok := err.(CancellationError); ok {
		return ce, ce.CancellationReasons(), true
	}
	return nil, nil, false
}
