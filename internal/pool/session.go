package pool

import (
	"context"

	"github.com/cjgratacos/dynamopool/internal/txn"
)

// Result is a placeholder for the out-of-scope result-set/marshalling
// layer. The pool only needs the proxying contract below to exist; the
// real shape belongs to the SQL-parsing/marshalling collaborator mentioned
// in the specification's §1.
type Result interface {
	RowsAffected() (int64, error)
}

// Rows is the query-side counterpart to Result.
type Rows interface {
	Close() error
}

// PhysicalSession is the authenticated client handle a Factory produces and
// a Validator probes. It is opaque to the pool core beyond these methods;
// the concrete implementation (internal/dynamo) wraps a *dynamodb.Client.
type PhysicalSession interface {
	Exec(ctx context.Context, stmt string, args ...any) (Result, error)
	Query(ctx context.Context, stmt string, args ...any) (Rows, error)
	TransactWriter() txn.Writer
	Unwrap() any
	Close() error
}

// Factory produces a fresh PhysicalSession on demand. It is injected into
// the pool so tests can substitute a fake without touching AWS.
type Factory func(ctx context.Context) (PhysicalSession, error)

// Validator probes a PhysicalSession for liveness within the deadline
// carried by ctx. It must never panic or return an error across the pool
// boundary — only true (usable) or false (not usable).
type Validator func(ctx context.Context, sess PhysicalSession) bool

// Session is the handle surface exposed to callers: every relational-style
// operation plus Close, Transaction, and Unwrap. Close is idempotent.
type Session interface {
	Exec(ctx context.Context, stmt string, args ...any) (Result, error)
	Query(ctx context.Context, stmt string, args ...any) (Rows, error)
	Transaction() (*txn.Coordinator, error)
	Unwrap() any
	Close() error
}

// Observer receives structured log lines from the pool, maintenance loop,
// and handle. It replaces a process-wide logger singleton with an injected
// interface — debug-gated paths are hints, not contracts, so a no-op
// Observer is always safe to use.
type Observer interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}
