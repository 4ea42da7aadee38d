package pool

import "time"

// trackedSession pairs a PhysicalSession with the bookkeeping that must
// survive every idle/active transition it goes through: createdAt is
// stamped once at construction and never touched again; lastValidatedAt is
// written by Borrow/returnSession after a successful testOnBorrow/
// testOnReturn check and by the maintenance loop after a successful
// testWhileIdle check, but only the maintenance loop ever *consults* it
// (see §9's resolution of the "does testWhileIdle refresh per-borrow" open
// question — it does not; the two validation paths stay independent).
type trackedSession struct {
	physical        PhysicalSession
	createdAt       time.Time
	lastValidatedAt time.Time
}

// idleEntry is one reservoir slot. insertedAt drives both the idleTimeout
// eviction check and the maintenance loop's oldest-first scan order; the
// LIFO/FIFO borrow order follows the entry's position in the idle slice.
type idleEntry struct {
	*trackedSession
	insertedAt time.Time
}

// waiterResult is delivered exactly once to a blocked borrower: either a
// usable session or an error (PoolClosed on shutdown, AcquisitionFailed if
// the factory call made on the waiter's behalf failed).
type waiterResult struct {
	session *trackedSession
	err     error
}

// waiter is one entry in the FIFO waiter queue.
type waiter struct {
	ch chan waiterResult
}
