package pool

import "time"

// MetricsSink receives pool occupancy and event signals. The concrete
// Prometheus-backed implementation lives in internal/metrics; a pool built
// without WithMetrics gets a noop sink so instrumentation is always
// optional, never load-bearing.
type MetricsSink interface {
	// Gauges reports current active/idle/max occupancy for endpointID.
	Gauges(endpointID string, active, idle, max int)
	// Operation increments a counter for a named pool event (acquired,
	// released, discarded, exhausted, timeout, cancelled, create_failed,
	// released_to_waiter, ...).
	Operation(endpointID, status string)
	// QueueLength reports the current waiter-queue depth.
	QueueLength(endpointID string, length int)
	// QueueWait records how long a borrower sat in the waiter queue.
	QueueWait(endpointID string, d time.Duration)
	// ValidationFailed increments the validation-failure counter for the
	// given check point ("borrow", "return", or "idle").
	ValidationFailed(endpointID, checkpoint string)
}

// noopMetrics discards every call; used when New is called without
// WithMetrics.
type noopMetrics struct{}

func (noopMetrics) Gauges(string, int, int, int)    {}
func (noopMetrics) Operation(string, string)        {}
func (noopMetrics) QueueLength(string, int)         {}
func (noopMetrics) QueueWait(string, time.Duration) {}
func (noopMetrics) ValidationFailed(string, string) {}
