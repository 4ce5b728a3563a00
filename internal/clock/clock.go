// Package clock provides injected wall-clock and monotonic-clock
// abstractions so retries, timeouts, and execution deadlines are
// deterministic under test, plus the execution/order id generators.
package clock

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Clock is the wall-clock dependency injected into every component that
// needs to read "now" or sleep.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
	After(d time.Duration) <-chan time.Time
}

// Real is the production Clock backed by the standard library.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now() }
func (Real) Sleep(d time.Duration)                   { time.Sleep(d) }
func (Real) After(d time.Duration) <-chan time.Time  { return time.After(d) }

// Monotonic is a free-running tick counter independent of wall-clock
// adjustments, used to measure elapsed durations for deadlines.
type Monotonic interface {
	Elapsed(since time.Time) time.Duration
}

// RealMonotonic measures elapsed time using time.Since, which already
// reads the runtime's monotonic reading embedded in time.Time.
type RealMonotonic struct{}

func (RealMonotonic) Elapsed(since time.Time) time.Duration { return time.Since(since) }

// IDs generates execution ids, order ids, and broker-session ids.
// Order ids are monotonically increasing and unique process-wide per
// spec.md §5; execution/session ids use uuid, matching the teacher's use
// of github.com/google/uuid for externally-visible correlation ids.
type IDs struct {
	orderSeq int64
}

// NewIDs constructs an id generator with the order sequence starting at 0.
func NewIDs() *IDs {
	return &IDs{}
}

// NextOrderID returns the next monotonically increasing order id.
func (g *IDs) NextOrderID() int64 {
	return atomic.AddInt64(&g.orderSeq, 1)
}

// NewExecutionID returns a fresh unique execution id.
func (g *IDs) NewExecutionID() string {
	return "exec-" + uuid.NewString()
}

// NewSessionID returns a fresh unique broker-session id.
func (g *IDs) NewSessionID() string {
	return "sess-" + uuid.NewString()
}

// NewClientOrderID returns a fresh client-assigned correlation id for an order.
func (g *IDs) NewClientOrderID() string {
	return "corr-" + uuid.NewString()
}
