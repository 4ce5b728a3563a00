// Package breaker implements a three-state circuit breaker (closed, open,
// half-open) that wraps any operation, per spec.md §4.3.
package breaker

import (
	"sync"
	"time"

	"github.com/aristath/midplane/internal/apperr"
	"github.com/aristath/midplane/internal/clock"
)

// State is one of the three breaker states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half-open"
)

// Breaker wraps a failing operation and short-circuits calls once a
// consecutive-failure threshold is reached.
type Breaker struct {
	mu                 sync.Mutex
	state              State
	consecutiveFailure int
	lastFailure        time.Time
	threshold          int
	timeout            time.Duration
	clk                clock.Clock
}

// New constructs a Breaker starting closed.
func New(threshold int, timeout time.Duration, clk clock.Clock) *Breaker {
	if clk == nil {
		clk = clock.Real{}
	}
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{
		state:     Closed,
		threshold: threshold,
		timeout:   timeout,
		clk:       clk,
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs op through the breaker. While open and before the timeout
// elapses, op is never invoked and a connection/system error is returned
// instead. Only failures the operation itself returns count toward the
// threshold; rejections while open never do.
func (b *Breaker) Execute(op func() error) error {
	if !b.allow() {
		return apperr.New(apperr.KindConnection, apperr.SeverityHigh, "circuit breaker open").
			WithContext("state", string(Open))
	}

	err := op()
	b.record(err)
	return err
}

// allow decides whether a call may proceed, transitioning open->half-open
// when the timeout has elapsed.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed, HalfOpen:
		return true
	case Open:
		if b.clk.Now().Sub(b.lastFailure) >= b.timeout {
			b.state = HalfOpen
			return true
		}
		return false
	}
	return true
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.consecutiveFailure = 0
		b.state = Closed
		return
	}

	b.consecutiveFailure++
	b.lastFailure = b.clk.Now()

	switch b.state {
	case HalfOpen:
		b.state = Open
	case Closed:
		if b.consecutiveFailure >= b.threshold {
			b.state = Open
		}
	}
}

// ConsecutiveFailures returns the current consecutive-failure count.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailure
}
