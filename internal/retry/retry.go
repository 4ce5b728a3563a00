// Package retry implements a policy-driven retry engine with pluggable
// delay strategies and error-kind-based retryable classification.
// Faithful translation of original_source/src/core/retry_manager.py into
// the taxonomy of internal/apperr.
package retry

import (
	"math/rand"
	"sync"
	"time"

	"github.com/aristath/midplane/internal/apperr"
	"github.com/aristath/midplane/internal/clock"
)

// Strategy selects how the delay before the next attempt is computed.
type Strategy string

const (
	StrategyFixed              Strategy = "fixed"
	StrategyLinear             Strategy = "linear"
	StrategyExponential        Strategy = "exponential"
	StrategyJitteredExponential Strategy = "jittered_exponential"
)

// Hooks are optional callbacks fired around an operation's lifecycle.
type Hooks struct {
	OnRetry   func(err error, attempt int, delay time.Duration)
	OnFailure func(err error, attempt int)
	OnSuccess func(attempt int, elapsed time.Duration)
}

// Policy configures one retry engine instance.
type Policy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	Strategy          Strategy
	Multiplier        float64
	Jitter            bool
	RetryableKinds    map[apperr.Kind]bool
	NonRetryableKinds map[apperr.Kind]bool
	Predicate         func(err error) bool
	Hooks             Hooks
}

// DefaultNonRetryable mirrors the taxonomy's default argument/programmer kinds.
func DefaultNonRetryable() map[apperr.Kind]bool {
	return map[apperr.Kind]bool{
		apperr.KindValue:     true,
		apperr.KindType:      true,
		apperr.KindKey:       true,
		apperr.KindAttribute: true,
	}
}

// DefaultRetryable mirrors the taxonomy's default transient kinds.
func DefaultRetryable() map[apperr.Kind]bool {
	return map[apperr.Kind]bool{
		apperr.KindConnection: true,
		apperr.KindTimeout:    true,
		apperr.KindSystem:     true,
	}
}

// ConnectionPolicy: 5 attempts, jittered-exponential, base 1s, cap 30s.
func ConnectionPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Strategy:    StrategyJitteredExponential,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// RateLimitPolicy: 10 attempts, linear, base 5s, cap 300s.
func RateLimitPolicy() Policy {
	return Policy{
		MaxAttempts: 10,
		BaseDelay:   5 * time.Second,
		MaxDelay:    300 * time.Second,
		Strategy:    StrategyLinear,
		Multiplier:  1.0,
		Jitter:      true,
	}
}

// DataDownloadPolicy: 3 attempts, exponential, base 2s, cap 60s.
func DataDownloadPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    60 * time.Second,
		Strategy:    StrategyExponential,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// Stats accumulates retry-engine telemetry across every call.
type Stats struct {
	mu               sync.Mutex
	Operations       int
	Successes        int
	Failures         int
	TotalAttempts    int
	TotalWait        time.Duration
	AttemptHistogram map[int]int
	FailuresByKind   map[apperr.Kind]int
}

func newStats() *Stats {
	return &Stats{
		AttemptHistogram: make(map[int]int),
		FailuresByKind:   make(map[apperr.Kind]int),
	}
}

func (s *Stats) recordSuccess(attempts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Operations++
	s.Successes++
	s.TotalAttempts += attempts
	s.AttemptHistogram[attempts]++
}

func (s *Stats) recordFailure(attempts int, kind apperr.Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Operations++
	s.Failures++
	s.TotalAttempts += attempts
	s.AttemptHistogram[attempts]++
	s.FailuresByKind[kind]++
}

func (s *Stats) addWait(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TotalWait += d
}

// Snapshot returns a copy of the current counters, safe to read concurrently.
func (s *Stats) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := make(map[int]int, len(s.AttemptHistogram))
	for k, v := range s.AttemptHistogram {
		hist[k] = v
	}
	kinds := make(map[apperr.Kind]int, len(s.FailuresByKind))
	for k, v := range s.FailuresByKind {
		kinds[k] = v
	}
	return Stats{
		Operations:       s.Operations,
		Successes:        s.Successes,
		Failures:         s.Failures,
		TotalAttempts:    s.TotalAttempts,
		TotalWait:        s.TotalWait,
		AttemptHistogram: hist,
		FailuresByKind:   kinds,
	}
}

// Engine executes operations under a Policy, tracking Stats.
type Engine struct {
	policy Policy
	clk    clock.Clock
	rng    *rand.Rand
	rngMu  sync.Mutex
	stats  *Stats
}

// New constructs an Engine. clk may be nil to use the real wall clock.
func New(policy Policy, clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.Real{}
	}
	if policy.RetryableKinds == nil {
		policy.RetryableKinds = DefaultRetryable()
	}
	if policy.NonRetryableKinds == nil {
		policy.NonRetryableKinds = DefaultNonRetryable()
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Engine{
		policy: policy,
		clk:    clk,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		stats:  newStats(),
	}
}

// Stats returns the engine's accumulated statistics.
func (e *Engine) Stats() *Stats {
	return e.stats
}

// Do executes op, retrying per policy until success, a non-retryable
// error, or attempts are exhausted.
func (e *Engine) Do(op func() error) error {
	start := e.clk.Now()
	var lastErr error

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			if e.policy.Hooks.OnSuccess != nil {
				e.policy.Hooks.OnSuccess(attempt, e.clk.Now().Sub(start))
			}
			e.stats.recordSuccess(attempt)
			return nil
		}

		kind := apperr.KindOf(lastErr)
		retryable := e.isRetryable(lastErr, kind)
		isLastAttempt := attempt >= e.policy.MaxAttempts

		if !retryable || isLastAttempt {
			if e.policy.Hooks.OnFailure != nil {
				e.policy.Hooks.OnFailure(lastErr, attempt)
			}
			e.stats.recordFailure(attempt, kind)
			return lastErr
		}

		delay := e.delayFor(attempt)
		e.stats.addWait(delay)
		if e.policy.Hooks.OnRetry != nil {
			e.policy.Hooks.OnRetry(lastErr, attempt, delay)
		}
		e.clk.Sleep(delay)
	}

	return lastErr
}

func (e *Engine) isRetryable(err error, kind apperr.Kind) bool {
	if e.policy.NonRetryableKinds[kind] {
		return false
	}
	if e.policy.RetryableKinds[kind] {
		return true
	}
	if e.policy.Predicate != nil {
		return e.policy.Predicate(err)
	}
	return false
}

func (e *Engine) jitter(pct float64) float64 {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return (e.rng.Float64()*2 - 1) * pct
}

// delayFor computes the sleep duration before retrying attempt+1, per
// spec.md §4.2.
func (e *Engine) delayFor(attempt int) time.Duration {
	base := float64(e.policy.BaseDelay)
	var delay float64

	switch e.policy.Strategy {
	case StrategyFixed:
		delay = base
	case StrategyLinear:
		delay = base * float64(attempt)
	case StrategyExponential:
		delay = base * pow(e.policy.Multiplier, attempt-1)
	case StrategyJitteredExponential:
		exp := base * pow(e.policy.Multiplier, attempt-1)
		delay = exp + exp*e.jitter(0.25)
	default:
		delay = base
	}

	if e.policy.Jitter && e.policy.Strategy != StrategyJitteredExponential {
		delay += delay * e.jitter(0.10)
	}

	minDelay := float64(100 * time.Millisecond)
	maxDelay := float64(e.policy.MaxDelay)
	if delay < minDelay {
		delay = minDelay
	}
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}

	return time.Duration(delay)
}

func pow(base float64, exp int) float64 {
	if exp <= 0 {
		return 1
	}
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}
