package retry

import (
	"testing"
	"time"

	"github.com/aristath/midplane/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock never actually sleeps, letting tests run fast while still
// exercising the full delay-calculation path.
type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time                        { return f.now }
func (f *fakeClock) Sleep(d time.Duration)                  { f.now = f.now.Add(d) }
func (f *fakeClock) After(d time.Duration) <-chan time.Time { ch := make(chan time.Time, 1); ch <- f.now.Add(d); return ch }

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(0, 0)} }

func raiseNTimes(kind apperr.Kind, n int) func() error {
	calls := 0
	return func() error {
		if calls < n {
			calls++
			return apperr.New(kind, apperr.SeverityMedium, "boom")
		}
		return nil
	}
}

func TestFixedDelayStrategy_SucceedsAfterRetry(t *testing.T) {
	policy := Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Strategy:    StrategyFixed,
	}
	e := New(policy, newFakeClock())
	err := e.Do(raiseNTimes(apperr.KindConnection, 1))
	require.NoError(t, err)

	snap := e.Stats().Snapshot()
	assert.Equal(t, 1, snap.Operations)
	assert.Equal(t, 1, snap.Successes)
	assert.Equal(t, 0, snap.Failures)
}

func TestDelayFor_Exponential(t *testing.T) {
	policy := Policy{
		MaxAttempts: 4,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Strategy:    StrategyExponential,
		Multiplier:  2.0,
	}
	e := New(policy, newFakeClock())
	assert.Equal(t, 100*time.Millisecond, e.delayFor(1))
	assert.Equal(t, 200*time.Millisecond, e.delayFor(2))
	assert.Equal(t, 400*time.Millisecond, e.delayFor(3))
}

func TestDelayFor_Linear(t *testing.T) {
	policy := Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Strategy:    StrategyLinear,
	}
	e := New(policy, newFakeClock())
	assert.Equal(t, time.Second, e.delayFor(1))
	assert.Equal(t, 2*time.Second, e.delayFor(2))
	assert.Equal(t, 3*time.Second, e.delayFor(3))
}

func TestDelayFor_ClampedToMaxDelay(t *testing.T) {
	policy := Policy{
		MaxAttempts: 10,
		BaseDelay:   time.Second,
		MaxDelay:    5 * time.Second,
		Strategy:    StrategyExponential,
		Multiplier:  3.0,
	}
	e := New(policy, newFakeClock())
	assert.Equal(t, 5*time.Second, e.delayFor(5))
}

func TestDelayFor_JitteredExponentialStaysWithinBand(t *testing.T) {
	policy := Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Strategy:    StrategyJitteredExponential,
		Multiplier:  2.0,
	}
	e := New(policy, newFakeClock())
	for attempt := 1; attempt <= 3; attempt++ {
		d := e.delayFor(attempt)
		expected := float64(time.Second) * pow(2.0, attempt-1)
		assert.InDelta(t, expected, float64(d), expected*0.25+1)
	}
}

func TestNonRetryableKind_FailsImmediately(t *testing.T) {
	policy := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Second, Strategy: StrategyFixed}
	e := New(policy, newFakeClock())

	calls := 0
	err := e.Do(func() error {
		calls++
		return apperr.New(apperr.KindValue, apperr.SeverityLow, "bad arg")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)

	snap := e.Stats().Snapshot()
	assert.Equal(t, 1, snap.Failures)
	assert.Equal(t, 1, snap.FailuresByKind[apperr.KindValue])
}

func TestMaxAttempts_Exhausted(t *testing.T) {
	policy := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second, Strategy: StrategyFixed}
	e := New(policy, newFakeClock())

	calls := 0
	err := e.Do(func() error {
		calls++
		return apperr.New(apperr.KindConnection, apperr.SeverityMedium, "down")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)

	snap := e.Stats().Snapshot()
	assert.Equal(t, 3, snap.TotalAttempts)
	assert.Equal(t, snap.Successes+snap.Failures, snap.Operations)
}

func TestHooks_FireOnSuccessRetryFailure(t *testing.T) {
	var retried, succeeded, failed bool
	policy := Policy{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Second,
		Strategy:    StrategyFixed,
		Hooks: Hooks{
			OnRetry:   func(err error, attempt int, delay time.Duration) { retried = true },
			OnSuccess: func(attempt int, elapsed time.Duration) { succeeded = true },
			OnFailure: func(err error, attempt int) { failed = true },
		},
	}
	e := New(policy, newFakeClock())

	_ = e.Do(raiseNTimes(apperr.KindConnection, 1))
	assert.True(t, retried)
	assert.True(t, succeeded)
	assert.False(t, failed)
}

func TestPrebuiltPolicies(t *testing.T) {
	conn := ConnectionPolicy()
	assert.Equal(t, 5, conn.MaxAttempts)
	assert.Equal(t, StrategyJitteredExponential, conn.Strategy)

	rate := RateLimitPolicy()
	assert.Equal(t, 10, rate.MaxAttempts)
	assert.Equal(t, StrategyLinear, rate.Strategy)

	dl := DataDownloadPolicy()
	assert.Equal(t, 3, dl.MaxAttempts)
	assert.Equal(t, StrategyExponential, dl.Strategy)
}
