package validator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseSignal(now time.Time) Signal {
	return Signal{
		ID:         "sig-1",
		Instrument: "AAPL",
		Side:       SideBuy,
		TargetQty:  10,
		Confidence: 0.8,
		Timestamp:  now,
	}
}

func TestValidate_ZeroQuantityOnBuyIsRejected(t *testing.T) {
	s := baseSignal(time.Now())
	s.TargetQty = 0
	accepted, violations := Validate(s)
	assert.False(t, accepted)
	assert.Contains(t, violations, "zero_target_quantity")
}

func TestValidate_HoldWithZeroQuantityIsAccepted(t *testing.T) {
	s := baseSignal(time.Now())
	s.Side = SideHold
	s.TargetQty = 0
	accepted, violations := Validate(s)
	assert.True(t, accepted)
	assert.Empty(t, violations)
}

func TestAdmit_ConfidenceExactlyAtThresholdAccepted(t *testing.T) {
	now := time.Now()
	v := New(DefaultConfig(), nil)
	s := baseSignal(now)
	s.Confidence = DefaultConfig().MinConfidence
	accepted, violations := v.Admit(s, now)
	assert.True(t, accepted, violations)
}

func TestAdmit_ConfidenceBelowThresholdRejected(t *testing.T) {
	now := time.Now()
	v := New(DefaultConfig(), nil)
	s := baseSignal(now)
	s.Confidence = DefaultConfig().MinConfidence - 0.01
	accepted, violations := v.Admit(s, now)
	assert.False(t, accepted)
	assert.Contains(t, violations, "confidence_below_threshold")
}

func TestAdmit_SignalAgeExactlyAtMaxIsAccepted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSignalAge = 5 * time.Second
	v := New(cfg, nil)
	ts := time.Now()
	now := ts.Add(5 * time.Second)
	s := baseSignal(ts)
	accepted, violations := v.Admit(s, now)
	assert.True(t, accepted, violations)
}

func TestAdmit_SignalAgeStrictlyOverMaxIsStale(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSignalAge = 5 * time.Second
	v := New(cfg, nil)
	ts := time.Now()
	now := ts.Add(5*time.Second + time.Millisecond)
	s := baseSignal(ts)
	accepted, violations := v.Admit(s, now)
	assert.False(t, accepted)
	assert.Contains(t, violations, "signal_stale")
}

func TestAdmit_ConcurrentCapReachedRateLimits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentSignals = 1
	v := New(cfg, nil)
	now := time.Now()

	s1 := baseSignal(now)
	s1.ID = "sig-a"
	accepted, _ := v.Admit(s1, now)
	require.True(t, accepted)

	s2 := baseSignal(now)
	s2.ID = "sig-b"
	accepted, violations := v.Admit(s2, now)
	assert.False(t, accepted)
	assert.Contains(t, violations, "rate_limited")
}

func TestAdmit_DailyLimitExceeded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDailyTrades = 1
	cfg.MaxConcurrentSignals = 100
	v := New(cfg, nil)
	now := time.Now()

	s1 := baseSignal(now)
	s1.ID = "sig-a"
	accepted, _ := v.Admit(s1, now)
	require.True(t, accepted)
	v.Release(s1.ID)

	s2 := baseSignal(now)
	s2.ID = "sig-b"
	accepted, violations := v.Admit(s2, now)
	assert.False(t, accepted)
	assert.Contains(t, violations, "daily_limit_exceeded")
}

func TestAdmit_ModelPerformanceLow(t *testing.T) {
	cfg := DefaultConfig()
	v := New(cfg, func(modelVersion string) (float64, bool) { return 0.1, true })
	now := time.Now()
	accepted, violations := v.Admit(baseSignal(now), now)
	assert.False(t, accepted)
	assert.Contains(t, violations, "model_performance_low")
}

func TestAdmit_UnknownModelPerformanceDoesNotBlock(t *testing.T) {
	cfg := DefaultConfig()
	v := New(cfg, func(modelVersion string) (float64, bool) { return 0, false })
	now := time.Now()
	accepted, _ := v.Admit(baseSignal(now), now)
	assert.True(t, accepted)
}
