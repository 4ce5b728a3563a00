// Package validator implements the signal validator (stateless Validate,
// stateful Admit) per spec.md §4.6.
package validator

import (
	"sync"
	"time"
)

// Side mirrors the signal side vocabulary used across the module.
type Side string

const (
	SideBuy        Side = "buy"
	SideSell       Side = "sell"
	SideHold       Side = "hold"
	SideCloseLong  Side = "close-long"
	SideCloseShort Side = "close-short"
)

// Signal is the minimal shape the validator needs to inspect. The
// execution engine's richer Signal type embeds or maps onto this.
type Signal struct {
	ID         string
	Instrument string
	Side       Side
	TargetQty  float64
	Confidence float64
	Timestamp  time.Time
	ModelVersion string
}

// Config configures admission thresholds, per spec.md §4.6.
type Config struct {
	MinConfidence        float64
	MaxSignalAge         time.Duration
	MaxDailyTrades        int
	MaxConcurrentSignals int
	MaxSignalsPerHour     int
	MinModelPerformance  float64
}

// DefaultConfig mirrors spec.md's stated defaults.
func DefaultConfig() Config {
	return Config{
		MinConfidence:        0.6,
		MaxSignalAge:         300 * time.Second,
		MaxDailyTrades:        100,
		MaxConcurrentSignals: 20,
		MaxSignalsPerHour:     60,
		MinModelPerformance:  0.5,
	}
}

var validSides = map[Side]bool{
	SideBuy: true, SideSell: true, SideHold: true,
	SideCloseLong: true, SideCloseShort: true,
}

// Validate is a pure check of the signal itself; it mutates no state.
func Validate(s Signal) (accepted bool, violations []string) {
	if s.Confidence < 0 || s.Confidence > 1 {
		violations = append(violations, "confidence_out_of_range")
	}
	if s.Instrument == "" {
		violations = append(violations, "missing_instrument")
	}
	if !validSides[s.Side] {
		violations = append(violations, "unknown_side")
	}
	if (s.Side == SideBuy || s.Side == SideSell) && s.TargetQty == 0 {
		violations = append(violations, "zero_target_quantity")
	}
	return len(violations) == 0, violations
}

// ModelPerformance looks up a model's cached health score in [0,1].
// Implementations back this with internal/monitor's model reports.
type ModelPerformance func(modelVersion string) (score float64, known bool)

// Validator is the stateful admission gate, tracking daily/hourly/
// concurrent counters across calls.
type Validator struct {
	mu sync.Mutex

	cfg Config

	dailyDay      int
	dailyCount    int
	hourlyWindow  []time.Time
	activeSignals map[string]bool

	modelPerf ModelPerformance
}

// New constructs a Validator. modelPerf may be nil, in which case the
// model-performance check always passes.
func New(cfg Config, modelPerf ModelPerformance) *Validator {
	return &Validator{
		cfg:           cfg,
		activeSignals: make(map[string]bool),
		modelPerf:     modelPerf,
	}
}

// Admit performs the stateful admission check described in spec.md §4.6,
// using now as the reference clock value (injected for testability).
func (v *Validator) Admit(s Signal, now time.Time) (accepted bool, violations []string) {
	if ok, vs := Validate(s); !ok {
		violations = append(violations, vs...)
	}

	if s.Confidence < v.cfg.MinConfidence {
		violations = append(violations, "confidence_below_threshold")
	}

	age := now.Sub(s.Timestamp)
	if age > v.cfg.MaxSignalAge {
		violations = append(violations, "signal_stale")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.rollDailyCounterLocked(now)
	v.pruneHourlyWindowLocked(now)

	if v.dailyCount >= v.cfg.MaxDailyTrades {
		violations = append(violations, "daily_limit_exceeded")
	}
	if len(v.activeSignals) >= v.cfg.MaxConcurrentSignals {
		violations = append(violations, "rate_limited")
	}
	if len(v.hourlyWindow) >= v.cfg.MaxSignalsPerHour {
		violations = append(violations, "rate_limited")
	}

	if v.modelPerf != nil {
		if score, known := v.modelPerf(s.ModelVersion); known && score < v.cfg.MinModelPerformance {
			violations = append(violations, "model_performance_low")
		}
	}

	accepted = len(violations) == 0
	if accepted {
		v.dailyCount++
		v.hourlyWindow = append(v.hourlyWindow, now)
		v.activeSignals[s.ID] = true
	}
	return accepted, violations
}

// Release marks a signal id as no longer active/in-flight, freeing a
// concurrency slot for future Admit calls.
func (v *Validator) Release(signalID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.activeSignals, signalID)
}

func (v *Validator) rollDailyCounterLocked(now time.Time) {
	day := now.YearDay() + now.Year()*1000
	if day != v.dailyDay {
		v.dailyDay = day
		v.dailyCount = 0
	}
}

func (v *Validator) pruneHourlyWindowLocked(now time.Time) {
	cutoff := now.Add(-time.Hour)
	kept := v.hourlyWindow[:0]
	for _, t := range v.hourlyWindow {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	v.hourlyWindow = kept
}
