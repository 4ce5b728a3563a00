// Package risk implements the confidence-weighted position sizer and the
// risk assessor, per spec.md §4.7.
package risk

import (
	"math"

	"github.com/aristath/midplane/pkg/quant"
)

// Method selects the sizing algorithm.
type Method string

const (
	MethodFixed               Method = "fixed"
	MethodConfidenceWeighted  Method = "confidence-weighted"
	MethodKelly               Method = "kelly"
	MethodVolatilityAdjusted  Method = "volatility-adjusted"
)

const (
	baseAllocationPct      = 0.01
	confidenceFloor        = 0.1
	defaultModelPerfFactor = 0.8
	smallPositionThreshold = 10
	highConcentrationPct   = 0.05
)

// SizeResult is the sizer's output, per spec.md §4.7.
type SizeResult struct {
	FinalSize       int
	ConfidenceFactor float64
	RiskAdjusted    bool
	MaxSize         int
	SizingMethod    Method
	Warnings        []string
}

// ModelPerformanceLookup resolves a cached model-health score in [0,1].
type ModelPerformanceLookup func(modelVersion string) (score float64, known bool)

// SizeInput bundles a sizing request, per spec.md §4.7's Size signature.
type SizeInput struct {
	ModelVersion      string
	Confidence        float64
	PortfolioValue    float64
	CurrentPrice      float64
	Method            Method
	MaxPositionSize   int
	MaxSingleStockWeight float64
	// Volatility is used only by the volatility-adjusted method; it is a
	// fractional figure (e.g. from quant.ATRVolatility or
	// quant.AnnualizedVolatility).
	Volatility float64
}

// Sizer computes position sizes per spec.md §4.7.
type Sizer struct {
	modelPerf ModelPerformanceLookup
}

// New constructs a Sizer. modelPerf may be nil, in which case the
// default 0.8 model-performance factor is always used.
func New(modelPerf ModelPerformanceLookup) *Sizer {
	return &Sizer{modelPerf: modelPerf}
}

// Size implements the confidence-weighted algorithm (the default) and
// its documented degenerate variants (fixed, kelly, volatility-adjusted),
// per spec.md §4.7.
func (s *Sizer) Size(in SizeInput) SizeResult {
	if in.MaxPositionSize <= 0 {
		in.MaxPositionSize = math.MaxInt32
	}
	if in.MaxSingleStockWeight <= 0 {
		in.MaxSingleStockWeight = 1.0
	}

	baseSize := 0
	if in.CurrentPrice > 0 {
		baseAlloc := in.PortfolioValue * baseAllocationPct
		baseSize = int(math.Floor(baseAlloc / in.CurrentPrice))
	}

	confidenceFactor := math.Max(confidenceFloor, in.Confidence)

	result := SizeResult{
		ConfidenceFactor: confidenceFactor,
		SizingMethod:     in.Method,
		MaxSize:          in.MaxPositionSize,
	}

	if in.Method == MethodFixed {
		result.FinalSize = baseSize
		result.RiskAdjusted = false
		return s.capAndWarn(result, in, baseSize)
	}

	modelFactor := defaultModelPerfFactor
	if s.modelPerf != nil {
		if score, known := s.modelPerf(in.ModelVersion); known {
			modelFactor = score
		}
	}

	riskFactor := math.Max(confidenceFloor, in.Confidence)

	adjusted := float64(baseSize) * confidenceFactor * modelFactor * riskFactor

	if in.Method == MethodVolatilityAdjusted && in.Volatility > 0 {
		// Higher volatility shrinks the position; scale inversely,
		// floored so a single very volatile instrument cannot zero itself out.
		volFactor := math.Max(0.2, 1-in.Volatility)
		adjusted *= volFactor
	}

	final := int(math.Floor(adjusted))
	result.RiskAdjusted = true
	return s.capAndWarn(result, in, final)
}

func (s *Sizer) capAndWarn(result SizeResult, in SizeInput, size int) SizeResult {
	if size > in.MaxPositionSize {
		size = in.MaxPositionSize
	}

	if in.CurrentPrice > 0 && in.PortfolioValue > 0 {
		maxByWeight := in.PortfolioValue * in.MaxSingleStockWeight
		for size > 0 && float64(size)*in.CurrentPrice > maxByWeight {
			size--
		}
	}

	if size < 0 {
		size = 0
	}
	result.FinalSize = size

	if size > 0 && size < smallPositionThreshold {
		result.Warnings = append(result.Warnings, "position size below 10 shares")
	}
	if in.CurrentPrice > 0 && in.PortfolioValue > 0 {
		weight := float64(size) * in.CurrentPrice / in.PortfolioValue
		if weight > highConcentrationPct {
			result.Warnings = append(result.Warnings, "position exceeds 5% portfolio concentration")
		}
	}

	return result
}

// Level is the qualitative risk bucket.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Action is the recommended response to an assessed risk level.
type Action string

const (
	ActionTrade  Action = "trade"
	ActionReduce Action = "reduce"
	ActionAbort  Action = "abort"
)

// Assessment is AssessRisk's output per spec.md §4.7.
type Assessment struct {
	RiskScore          float64
	Level              Level
	RecommendedAction  Action
	RiskFactors        []string
}

// AssessInput bundles an AssessRisk request.
type AssessInput struct {
	ModelVersion   string
	Confidence     float64
	Instrument     string
	// PositionWeights maps instrument -> fraction of portfolio value.
	PositionWeights map[string]float64
	// Correlations maps instrument -> correlation with the signal's
	// instrument, injected per SPEC_FULL.md's Open Question decision.
	Correlations    map[string]float64
	MarketVolatility float64
}

// AssessRisk combines five weighted risk components onto a 0..1 scale,
// per spec.md §4.7.
func (s *Sizer) AssessRisk(in AssessInput) Assessment {
	var factors []string

	confidenceRisk := (1 - in.Confidence) * 100
	if confidenceRisk > 50 {
		factors = append(factors, "low_confidence")
	}

	modelFactor := defaultModelPerfFactor
	if s.modelPerf != nil {
		if score, known := s.modelPerf(in.ModelVersion); known {
			modelFactor = score
		}
	}
	modelRisk := (1 - modelFactor) * 100
	if modelRisk > 50 {
		factors = append(factors, "weak_model_performance")
	}

	ownWeight := in.PositionWeights[in.Instrument]
	concentrationRisk := math.Min(100, ownWeight*500)
	if concentrationRisk > 50 {
		factors = append(factors, "high_concentration")
	}

	marketRisk := math.Min(100, in.MarketVolatility*100)
	if marketRisk > 50 {
		factors = append(factors, "elevated_market_volatility")
	}

	correlationRisk := 0.0
	for instrument, weight := range in.PositionWeights {
		if instrument == in.Instrument {
			continue
		}
		corr, ok := in.Correlations[instrument]
		if !ok {
			continue
		}
		correlationRisk += math.Abs(corr) * weight * 20
	}
	correlationRisk = math.Min(100, correlationRisk)
	if correlationRisk > 50 {
		factors = append(factors, "correlated_exposure")
	}

	score100 := confidenceRisk*0.25 + modelRisk*0.25 + concentrationRisk*0.20 + marketRisk*0.15 + correlationRisk*0.15
	score := score100 / 100

	var level Level
	var action Action
	switch {
	case score < 0.25:
		level, action = LevelLow, ActionTrade
	case score < 0.50:
		level, action = LevelMedium, ActionTrade
	case score < 0.75:
		level, action = LevelHigh, ActionReduce
	default:
		level, action = LevelCritical, ActionAbort
	}

	return Assessment{
		RiskScore:         score,
		Level:             level,
		RecommendedAction: action,
		RiskFactors:       factors,
	}
}

// VolatilityFromPrices is a convenience helper wiring pkg/quant's
// annualized volatility into an AssessInput/SizeInput's fractional
// MarketVolatility/Volatility fields.
func VolatilityFromPrices(prices []float64) float64 {
	return quant.AnnualizedVolatility(quant.Returns(prices))
}
