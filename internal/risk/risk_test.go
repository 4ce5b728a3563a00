package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSize_FixedMethodReturnsBaseSizeUnchanged(t *testing.T) {
	s := New(nil)
	result := s.Size(SizeInput{
		Confidence:     0.9,
		PortfolioValue: 100000,
		CurrentPrice:   100,
		Method:         MethodFixed,
	})
	assert.Equal(t, 10, result.FinalSize) // 1% of 100000 / 100 = 10
	assert.False(t, result.RiskAdjusted)
}

func TestSize_ConfidenceWeighted_AppliesAllFactors(t *testing.T) {
	s := New(func(string) (float64, bool) { return 1.0, true })
	result := s.Size(SizeInput{
		Confidence:     1.0,
		PortfolioValue: 100000,
		CurrentPrice:   100,
		Method:         MethodConfidenceWeighted,
	})
	// base=10, confidence=1, model=1, risk=1 -> 10
	assert.Equal(t, 10, result.FinalSize)
	assert.True(t, result.RiskAdjusted)
}

func TestSize_LowConfidenceFloorsAtTenPercent(t *testing.T) {
	s := New(nil)
	result := s.Size(SizeInput{
		Confidence:     0.0,
		PortfolioValue: 1000000,
		CurrentPrice:   100,
		Method:         MethodConfidenceWeighted,
	})
	assert.Equal(t, 0.1, result.ConfidenceFactor)
}

func TestSize_CappedByMaxPositionSize(t *testing.T) {
	s := New(func(string) (float64, bool) { return 1.0, true })
	result := s.Size(SizeInput{
		Confidence:      1.0,
		PortfolioValue:  10000000,
		CurrentPrice:    1,
		Method:          MethodConfidenceWeighted,
		MaxPositionSize: 50,
	})
	assert.LessOrEqual(t, result.FinalSize, 50)
}

func TestSize_CappedBySingleStockWeight(t *testing.T) {
	s := New(func(string) (float64, bool) { return 1.0, true })
	result := s.Size(SizeInput{
		Confidence:           1.0,
		PortfolioValue:       100000,
		CurrentPrice:         1000,
		Method:               MethodConfidenceWeighted,
		MaxSingleStockWeight: 0.01,
	})
	weight := float64(result.FinalSize) * 1000 / 100000
	assert.LessOrEqual(t, weight, 0.01+1e-9)
}

func TestSize_WarnsOnSmallPosition(t *testing.T) {
	s := New(nil)
	result := s.Size(SizeInput{
		Confidence:     0.9,
		PortfolioValue: 10000,
		CurrentPrice:   100,
		Method:         MethodFixed,
	})
	assert.Contains(t, result.Warnings, "position size below 10 shares")
}

func TestSize_ZeroPriceReturnsZero(t *testing.T) {
	s := New(nil)
	result := s.Size(SizeInput{
		Confidence:     0.9,
		PortfolioValue: 10000,
		CurrentPrice:   0,
		Method:         MethodFixed,
	})
	assert.Equal(t, 0, result.FinalSize)
}

func TestAssessRisk_HighConfidenceLowExposureIsLowRisk(t *testing.T) {
	s := New(func(string) (float64, bool) { return 0.9, true })
	a := s.AssessRisk(AssessInput{
		Confidence:      0.95,
		Instrument:      "AAPL",
		PositionWeights: map[string]float64{"AAPL": 0.01},
		MarketVolatility: 0.1,
	})
	assert.Equal(t, LevelLow, a.Level)
	assert.Equal(t, ActionTrade, a.RecommendedAction)
}

func TestAssessRisk_LowConfidenceHighConcentrationIsCritical(t *testing.T) {
	s := New(func(string) (float64, bool) { return 0.1, true })
	a := s.AssessRisk(AssessInput{
		Confidence:       0.1,
		Instrument:       "AAPL",
		PositionWeights:  map[string]float64{"AAPL": 0.30},
		MarketVolatility: 0.9,
	})
	assert.Equal(t, LevelCritical, a.Level)
	assert.Equal(t, ActionAbort, a.RecommendedAction)
}

func TestAssessRisk_MediumRiskRecommendsTrade(t *testing.T) {
	s := New(func(string) (float64, bool) { return 0.7, true })
	a := s.AssessRisk(AssessInput{
		Confidence:       0.6,
		Instrument:       "AAPL",
		PositionWeights:  map[string]float64{"AAPL": 0.03},
		MarketVolatility: 0.3,
	})
	assert.Equal(t, ActionTrade, a.RecommendedAction)
}

func TestAssessRisk_HighRiskRecommendsReduce(t *testing.T) {
	s := New(func(string) (float64, bool) { return 0.3, true })
	a := s.AssessRisk(AssessInput{
		Confidence:       0.2,
		Instrument:       "AAPL",
		PositionWeights:  map[string]float64{"AAPL": 0.15},
		MarketVolatility: 0.6,
	})
	assert.Equal(t, ActionReduce, a.RecommendedAction)
}

func TestAssessRisk_CorrelationAddsToRiskScore(t *testing.T) {
	s := New(func(string) (float64, bool) { return 0.9, true })
	without := s.AssessRisk(AssessInput{
		Confidence:      0.9,
		Instrument:      "AAPL",
		PositionWeights: map[string]float64{"AAPL": 0.01, "MSFT": 0.5},
		Correlations:    map[string]float64{},
	})
	with := s.AssessRisk(AssessInput{
		Confidence:      0.9,
		Instrument:      "AAPL",
		PositionWeights: map[string]float64{"AAPL": 0.01, "MSFT": 0.5},
		Correlations:    map[string]float64{"MSFT": 0.95},
	})
	assert.Greater(t, with.RiskScore, without.RiskScore)
}
