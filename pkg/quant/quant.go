// Package quant provides the gonum/go-talib-backed statistics helpers
// shared by internal/risk and internal/monitor, adapted from
// pkg/formulas (stats.go, cvar.go).
package quant

import (
	"math"
	"sort"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"
)

// Mean returns the arithmetic mean, 0 for an empty slice.
func Mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.Mean(data, nil)
}

// StdDev returns the sample standard deviation, 0 for an empty slice.
func StdDev(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.StdDev(data, nil)
}

// Correlation returns the Pearson correlation coefficient between equal
// length series x and y, 0 when lengths mismatch or either is empty.
func Correlation(x, y []float64) float64 {
	if len(x) == 0 || len(x) != len(y) {
		return 0
	}
	return stat.Correlation(x, y, nil)
}

// Returns converts a price series into simple percentage returns.
func Returns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] != 0 {
			out[i-1] = (prices[i] - prices[i-1]) / prices[i-1]
		}
	}
	return out
}

// AnnualizedVolatility scales daily-return stddev by sqrt(252).
func AnnualizedVolatility(dailyReturns []float64) float64 {
	if len(dailyReturns) == 0 {
		return 0
	}
	return StdDev(dailyReturns) * math.Sqrt(252)
}

// ATRVolatility estimates volatility from OHLC history via go-talib's
// Average True Range, normalized by the last close so it is comparable
// to a fractional-return volatility figure.
func ATRVolatility(high, low, close []float64, period int) float64 {
	if len(close) == 0 || len(high) != len(close) || len(low) != len(close) {
		return 0
	}
	if period <= 0 {
		period = 14
	}
	atr := talib.Atr(high, low, close, period)
	last := atr[len(atr)-1]
	lastClose := close[len(close)-1]
	if lastClose == 0 {
		return 0
	}
	return last / lastClose
}

// EMA wraps go-talib's exponential moving average.
func EMA(series []float64, period int) []float64 {
	if len(series) == 0 || period <= 0 {
		return nil
	}
	return talib.Ema(series, period)
}

// BollingerWidth returns the current Bollinger Band width (upper-lower)/middle,
// a simple volatility proxy used by the volatility-adjusted sizing method.
func BollingerWidth(series []float64, period int, stdDevMultiplier float64) float64 {
	if len(series) < period || period <= 0 {
		return 0
	}
	upper, middle, lower := talib.BBands(series, period, stdDevMultiplier, stdDevMultiplier, 0)
	n := len(middle)
	if n == 0 || middle[n-1] == 0 {
		return 0
	}
	return (upper[n-1] - lower[n-1]) / middle[n-1]
}

// Percentile returns the linear-interpolated percentile (0..1) of data.
func Percentile(data []float64, p float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := p * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// VaR95 returns the historical 95% Value at Risk: the 5th percentile of
// the return distribution (negative for losses).
func VaR95(returns []float64) float64 {
	return Percentile(returns, 0.05)
}

// SharpeRatio computes the annualized Sharpe ratio from daily returns
// given an annual risk-free rate, per the standard
// (mean(excess) / stddev(excess)) * sqrt(252) convention.
func SharpeRatio(dailyReturns []float64, annualRiskFreeRate float64) float64 {
	if len(dailyReturns) == 0 {
		return 0
	}
	dailyRF := annualRiskFreeRate / 252
	excess := make([]float64, len(dailyReturns))
	for i, r := range dailyReturns {
		excess[i] = r - dailyRF
	}
	sd := StdDev(excess)
	if sd == 0 {
		return 0
	}
	return (Mean(excess) / sd) * math.Sqrt(252)
}

// ProfitFactor is gross profit divided by gross loss (absolute value),
// 0 when there are no losses to divide by.
func ProfitFactor(pnls []float64) float64 {
	var grossProfit, grossLoss float64
	for _, p := range pnls {
		if p >= 0 {
			grossProfit += p
		} else {
			grossLoss += -p
		}
	}
	if grossLoss == 0 {
		return 0
	}
	return grossProfit / grossLoss
}

// MaxDrawdown returns the maximum peak-to-trough decline (as a positive
// fraction) over a cumulative-equity curve built from returns.
func MaxDrawdown(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	equity := 1.0
	peak := 1.0
	maxDD := 0.0
	for _, r := range returns {
		equity *= 1 + r
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			dd := (peak - equity) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// WinRate is the fraction of non-negative outcomes in pnls.
func WinRate(pnls []float64) float64 {
	if len(pnls) == 0 {
		return 0
	}
	wins := 0
	for _, p := range pnls {
		if p >= 0 {
			wins++
		}
	}
	return float64(wins) / float64(len(pnls))
}
