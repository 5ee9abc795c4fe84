// Package executor provides performance metrics calculation.
package executor

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/atlas-desktop/backtest-lab/pkg/utils"
)

// tradingDaysPerYear is the annualization basis for ratio metrics.
const tradingDaysPerYear = 252

// MetricsCalculator calculates performance metrics from a finished run.
type MetricsCalculator struct{}

// NewMetricsCalculator creates a new metrics calculator
func NewMetricsCalculator() *MetricsCalculator {
	return &MetricsCalculator{}
}

// Calculate calculates all performance metrics
func (mc *MetricsCalculator) Calculate(
	trades []*types.Trade,
	equityCurve []types.EquityCurvePoint,
	initialCapital decimal.Decimal,
) *types.PerformanceMetrics {
	metrics := &types.PerformanceMetrics{FinalEquity: initialCapital}
	if len(equityCurve) == 0 {
		return metrics
	}
	metrics.FinalEquity = equityCurve[len(equityCurve)-1].Equity

	// Basic trade statistics
	var winningTrades, losingTrades int
	var totalWins, totalLosses decimal.Decimal
	var largestWin, largestLoss decimal.Decimal

	for _, trade := range trades {
		if trade.PnL.GreaterThan(decimal.Zero) {
			winningTrades++
			totalWins = totalWins.Add(trade.PnL)
			if trade.PnL.GreaterThan(largestWin) {
				largestWin = trade.PnL
			}
		} else if trade.PnL.LessThan(decimal.Zero) {
			losingTrades++
			totalLosses = totalLosses.Add(trade.PnL.Abs())
			if trade.PnL.Abs().GreaterThan(largestLoss) {
				largestLoss = trade.PnL.Abs()
			}
		}
	}

	metrics.TotalTrades = len(trades)
	metrics.WinningTrades = winningTrades
	metrics.LosingTrades = losingTrades
	metrics.LargestWin = largestWin
	metrics.LargestLoss = largestLoss

	// Win rate
	if metrics.TotalTrades > 0 {
		metrics.WinRate = decimal.NewFromInt(int64(winningTrades)).Div(decimal.NewFromInt(int64(metrics.TotalTrades)))
	}

	// Average win/loss
	if winningTrades > 0 {
		metrics.AvgWin = totalWins.Div(decimal.NewFromInt(int64(winningTrades)))
	}
	if losingTrades > 0 {
		metrics.AvgLoss = totalLosses.Div(decimal.NewFromInt(int64(losingTrades)))
	}

	// Profit factor
	if !totalLosses.IsZero() {
		metrics.ProfitFactor = utils.SafeDiv(totalWins, totalLosses)
	}

	// Expectancy: (Win% * AvgWin) - (Loss% * AvgLoss)
	if metrics.TotalTrades > 0 {
		winPct := metrics.WinRate
		lossPct := decimal.NewFromFloat(1).Sub(winPct)
		metrics.Expectancy = winPct.Mul(metrics.AvgWin).Sub(lossPct.Mul(metrics.AvgLoss))
	}

	// Total return
	if !initialCapital.IsZero() {
		metrics.TotalReturn = metrics.FinalEquity.Sub(initialCapital).Div(initialCapital)
	}

	returns := mc.periodReturns(equityCurve)

	// Annualized return
	if len(returns) > 0 {
		avgReturn := utils.Mean(returns)
		metrics.AnnualizedReturn = decimal.NewFromFloat(avgReturn * tradingDaysPerYear)
	}

	// Sharpe Ratio (0% risk-free rate)
	if len(returns) > 1 {
		avgReturn := utils.Mean(returns)
		stdDev := utils.StdDev(returns)
		if stdDev > 0 {
			metrics.SharpeRatio = decimal.NewFromFloat(avgReturn / stdDev * math.Sqrt(tradingDaysPerYear))
		}
	}

	// Sortino Ratio (downside deviation only)
	if len(returns) > 1 {
		avgReturn := utils.Mean(returns)
		downsideDev := mc.downsideDeviation(returns)
		if downsideDev > 0 {
			metrics.SortinoRatio = decimal.NewFromFloat(avgReturn / downsideDev * math.Sqrt(tradingDaysPerYear))
		}
	}

	// Max drawdown
	maxDD, maxDDDate := MaxDrawdown(equityCurve)
	metrics.MaxDrawdown = maxDD
	metrics.MaxDrawdownDate = maxDDDate

	// Calmar Ratio
	if !metrics.MaxDrawdown.IsZero() {
		metrics.CalmarRatio = metrics.AnnualizedReturn.Div(metrics.MaxDrawdown)
	}

	return metrics
}

// periodReturns calculates per-point returns from the equity curve.
func (mc *MetricsCalculator) periodReturns(equityCurve []types.EquityCurvePoint) []float64 {
	if len(equityCurve) < 2 {
		return nil
	}

	returns := make([]float64, 0, len(equityCurve)-1)
	for i := 1; i < len(equityCurve); i++ {
		prevEquity := equityCurve[i-1].Equity
		currEquity := equityCurve[i].Equity
		if prevEquity.IsZero() {
			continue
		}
		ret, _ := currEquity.Sub(prevEquity).Div(prevEquity).Float64()
		returns = append(returns, ret)
	}
	return returns
}

// MaxDrawdown returns the deepest peak-to-trough decline on the curve and
// the timestamp where it bottomed.
func MaxDrawdown(equityCurve []types.EquityCurvePoint) (decimal.Decimal, time.Time) {
	if len(equityCurve) == 0 {
		return decimal.Zero, time.Time{}
	}

	var maxDD decimal.Decimal
	var maxDDDate time.Time
	peak := equityCurve[0].Equity

	for _, point := range equityCurve {
		if point.Equity.GreaterThan(peak) {
			peak = point.Equity
		}
		if !peak.IsZero() {
			dd := peak.Sub(point.Equity).Div(peak)
			if dd.GreaterThan(maxDD) {
				maxDD = dd
				maxDDDate = point.Timestamp
			}
		}
	}
	return maxDD, maxDDDate
}

// downsideDeviation calculates standard deviation of the negative returns.
func (mc *MetricsCalculator) downsideDeviation(returns []float64) float64 {
	var negativeReturns []float64
	for _, r := range returns {
		if r < 0 {
			negativeReturns = append(negativeReturns, r)
		}
	}
	if len(negativeReturns) == 0 {
		return 0
	}
	return utils.StdDev(negativeReturns)
}
