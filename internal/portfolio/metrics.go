package portfolio

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/atlas-desktop/backtest-lab/pkg/utils"
)

// annualizationBasis is the per-year observation count used for ratio
// metrics over snapshot returns.
const annualizationBasis = 252

// AssetContribution is one symbol's share of realized performance.
type AssetContribution struct {
	Symbol      string          `json:"symbol"`
	Trades      int             `json:"trades"`
	Wins        int             `json:"wins"`
	RealizedPnL decimal.Decimal `json:"realizedPnl"`
	Share       float64         `json:"share"`
}

// Metrics summarizes a multi-asset run from the ledger's history.
type Metrics struct {
	TotalReturn   decimal.Decimal     `json:"totalReturn"`
	SharpeRatio   decimal.Decimal     `json:"sharpeRatio"`
	SortinoRatio  decimal.Decimal     `json:"sortinoRatio"`
	MaxDrawdown   decimal.Decimal     `json:"maxDrawdown"`
	Volatility    decimal.Decimal     `json:"volatility"`
	FinalEquity   decimal.Decimal     `json:"finalEquity"`
	TotalTrades   int                 `json:"totalTrades"`
	Contributions []AssetContribution `json:"contributions"`
}

// CalculateMetrics derives risk-adjusted ratios and per-asset
// contribution from ledger snapshots and completed trades.
func CalculateMetrics(snapshots []Snapshot, trades []*types.Trade, initialCapital decimal.Decimal) *Metrics {
	m := &Metrics{FinalEquity: initialCapital, TotalTrades: len(trades)}
	if len(snapshots) > 0 {
		m.FinalEquity = snapshots[len(snapshots)-1].Equity
	}
	if !initialCapital.IsZero() {
		m.TotalReturn = m.FinalEquity.Sub(initialCapital).Div(initialCapital)
	}

	// Per-point returns and drawdown from snapshots.
	var returns []float64
	maxDD := decimal.Zero
	peak := initialCapital
	for i, snap := range snapshots {
		if snap.Equity.GreaterThan(peak) {
			peak = snap.Equity
		}
		if !peak.IsZero() {
			dd := peak.Sub(snap.Equity).Div(peak)
			if dd.GreaterThan(maxDD) {
				maxDD = dd
			}
		}
		if i > 0 && !snapshots[i-1].Equity.IsZero() {
			ret, _ := snap.Equity.Sub(snapshots[i-1].Equity).Div(snapshots[i-1].Equity).Float64()
			returns = append(returns, ret)
		}
	}
	m.MaxDrawdown = maxDD

	if len(returns) > 1 {
		mean := utils.Mean(returns)
		sd := utils.StdDev(returns)
		m.Volatility = decimal.NewFromFloat(sd * math.Sqrt(annualizationBasis))
		if sd > 0 {
			m.SharpeRatio = decimal.NewFromFloat(mean / sd * math.Sqrt(annualizationBasis))
		}
		var downside []float64
		for _, r := range returns {
			if r < 0 {
				downside = append(downside, r)
			}
		}
		if dd := utils.StdDev(downside); dd > 0 {
			m.SortinoRatio = decimal.NewFromFloat(mean / dd * math.Sqrt(annualizationBasis))
		}
	}

	m.Contributions = contributions(trades)
	return m
}

// contributions aggregates realized results per symbol. Share is each
// symbol's fraction of total absolute realized PnL.
func contributions(trades []*types.Trade) []AssetContribution {
	bySymbol := make(map[string]*AssetContribution)
	totalAbs := decimal.Zero

	for _, trade := range trades {
		contrib, ok := bySymbol[trade.Symbol]
		if !ok {
			contrib = &AssetContribution{Symbol: trade.Symbol}
			bySymbol[trade.Symbol] = contrib
		}
		contrib.Trades++
		if trade.PnL.GreaterThan(decimal.Zero) {
			contrib.Wins++
		}
		contrib.RealizedPnL = contrib.RealizedPnL.Add(trade.PnL)
		totalAbs = totalAbs.Add(trade.PnL.Abs())
	}

	out := make([]AssetContribution, 0, len(bySymbol))
	for _, contrib := range bySymbol {
		if !totalAbs.IsZero() {
			contrib.Share, _ = contrib.RealizedPnL.Abs().Div(totalAbs).Float64()
		}
		out = append(out, *contrib)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
