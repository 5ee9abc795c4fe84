// Package regime classifies market conditions from historical bars.
// Every classification is strictly backward-looking: the label at bar i is
// computed only from bars before i, never from i itself or anything after.
package regime

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/atlas-desktop/backtest-lab/pkg/utils"
)

// Period is a contiguous run of bars sharing one regime label.
type Period struct {
	Symbol        string            `json:"symbol"`
	Label         types.RegimeLabel `json:"label"`
	Start         time.Time         `json:"start"`
	End           time.Time         `json:"end"`
	Bars          int               `json:"bars"`
	Confidence    float64           `json:"confidence"`
	TrendStrength float64           `json:"trendStrength"`
	Volatility    float64           `json:"volatility"`
}

// Performance aggregates trade outcomes attributed to one regime.
type Performance struct {
	Label     types.RegimeLabel `json:"label"`
	Trades    int               `json:"trades"`
	Wins      int               `json:"wins"`
	WinRate   float64           `json:"winRate"`
	TotalPnL  decimal.Decimal   `json:"totalPnl"`
	AvgReturn float64           `json:"avgReturn"`
}

// Result holds per-bar labels and the contiguous periods they form.
type Result struct {
	Symbol  string              `json:"symbol"`
	Labels  []types.RegimeLabel `json:"labels"`
	Periods []*Period           `json:"periods"`
}

// Detector classifies regimes over a bar series.
type Detector struct {
	logger *zap.Logger
}

// New creates a regime detector.
func New(logger *zap.Logger) *Detector {
	return &Detector{logger: logger}
}

// Detect labels every bar in the series. The first cfg.Window bars carry
// the unknown label because their backward window is incomplete.
func (d *Detector) Detect(ctx context.Context, cfg *types.RegimeConfig, bars []*types.OHLCV) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("regime: no bars for %s", cfg.Symbol)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	// returns[j] is the fractional close-to-close move from bar j-1 to
	// bar j, so a window of returns ending at j uses closes up to j only.
	returns := make([]float64, len(bars))
	for j := 1; j < len(bars); j++ {
		prev, _ := bars[j-1].Close.Float64()
		curr, _ := bars[j].Close.Float64()
		if prev != 0 {
			returns[j] = curr/prev - 1
		}
	}

	periodsPerYear := float64(365 * 24 * time.Hour / cfg.Timeframe.Duration())
	annualize := math.Sqrt(periodsPerYear)

	result := &Result{
		Symbol: cfg.Symbol,
		Labels: make([]types.RegimeLabel, len(bars)),
	}

	states := make([]barState, len(bars))

	for i := range bars {
		if i < cfg.Window {
			states[i] = barState{label: types.RegimeUnknown}
			result.Labels[i] = types.RegimeUnknown
			continue
		}

		// Strictly backward: the last return in the window is the move
		// into bar i-1, so no close at or after bar i contributes.
		window := returns[i-cfg.Window+1 : i]
		trend := trendStrength(window)
		vol := utils.StdDev(window) * annualize

		label, confidence := classify(trend, vol, cfg)
		states[i] = barState{label: label, confidence: confidence, trend: trend, vol: vol}
		result.Labels[i] = label
	}

	result.Periods = buildPeriods(cfg.Symbol, bars, states)

	d.logger.Info("regime detection complete",
		zap.String("symbol", cfg.Symbol),
		zap.Int("bars", len(bars)),
		zap.Int("periods", len(result.Periods)),
	)

	return result, nil
}

// AttributeTrades assigns each trade to the regime active at its entry
// time and aggregates per-regime performance.
func (d *Detector) AttributeTrades(result *Result, bars []*types.OHLCV, trades []*types.Trade) map[types.RegimeLabel]*Performance {
	out := make(map[types.RegimeLabel]*Performance)

	for _, trade := range trades {
		label := labelAt(result, bars, trade.OpenedAt)
		perf, ok := out[label]
		if !ok {
			perf = &Performance{Label: label}
			out[label] = perf
		}
		perf.Trades++
		if trade.PnL.GreaterThan(decimal.Zero) {
			perf.Wins++
		}
		perf.TotalPnL = perf.TotalPnL.Add(trade.PnL)
		perf.AvgReturn += trade.ReturnPct
	}

	for _, perf := range out {
		if perf.Trades > 0 {
			perf.WinRate = float64(perf.Wins) / float64(perf.Trades)
			perf.AvgReturn /= float64(perf.Trades)
		}
	}
	return out
}

// labelAt finds the regime label of the last bar at or before ts.
func labelAt(result *Result, bars []*types.OHLCV, ts time.Time) types.RegimeLabel {
	label := types.RegimeUnknown
	for i, bar := range bars {
		if bar.Timestamp.After(ts) {
			break
		}
		label = result.Labels[i]
	}
	return label
}

// trendStrength is the return sum normalized by realized noise, clamped
// to [-1, 1].
func trendStrength(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	sum := 0.0
	for _, r := range returns {
		sum += r
	}
	vol := utils.StdDev(returns)
	if vol == 0 {
		return 0
	}
	return utils.Clamp(sum/(vol*math.Sqrt(float64(len(returns)))), -1, 1)
}

// classify maps trend strength and annualized volatility to a label with
// a confidence derived from the distance past the deciding threshold.
func classify(trend, vol float64, cfg *types.RegimeConfig) (types.RegimeLabel, float64) {
	switch {
	case vol >= cfg.VolThreshold:
		return types.RegimeHighVol, utils.Clamp(vol/cfg.VolThreshold-1, 0, 1)
	case trend >= cfg.TrendThreshold:
		return types.RegimeTrendingUp, utils.Clamp((trend-cfg.TrendThreshold)/(1-cfg.TrendThreshold), 0, 1)
	case trend <= -cfg.TrendThreshold:
		return types.RegimeTrendingDown, utils.Clamp((-trend-cfg.TrendThreshold)/(1-cfg.TrendThreshold), 0, 1)
	case vol < cfg.VolThreshold*0.5:
		return types.RegimeLowVol, utils.Clamp(1-vol/(cfg.VolThreshold*0.5), 0, 1)
	default:
		return types.RegimeRanging, utils.Clamp(1-math.Abs(trend)/cfg.TrendThreshold, 0, 1)
	}
}

// barState is the classification of a single bar before period grouping.
type barState struct {
	label      types.RegimeLabel
	confidence float64
	trend      float64
	vol        float64
}

// buildPeriods collapses per-bar states into contiguous labeled runs with
// averaged diagnostics.
func buildPeriods(symbol string, bars []*types.OHLCV, states []barState) []*Period {
	var periods []*Period
	var current *Period
	var confSum, trendSum, volSum float64

	flush := func() {
		if current == nil {
			return
		}
		n := float64(current.Bars)
		current.Confidence = confSum / n
		current.TrendStrength = trendSum / n
		current.Volatility = volSum / n
		periods = append(periods, current)
		current = nil
	}

	for i, st := range states {
		if current == nil || current.Label != st.label {
			flush()
			current = &Period{
				Symbol: symbol,
				Label:  st.label,
				Start:  bars[i].Timestamp,
			}
			confSum, trendSum, volSum = 0, 0, 0
		}
		current.Bars++
		current.End = bars[i].Timestamp
		confSum += st.confidence
		trendSum += st.trend
		volSum += st.vol
	}
	flush()

	return periods
}
