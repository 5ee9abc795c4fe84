// Package types provides shared type definitions for the backtest lab.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// PositionSide represents long or short position
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// Timeframe represents bar resolutions
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// Duration returns the bar interval for a timeframe.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1m:
		return time.Minute
	case Timeframe5m:
		return 5 * time.Minute
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe1h:
		return time.Hour
	case Timeframe4h:
		return 4 * time.Hour
	case Timeframe1d:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

// OHLCV represents a single candlestick
type OHLCV struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Clone returns a copy of the bar.
func (b *OHLCV) Clone() *OHLCV {
	c := *b
	return &c
}

// CloneBars deep-copies a bar slice. Engines hand cloned data to each
// isolated run so no simulation can observe another's mutations.
func CloneBars(bars []*OHLCV) []*OHLCV {
	out := make([]*OHLCV, len(bars))
	for i, b := range bars {
		out[i] = b.Clone()
	}
	return out
}

// Trade represents a completed round-trip executed during a simulation
type Trade struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Side       PositionSide    `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	ExitPrice  decimal.Decimal `json:"exitPrice"`
	OpenedAt   time.Time       `json:"openedAt"`
	ClosedAt   time.Time       `json:"closedAt"`
	PnL        decimal.Decimal `json:"pnl"`
	ReturnPct  float64         `json:"returnPct"`
}

// EquityCurvePoint represents a point on the equity curve
type EquityCurvePoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Equity    decimal.Decimal `json:"equity"`
	Cash      decimal.Decimal `json:"cash"`
	Drawdown  decimal.Decimal `json:"drawdown"`
}

// DownsampleEquityCurve reduces an equity curve to at most maxPoints for
// compact transport, always keeping the first and last point.
func DownsampleEquityCurve(curve []EquityCurvePoint, maxPoints int) []EquityCurvePoint {
	if maxPoints <= 1 || len(curve) <= maxPoints {
		return curve
	}
	out := make([]EquityCurvePoint, 0, maxPoints)
	step := float64(len(curve)-1) / float64(maxPoints-1)
	for i := 0; i < maxPoints-1; i++ {
		out = append(out, curve[int(float64(i)*step)])
	}
	out = append(out, curve[len(curve)-1])
	return out
}

// PerformanceMetrics represents simulation performance metrics
type PerformanceMetrics struct {
	TotalReturn      decimal.Decimal `json:"totalReturn"`
	AnnualizedReturn decimal.Decimal `json:"annualizedReturn"`
	SharpeRatio      decimal.Decimal `json:"sharpeRatio"`
	SortinoRatio     decimal.Decimal `json:"sortinoRatio"`
	CalmarRatio      decimal.Decimal `json:"calmarRatio"`
	MaxDrawdown      decimal.Decimal `json:"maxDrawdown"`
	MaxDrawdownDate  time.Time       `json:"maxDrawdownDate"`
	WinRate          decimal.Decimal `json:"winRate"`
	ProfitFactor     decimal.Decimal `json:"profitFactor"`
	Expectancy       decimal.Decimal `json:"expectancy"`
	TotalTrades      int             `json:"totalTrades"`
	WinningTrades    int             `json:"winningTrades"`
	LosingTrades     int             `json:"losingTrades"`
	AvgWin           decimal.Decimal `json:"avgWin"`
	AvgLoss          decimal.Decimal `json:"avgLoss"`
	LargestWin       decimal.Decimal `json:"largestWin"`
	LargestLoss      decimal.Decimal `json:"largestLoss"`
	FinalEquity      decimal.Decimal `json:"finalEquity"`
}

// RunStatus represents the lifecycle state of a queued run
type RunStatus string

const (
	RunStatusQueued    RunStatus = "QUEUED"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusAborted   RunStatus = "ABORTED"
)

// Terminal reports whether the status permits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusAborted
}

// CanTransitionTo enforces the forward-only lifecycle
// QUEUED -> RUNNING -> (COMPLETED | FAILED | ABORTED).
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	switch s {
	case RunStatusQueued:
		return next == RunStatusRunning || next == RunStatusFailed || next == RunStatusAborted
	case RunStatusRunning:
		return next.Terminal()
	default:
		return false
	}
}

// JobKind identifies the engine a queued run drives
type JobKind string

const (
	JobKindOptimization    JobKind = "optimization"
	JobKindWalkForward     JobKind = "walk_forward"
	JobKindMonteCarlo      JobKind = "monte_carlo"
	JobKindRegimeDetection JobKind = "regime_detection"
	JobKindMultiAsset      JobKind = "multi_asset"
)

// JobProgress reports how far along a running job is. Percent is
// monotonically non-decreasing for the lifetime of the job.
type JobProgress struct {
	Percent float64 `json:"percent"`
	Phase   string  `json:"phase"`
	Message string  `json:"message,omitempty"`
}

// RegimeLabel classifies a market window
type RegimeLabel string

const (
	RegimeTrendingUp   RegimeLabel = "trending_up"
	RegimeTrendingDown RegimeLabel = "trending_down"
	RegimeRanging      RegimeLabel = "ranging"
	RegimeHighVol      RegimeLabel = "high_vol"
	RegimeLowVol       RegimeLabel = "low_vol"
	RegimeUnknown      RegimeLabel = "unknown"
)
