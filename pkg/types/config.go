// Package types provides configuration types for the backtest lab.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DateRange is a half-open [Start, End) historical interval.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Validate checks the range is well formed.
func (r DateRange) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("date range: start and end are required")
	}
	if !r.End.After(r.Start) {
		return fmt.Errorf("date range: end %s must be after start %s", r.End.Format(time.RFC3339), r.Start.Format(time.RFC3339))
	}
	return nil
}

// ParamType represents a searchable parameter type
type ParamType string

const (
	ParamTypeNumeric     ParamType = "numeric"
	ParamTypeBoolean     ParamType = "boolean"
	ParamTypeCategorical ParamType = "categorical"
)

// ParameterDefinition describes one searchable axis of the parameter space.
type ParameterDefinition struct {
	Name     string    `json:"name"`
	Category string    `json:"category,omitempty"`
	Type     ParamType `json:"type"`
	Min      float64   `json:"min,omitempty"`
	Max      float64   `json:"max,omitempty"`
	Step     float64   `json:"step,omitempty"`
	Default  float64   `json:"default"`
	Choices  []float64 `json:"choices,omitempty"` // categorical values
}

// Validate checks the definition describes a non-empty axis.
func (p ParameterDefinition) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("parameter: name is required")
	}
	switch p.Type {
	case ParamTypeNumeric:
		if p.Step <= 0 {
			return fmt.Errorf("parameter %s: step must be positive", p.Name)
		}
		if p.Max < p.Min {
			return fmt.Errorf("parameter %s: max %v below min %v", p.Name, p.Max, p.Min)
		}
	case ParamTypeBoolean:
		// two implicit values, nothing to check
	case ParamTypeCategorical:
		if len(p.Choices) == 0 {
			return fmt.Errorf("parameter %s: categorical axis needs choices", p.Name)
		}
	default:
		return fmt.Errorf("parameter %s: unknown type %q", p.Name, p.Type)
	}
	return nil
}

// ValueCount returns the number of discretized values on this axis.
func (p ParameterDefinition) ValueCount() int {
	switch p.Type {
	case ParamTypeBoolean:
		return 2
	case ParamTypeCategorical:
		return len(p.Choices)
	default:
		if p.Step <= 0 {
			return 0
		}
		n := 0
		for v := p.Min; v <= p.Max+p.Step*1e-9; v += p.Step {
			n++
		}
		return n
	}
}

// Values enumerates the discretized values of this axis in order.
func (p ParameterDefinition) Values() []float64 {
	switch p.Type {
	case ParamTypeBoolean:
		return []float64{0, 1}
	case ParamTypeCategorical:
		out := make([]float64, len(p.Choices))
		copy(out, p.Choices)
		return out
	default:
		var out []float64
		for v := p.Min; v <= p.Max+p.Step*1e-9; v += p.Step {
			out = append(out, v)
		}
		return out
	}
}

// OptimizationConfig configures a grid-search optimization run.
type OptimizationConfig struct {
	Symbols        []string              `json:"symbols"`
	Timeframe      Timeframe             `json:"timeframe"`
	Range          DateRange             `json:"range"`
	Parameters     []ParameterDefinition `json:"parameters"`
	Strategy       string                `json:"strategy"`
	InitialCapital decimal.Decimal       `json:"initialCapital"`
	Commission     decimal.Decimal       `json:"commission"`
	Seed           int64                 `json:"seed,omitempty"`

	// Validation settings
	InSamplePct       float64 `json:"inSamplePct"`       // chronological IS share, (0,1)
	Workers           int     `json:"workers"`           // bounded parallelism
	MinOOSTrades      int     `json:"minOosTrades"`      // recommendation gate
	MaxDegradationPct float64 `json:"maxDegradationPct"` // recommendation gate
}

// Validate range-checks the optimization config.
func (c *OptimizationConfig) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("optimization: at least one symbol is required")
	}
	if err := c.Range.Validate(); err != nil {
		return fmt.Errorf("optimization: %w", err)
	}
	if len(c.Parameters) == 0 {
		return fmt.Errorf("optimization: at least one parameter is required")
	}
	for _, p := range c.Parameters {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("optimization: %w", err)
		}
	}
	if c.InSamplePct <= 0 || c.InSamplePct >= 1 {
		return fmt.Errorf("optimization: inSamplePct %v outside (0,1)", c.InSamplePct)
	}
	if c.Workers < 0 {
		return fmt.Errorf("optimization: workers must be non-negative")
	}
	if c.InitialCapital.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("optimization: initial capital must be positive")
	}
	return nil
}

// TotalCombinations returns the size of the Cartesian parameter grid.
func (c *OptimizationConfig) TotalCombinations() int {
	total := 1
	for _, p := range c.Parameters {
		total *= p.ValueCount()
	}
	return total
}

// WalkForwardConfig configures a walk-forward validation run.
type WalkForwardConfig struct {
	Symbol         string          `json:"symbol"`
	Timeframe      Timeframe       `json:"timeframe"`
	Range          DateRange       `json:"range"`
	Strategy       string          `json:"strategy"`
	Parameters     map[string]float64 `json:"parameters"`
	InitialCapital decimal.Decimal `json:"initialCapital"`
	Commission     decimal.Decimal `json:"commission"`
	Seed           int64           `json:"seed,omitempty"`

	TrainDays          int     `json:"trainDays"`
	TestDays           int     `json:"testDays"`
	StepDays           int     `json:"stepDays"`
	MinWindows         int     `json:"minWindows"`
	StabilityThreshold float64 `json:"stabilityThreshold"`
}

// Validate range-checks the walk-forward config.
func (c *WalkForwardConfig) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("walk-forward: symbol is required")
	}
	if err := c.Range.Validate(); err != nil {
		return fmt.Errorf("walk-forward: %w", err)
	}
	if c.TrainDays <= 0 || c.TestDays <= 0 || c.StepDays <= 0 {
		return fmt.Errorf("walk-forward: train/test/step days must be positive")
	}
	if c.StepDays < c.TestDays {
		return fmt.Errorf("walk-forward: step %dd below test %dd would overlap test segments", c.StepDays, c.TestDays)
	}
	if c.InitialCapital.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("walk-forward: initial capital must be positive")
	}
	return nil
}

// BacktestConfig drives one isolated single-symbol run.
type BacktestConfig struct {
	Symbol         string             `json:"symbol"`
	Timeframe      Timeframe          `json:"timeframe"`
	Range          DateRange          `json:"range"`
	Strategy       string             `json:"strategy"`
	Parameters     map[string]float64 `json:"parameters"`
	InitialCapital decimal.Decimal    `json:"initialCapital"`
	Commission     decimal.Decimal    `json:"commission"`
	Seed           int64              `json:"seed,omitempty"`
}

// Validate range-checks the backtest config.
func (c *BacktestConfig) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("backtest: symbol is required")
	}
	if c.Strategy == "" {
		return fmt.Errorf("backtest: strategy is required")
	}
	if err := c.Range.Validate(); err != nil {
		return fmt.Errorf("backtest: %w", err)
	}
	if c.InitialCapital.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("backtest: initial capital must be positive")
	}
	if c.Commission.IsNegative() || c.Commission.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("backtest: commission outside [0,1)")
	}
	return nil
}

// ResamplingMethod selects how Monte Carlo reshapes the trade sequence
type ResamplingMethod string

const (
	MethodBlockBootstrap      ResamplingMethod = "block_bootstrap"
	MethodTradeResample       ResamplingMethod = "trade_resample"
	MethodOrderRandomization  ResamplingMethod = "order_randomization"
)

// MonteCarloConfig configures a Monte Carlo resampling run.
type MonteCarloConfig struct {
	Method         ResamplingMethod `json:"method"`
	Simulations    int              `json:"simulations"`
	Seed           int64            `json:"seed,omitempty"`
	BlockSize      int              `json:"blockSize,omitempty"` // block bootstrap only
	InitialCapital decimal.Decimal  `json:"initialCapital"`
	RuinFloorPct   float64          `json:"ruinFloorPct"` // equity floor as fraction of initial
	Percentiles    []float64        `json:"percentiles,omitempty"`
}

// Validate range-checks the Monte Carlo config.
func (c *MonteCarloConfig) Validate() error {
	switch c.Method {
	case MethodBlockBootstrap, MethodTradeResample, MethodOrderRandomization:
	default:
		return fmt.Errorf("monte carlo: unknown method %q", c.Method)
	}
	if c.Simulations <= 0 {
		return fmt.Errorf("monte carlo: simulations must be positive")
	}
	if c.Method == MethodBlockBootstrap && c.BlockSize <= 0 {
		return fmt.Errorf("monte carlo: block size must be positive for block bootstrap")
	}
	if c.RuinFloorPct <= 0 || c.RuinFloorPct >= 1 {
		return fmt.Errorf("monte carlo: ruinFloorPct %v outside (0,1)", c.RuinFloorPct)
	}
	if c.InitialCapital.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("monte carlo: initial capital must be positive")
	}
	return nil
}

// RegimeConfig configures a regime detection run.
type RegimeConfig struct {
	Symbol         string    `json:"symbol"`
	Timeframe      Timeframe `json:"timeframe"`
	Range          DateRange `json:"range"`
	Window         int       `json:"window"`         // strictly backward lookback, bars
	TrendThreshold float64   `json:"trendThreshold"` // |trend| above => trending
	VolThreshold   float64   `json:"volThreshold"`   // annualized vol above => high vol
}

// Validate range-checks the regime config.
func (c *RegimeConfig) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("regime: symbol is required")
	}
	if err := c.Range.Validate(); err != nil {
		return fmt.Errorf("regime: %w", err)
	}
	if c.Window < 2 {
		return fmt.Errorf("regime: window must be at least 2 bars")
	}
	if c.TrendThreshold <= 0 || c.VolThreshold <= 0 {
		return fmt.Errorf("regime: thresholds must be positive")
	}
	return nil
}

// RiskLimits configures the Risk Governor for a multi-asset run.
type RiskLimits struct {
	MaxOpenPositions      int             `json:"maxOpenPositions"`
	MaxPerSymbolPositions int             `json:"maxPerSymbolPositions"`
	MaxDailyDrawdown      decimal.Decimal `json:"maxDailyDrawdown"` // fraction of day-start equity
	MaxExposure           decimal.Decimal `json:"maxExposure"`      // fraction of equity
	CorrelationVeto       float64         `json:"correlationVeto"`  // |corr| above vetoes entries
	CorrelationWindow     int             `json:"correlationWindow"`
}

// Validate range-checks the risk limits.
func (l *RiskLimits) Validate() error {
	if l.MaxOpenPositions <= 0 {
		return fmt.Errorf("risk limits: maxOpenPositions must be positive")
	}
	if l.MaxPerSymbolPositions <= 0 {
		return fmt.Errorf("risk limits: maxPerSymbolPositions must be positive")
	}
	if l.MaxDailyDrawdown.LessThanOrEqual(decimal.Zero) || l.MaxDailyDrawdown.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("risk limits: maxDailyDrawdown outside (0,1)")
	}
	if l.MaxExposure.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("risk limits: maxExposure must be positive")
	}
	if l.CorrelationVeto <= 0 || l.CorrelationVeto > 1 {
		return fmt.Errorf("risk limits: correlationVeto outside (0,1]")
	}
	if l.CorrelationWindow < 2 {
		return fmt.Errorf("risk limits: correlationWindow must be at least 2")
	}
	return nil
}

// MultiAssetConfig configures a coordinated multi-instrument simulation.
type MultiAssetConfig struct {
	Symbols          []string             `json:"symbols"`
	Timeframes       map[string]Timeframe `json:"timeframes,omitempty"` // per-symbol override
	DefaultTimeframe Timeframe            `json:"defaultTimeframe"`
	Range            DateRange            `json:"range"`
	Strategy         string               `json:"strategy"`
	Parameters       map[string]float64   `json:"parameters"`
	InitialCapital   decimal.Decimal      `json:"initialCapital"`
	Commission       decimal.Decimal      `json:"commission"`
	RiskLimits       RiskLimits           `json:"riskLimits"`
	AnalyticsEvery   int                  `json:"analyticsEvery"` // ticks between correlation/metrics refresh
	Seed             int64                `json:"seed,omitempty"`
}

// TimeframeFor resolves the bar resolution for a symbol.
func (c *MultiAssetConfig) TimeframeFor(symbol string) Timeframe {
	if tf, ok := c.Timeframes[symbol]; ok {
		return tf
	}
	if c.DefaultTimeframe != "" {
		return c.DefaultTimeframe
	}
	return Timeframe1h
}

// Validate range-checks the multi-asset config.
func (c *MultiAssetConfig) Validate() error {
	if len(c.Symbols) < 1 {
		return fmt.Errorf("multi-asset: at least one symbol is required")
	}
	if err := c.Range.Validate(); err != nil {
		return fmt.Errorf("multi-asset: %w", err)
	}
	if c.InitialCapital.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("multi-asset: initial capital must be positive")
	}
	if err := c.RiskLimits.Validate(); err != nil {
		return fmt.Errorf("multi-asset: %w", err)
	}
	if c.AnalyticsEvery < 0 {
		return fmt.Errorf("multi-asset: analyticsEvery must be non-negative")
	}
	return nil
}

// GuardRails bounds what a single queue instance will accept.
type GuardRails struct {
	MaxCombinations   int           `json:"maxCombinations"`
	MaxWorkers        int           `json:"maxWorkers"`
	MaxSimulations    int           `json:"maxSimulations"`
	HeartbeatInterval time.Duration `json:"heartbeatInterval"`
}

// DefaultGuardRails returns the stock ceilings.
func DefaultGuardRails() GuardRails {
	return GuardRails{
		MaxCombinations:   10000,
		MaxWorkers:        8,
		MaxSimulations:    100000,
		HeartbeatInterval: 5 * time.Second,
	}
}

// ServerConfig represents the API server configuration
type ServerConfig struct {
	Host          string        `json:"host"`
	Port          int           `json:"port"`
	WebSocketPath string        `json:"websocketPath"`
	ReadTimeout   time.Duration `json:"readTimeout"`
	WriteTimeout  time.Duration `json:"writeTimeout"`
	EnableMetrics bool          `json:"enableMetrics"`
}
