package gridsearch

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/backtest-lab/internal/executor"
	"github.com/atlas-desktop/backtest-lab/internal/rng"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
)

// equityCurveMaxPoints bounds the per-combination curve kept in results.
const equityCurveMaxPoints = 256

// defaultWorkers is used when the config leaves the pool size unset.
const defaultWorkers = 4

// TooManyCombinationsError rejects a grid before any work starts.
type TooManyCombinationsError struct {
	Requested int
	Ceiling   int
}

func (e *TooManyCombinationsError) Error() string {
	return fmt.Sprintf("grid of %d combinations exceeds ceiling of %d", e.Requested, e.Ceiling)
}

// ScoreWeights tunes the robustness score. The blend rewards out-of-sample
// performance over in-sample and penalizes divergence between the two.
type ScoreWeights struct {
	InSample    float64 `json:"inSample"`
	OutOfSample float64 `json:"outOfSample"`
	Divergence  float64 `json:"divergence"`
}

// DefaultScoreWeights returns the stock blend.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{InSample: 0.4, OutOfSample: 0.6, Divergence: 0.25}
}

// CombinationResult is the evaluation of one search-space point on one
// symbol.
type CombinationResult struct {
	Combination     ParameterCombination      `json:"combination"`
	Symbol          string                    `json:"symbol"`
	InSample        *types.PerformanceMetrics `json:"inSample"`
	OutOfSample     *types.PerformanceMetrics `json:"outOfSample,omitempty"`
	RobustnessScore float64                   `json:"robustnessScore"`
	DegradationPct  float64                   `json:"degradationPct"`
	Rank            int                       `json:"rank"`
	Recommended     bool                      `json:"recommended"`
	Warnings        []string                  `json:"warnings,omitempty"`
	Trades          []*types.Trade            `json:"trades,omitempty"`
	EquityCurve     []types.EquityCurvePoint  `json:"equityCurve,omitempty"`
}

// Result aggregates a finished grid search.
type Result struct {
	Results            []*CombinationResult `json:"results"`
	CombinationsTested int                  `json:"combinationsTested"`
	FailedUnits        int                  `json:"failedUnits"`
	TradesExecuted     int                  `json:"tradesExecuted"`
	Elapsed            time.Duration        `json:"elapsed"`
}

// ProgressFunc receives progress updates as units complete.
type ProgressFunc func(progress types.JobProgress)

// Engine runs grid-search optimizations over a bounded worker pool.
type Engine struct {
	logger  *zap.Logger
	exec    *executor.Executor
	guard   types.GuardRails
	weights ScoreWeights
}

// New creates a grid search engine.
func New(exec *executor.Executor, guard types.GuardRails, logger *zap.Logger) *Engine {
	return &Engine{
		logger:  logger,
		exec:    exec,
		guard:   guard,
		weights: DefaultScoreWeights(),
	}
}

// SetScoreWeights overrides the robustness blend.
func (e *Engine) SetScoreWeights(w ScoreWeights) { e.weights = w }

// EstimateWork returns the number of evaluation units the config implies,
// or the ceiling error if the grid is too large. Safe to call from the
// synchronous enqueue path.
func (e *Engine) EstimateWork(cfg *types.OptimizationConfig) (int, error) {
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	total := cfg.TotalCombinations()
	if total > e.guard.MaxCombinations {
		return 0, &TooManyCombinationsError{Requested: total, Ceiling: e.guard.MaxCombinations}
	}
	return total * len(cfg.Symbols), nil
}

// Run evaluates every combination against every symbol. Individual unit
// failures are recorded as warnings and do not fail the run unless every
// unit failed. Combinations may complete out of order across workers; the
// final ranking is computed after all finish and is independent of
// scheduling.
func (e *Engine) Run(
	ctx context.Context,
	cfg *types.OptimizationConfig,
	bars map[string][]*types.OHLCV,
	progress ProgressFunc,
) (*Result, error) {
	startTime := time.Now()

	totalUnits, err := e.EstimateWork(cfg)
	if err != nil {
		return nil, err
	}

	combos := Enumerate(cfg.Parameters)

	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	if workers > e.guard.MaxWorkers {
		workers = e.guard.MaxWorkers
	}

	e.logger.Info("starting grid search",
		zap.Int("combinations", len(combos)),
		zap.Int("symbols", len(cfg.Symbols)),
		zap.Int("workers", workers),
	)

	type unitOutcome struct {
		result *CombinationResult
		trades int
		failed bool
	}

	results := make(chan unitOutcome, totalUnits)
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for _, symbol := range cfg.Symbols {
		symbolBars := bars[symbol]
		for _, combo := range combos {
			select {
			case <-ctx.Done():
				goto collect
			default:
			}

			wg.Add(1)
			go func(symbol string, symbolBars []*types.OHLCV, combo ParameterCombination) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()

				res, trades, failed := e.evaluate(ctx, cfg, symbol, symbolBars, combo)
				if res != nil {
					results <- unitOutcome{result: res, trades: trades, failed: failed}
				}
			}(symbol, symbolBars, combo)
		}
	}

collect:
	go func() {
		wg.Wait()
		close(results)
	}()

	out := &Result{}
	completed := 0
	for res := range results {
		completed++
		if res.failed {
			out.FailedUnits++
		} else {
			out.Results = append(out.Results, res.result)
			out.TradesExecuted += res.trades
		}
		out.CombinationsTested++

		if progress != nil {
			progress(types.JobProgress{
				Percent: float64(completed) / float64(totalUnits) * 100,
				Phase:   "evaluating",
				Message: fmt.Sprintf("%d/%d combinations", completed, totalUnits),
			})
		}
	}

	if err := ctx.Err(); err != nil {
		out.Elapsed = time.Since(startTime)
		e.rank(out.Results, cfg)
		return out, err
	}

	if len(out.Results) == 0 && out.FailedUnits > 0 {
		return nil, fmt.Errorf("grid search: all %d evaluation units failed", out.FailedUnits)
	}

	e.rank(out.Results, cfg)
	out.Elapsed = time.Since(startTime)

	e.logger.Info("grid search complete",
		zap.Int("tested", out.CombinationsTested),
		zap.Int("failed", out.FailedUnits),
		zap.Duration("elapsed", out.Elapsed),
	)

	return out, nil
}

// evaluate runs one combination on one symbol: in-sample first, then the
// held-out tail.
func (e *Engine) evaluate(
	ctx context.Context,
	cfg *types.OptimizationConfig,
	symbol string,
	symbolBars []*types.OHLCV,
	combo ParameterCombination,
) (*CombinationResult, int, bool) {
	if len(symbolBars) < 2 {
		return &CombinationResult{
			Combination: combo,
			Symbol:      symbol,
			InSample:    &types.PerformanceMetrics{},
			Warnings:    []string{"insufficient data for symbol"},
		}, 0, true
	}

	isEnd := int(float64(len(symbolBars)) * cfg.InSamplePct)
	if isEnd < 1 {
		isEnd = 1
	}
	if isEnd >= len(symbolBars) {
		isEnd = len(symbolBars) - 1
	}
	isBars := symbolBars[:isEnd]
	oosBars := symbolBars[isEnd:]

	// Seed from the content hash so results do not depend on worker
	// scheduling order.
	seed := rng.DeriveSeed(cfg.Seed, combo.Hash+"|"+symbol)

	runSpec := executor.RunSpec{
		Strategy:       cfg.Strategy,
		Params:         combo.Values,
		Symbol:         symbol,
		InitialCapital: cfg.InitialCapital,
		Commission:     cfg.Commission,
	}

	runSpec.Bars = isBars
	runSpec.Seed = rng.DeriveSeed(seed, "is")
	isResult, err := e.exec.Run(ctx, runSpec)
	if err != nil {
		e.logger.Warn("in-sample evaluation failed",
			zap.String("hash", combo.Hash),
			zap.String("symbol", symbol),
			zap.Error(err))
		return &CombinationResult{
			Combination: combo,
			Symbol:      symbol,
			InSample:    &types.PerformanceMetrics{},
			Warnings:    []string{fmt.Sprintf("in-sample run failed: %v", err)},
		}, 0, true
	}

	runSpec.Bars = oosBars
	runSpec.Seed = rng.DeriveSeed(seed, "oos")
	oosResult, err := e.exec.Run(ctx, runSpec)
	if err != nil {
		e.logger.Warn("out-of-sample evaluation failed",
			zap.String("hash", combo.Hash),
			zap.String("symbol", symbol),
			zap.Error(err))
		return &CombinationResult{
			Combination: combo,
			Symbol:      symbol,
			InSample:    isResult.Metrics,
			Warnings:    []string{fmt.Sprintf("out-of-sample run failed: %v", err)},
		}, len(isResult.Trades), true
	}

	isScore, _ := isResult.Metrics.SharpeRatio.Float64()
	oosScore, _ := oosResult.Metrics.SharpeRatio.Float64()

	robustness := e.weights.InSample*isScore +
		e.weights.OutOfSample*oosScore -
		e.weights.Divergence*math.Abs(isScore-oosScore)

	degradation := 0.0
	if isScore != 0 {
		degradation = (isScore - oosScore) / math.Abs(isScore) * 100
	}

	trades := append(isResult.Trades, oosResult.Trades...)

	return &CombinationResult{
		Combination:     combo,
		Symbol:          symbol,
		InSample:        isResult.Metrics,
		OutOfSample:     oosResult.Metrics,
		RobustnessScore: robustness,
		DegradationPct:  degradation,
		Trades:          trades,
		EquityCurve:     types.DownsampleEquityCurve(append(isResult.EquityCurve, oosResult.EquityCurve...), equityCurveMaxPoints),
	}, len(trades), false
}

// rank orders results by robustness score, breaking ties by lower
// degradation then by hash, and flags recommended combinations.
func (e *Engine) rank(results []*CombinationResult, cfg *types.OptimizationConfig) {
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.RobustnessScore != b.RobustnessScore {
			return a.RobustnessScore > b.RobustnessScore
		}
		if a.DegradationPct != b.DegradationPct {
			return a.DegradationPct < b.DegradationPct
		}
		return a.Combination.Hash < b.Combination.Hash
	})

	for i, res := range results {
		res.Rank = i + 1
		res.Recommended = e.recommended(res, cfg)
	}
}

func (e *Engine) recommended(res *CombinationResult, cfg *types.OptimizationConfig) bool {
	if res.OutOfSample == nil || res.RobustnessScore <= 0 {
		return false
	}
	if cfg.MinOOSTrades > 0 && res.OutOfSample.TotalTrades < cfg.MinOOSTrades {
		return false
	}
	if cfg.MaxDegradationPct > 0 && res.DegradationPct > cfg.MaxDegradationPct {
		return false
	}
	return true
}
