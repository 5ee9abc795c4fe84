package jobs

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/atlas-desktop/backtest-lab/internal/data"
	"github.com/atlas-desktop/backtest-lab/internal/gridsearch"
	"github.com/atlas-desktop/backtest-lab/internal/montecarlo"
	"github.com/atlas-desktop/backtest-lab/internal/portfolio"
	"github.com/atlas-desktop/backtest-lab/internal/regime"
	"github.com/atlas-desktop/backtest-lab/internal/walkforward"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
)

// previewTopResults bounds how many ranked combinations a preview carries.
const previewTopResults = 10

// previewTopTrades bounds the trade list inside each preview entry.
const previewTopTrades = 20

// Deps bundles what every handler needs to turn a config into a result.
type Deps struct {
	Provider data.Provider
	Quality  *data.QualityValidator
	Results  *data.ResultStore
	Guard    types.GuardRails
	Logger   *zap.Logger
}

// loadBars fetches and quality-gates one symbol's history.
func (d *Deps) loadBars(ctx context.Context, symbol string, tf types.Timeframe, r types.DateRange) ([]*types.OHLCV, error) {
	bars, err := d.Provider.LoadBars(ctx, symbol, tf, r.Start, r.End)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", symbol, err)
	}
	report := d.Quality.Validate(symbol, tf, bars)
	if !report.Usable {
		return nil, fmt.Errorf("%s bar series unusable: %d critical issues", symbol, report.Critical)
	}
	return bars, nil
}

// estimateBars predicts bar count from the range and timeframe without
// touching data.
func estimateBars(r types.DateRange, tf types.Timeframe) int {
	d := tf.Duration()
	if d <= 0 {
		return 0
	}
	return int(r.End.Sub(r.Start)/d) + 1
}

// OptimizationHandler runs grid searches.
type OptimizationHandler struct {
	deps   *Deps
	engine *gridsearch.Engine
}

// NewOptimizationHandler wires the grid search engine into the queue.
func NewOptimizationHandler(engine *gridsearch.Engine, deps *Deps) *OptimizationHandler {
	return &OptimizationHandler{deps: deps, engine: engine}
}

func (h *OptimizationHandler) Kind() types.JobKind { return types.JobKindOptimization }

func (h *OptimizationHandler) Estimate(config any) (int, error) {
	cfg, ok := config.(*types.OptimizationConfig)
	if !ok {
		return 0, fmt.Errorf("optimization: unexpected config type %T", config)
	}
	if cfg.Workers > h.deps.Guard.MaxWorkers {
		return 0, fmt.Errorf("optimization: %d workers above ceiling %d", cfg.Workers, h.deps.Guard.MaxWorkers)
	}
	return h.engine.EstimateWork(cfg)
}

func (h *OptimizationHandler) Execute(ctx context.Context, runID string, config any, progress ProgressFunc) (any, error) {
	cfg := config.(*types.OptimizationConfig)

	bars := make(map[string][]*types.OHLCV, len(cfg.Symbols))
	for _, symbol := range cfg.Symbols {
		series, err := h.deps.loadBars(ctx, symbol, cfg.Timeframe, cfg.Range)
		if err != nil {
			return nil, err
		}
		bars[symbol] = series
	}

	result, err := h.engine.Run(ctx, cfg, bars, gridsearch.ProgressFunc(progress))
	if result != nil {
		h.deps.Results.Save(runID, optimizationPreview(result), result)
	}
	return result, err
}

// optimizationPreview trims a grid search result to the ranked head with
// bounded trade lists.
func optimizationPreview(result *gridsearch.Result) *gridsearch.Result {
	preview := *result
	n := len(result.Results)
	if n > previewTopResults {
		n = previewTopResults
	}
	preview.Results = make([]*gridsearch.CombinationResult, n)
	for i := 0; i < n; i++ {
		entry := *result.Results[i]
		if len(entry.Trades) > previewTopTrades {
			entry.Trades = entry.Trades[:previewTopTrades]
		}
		preview.Results[i] = &entry
	}
	return &preview
}

// WalkForwardHandler runs rolling-window validation.
type WalkForwardHandler struct {
	deps   *Deps
	engine *walkforward.Engine
}

// NewWalkForwardHandler wires the walk-forward engine into the queue.
func NewWalkForwardHandler(engine *walkforward.Engine, deps *Deps) *WalkForwardHandler {
	return &WalkForwardHandler{deps: deps, engine: engine}
}

func (h *WalkForwardHandler) Kind() types.JobKind { return types.JobKindWalkForward }

func (h *WalkForwardHandler) Estimate(config any) (int, error) {
	cfg, ok := config.(*types.WalkForwardConfig)
	if !ok {
		return 0, fmt.Errorf("walk-forward: unexpected config type %T", config)
	}
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	windows := walkforward.GenerateWindows(cfg.Range, cfg.TrainDays, cfg.TestDays, cfg.StepDays)
	return len(windows) * 2, nil
}

func (h *WalkForwardHandler) Execute(ctx context.Context, runID string, config any, progress ProgressFunc) (any, error) {
	cfg := config.(*types.WalkForwardConfig)

	bars, err := h.deps.loadBars(ctx, cfg.Symbol, cfg.Timeframe, cfg.Range)
	if err != nil {
		return nil, err
	}

	result, err := h.engine.Run(ctx, cfg, bars, walkforward.ProgressFunc(progress))
	if result != nil {
		h.deps.Results.Save(runID, result, result)
	}
	return result, err
}

// MonteCarloRequest pairs the baseline backtest that produces the trade
// list with the simulation settings applied to it.
type MonteCarloRequest struct {
	Backtest   types.BacktestConfig   `json:"backtest"`
	Simulation types.MonteCarloConfig `json:"simulation"`
}

// MonteCarloHandler runs a baseline backtest and resamples its trades.
type MonteCarloHandler struct {
	deps     *Deps
	engine   *montecarlo.Engine
	backtest BacktestRunner
}

// BacktestRunner produces the baseline trade list for resampling.
type BacktestRunner interface {
	RunBacktest(ctx context.Context, cfg *types.BacktestConfig, bars []*types.OHLCV) ([]*types.Trade, error)
}

// NewMonteCarloHandler wires the Monte Carlo engine into the queue.
func NewMonteCarloHandler(engine *montecarlo.Engine, backtest BacktestRunner, deps *Deps) *MonteCarloHandler {
	return &MonteCarloHandler{deps: deps, engine: engine, backtest: backtest}
}

func (h *MonteCarloHandler) Kind() types.JobKind { return types.JobKindMonteCarlo }

func (h *MonteCarloHandler) Estimate(config any) (int, error) {
	req, ok := config.(*MonteCarloRequest)
	if !ok {
		return 0, fmt.Errorf("monte carlo: unexpected config type %T", config)
	}
	if err := req.Backtest.Validate(); err != nil {
		return 0, err
	}
	if err := req.Simulation.Validate(); err != nil {
		return 0, err
	}
	if req.Simulation.Simulations > h.deps.Guard.MaxSimulations {
		return 0, fmt.Errorf("monte carlo: %d simulations above ceiling %d",
			req.Simulation.Simulations, h.deps.Guard.MaxSimulations)
	}
	return req.Simulation.Simulations, nil
}

func (h *MonteCarloHandler) Execute(ctx context.Context, runID string, config any, progress ProgressFunc) (any, error) {
	req := config.(*MonteCarloRequest)

	bars, err := h.deps.loadBars(ctx, req.Backtest.Symbol, req.Backtest.Timeframe, req.Backtest.Range)
	if err != nil {
		return nil, err
	}

	progress(types.JobProgress{Percent: 0, Phase: "baseline", Message: "running baseline backtest"})
	trades, err := h.backtest.RunBacktest(ctx, &req.Backtest, bars)
	if err != nil {
		return nil, fmt.Errorf("baseline backtest: %w", err)
	}

	result, err := h.engine.Run(ctx, &req.Simulation, trades, montecarlo.ProgressFunc(progress))
	if result != nil {
		h.deps.Results.Save(runID, result, result)
	}
	return result, err
}

// RegimeHandler labels historical windows.
type RegimeHandler struct {
	deps     *Deps
	detector *regime.Detector
}

// NewRegimeHandler wires the regime detector into the queue.
func NewRegimeHandler(detector *regime.Detector, deps *Deps) *RegimeHandler {
	return &RegimeHandler{deps: deps, detector: detector}
}

func (h *RegimeHandler) Kind() types.JobKind { return types.JobKindRegimeDetection }

func (h *RegimeHandler) Estimate(config any) (int, error) {
	cfg, ok := config.(*types.RegimeConfig)
	if !ok {
		return 0, fmt.Errorf("regime: unexpected config type %T", config)
	}
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	return estimateBars(cfg.Range, cfg.Timeframe), nil
}

func (h *RegimeHandler) Execute(ctx context.Context, runID string, config any, progress ProgressFunc) (any, error) {
	cfg := config.(*types.RegimeConfig)

	bars, err := h.deps.loadBars(ctx, cfg.Symbol, cfg.Timeframe, cfg.Range)
	if err != nil {
		return nil, err
	}

	progress(types.JobProgress{Percent: 10, Phase: "detecting"})
	result, err := h.detector.Detect(ctx, cfg, bars)
	if result != nil {
		h.deps.Results.Save(runID, regimePreview(result), result)
	}
	if err == nil {
		progress(types.JobProgress{Percent: 100, Phase: "done"})
	}
	return result, err
}

// regimePreview drops the per-bar label vector, keeping the contiguous
// periods that summarize it.
func regimePreview(result *regime.Result) *regime.Result {
	preview := *result
	preview.Labels = nil
	return &preview
}

// MultiAssetHandler runs coordinated portfolio simulations.
type MultiAssetHandler struct {
	deps *Deps
	orch *portfolio.Orchestrator
}

// NewMultiAssetHandler wires the orchestrator into the queue.
func NewMultiAssetHandler(orch *portfolio.Orchestrator, deps *Deps) *MultiAssetHandler {
	return &MultiAssetHandler{deps: deps, orch: orch}
}

func (h *MultiAssetHandler) Kind() types.JobKind { return types.JobKindMultiAsset }

func (h *MultiAssetHandler) Estimate(config any) (int, error) {
	cfg, ok := config.(*types.MultiAssetConfig)
	if !ok {
		return 0, fmt.Errorf("multi-asset: unexpected config type %T", config)
	}
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	total := 0
	for _, symbol := range cfg.Symbols {
		total += estimateBars(cfg.Range, cfg.TimeframeFor(symbol))
	}
	return total, nil
}

func (h *MultiAssetHandler) Execute(ctx context.Context, runID string, config any, progress ProgressFunc) (any, error) {
	cfg := config.(*types.MultiAssetConfig)

	streams := make(map[string][]*types.OHLCV, len(cfg.Symbols))
	for _, symbol := range cfg.Symbols {
		series, err := h.deps.loadBars(ctx, symbol, cfg.TimeframeFor(symbol), cfg.Range)
		if err != nil {
			return nil, err
		}
		streams[symbol] = series
	}

	result, err := h.orch.Run(ctx, cfg, streams, portfolio.ProgressFunc(progress))
	if result != nil {
		h.deps.Results.Save(runID, multiAssetPreview(result), result)
	}
	return result, err
}

// multiAssetPreview bounds the trade list; snapshots are already
// downsampled by the orchestrator.
func multiAssetPreview(result *portfolio.Result) *portfolio.Result {
	preview := *result
	if len(preview.Trades) > previewTopTrades {
		preview.Trades = preview.Trades[:previewTopTrades]
	}
	return &preview
}
