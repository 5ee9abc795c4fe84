// Package walkforward validates a fixed parameter set over a rolling
// sequence of train/test windows.
package walkforward

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/backtest-lab/internal/executor"
	"github.com/atlas-desktop/backtest-lab/internal/rng"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/atlas-desktop/backtest-lab/pkg/utils"
)

// Window is one train/test segment pair. All bounds are half-open
// [start, end). The train segment always ends exactly where the test
// segment starts, so no training bar can sit at or after the test start.
type Window struct {
	Index      int       `json:"index"`
	TrainStart time.Time `json:"trainStart"`
	TrainEnd   time.Time `json:"trainEnd"`
	TestStart  time.Time `json:"testStart"`
	TestEnd    time.Time `json:"testEnd"`
}

// WindowResult holds the evaluation of one window.
type WindowResult struct {
	Window      Window                    `json:"window"`
	Train       *types.PerformanceMetrics `json:"train,omitempty"`
	Test        *types.PerformanceMetrics `json:"test,omitempty"`
	Degradation float64                   `json:"degradation"`
	Warnings    []string                  `json:"warnings,omitempty"`
	Failed      bool                      `json:"failed,omitempty"`
}

// Result aggregates a finished walk-forward validation.
type Result struct {
	Windows        []*WindowResult `json:"windows"`
	StabilityScore float64         `json:"stabilityScore"`
	AvgDegradation float64         `json:"avgDegradation"`
	AvgTestSharpe  float64         `json:"avgTestSharpe"`
	Robust         bool            `json:"robust"`
	Elapsed        time.Duration   `json:"elapsed"`
}

// ProgressFunc receives progress updates as windows complete.
type ProgressFunc func(progress types.JobProgress)

// Engine runs walk-forward validations. Windows are processed strictly
// chronologically and never in parallel.
type Engine struct {
	logger *zap.Logger
	exec   *executor.Executor
}

// New creates a walk-forward engine.
func New(exec *executor.Executor, logger *zap.Logger) *Engine {
	return &Engine{logger: logger, exec: exec}
}

// GenerateWindows lays out the rolling train/test sequence over the range.
// The last window is dropped rather than truncated when its test segment
// would spill past the end of the range.
func GenerateWindows(r types.DateRange, trainDays, testDays, stepDays int) []Window {
	train := time.Duration(trainDays) * 24 * time.Hour
	test := time.Duration(testDays) * 24 * time.Hour
	step := time.Duration(stepDays) * 24 * time.Hour

	var windows []Window
	for i := 0; ; i++ {
		trainStart := r.Start.Add(time.Duration(i) * step)
		trainEnd := trainStart.Add(train)
		testEnd := trainEnd.Add(test)
		if testEnd.After(r.End) {
			break
		}
		windows = append(windows, Window{
			Index:      i,
			TrainStart: trainStart,
			TrainEnd:   trainEnd,
			TestStart:  trainEnd,
			TestEnd:    testEnd,
		})
	}
	return windows
}

// Run validates the configured parameter set across all windows. A failed
// window is recorded and skipped; the run fails only when every window
// fails or too few windows fit the range.
func (e *Engine) Run(
	ctx context.Context,
	cfg *types.WalkForwardConfig,
	bars []*types.OHLCV,
	progress ProgressFunc,
) (*Result, error) {
	startTime := time.Now()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	windows := GenerateWindows(cfg.Range, cfg.TrainDays, cfg.TestDays, cfg.StepDays)
	minWindows := cfg.MinWindows
	if minWindows <= 0 {
		minWindows = 3
	}
	if len(windows) < minWindows {
		return nil, fmt.Errorf("walk-forward: range fits only %d windows, need at least %d", len(windows), minWindows)
	}

	e.logger.Info("starting walk-forward validation",
		zap.String("symbol", cfg.Symbol),
		zap.Int("windows", len(windows)),
	)

	result := &Result{}
	var testSharpes, degradations []float64
	failed := 0

	for _, window := range windows {
		select {
		case <-ctx.Done():
			result.Elapsed = time.Since(startTime)
			return result, ctx.Err()
		default:
		}

		wr := e.evaluateWindow(ctx, cfg, bars, window)
		result.Windows = append(result.Windows, wr)
		if wr.Failed {
			failed++
		} else {
			degradations = append(degradations, wr.Degradation)
			sharpe, _ := wr.Test.SharpeRatio.Float64()
			testSharpes = append(testSharpes, sharpe)
		}

		if progress != nil {
			progress(types.JobProgress{
				Percent: float64(window.Index+1) / float64(len(windows)) * 100,
				Phase:   "validating",
				Message: fmt.Sprintf("window %d/%d", window.Index+1, len(windows)),
			})
		}
	}

	if failed == len(windows) {
		return nil, fmt.Errorf("walk-forward: all %d windows failed", failed)
	}

	result.AvgDegradation = utils.Mean(degradations)
	result.AvgTestSharpe = utils.Mean(testSharpes)
	result.StabilityScore = stability(testSharpes)
	result.Robust = len(testSharpes) >= minWindows &&
		result.StabilityScore >= cfg.StabilityThreshold &&
		result.AvgTestSharpe > 0
	result.Elapsed = time.Since(startTime)

	e.logger.Info("walk-forward validation complete",
		zap.Int("windows", len(windows)),
		zap.Int("failed", failed),
		zap.Float64("stability", result.StabilityScore),
		zap.Bool("robust", result.Robust),
	)

	return result, nil
}

func (e *Engine) evaluateWindow(
	ctx context.Context,
	cfg *types.WalkForwardConfig,
	bars []*types.OHLCV,
	window Window,
) *WindowResult {
	wr := &WindowResult{Window: window}

	trainBars := barsBetween(bars, window.TrainStart, window.TrainEnd)
	testBars := barsBetween(bars, window.TestStart, window.TestEnd)
	if len(trainBars) == 0 || len(testBars) == 0 {
		wr.Failed = true
		wr.Warnings = append(wr.Warnings, "no data in window")
		return wr
	}

	spec := executor.RunSpec{
		Strategy:       cfg.Strategy,
		Params:         cfg.Parameters,
		Symbol:         cfg.Symbol,
		InitialCapital: cfg.InitialCapital,
		Commission:     cfg.Commission,
	}

	spec.Bars = trainBars
	spec.Seed = rng.DeriveSeed(cfg.Seed, fmt.Sprintf("window-%d-train", window.Index))
	trainRes, err := e.exec.Run(ctx, spec)
	if err != nil {
		wr.Failed = true
		wr.Warnings = append(wr.Warnings, fmt.Sprintf("train run failed: %v", err))
		return wr
	}
	wr.Train = trainRes.Metrics

	spec.Bars = testBars
	spec.Seed = rng.DeriveSeed(cfg.Seed, fmt.Sprintf("window-%d-test", window.Index))
	testRes, err := e.exec.Run(ctx, spec)
	if err != nil {
		wr.Failed = true
		wr.Warnings = append(wr.Warnings, fmt.Sprintf("test run failed: %v", err))
		return wr
	}
	wr.Test = testRes.Metrics

	trainSharpe, _ := trainRes.Metrics.SharpeRatio.Float64()
	testSharpe, _ := testRes.Metrics.SharpeRatio.Float64()
	if trainSharpe != 0 {
		wr.Degradation = (trainSharpe - testSharpe) / math.Abs(trainSharpe) * 100
	}

	return wr
}

// stability is the inverse coefficient of variation of the test metric
// across windows, squashed to (0, 1]. Consistent windows score near 1,
// erratic ones near 0.
func stability(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := utils.Mean(values)
	if mean == 0 {
		return 0
	}
	sd := utils.StdDev(values)
	if sd == 0 {
		return 1
	}
	cv := sd / math.Abs(mean)
	return 1 / (1 + cv)
}

// barsBetween slices the half-open [start, end) segment of a
// chronologically ordered bar series.
func barsBetween(bars []*types.OHLCV, start, end time.Time) []*types.OHLCV {
	var out []*types.OHLCV
	for _, bar := range bars {
		if bar.Timestamp.Before(start) {
			continue
		}
		if !bar.Timestamp.Before(end) {
			break
		}
		out = append(out, bar)
	}
	return out
}
