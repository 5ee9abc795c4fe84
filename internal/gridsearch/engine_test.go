package gridsearch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/backtest-lab/internal/executor"
	"github.com/atlas-desktop/backtest-lab/internal/strategy"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
)

func testBars(n int) []*types.OHLCV {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]*types.OHLCV, n)
	price := 100.0
	for i := range bars {
		// Zigzag with drift so crossover strategies produce trades.
		if (i/20)%2 == 0 {
			price += 1.8
		} else {
			price -= 1.1
		}
		d := decimal.NewFromFloat(price)
		bars[i] = &types.OHLCV{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Open:      d,
			High:      d,
			Low:       d,
			Close:     d,
			Volume:    decimal.NewFromInt(1000),
		}
	}
	return bars
}

func newTestEngine() *Engine {
	exec := executor.New(strategy.NewRegistry(zap.NewNop()), zap.NewNop())
	return New(exec, types.DefaultGuardRails(), zap.NewNop())
}

func baseConfig() *types.OptimizationConfig {
	return &types.OptimizationConfig{
		Symbols:   []string{"BTC/USD"},
		Timeframe: types.Timeframe1h,
		Range: types.DateRange{
			Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		},
		Parameters: []types.ParameterDefinition{
			{Name: "fast_period", Type: types.ParamTypeNumeric, Min: 3, Max: 5, Step: 1},
			{Name: "slow_period", Type: types.ParamTypeNumeric, Min: 10, Max: 14, Step: 2},
		},
		Strategy:       "sma_cross",
		InitialCapital: decimal.NewFromInt(10000),
		Commission:     decimal.NewFromFloat(0.001),
		Seed:           7,
		InSamplePct:    0.7,
		Workers:        4,
	}
}

func TestEnumerateCartesianProduct(t *testing.T) {
	defs := []types.ParameterDefinition{
		{Name: "a", Type: types.ParamTypeNumeric, Min: 1, Max: 5, Step: 1},
		{Name: "b", Type: types.ParamTypeNumeric, Min: 0, Max: 4, Step: 1},
		{Name: "c", Type: types.ParamTypeNumeric, Min: 10, Max: 50, Step: 10},
	}

	combos := Enumerate(defs)
	if len(combos) != 125 {
		t.Fatalf("expected 125 combinations from 3 axes of 5 values, got %d", len(combos))
	}

	seen := make(map[string]struct{})
	for _, c := range combos {
		if _, dup := seen[c.Hash]; dup {
			t.Fatalf("duplicate hash %s", c.Hash)
		}
		seen[c.Hash] = struct{}{}
	}
}

func TestCombinationHashOrderIndependent(t *testing.T) {
	a := NewCombination(map[string]float64{"x": 1, "y": 2, "z": 3})
	b := NewCombination(map[string]float64{"z": 3, "x": 1, "y": 2})
	if a.Hash != b.Hash {
		t.Error("hash depends on map insertion order")
	}

	c := NewCombination(map[string]float64{"x": 1, "y": 2, "z": 4})
	if a.Hash == c.Hash {
		t.Error("different values produced the same hash")
	}
}

func TestEnumerateDedupsIdenticalValues(t *testing.T) {
	defs := []types.ParameterDefinition{
		{Name: "a", Type: types.ParamTypeCategorical, Choices: []float64{1, 1, 2}},
	}
	combos := Enumerate(defs)
	if len(combos) != 2 {
		t.Errorf("expected duplicate axis values collapsed to 2 combinations, got %d", len(combos))
	}
}

func TestEstimateWorkRejectsOversizedGrid(t *testing.T) {
	engine := newTestEngine()
	cfg := baseConfig()
	// Roughly 50k combinations against a 10k ceiling.
	cfg.Parameters = []types.ParameterDefinition{
		{Name: "a", Type: types.ParamTypeNumeric, Min: 1, Max: 50, Step: 1},
		{Name: "b", Type: types.ParamTypeNumeric, Min: 1, Max: 1000, Step: 1},
	}

	_, err := engine.EstimateWork(cfg)
	if err == nil {
		t.Fatal("expected ceiling error")
	}
	var tooMany *TooManyCombinationsError
	if !errors.As(err, &tooMany) {
		t.Fatalf("expected TooManyCombinationsError, got %T: %v", err, err)
	}
	if tooMany.Ceiling != types.DefaultGuardRails().MaxCombinations {
		t.Errorf("ceiling = %d, want %d", tooMany.Ceiling, types.DefaultGuardRails().MaxCombinations)
	}
}

func TestRunEvaluatesEveryCombinationOnce(t *testing.T) {
	engine := newTestEngine()
	cfg := baseConfig()
	bars := map[string][]*types.OHLCV{"BTC/USD": testBars(300)}

	result, err := engine.Run(context.Background(), cfg, bars, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := cfg.TotalCombinations()
	if result.CombinationsTested != want {
		t.Errorf("tested %d combinations, want %d", result.CombinationsTested, want)
	}

	seen := make(map[string]struct{})
	for _, res := range result.Results {
		if _, dup := seen[res.Combination.Hash]; dup {
			t.Errorf("combination %s evaluated more than once", res.Combination.Hash)
		}
		seen[res.Combination.Hash] = struct{}{}
	}
}

func TestRunRankingIsTotalOrder(t *testing.T) {
	engine := newTestEngine()
	cfg := baseConfig()
	bars := map[string][]*types.OHLCV{"BTC/USD": testBars(300)}

	result, err := engine.Run(context.Background(), cfg, bars, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(result.Results) == 0 {
		t.Fatal("expected results")
	}

	for i, res := range result.Results {
		if res.Rank != i+1 {
			t.Errorf("rank at index %d is %d", i, res.Rank)
		}
	}
	for i := 1; i < len(result.Results); i++ {
		prev, curr := result.Results[i-1], result.Results[i]
		if prev.RobustnessScore < curr.RobustnessScore {
			t.Errorf("rank %d score %v below rank %d score %v",
				prev.Rank, prev.RobustnessScore, curr.Rank, curr.RobustnessScore)
		}
	}
}

func TestRunDeterministicAcrossSchedules(t *testing.T) {
	cfg := baseConfig()
	bars := map[string][]*types.OHLCV{"BTC/USD": testBars(300)}

	run := func(workers int) *Result {
		engine := newTestEngine()
		c := *cfg
		c.Workers = workers
		result, err := engine.Run(context.Background(), &c, bars, nil)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		return result
	}

	serial := run(1)
	parallel := run(4)

	if len(serial.Results) != len(parallel.Results) {
		t.Fatalf("result counts differ: %d vs %d", len(serial.Results), len(parallel.Results))
	}
	for i := range serial.Results {
		a, b := serial.Results[i], parallel.Results[i]
		if a.Combination.Hash != b.Combination.Hash {
			t.Errorf("rank %d hash differs across worker counts", i+1)
		}
		if a.RobustnessScore != b.RobustnessScore {
			t.Errorf("rank %d score differs across worker counts", i+1)
		}
	}
}

func TestRunEmitsProgress(t *testing.T) {
	engine := newTestEngine()
	cfg := baseConfig()
	bars := map[string][]*types.OHLCV{"BTC/USD": testBars(200)}

	var updates []types.JobProgress
	_, err := engine.Run(context.Background(), cfg, bars, func(p types.JobProgress) {
		updates = append(updates, p)
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(updates) != cfg.TotalCombinations() {
		t.Fatalf("expected %d progress updates, got %d", cfg.TotalCombinations(), len(updates))
	}
	for i := 1; i < len(updates); i++ {
		if updates[i].Percent < updates[i-1].Percent {
			t.Errorf("progress went backwards at update %d", i)
		}
	}
	if last := updates[len(updates)-1].Percent; last != 100 {
		t.Errorf("final progress = %v, want 100", last)
	}
}

func TestRunAbortPreservesPartialResults(t *testing.T) {
	engine := newTestEngine()
	cfg := baseConfig()
	bars := map[string][]*types.OHLCV{"BTC/USD": testBars(300)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := engine.Run(ctx, cfg, bars, nil)
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
	if result == nil {
		t.Fatal("expected partial result on abort")
	}
}

func TestRunMissingSymbolDataIsUnitFailure(t *testing.T) {
	engine := newTestEngine()
	cfg := baseConfig()
	cfg.Symbols = []string{"BTC/USD", "ETH/USD"}
	bars := map[string][]*types.OHLCV{"BTC/USD": testBars(300)} // ETH missing

	result, err := engine.Run(context.Background(), cfg, bars, nil)
	if err != nil {
		t.Fatalf("Run failed despite healthy units: %v", err)
	}
	if result.FailedUnits != cfg.TotalCombinations() {
		t.Errorf("expected %d failed units for the missing symbol, got %d",
			cfg.TotalCombinations(), result.FailedUnits)
	}
	if len(result.Results) == 0 {
		t.Error("expected results for the healthy symbol")
	}
}

func TestRunAllUnitsFailedFailsRun(t *testing.T) {
	engine := newTestEngine()
	cfg := baseConfig()
	bars := map[string][]*types.OHLCV{"BTC/USD": nil}

	if _, err := engine.Run(context.Background(), cfg, bars, nil); err == nil {
		t.Fatal("expected run failure when every unit fails")
	}
}
