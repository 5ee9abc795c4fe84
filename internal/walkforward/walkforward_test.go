package walkforward

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/backtest-lab/internal/executor"
	"github.com/atlas-desktop/backtest-lab/internal/strategy"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
)

func testRange(days int) types.DateRange {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return types.DateRange{Start: start, End: start.Add(time.Duration(days) * 24 * time.Hour)}
}

func hourlyBars(r types.DateRange) []*types.OHLCV {
	var bars []*types.OHLCV
	price := 100.0
	i := 0
	for ts := r.Start; ts.Before(r.End); ts = ts.Add(time.Hour) {
		if (i/30)%2 == 0 {
			price += 0.9
		} else {
			price -= 0.6
		}
		d := decimal.NewFromFloat(price)
		bars = append(bars, &types.OHLCV{
			Timestamp: ts,
			Open:      d,
			High:      d,
			Low:       d,
			Close:     d,
			Volume:    decimal.NewFromInt(1000),
		})
		i++
	}
	return bars
}

func newTestEngine() *Engine {
	exec := executor.New(strategy.NewRegistry(zap.NewNop()), zap.NewNop())
	return New(exec, zap.NewNop())
}

func baseConfig(r types.DateRange) *types.WalkForwardConfig {
	return &types.WalkForwardConfig{
		Symbol:         "BTC/USD",
		Timeframe:      types.Timeframe1h,
		Range:          r,
		Strategy:       "sma_cross",
		Parameters:     map[string]float64{"fast_period": 3, "slow_period": 10},
		InitialCapital: decimal.NewFromInt(10000),
		Commission:     decimal.NewFromFloat(0.001),
		Seed:           11,

		TrainDays:          20,
		TestDays:           10,
		StepDays:           10,
		MinWindows:         3,
		StabilityThreshold: 0.2,
	}
}

func TestGenerateWindowsChronology(t *testing.T) {
	r := testRange(120)
	windows := GenerateWindows(r, 20, 10, 10)
	if len(windows) == 0 {
		t.Fatal("expected windows")
	}

	for i, w := range windows {
		if !w.TrainEnd.Equal(w.TestStart) {
			t.Errorf("window %d train end %s != test start %s", i, w.TrainEnd, w.TestStart)
		}
		if !w.TrainEnd.After(w.TrainStart) || !w.TestEnd.After(w.TestStart) {
			t.Errorf("window %d has non-positive segments", i)
		}
		if w.TestEnd.After(r.End) {
			t.Errorf("window %d spills past range end", i)
		}
	}
}

func TestGenerateWindowsTestSegmentsDoNotOverlap(t *testing.T) {
	windows := GenerateWindows(testRange(200), 30, 10, 10)
	for i := 1; i < len(windows); i++ {
		if windows[i].TestStart.Before(windows[i-1].TestEnd) {
			t.Errorf("window %d test segment overlaps window %d", i, i-1)
		}
	}
}

func TestGenerateWindowsDropsPartialTail(t *testing.T) {
	// 35 days fits exactly one 20+10 window stepped by 10; a second would
	// need day 40.
	windows := GenerateWindows(testRange(35), 20, 10, 10)
	if len(windows) != 1 {
		t.Fatalf("expected 1 window, got %d", len(windows))
	}
}

func TestRunRejectsTooFewWindows(t *testing.T) {
	engine := newTestEngine()
	r := testRange(35)
	cfg := baseConfig(r)

	if _, err := engine.Run(context.Background(), cfg, hourlyBars(r), nil); err == nil {
		t.Fatal("expected error when range fits fewer windows than required")
	}
}

func TestRunComputesPerWindowDegradation(t *testing.T) {
	engine := newTestEngine()
	r := testRange(120)
	cfg := baseConfig(r)

	result, err := engine.Run(context.Background(), cfg, hourlyBars(r), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(result.Windows) < cfg.MinWindows {
		t.Fatalf("expected at least %d windows, got %d", cfg.MinWindows, len(result.Windows))
	}
	for i, wr := range result.Windows {
		if wr.Failed {
			continue
		}
		if wr.Train == nil || wr.Test == nil {
			t.Errorf("window %d missing metrics", i)
		}
	}
	if result.StabilityScore < 0 || result.StabilityScore > 1 {
		t.Errorf("stability score %v outside [0,1]", result.StabilityScore)
	}
}

func TestRunDeterministic(t *testing.T) {
	r := testRange(120)
	bars := hourlyBars(r)
	cfg := baseConfig(r)

	run := func() *Result {
		result, err := newTestEngine().Run(context.Background(), cfg, bars, nil)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		return result
	}

	first := run()
	second := run()
	if first.StabilityScore != second.StabilityScore {
		t.Errorf("stability differs: %v vs %v", first.StabilityScore, second.StabilityScore)
	}
	if first.AvgDegradation != second.AvgDegradation {
		t.Errorf("degradation differs: %v vs %v", first.AvgDegradation, second.AvgDegradation)
	}
}

func TestRunTrainNeverSeesTestData(t *testing.T) {
	r := testRange(120)
	bars := hourlyBars(r)
	cfg := baseConfig(r)

	baseline, err := newTestEngine().Run(context.Background(), cfg, bars, nil)
	if err != nil {
		t.Fatalf("baseline run failed: %v", err)
	}

	// Mutate every bar inside the first window's test segment. The first
	// window's train metrics must be unchanged.
	first := baseline.Windows[0].Window
	mutated := types.CloneBars(bars)
	for _, bar := range mutated {
		if !bar.Timestamp.Before(first.TestStart) && bar.Timestamp.Before(first.TestEnd) {
			bar.Close = decimal.NewFromInt(999999)
			bar.Open = bar.Close
			bar.High = bar.Close
			bar.Low = bar.Close
		}
	}

	altered, err := newTestEngine().Run(context.Background(), cfg, mutated, nil)
	if err != nil {
		t.Fatalf("mutated run failed: %v", err)
	}

	bTrain := baseline.Windows[0].Train
	aTrain := altered.Windows[0].Train
	if !bTrain.FinalEquity.Equal(aTrain.FinalEquity) {
		t.Error("train metrics changed when only test-segment bars were mutated")
	}
	if bTrain.TotalTrades != aTrain.TotalTrades {
		t.Error("train trade count changed when only test-segment bars were mutated")
	}
}

func TestRunCancellation(t *testing.T) {
	engine := newTestEngine()
	r := testRange(120)
	cfg := baseConfig(r)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := engine.Run(ctx, cfg, hourlyBars(r), nil)
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
	if result == nil {
		t.Fatal("expected partial result on cancellation")
	}
}

func TestStabilityScore(t *testing.T) {
	if got := stability([]float64{1, 1, 1, 1}); got != 1 {
		t.Errorf("identical values should score 1, got %v", got)
	}
	steady := stability([]float64{1.0, 1.1, 0.9, 1.0})
	erratic := stability([]float64{2.0, -1.5, 3.0, -0.5})
	if steady <= erratic {
		t.Errorf("steady series %v should outscore erratic %v", steady, erratic)
	}
	if got := stability([]float64{1}); got != 0 {
		t.Errorf("single value should score 0, got %v", got)
	}
}
