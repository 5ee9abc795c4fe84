package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/backtest-lab/internal/strategy"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
)

func testBars(closes []float64) []*types.OHLCV {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]*types.OHLCV, len(closes))
	for i, c := range closes {
		d := decimal.NewFromFloat(c)
		bars[i] = &types.OHLCV{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Open:      d,
			High:      d.Mul(decimal.NewFromFloat(1.01)),
			Low:       d.Mul(decimal.NewFromFloat(0.99)),
			Close:     d,
			Volume:    decimal.NewFromInt(5000),
		}
	}
	return bars
}

// trendBars produces a long rally followed by a long selloff, enough to
// trigger both sides of a crossover strategy.
func trendBars(n int) []*types.OHLCV {
	closes := make([]float64, n)
	price := 100.0
	for i := range closes {
		if i < n/2 {
			price += 1.5
		} else {
			price -= 1.2
		}
		closes[i] = price
	}
	return testBars(closes)
}

func newTestExecutor() *Executor {
	return New(strategy.NewRegistry(zap.NewNop()), zap.NewNop())
}

func baseSpec(bars []*types.OHLCV) RunSpec {
	return RunSpec{
		Strategy:       "sma_cross",
		Params:         map[string]float64{"fast_period": 3, "slow_period": 8},
		Symbol:         "BTC/USD",
		Bars:           bars,
		InitialCapital: decimal.NewFromInt(10000),
		Commission:     decimal.NewFromFloat(0.001),
		Seed:           42,
	}
}

func TestRunProducesTradesAndCurve(t *testing.T) {
	exec := newTestExecutor()
	bars := trendBars(120)

	result, err := exec.Run(context.Background(), baseSpec(bars))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(result.EquityCurve) != len(bars) {
		t.Errorf("expected %d equity points, got %d", len(bars), len(result.EquityCurve))
	}
	if len(result.Trades) == 0 {
		t.Fatal("expected at least one trade on a trending series")
	}
	if result.Metrics == nil {
		t.Fatal("expected metrics")
	}
	if result.Metrics.TotalTrades != len(result.Trades) {
		t.Errorf("metrics count %d does not match trades %d", result.Metrics.TotalTrades, len(result.Trades))
	}
}

func TestRunTradesAreRoundTrips(t *testing.T) {
	exec := newTestExecutor()
	result, err := exec.Run(context.Background(), baseSpec(trendBars(120)))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for i, trade := range result.Trades {
		if trade.ClosedAt.Before(trade.OpenedAt) {
			t.Errorf("trade %d closed before it opened", i)
		}
		if trade.Quantity.LessThanOrEqual(decimal.Zero) {
			t.Errorf("trade %d has non-positive quantity", i)
		}
		if trade.EntryPrice.LessThanOrEqual(decimal.Zero) || trade.ExitPrice.LessThanOrEqual(decimal.Zero) {
			t.Errorf("trade %d has non-positive prices", i)
		}
	}
}

func TestRunDeterministicForSameSeed(t *testing.T) {
	exec := newTestExecutor()
	bars := trendBars(100)

	first, err := exec.Run(context.Background(), baseSpec(bars))
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	second, err := exec.Run(context.Background(), baseSpec(bars))
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	if len(first.Trades) == 0 {
		t.Fatal("expected trades; a trade-free run cannot witness determinism")
	}

	// Byte-identical serialized results, trade IDs and equity curve
	// included, not just matching headline numbers.
	firstJSON, err := json.Marshal(first)
	if err != nil {
		t.Fatalf("marshal first result: %v", err)
	}
	secondJSON, err := json.Marshal(second)
	if err != nil {
		t.Fatalf("marshal second result: %v", err)
	}
	if !bytes.Equal(firstJSON, secondJSON) {
		t.Fatalf("identical runs produced different results:\n%s\nvs\n%s", firstJSON, secondJSON)
	}
}

func TestRunDoesNotMutateInputBars(t *testing.T) {
	exec := newTestExecutor()
	bars := trendBars(60)
	originalFirst := bars[0].Close
	originalLast := bars[len(bars)-1].Close

	if _, err := exec.Run(context.Background(), baseSpec(bars)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !bars[0].Close.Equal(originalFirst) || !bars[len(bars)-1].Close.Equal(originalLast) {
		t.Error("input bars were mutated by the run")
	}
}

func TestRunRespectsCancellation(t *testing.T) {
	exec := newTestExecutor()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := exec.Run(ctx, baseSpec(trendBars(5000)))
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRunRejectsBadSpec(t *testing.T) {
	exec := newTestExecutor()

	spec := baseSpec(nil)
	if _, err := exec.Run(context.Background(), spec); err == nil {
		t.Error("expected error for empty bars")
	}

	spec = baseSpec(trendBars(10))
	spec.InitialCapital = decimal.Zero
	if _, err := exec.Run(context.Background(), spec); err == nil {
		t.Error("expected error for zero capital")
	}

	spec = baseSpec(trendBars(10))
	spec.Strategy = "missing"
	if _, err := exec.Run(context.Background(), spec); err == nil {
		t.Error("expected error for unknown strategy")
	}

	spec = baseSpec(trendBars(10))
	spec.Params = map[string]float64{"fast_period": 50, "slow_period": 5}
	if _, err := exec.Run(context.Background(), spec); err == nil {
		t.Error("expected error for invalid params")
	}
}

type panicStrategy struct{}

func (p *panicStrategy) Name() string                          { return "panicker" }
func (p *panicStrategy) SetParams(map[string]float64) error    { return nil }
func (p *panicStrategy) OnBar(bar *types.OHLCV) strategy.Signal { panic("boom") }
func (p *panicStrategy) Reset()                                {}

func TestRunContainsStrategyPanic(t *testing.T) {
	reg := strategy.NewRegistry(zap.NewNop())
	reg.Register("panicker", func() strategy.Strategy { return &panicStrategy{} })
	exec := New(reg, zap.NewNop())

	spec := baseSpec(trendBars(20))
	spec.Strategy = "panicker"
	spec.Params = nil

	result, err := exec.Run(context.Background(), spec)
	if err == nil {
		t.Fatal("expected error from panicking strategy")
	}
	if result != nil {
		t.Error("expected nil result from panicking strategy")
	}
}

func TestOpenPositionClosedAtEndOfData(t *testing.T) {
	exec := newTestExecutor()

	// Monotonic rally: the crossover enters and never exits on its own.
	closes := make([]float64, 60)
	price := 100.0
	for i := range closes {
		price += 2
		closes[i] = price
	}

	result, err := exec.Run(context.Background(), baseSpec(testBars(closes)))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(result.Trades) == 0 {
		t.Fatal("expected the open position to be closed at the last bar")
	}
	last := result.Trades[len(result.Trades)-1]
	lastBarTime := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).Add(59 * time.Hour)
	if !last.ClosedAt.Equal(lastBarTime) {
		t.Errorf("final trade closed at %s, want last bar %s", last.ClosedAt, lastBarTime)
	}
}

func TestMetricsCalculatorEmptyInputs(t *testing.T) {
	calc := NewMetricsCalculator()
	capital := decimal.NewFromInt(10000)

	m := calc.Calculate(nil, nil, capital)
	if m.TotalTrades != 0 {
		t.Errorf("expected zero trades, got %d", m.TotalTrades)
	}
	if !m.FinalEquity.Equal(capital) {
		t.Errorf("expected final equity %s, got %s", capital, m.FinalEquity)
	}
}

func TestMetricsWinRateAndProfitFactor(t *testing.T) {
	calc := NewMetricsCalculator()
	capital := decimal.NewFromInt(1000)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	trades := []*types.Trade{
		{PnL: decimal.NewFromInt(100)},
		{PnL: decimal.NewFromInt(50)},
		{PnL: decimal.NewFromInt(-75)},
		{PnL: decimal.NewFromInt(-25)},
	}
	curve := []types.EquityCurvePoint{
		{Timestamp: start, Equity: capital},
		{Timestamp: start.Add(time.Hour), Equity: decimal.NewFromInt(1050)},
	}

	m := calc.Calculate(trades, curve, capital)
	if got := m.WinRate.InexactFloat64(); got != 0.5 {
		t.Errorf("win rate = %v, want 0.5", got)
	}
	if got := m.ProfitFactor.InexactFloat64(); got != 1.5 {
		t.Errorf("profit factor = %v, want 1.5", got)
	}
	if m.WinningTrades != 2 || m.LosingTrades != 2 {
		t.Errorf("win/loss counts = %d/%d, want 2/2", m.WinningTrades, m.LosingTrades)
	}
}

func TestMaxDrawdown(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	curve := []types.EquityCurvePoint{
		{Timestamp: start, Equity: decimal.NewFromInt(100)},
		{Timestamp: start.Add(1 * time.Hour), Equity: decimal.NewFromInt(120)},
		{Timestamp: start.Add(2 * time.Hour), Equity: decimal.NewFromInt(90)},
		{Timestamp: start.Add(3 * time.Hour), Equity: decimal.NewFromInt(110)},
	}

	dd, at := MaxDrawdown(curve)
	if got := dd.InexactFloat64(); got != 0.25 {
		t.Errorf("max drawdown = %v, want 0.25", got)
	}
	if !at.Equal(start.Add(2 * time.Hour)) {
		t.Errorf("drawdown date = %s, want trough bar", at)
	}
}
