package data

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/backtest-lab/pkg/types"
)

func TestSyntheticGeneratorDeterministic(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(100 * time.Hour)

	a := NewSyntheticGenerator(42).Generate("SOL/USDC", types.Timeframe1h, start, end)
	b := NewSyntheticGenerator(42).Generate("SOL/USDC", types.Timeframe1h, start, end)

	if len(a) != len(b) {
		t.Fatalf("lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if !a[i].Close.Equal(b[i].Close) || !a[i].Volume.Equal(b[i].Volume) {
			t.Fatalf("bar %d differs between identical generators", i)
		}
	}
}

func TestSyntheticGeneratorSymbolsDiverge(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(50 * time.Hour)
	gen := NewSyntheticGenerator(42)

	sol := gen.Generate("SOL/USDC", types.Timeframe1h, start, end)
	eth := gen.Generate("ETH/USDC", types.Timeframe1h, start, end)

	same := true
	for i := range sol {
		ratioSol := sol[i].Close.Div(sol[0].Close)
		ratioEth := eth[i].Close.Div(eth[0].Close)
		if !ratioSol.Equal(ratioEth) {
			same = false
			break
		}
	}
	if same {
		t.Error("different symbols produced identical return paths")
	}
}

func TestSyntheticGeneratorCoversRange(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	bars := NewSyntheticGenerator(7).Generate("SOL/USDC", types.Timeframe1h, start, end)
	if len(bars) != 25 {
		t.Fatalf("bars = %d, want 25 inclusive hourly bars", len(bars))
	}
	if !bars[0].Timestamp.Equal(start) || !bars[24].Timestamp.Equal(end) {
		t.Errorf("range not covered: first %v last %v", bars[0].Timestamp, bars[24].Timestamp)
	}
	for _, bar := range bars {
		if bar.High.LessThan(bar.Low) {
			t.Fatalf("bar at %v has high below low", bar.Timestamp)
		}
	}
}

func TestStoreSaveAndLoadRoundTrip(t *testing.T) {
	store, err := NewStore(zap.NewNop(), t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := NewSyntheticGenerator(1).Generate("SOL/USDC", types.Timeframe1h, start, start.Add(10*time.Hour))
	if err := store.SaveBars("SOL/USDC", types.Timeframe1h, bars); err != nil {
		t.Fatalf("SaveBars failed: %v", err)
	}

	store.ClearCache()
	loaded, err := store.LoadBars(context.Background(), "SOL/USDC", types.Timeframe1h, start, start.Add(10*time.Hour))
	if err != nil {
		t.Fatalf("LoadBars failed: %v", err)
	}
	if len(loaded) != len(bars) {
		t.Fatalf("loaded %d bars, want %d", len(loaded), len(bars))
	}
	for i := range bars {
		if !loaded[i].Close.Equal(bars[i].Close) {
			t.Fatalf("bar %d close differs after round trip", i)
		}
	}

	symbols := store.AvailableSymbols()
	if len(symbols) != 1 || symbols[0] != "SOL/USDC" {
		t.Errorf("AvailableSymbols = %v", symbols)
	}
}

func TestStoreClipsToRequestedRange(t *testing.T) {
	store, err := NewStore(zap.NewNop(), t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := NewSyntheticGenerator(1).Generate("SOL/USDC", types.Timeframe1h, start, start.Add(48*time.Hour))
	if err := store.SaveBars("SOL/USDC", types.Timeframe1h, bars); err != nil {
		t.Fatalf("SaveBars failed: %v", err)
	}

	from := start.Add(10 * time.Hour)
	to := start.Add(20 * time.Hour)
	clipped, err := store.LoadBars(context.Background(), "SOL/USDC", types.Timeframe1h, from, to)
	if err != nil {
		t.Fatalf("LoadBars failed: %v", err)
	}
	if len(clipped) != 11 {
		t.Fatalf("clipped bars = %d, want 11", len(clipped))
	}
	for _, bar := range clipped {
		if bar.Timestamp.Before(from) || bar.Timestamp.After(to) {
			t.Errorf("bar at %v is outside [%v, %v]", bar.Timestamp, from, to)
		}
	}
}

func TestStoreSyntheticFallback(t *testing.T) {
	store, err := NewStore(zap.NewNop(), t.TempDir(), NewSyntheticGenerator(9))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars, err := store.LoadBars(context.Background(), "NOSUCH/USDC", types.Timeframe1h, start, start.Add(5*time.Hour))
	if err != nil {
		t.Fatalf("LoadBars failed: %v", err)
	}
	if len(bars) == 0 {
		t.Fatal("synthetic fallback produced no bars")
	}
}

func TestQualityValidatorFlagsDefects(t *testing.T) {
	validator := NewQualityValidator(zap.NewNop())
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mk := func(ts time.Time, o, h, l, c float64) *types.OHLCV {
		return &types.OHLCV{
			Timestamp: ts,
			Open:      decimal.NewFromFloat(o),
			High:      decimal.NewFromFloat(h),
			Low:       decimal.NewFromFloat(l),
			Close:     decimal.NewFromFloat(c),
			Volume:    decimal.NewFromInt(1000),
		}
	}

	bars := []*types.OHLCV{
		mk(start, 100, 101, 99, 100),
		mk(start, 100, 101, 99, 100),                   // duplicate timestamp
		mk(start.Add(time.Hour), 100, 99, 101, 100),    // high below low
		mk(start.Add(10*time.Hour), 100, 101, 99, 100), // gap
	}

	report := validator.Validate("SOL/USDC", types.Timeframe1h, bars)
	if report.Usable {
		t.Error("series with a critical issue should not be usable")
	}

	found := map[string]bool{}
	for _, issue := range report.Issues {
		found[issue.Type] = true
	}
	for _, want := range []string{IssueDuplicate, IssueInconsistent, IssueGap} {
		if !found[want] {
			t.Errorf("missing issue type %q in %v", want, report.Issues)
		}
	}
}

func TestQualityValidatorCleanSeries(t *testing.T) {
	validator := NewQualityValidator(zap.NewNop())
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := NewSyntheticGenerator(3).Generate("SOL/USDC", types.Timeframe1h, start, start.Add(100*time.Hour))

	report := validator.Validate("SOL/USDC", types.Timeframe1h, bars)
	if !report.Usable {
		t.Errorf("clean synthetic series flagged unusable: %+v", report.Issues)
	}
	if report.Critical != 0 {
		t.Errorf("critical issues = %d, want 0", report.Critical)
	}
}

func TestResultStoreSeparatesPreviewAndArtifact(t *testing.T) {
	store := NewResultStore(10)
	store.Save("run-1", "preview", map[string]int{"full": 1})

	preview, err := store.Preview("run-1")
	if err != nil {
		t.Fatalf("Preview failed: %v", err)
	}
	if preview != "preview" {
		t.Errorf("preview = %v", preview)
	}

	artifact, err := store.Artifact("run-1")
	if err != nil {
		t.Fatalf("Artifact failed: %v", err)
	}
	if artifact.(map[string]int)["full"] != 1 {
		t.Errorf("artifact = %v", artifact)
	}

	if _, err := store.Preview("missing"); err == nil {
		t.Error("unknown run should error")
	}
}

func TestResultStoreEvictsOldest(t *testing.T) {
	store := NewResultStore(2)
	store.Save("a", 1, 1)
	store.Save("b", 2, 2)
	store.Save("c", 3, 3)

	if store.Len() != 2 {
		t.Fatalf("Len = %d, want 2", store.Len())
	}
	if _, err := store.Preview("a"); err == nil {
		t.Error("oldest run should have been evicted")
	}
	if _, err := store.Preview("c"); err != nil {
		t.Error("newest run should be retained")
	}
}
