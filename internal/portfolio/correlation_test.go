package portfolio

import (
	"math"
	"testing"
	"time"
)

var corrBase = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func feedPrices(c *CorrelationAnalyzer, symbol string, prices []float64) {
	feedPricesFrom(c, symbol, 0, prices)
}

func feedPricesFrom(c *CorrelationAnalyzer, symbol string, startBar int, prices []float64) {
	for i, p := range prices {
		c.Observe(symbol, corrBase.Add(time.Duration(startBar+i)*time.Hour), p)
	}
}

func TestCorrelationLockstepPairIsStrong(t *testing.T) {
	c := NewCorrelationAnalyzer(50)
	prices := []float64{100, 102, 101, 104, 103, 106, 105, 108}
	feedPrices(c, "SOL/USDC", prices)
	scaled := make([]float64, len(prices))
	for i, p := range prices {
		scaled[i] = p * 0.25
	}
	feedPrices(c, "MSOL/USDC", scaled)
	c.Recompute()

	rho, ok := c.Correlation("SOL/USDC", "MSOL/USDC")
	if !ok {
		t.Fatal("pair should have a correlation")
	}
	if math.Abs(rho-1) > 1e-9 {
		t.Errorf("rho = %f, want 1", rho)
	}

	matrix := c.Matrix()
	if len(matrix) != 1 {
		t.Fatalf("matrix entries = %d, want 1", len(matrix))
	}
	if matrix[0].Strength != StrengthStrong {
		t.Errorf("strength = %q, want %q", matrix[0].Strength, StrengthStrong)
	}
}

func TestCorrelationAlignsStaggeredObservations(t *testing.T) {
	// Symbols tick one after another inside a bar pass, so at any instant
	// one symbol may hold one more observation than the other. Lockstep
	// assets must still measure as perfectly correlated.
	c := NewCorrelationAnalyzer(50)
	prices := []float64{100, 102, 101, 104, 103, 106, 105, 108}
	feedPrices(c, "SOL/USDC", prices)
	scaled := make([]float64, len(prices)-1)
	for i := range scaled {
		scaled[i] = prices[i] * 0.5
	}
	feedPrices(c, "MSOL/USDC", scaled)
	c.Recompute()

	rho, ok := c.Correlation("SOL/USDC", "MSOL/USDC")
	if !ok {
		t.Fatal("pair should have a correlation")
	}
	if math.Abs(rho-1) > 1e-9 {
		t.Errorf("rho = %f, want 1 for a lockstep pair with a trailing symbol", rho)
	}
}

func TestCorrelationIsSymmetric(t *testing.T) {
	c := NewCorrelationAnalyzer(50)
	feedPrices(c, "AAA", []float64{100, 101, 99, 103, 102})
	feedPrices(c, "BBB", []float64{50, 49, 52, 50, 53})
	c.Recompute()

	ab, okAB := c.Correlation("AAA", "BBB")
	ba, okBA := c.Correlation("BBB", "AAA")
	if !okAB || !okBA {
		t.Fatal("both orientations should resolve")
	}
	if ab != ba {
		t.Errorf("correlation not symmetric: %f vs %f", ab, ba)
	}
}

func TestCorrelationWindowTrimsHistory(t *testing.T) {
	c := NewCorrelationAnalyzer(3)
	feedPrices(c, "AAA", []float64{100, 101, 102, 103, 104, 105, 106})
	if len(c.returns["AAA"]) != 3 {
		t.Errorf("window length = %d, want 3", len(c.returns["AAA"]))
	}
}

func TestDiversificationScore(t *testing.T) {
	c := NewCorrelationAnalyzer(50)
	if c.DiversificationScore() != 1 {
		t.Errorf("score with no matrix = %f, want 1", c.DiversificationScore())
	}

	prices := []float64{100, 102, 101, 104, 103, 106}
	feedPrices(c, "AAA", prices)
	feedPrices(c, "BBB", prices)
	c.Recompute()

	if score := c.DiversificationScore(); score > 1e-9 {
		t.Errorf("lockstep pair score = %f, want 0", score)
	}
}

func TestCorrelationShiftDetection(t *testing.T) {
	c := NewCorrelationAnalyzer(4)

	// Lockstep regime.
	lockstep := []float64{100, 102, 101, 104, 103}
	feedPrices(c, "AAA", lockstep)
	feedPrices(c, "BBB", lockstep)
	c.Recompute()
	if c.ShiftDetected() {
		t.Error("first recompute must not flag a shift")
	}

	// Orthogonal movement pushes mean absolute correlation toward zero.
	feedPricesFrom(c, "AAA", 5, []float64{105, 103, 105, 103})
	feedPricesFrom(c, "BBB", 5, []float64{105, 107, 105, 103})
	c.Recompute()
	if !c.ShiftDetected() {
		t.Error("regime flip should flag a correlation shift")
	}
}

func TestClassifyThresholds(t *testing.T) {
	cases := []struct {
		rho  float64
		want string
	}{
		{0.1, StrengthWeak},
		{-0.39, StrengthWeak},
		{0.4, StrengthModerate},
		{-0.69, StrengthModerate},
		{0.7, StrengthStrong},
		{-0.95, StrengthStrong},
	}
	for _, tc := range cases {
		if got := Classify(tc.rho); got != tc.want {
			t.Errorf("Classify(%f) = %q, want %q", tc.rho, got, tc.want)
		}
	}
}

func TestCorrelationConstantSeriesHasNoEntry(t *testing.T) {
	c := NewCorrelationAnalyzer(50)
	feedPrices(c, "AAA", []float64{100, 100, 100, 100})
	feedPrices(c, "BBB", []float64{50, 51, 52, 53})
	c.Recompute()

	if _, ok := c.Correlation("AAA", "BBB"); ok {
		t.Error("zero-variance series must not produce a correlation")
	}
}
