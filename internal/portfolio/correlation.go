package portfolio

import (
	"math"
	"sort"
	"time"

	"github.com/atlas-desktop/backtest-lab/pkg/utils"
)

// Pair strength classes.
const (
	StrengthWeak     = "weak"
	StrengthModerate = "moderate"
	StrengthStrong   = "strong"
)

// shiftDelta is the change in mean absolute correlation that counts as a
// structural shift between consecutive recomputes.
const shiftDelta = 0.2

// PairCorrelation is one entry of the pairwise matrix.
type PairCorrelation struct {
	SymbolA     string  `json:"symbolA"`
	SymbolB     string  `json:"symbolB"`
	Correlation float64 `json:"correlation"`
	Strength    string  `json:"strength"`
}

// observation is one return sample keyed by its bar timestamp, so pairs
// can be aligned even when symbols tick at different moments.
type observation struct {
	at  int64
	ret float64
}

// CorrelationAnalyzer maintains rolling return windows per symbol and a
// pairwise Pearson correlation matrix over them.
type CorrelationAnalyzer struct {
	window    int
	lastPrice map[string]float64
	returns   map[string][]observation

	matrix    map[string]map[string]float64
	meanAbs   float64
	hasMatrix bool
	shifted   bool
}

// NewCorrelationAnalyzer creates an analyzer with the given rolling
// window, measured in observed returns per symbol.
func NewCorrelationAnalyzer(window int) *CorrelationAnalyzer {
	return &CorrelationAnalyzer{
		window:    window,
		lastPrice: make(map[string]float64),
		returns:   make(map[string][]observation),
		matrix:    make(map[string]map[string]float64),
	}
}

// Observe records a new price for the symbol at the given bar timestamp,
// deriving a return against the previous observation. Timestamps must be
// fed in ascending order per symbol.
func (c *CorrelationAnalyzer) Observe(symbol string, at time.Time, price float64) {
	prev, ok := c.lastPrice[symbol]
	c.lastPrice[symbol] = price
	if !ok || prev == 0 {
		return
	}

	buf := append(c.returns[symbol], observation{at: at.UnixNano(), ret: price/prev - 1})
	if len(buf) > c.window {
		buf = buf[len(buf)-c.window:]
	}
	c.returns[symbol] = buf
}

// Recompute rebuilds the pairwise matrix from the current windows and
// flags a correlation-structure shift when the mean absolute pairwise
// correlation moved by more than shiftDelta since the last recompute.
func (c *CorrelationAnalyzer) Recompute() {
	symbols := c.symbolsWithData()
	matrix := make(map[string]map[string]float64, len(symbols))
	var abs []float64

	for i, a := range symbols {
		for j := i + 1; j < len(symbols); j++ {
			b := symbols[j]
			rho, ok := pearson(c.returns[a], c.returns[b])
			if !ok {
				continue
			}
			if matrix[a] == nil {
				matrix[a] = make(map[string]float64)
			}
			if matrix[b] == nil {
				matrix[b] = make(map[string]float64)
			}
			matrix[a][b] = rho
			matrix[b][a] = rho
			abs = append(abs, math.Abs(rho))
		}
	}

	meanAbs := utils.Mean(abs)
	c.shifted = c.hasMatrix && len(abs) > 0 && math.Abs(meanAbs-c.meanAbs) > shiftDelta
	c.matrix = matrix
	c.meanAbs = meanAbs
	c.hasMatrix = len(abs) > 0
}

// Correlation returns the last computed correlation for a pair.
func (c *CorrelationAnalyzer) Correlation(a, b string) (float64, bool) {
	row, ok := c.matrix[a]
	if !ok {
		return 0, false
	}
	rho, ok := row[b]
	return rho, ok
}

// Matrix returns the pairwise entries in deterministic order.
func (c *CorrelationAnalyzer) Matrix() []PairCorrelation {
	symbols := make([]string, 0, len(c.matrix))
	for s := range c.matrix {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	var out []PairCorrelation
	for i, a := range symbols {
		for j := i + 1; j < len(symbols); j++ {
			b := symbols[j]
			if rho, ok := c.matrix[a][b]; ok {
				out = append(out, PairCorrelation{
					SymbolA:     a,
					SymbolB:     b,
					Correlation: rho,
					Strength:    Classify(rho),
				})
			}
		}
	}
	return out
}

// DiversificationScore is 1 minus the mean absolute pairwise correlation:
// 1 for perfectly unrelated assets, 0 for lockstep ones.
func (c *CorrelationAnalyzer) DiversificationScore() float64 {
	if !c.hasMatrix {
		return 1
	}
	return utils.Clamp(1-c.meanAbs, 0, 1)
}

// ShiftDetected reports whether the last recompute saw a material change
// in correlation structure.
func (c *CorrelationAnalyzer) ShiftDetected() bool { return c.shifted }

// Classify buckets a correlation by magnitude.
func Classify(rho float64) string {
	switch abs := math.Abs(rho); {
	case abs >= 0.7:
		return StrengthStrong
	case abs >= 0.4:
		return StrengthModerate
	default:
		return StrengthWeak
	}
}

func (c *CorrelationAnalyzer) symbolsWithData() []string {
	var out []string
	for s, buf := range c.returns {
		if len(buf) >= 2 {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// pearson computes the correlation over the samples the two series share
// a timestamp for. One symbol may have observed an extra bar the other has
// not seen yet; only common timestamps are paired. It needs at least two
// pairs.
func pearson(a, b []observation) (float64, bool) {
	var xs, ys []float64
	for i, j := 0, 0; i < len(a) && j < len(b); {
		switch {
		case a[i].at < b[j].at:
			i++
		case a[i].at > b[j].at:
			j++
		default:
			xs = append(xs, a[i].ret)
			ys = append(ys, b[j].ret)
			i++
			j++
		}
	}
	if len(xs) < 2 {
		return 0, false
	}

	meanA := utils.Mean(xs)
	meanB := utils.Mean(ys)

	var cov, varA, varB float64
	for i := range xs {
		da := xs[i] - meanA
		db := ys[i] - meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0, false
	}
	return cov / math.Sqrt(varA*varB), true
}
