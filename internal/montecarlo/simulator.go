// Package montecarlo estimates the outcome distribution of a strategy by
// resampling its trade sequence. All randomness flows through an injected
// deterministic source, so identical seed and trade list always produce
// identical paths.
package montecarlo

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/backtest-lab/internal/rng"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/atlas-desktop/backtest-lab/pkg/utils"
)

// cancelCheckInterval is how many simulations pass between context checks.
const cancelCheckInterval = 64

// defaultPercentiles are reported when the config names none.
var defaultPercentiles = []float64{0.05, 0.25, 0.50, 0.75, 0.95}

// Distribution summarizes one simulated statistic across all paths.
type Distribution struct {
	Mean        float64            `json:"mean"`
	Median      float64            `json:"median"`
	StdDev      float64            `json:"stdDev"`
	Min         float64            `json:"min"`
	Max         float64            `json:"max"`
	Percentiles map[string]float64 `json:"percentiles"`
}

// PathStats summarizes one simulated equity path.
type PathStats struct {
	FinalEquity float64 `json:"finalEquity"`
	MaxDrawdown float64 `json:"maxDrawdown"`
	TotalReturn float64 `json:"totalReturn"`
	Ruined      bool    `json:"ruined"`
}

// Result aggregates a finished Monte Carlo run.
type Result struct {
	Method          types.ResamplingMethod `json:"method"`
	Simulations     int                    `json:"simulations"`
	Original        PathStats              `json:"original"`
	FinalEquity     *Distribution          `json:"finalEquity"`
	MaxDrawdown     *Distribution          `json:"maxDrawdown"`
	TotalReturn     *Distribution          `json:"totalReturn"`
	RuinProbability float64                `json:"ruinProbability"`
	WorstCase       PathStats              `json:"worstCase"`
	BestCase        PathStats              `json:"bestCase"`
	Elapsed         time.Duration          `json:"elapsed"`
}

// ProgressFunc receives progress updates as simulations complete.
type ProgressFunc func(progress types.JobProgress)

// Engine runs Monte Carlo resampling.
type Engine struct {
	logger *zap.Logger
}

// New creates a Monte Carlo engine.
func New(logger *zap.Logger) *Engine {
	return &Engine{logger: logger}
}

// Run resamples the trade sequence cfg.Simulations times. Trades are
// reduced to their fractional returns; each simulated path compounds a
// resampled return sequence from the initial capital.
func (e *Engine) Run(
	ctx context.Context,
	cfg *types.MonteCarloConfig,
	trades []*types.Trade,
	progress ProgressFunc,
) (*Result, error) {
	startTime := time.Now()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, fmt.Errorf("monte carlo: empty trade list")
	}

	returns := make([]float64, len(trades))
	for i, trade := range trades {
		returns[i] = trade.ReturnPct
	}

	initial, _ := cfg.InitialCapital.Float64()
	ruinFloor := initial * cfg.RuinFloorPct

	e.logger.Info("starting Monte Carlo run",
		zap.String("method", string(cfg.Method)),
		zap.Int("simulations", cfg.Simulations),
		zap.Int("trades", len(trades)),
	)

	source := rng.New(cfg.Seed)
	original := walkPath(returns, initial, ruinFloor)

	finals := make([]float64, 0, cfg.Simulations)
	drawdowns := make([]float64, 0, cfg.Simulations)
	totalReturns := make([]float64, 0, cfg.Simulations)
	ruined := 0
	worst := original
	best := original

	for i := 0; i < cfg.Simulations; i++ {
		if i%cancelCheckInterval == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
		}

		// Each path forks its own stream so the i-th path is the same
		// no matter how many preceded it.
		src := source.Fork(fmt.Sprintf("path-%d", i))
		resampled := resample(returns, cfg, src)
		stats := walkPath(resampled, initial, ruinFloor)

		finals = append(finals, stats.FinalEquity)
		drawdowns = append(drawdowns, stats.MaxDrawdown)
		totalReturns = append(totalReturns, stats.TotalReturn)
		if stats.Ruined {
			ruined++
		}
		if stats.TotalReturn < worst.TotalReturn {
			worst = stats
		}
		if stats.TotalReturn > best.TotalReturn {
			best = stats
		}

		if progress != nil && (i+1)%100 == 0 {
			progress(types.JobProgress{
				Percent: float64(i+1) / float64(cfg.Simulations) * 100,
				Phase:   "simulating",
				Message: fmt.Sprintf("%d/%d paths", i+1, cfg.Simulations),
			})
		}
	}

	pcts := cfg.Percentiles
	if len(pcts) == 0 {
		pcts = defaultPercentiles
	}

	result := &Result{
		Method:          cfg.Method,
		Simulations:     cfg.Simulations,
		Original:        original,
		FinalEquity:     distribution(finals, pcts),
		MaxDrawdown:     distribution(drawdowns, pcts),
		TotalReturn:     distribution(totalReturns, pcts),
		RuinProbability: float64(ruined) / float64(cfg.Simulations),
		WorstCase:       worst,
		BestCase:        best,
		Elapsed:         time.Since(startTime),
	}

	e.logger.Info("Monte Carlo run complete",
		zap.Float64("ruin_probability", result.RuinProbability),
		zap.Duration("elapsed", result.Elapsed),
	)

	return result, nil
}

// resample builds one simulated return sequence.
func resample(returns []float64, cfg *types.MonteCarloConfig, src *rng.Source) []float64 {
	n := len(returns)
	out := make([]float64, 0, n)

	switch cfg.Method {
	case types.MethodBlockBootstrap:
		// Contiguous blocks with replacement preserve local
		// autocorrelation in the trade sequence.
		block := cfg.BlockSize
		if block > n {
			block = n
		}
		for len(out) < n {
			start := src.Intn(n)
			for j := 0; j < block && len(out) < n; j++ {
				out = append(out, returns[(start+j)%n])
			}
		}

	case types.MethodTradeResample:
		for i := 0; i < n; i++ {
			out = append(out, returns[src.Intn(n)])
		}

	case types.MethodOrderRandomization:
		out = append(out, returns...)
		src.Shuffle(n, func(i, j int) { out[i], out[j] = out[j], out[i] })
	}

	return out
}

// walkPath compounds a return sequence from the initial capital, tracking
// drawdown and whether equity ever crossed the ruin floor.
func walkPath(returns []float64, initial, ruinFloor float64) PathStats {
	equity := initial
	peak := initial
	maxDD := 0.0
	crossed := false

	for _, ret := range returns {
		equity *= 1 + ret
		if equity <= ruinFloor {
			crossed = true
		}
		if equity > peak {
			peak = equity
		} else if peak > 0 {
			dd := (peak - equity) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}

	totalReturn := 0.0
	if initial != 0 {
		totalReturn = (equity - initial) / initial
	}

	return PathStats{
		FinalEquity: equity,
		MaxDrawdown: maxDD,
		TotalReturn: totalReturn,
		Ruined:      crossed,
	}
}

// distribution summarizes values and the requested percentile bands.
func distribution(values []float64, percentiles []float64) *Distribution {
	if len(values) == 0 {
		return &Distribution{Percentiles: map[string]float64{}}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	dist := &Distribution{
		Mean:        utils.Mean(values),
		Median:      sorted[len(sorted)/2],
		StdDev:      utils.StdDev(values),
		Min:         sorted[0],
		Max:         sorted[len(sorted)-1],
		Percentiles: make(map[string]float64, len(percentiles)),
	}
	for _, p := range percentiles {
		key := fmt.Sprintf("p%02.0f", p*100)
		dist.Percentiles[key] = utils.Percentile(sorted, p)
	}
	return dist
}
