package portfolio

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/backtest-lab/internal/rng"
	"github.com/atlas-desktop/backtest-lab/internal/strategy"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
)

// cancelCheckInterval is how many ticks pass between context checks.
const cancelCheckInterval = 512

// defaultAnalyticsEvery is the tick cadence for correlation refresh when
// the config leaves it unset.
const defaultAnalyticsEvery = 50

// snapshotMaxPoints bounds the snapshot trail kept in the result.
const snapshotMaxPoints = 1000

// ProgressFunc receives progress updates as ticks are consumed.
type ProgressFunc func(progress types.JobProgress)

// Result is the consolidated outcome of a multi-asset run.
type Result struct {
	Metrics              *Metrics          `json:"metrics"`
	Snapshots            []Snapshot        `json:"snapshots"`
	Trades               []*types.Trade    `json:"trades"`
	Rejections           []Rejection       `json:"rejections"`
	Correlations         []PairCorrelation `json:"correlations"`
	DiversificationScore float64           `json:"diversificationScore"`
	CorrelationShift     bool              `json:"correlationShift"`
	TicksProcessed       int               `json:"ticksProcessed"`
	Elapsed              time.Duration     `json:"elapsed"`
}

// Orchestrator drives the clock, strategies, governor, and ledger through
// a coordinated multi-asset simulation. The ledger is exclusively owned
// by one running orchestration: nothing else mutates it.
type Orchestrator struct {
	logger   *zap.Logger
	registry *strategy.Registry
}

// NewOrchestrator creates a multi-asset orchestrator.
func NewOrchestrator(registry *strategy.Registry, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{logger: logger, registry: registry}
}

// Run simulates all configured symbols against one shared ledger and risk
// budget. Because rejected entries are never taken, aggregate results are
// expected to differ from the sum of independent single-asset runs.
func (o *Orchestrator) Run(
	ctx context.Context,
	cfg *types.MultiAssetConfig,
	streams map[string][]*types.OHLCV,
	progress ProgressFunc,
) (*Result, error) {
	startTime := time.Now()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, symbol := range cfg.Symbols {
		if len(streams[symbol]) == 0 {
			return nil, fmt.Errorf("multi-asset: no bars for %s", symbol)
		}
	}

	// One fresh strategy per symbol, each with its own derived stream.
	source := rng.New(cfg.Seed)
	strategies := make(map[string]strategy.Strategy, len(cfg.Symbols))
	for _, symbol := range cfg.Symbols {
		strat, err := o.registry.Create(cfg.Strategy)
		if err != nil {
			return nil, fmt.Errorf("multi-asset: %w", err)
		}
		if err := strat.SetParams(cfg.Parameters); err != nil {
			return nil, fmt.Errorf("multi-asset: %w", err)
		}
		strat.Reset()
		if seedable, ok := strat.(strategy.Seedable); ok {
			seedable.Seed(source.Fork(symbol))
		}
		strategies[symbol] = strat
	}

	clock := NewClock(streams)
	ledger := NewLedger(cfg.InitialCapital)
	governor := NewGovernor(cfg.RiskLimits, o.logger)
	corr := NewCorrelationAnalyzer(cfg.RiskLimits.CorrelationWindow)

	analyticsEvery := cfg.AnalyticsEvery
	if analyticsEvery <= 0 {
		analyticsEvery = defaultAnalyticsEvery
	}

	// Equal notional slices of the risk budget per position slot.
	slotDivisor := decimal.NewFromInt(int64(cfg.RiskLimits.MaxOpenPositions))

	totalBars := clock.TotalBars()
	var snapshots []Snapshot
	var currentDay time.Time
	lastPrice := make(map[string]decimal.Decimal, len(cfg.Symbols))
	shiftSeen := false
	ticks := 0

	o.logger.Info("starting multi-asset run",
		zap.Strings("symbols", cfg.Symbols),
		zap.Int("total_bars", totalBars),
	)

	for {
		tick, ok := clock.Next()
		if !ok {
			break
		}
		ticks++

		if ticks%cancelCheckInterval == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
		}

		ts := tick.Bar.Timestamp
		price := tick.Bar.Close
		lastPrice[tick.Symbol] = price

		priceFloat, _ := price.Float64()
		corr.Observe(tick.Symbol, ts, priceFloat)
		ledger.Mark(tick.Symbol, price)

		// Daily drawdown baseline rolls at each calendar date change.
		day := ts.Truncate(24 * time.Hour)
		if !day.Equal(currentDay) {
			currentDay = day
			governor.StartDay(ts, ledger.Equity())
		}

		sig := strategies[tick.Symbol].OnBar(tick.Bar)
		switch sig.Action {
		case strategy.ActionEnter:
			o.tryEnter(cfg, tick, sig, ledger, governor, corr, slotDivisor)
		case strategy.ActionExit:
			o.closeSymbol(cfg, ledger, tick.Symbol, price, ts)
		}

		if ticks%analyticsEvery == 0 {
			corr.Recompute()
			if corr.ShiftDetected() {
				shiftSeen = true
			}
		}

		snapshots = append(snapshots, ledger.Snapshot(ts))

		if progress != nil && ticks%500 == 0 {
			progress(types.JobProgress{
				Percent: float64(ticks) / float64(totalBars) * 100,
				Phase:   "simulating",
				Message: fmt.Sprintf("%d/%d ticks", ticks, totalBars),
			})
		}
	}

	// Liquidate whatever is still open at each symbol's last seen price.
	for _, symbol := range cfg.Symbols {
		if price, ok := lastPrice[symbol]; ok {
			o.closeSymbol(cfg, ledger, symbol, price, clock.Now())
		}
	}

	corr.Recompute()
	if corr.ShiftDetected() {
		shiftSeen = true
	}

	trades := ledger.Trades()
	result := &Result{
		Metrics:              CalculateMetrics(snapshots, trades, cfg.InitialCapital),
		Snapshots:            downsampleSnapshots(snapshots, snapshotMaxPoints),
		Trades:               trades,
		Rejections:           governor.Rejections(),
		Correlations:         corr.Matrix(),
		DiversificationScore: corr.DiversificationScore(),
		CorrelationShift:     shiftSeen,
		TicksProcessed:       ticks,
		Elapsed:              time.Since(startTime),
	}

	o.logger.Info("multi-asset run complete",
		zap.Int("ticks", ticks),
		zap.Int("trades", len(trades)),
		zap.Int("rejections", len(result.Rejections)),
		zap.Duration("elapsed", result.Elapsed),
	)

	return result, nil
}

// tryEnter sizes a candidate entry and applies it if the governor
// accepts.
func (o *Orchestrator) tryEnter(
	cfg *types.MultiAssetConfig,
	tick Tick,
	sig strategy.Signal,
	ledger *Ledger,
	governor *Governor,
	corr *CorrelationAnalyzer,
	slotDivisor decimal.Decimal,
) {
	equity := ledger.Equity()
	notional := equity.Div(slotDivisor)
	if notional.GreaterThan(ledger.Cash()) {
		notional = ledger.Cash()
	}
	if notional.LessThanOrEqual(decimal.Zero) {
		return
	}

	decision := governor.Approve(Candidate{
		Symbol:    tick.Symbol,
		Side:      sig.Side,
		Notional:  notional,
		Timestamp: tick.Bar.Timestamp,
	}, ledger, corr)
	if !decision.Accepted {
		return
	}

	price := tick.Bar.Close
	fee := notional.Mul(cfg.Commission)
	quantity := notional.Sub(fee).Div(price)
	if quantity.LessThanOrEqual(decimal.Zero) {
		return
	}
	if _, err := ledger.Open(tick.Symbol, sig.Side, quantity, price, fee, tick.Bar.Timestamp); err != nil {
		o.logger.Warn("entry failed after approval",
			zap.String("symbol", tick.Symbol),
			zap.Error(err))
	}
}

// closeSymbol liquidates every open position on the symbol at the given
// price.
func (o *Orchestrator) closeSymbol(cfg *types.MultiAssetConfig, ledger *Ledger, symbol string, price decimal.Decimal, ts time.Time) {
	for _, pos := range ledger.OpenPositionsOn(symbol) {
		proceeds := pos.Quantity.Mul(price)
		fee := proceeds.Mul(cfg.Commission)
		if _, err := ledger.Close(pos.ID, price, fee, ts); err != nil {
			o.logger.Warn("close failed",
				zap.String("symbol", symbol),
				zap.Error(err))
		}
	}
}

// downsampleSnapshots thins the snapshot trail to at most maxPoints,
// always keeping the last.
func downsampleSnapshots(snapshots []Snapshot, maxPoints int) []Snapshot {
	if maxPoints <= 1 || len(snapshots) <= maxPoints {
		return snapshots
	}
	out := make([]Snapshot, 0, maxPoints)
	step := float64(len(snapshots)-1) / float64(maxPoints-1)
	for i := 0; i < maxPoints-1; i++ {
		out = append(out, snapshots[int(float64(i)*step)])
	}
	return append(out, snapshots[len(snapshots)-1])
}
