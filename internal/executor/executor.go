// Package executor runs a single strategy simulation in full isolation.
// Every run gets its own copy of the market data, a fresh strategy
// instance, and private bookkeeping, so concurrent runs can never observe
// each other.
package executor

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

// cancelCheckInterval is how many bars pass between context checks.
const cancelCheckInterval = 256

// RunSpec describes one isolated simulation.
type RunSpec struct {
	Strategy       string
	Params         map[string]float64
	Symbol         string
	Bars           []*types.OHLCV
	InitialCapital decimal.Decimal
	Commission     decimal.Decimal // fraction of notional, charged per side
	Seed           int64
}

// RunResult holds everything a finished simulation produced.
type RunResult struct {
	Trades      []*types.Trade            `json:"trades"`
	EquityCurve []types.EquityCurvePoint  `json:"equityCurve"`
	Metrics     *types.PerformanceMetrics `json:"metrics"`
}

// Executor builds and runs isolated simulations.
type Executor struct {
	logger   *zap.Logger
	registry *strategy.Registry
	calc     *MetricsCalculator
}

// New creates an executor backed by the given strategy registry.
func New(registry *strategy.Registry, logger *zap.Logger) *Executor {
	return &Executor{
		logger:   logger,
		registry: registry,
		calc:     NewMetricsCalculator(),
	}
}

// RunBacktest adapts a single-symbol backtest config into a run and
// returns its completed trades.
func (e *Executor) RunBacktest(ctx context.Context, cfg *types.BacktestConfig, bars []*types.OHLCV) ([]*types.Trade, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	result, err := e.Run(ctx, RunSpec{
		Strategy:       cfg.Strategy,
		Params:         cfg.Parameters,
		Symbol:         cfg.Symbol,
		Bars:           bars,
		InitialCapital: cfg.InitialCapital,
		Commission:     cfg.Commission,
		Seed:           cfg.Seed,
	})
	if err != nil {
		return nil, err
	}
	return result.Trades, nil
}

// Run simulates the strategy bar by bar over a private copy of the data.
// A panicking strategy is contained: the run fails with an error instead
// of taking the process down.
func (e *Executor) Run(ctx context.Context, spec RunSpec) (result *RunResult, err error) {
	if len(spec.Bars) == 0 {
		return nil, fmt.Errorf("run: no bars for %s", spec.Symbol)
	}
	if spec.InitialCapital.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("run: initial capital must be positive")
	}

	strat, err := e.registry.Create(spec.Strategy)
	if err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}
	if err := strat.SetParams(spec.Params); err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}
	strat.Reset()
	if seedable, ok := strat.(strategy.Seedable); ok {
		seedable.Seed(rng.New(spec.Seed))
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("strategy panicked during run",
				zap.String("strategy", spec.Strategy),
				zap.String("symbol", spec.Symbol),
				zap.Any("panic", r))
			result = nil
			err = fmt.Errorf("run: strategy %s panicked: %v", spec.Strategy, r)
		}
	}()

	bars := types.CloneBars(spec.Bars)
	book := newBook(spec.Symbol, spec.InitialCapital, spec.Commission)

	for i, bar := range bars {
		if i%cancelCheckInterval == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
		}

		sig := strat.OnBar(bar)
		switch sig.Action {
		case strategy.ActionEnter:
			book.open(sig.Side, bar)
		case strategy.ActionExit:
			book.close(bar)
		}
		book.mark(bar)
	}

	// A position still open after the last bar is closed at that bar so
	// every trade in the result is a completed round-trip.
	if book.holding() {
		book.close(bars[len(bars)-1])
	}

	metrics := e.calc.Calculate(book.trades, book.equityCurve, spec.InitialCapital)
	return &RunResult{
		Trades:      book.trades,
		EquityCurve: book.equityCurve,
		Metrics:     metrics,
	}, nil
}

// book is the private single-symbol bookkeeping for one run.
type book struct {
	symbol     string
	cash       decimal.Decimal
	commission decimal.Decimal
	peak       decimal.Decimal

	posOpen    bool
	posSide    types.PositionSide
	posQty     decimal.Decimal
	entryPrice decimal.Decimal
	entryCost  decimal.Decimal
	openedAt   time.Time

	tradeSeq    int
	trades      []*types.Trade
	equityCurve []types.EquityCurvePoint
}

func newBook(symbol string, capital, commission decimal.Decimal) *book {
	return &book{
		symbol:     symbol,
		cash:       capital,
		commission: commission,
		peak:       capital,
	}
}

func (b *book) holding() bool { return b.posOpen }

// open commits all available cash to a position at the bar close.
func (b *book) open(side types.PositionSide, bar *types.OHLCV) {
	if b.posOpen || bar.Close.LessThanOrEqual(decimal.Zero) || b.cash.LessThanOrEqual(decimal.Zero) {
		return
	}
	fee := b.cash.Mul(b.commission)
	invested := b.cash.Sub(fee)
	if invested.LessThanOrEqual(decimal.Zero) {
		return
	}

	b.posOpen = true
	b.posSide = side
	b.posQty = invested.Div(bar.Close)
	b.entryPrice = bar.Close
	b.entryCost = b.cash
	b.openedAt = bar.Timestamp
	b.cash = decimal.Zero
}

// close liquidates the position at the bar close and records the trade.
func (b *book) close(bar *types.OHLCV) {
	if !b.posOpen {
		return
	}
	proceeds := b.posQty.Mul(bar.Close)
	fee := proceeds.Mul(b.commission)
	b.cash = proceeds.Sub(fee)

	pnl := b.cash.Sub(b.entryCost)
	returnPct := 0.0
	if !b.entryCost.IsZero() {
		returnPct, _ = pnl.Div(b.entryCost).Float64()
	}

	// Trade IDs are sequential within a run so identical inputs produce
	// byte-identical results.
	b.tradeSeq++
	b.trades = append(b.trades, &types.Trade{
		ID:         fmt.Sprintf("%s-T%04d", b.symbol, b.tradeSeq),
		Symbol:     b.symbol,
		Side:       b.posSide,
		Quantity:   b.posQty,
		EntryPrice: b.entryPrice,
		ExitPrice:  bar.Close,
		OpenedAt:   b.openedAt,
		ClosedAt:   bar.Timestamp,
		PnL:        pnl,
		ReturnPct:  returnPct,
	})

	b.posOpen = false
	b.posQty = decimal.Zero
	b.entryPrice = decimal.Zero
	b.entryCost = decimal.Zero
}

// mark records the mark-to-market equity point for the bar.
func (b *book) mark(bar *types.OHLCV) {
	equity := b.cash
	if b.posOpen {
		equity = equity.Add(b.posQty.Mul(bar.Close))
	}
	if equity.GreaterThan(b.peak) {
		b.peak = equity
	}
	drawdown := decimal.Zero
	if !b.peak.IsZero() {
		drawdown = b.peak.Sub(equity).Div(b.peak)
	}
	b.equityCurve = append(b.equityCurve, types.EquityCurvePoint{
		Timestamp: bar.Timestamp,
		Equity:    equity,
		Cash:      b.cash,
		Drawdown:  drawdown,
	})
}
