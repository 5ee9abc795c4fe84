package portfolio

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/backtest-lab/pkg/types"
)

// Position is an open ledger position.
type Position struct {
	ID           string             `json:"id"`
	Symbol       string             `json:"symbol"`
	Side         types.PositionSide `json:"side"`
	Quantity     decimal.Decimal    `json:"quantity"`
	EntryPrice   decimal.Decimal    `json:"entryPrice"`
	CurrentPrice decimal.Decimal    `json:"currentPrice"`
	CostBasis    decimal.Decimal    `json:"costBasis"`
	OpenedAt     time.Time          `json:"openedAt"`
}

// Snapshot is a point-in-time view of the ledger.
type Snapshot struct {
	Timestamp     time.Time       `json:"timestamp"`
	Cash          decimal.Decimal `json:"cash"`
	Equity        decimal.Decimal `json:"equity"`
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	Exposure      decimal.Decimal `json:"exposure"`
	OpenPositions int             `json:"openPositions"`
	Drawdown      decimal.Decimal `json:"drawdown"`
}

// Ledger is the sole authority for positions, cash, and equity inside a
// multi-asset run. It accepts only matched open/close mutations: a close
// must reference a position the ledger itself issued.
type Ledger struct {
	mu          sync.RWMutex
	cash        decimal.Decimal
	initialCash decimal.Decimal
	realized    decimal.Decimal
	peakEquity  decimal.Decimal
	positions   map[string]*Position
	trades      []*types.Trade
	posSeq      int
}

// NewLedger creates a ledger holding the initial capital in cash.
func NewLedger(initialCash decimal.Decimal) *Ledger {
	return &Ledger{
		cash:        initialCash,
		initialCash: initialCash,
		peakEquity:  initialCash,
		positions:   make(map[string]*Position),
	}
}

// Open debits cash for quantity*price plus fee and registers the
// position. It returns the position ID used to close it later.
func (l *Ledger) Open(symbol string, side types.PositionSide, quantity, price, fee decimal.Decimal, ts time.Time) (string, error) {
	if quantity.LessThanOrEqual(decimal.Zero) || price.LessThanOrEqual(decimal.Zero) {
		return "", fmt.Errorf("ledger: open %s requires positive quantity and price", symbol)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cost := quantity.Mul(price).Add(fee)
	if cost.GreaterThan(l.cash) {
		return "", fmt.Errorf("ledger: open %s needs %s, only %s cash available", symbol, cost, l.cash)
	}

	// Position IDs are sequential and zero-padded: sorting by ID equals
	// open order, and identical runs issue identical IDs.
	l.posSeq++
	id := fmt.Sprintf("P%06d", l.posSeq)
	l.cash = l.cash.Sub(cost)
	l.positions[id] = &Position{
		ID:           id,
		Symbol:       symbol,
		Side:         side,
		Quantity:     quantity,
		EntryPrice:   price,
		CurrentPrice: price,
		CostBasis:    cost,
		OpenedAt:     ts,
	}
	return id, nil
}

// Close liquidates a position by ID, credits the proceeds net of fee, and
// records the completed trade.
func (l *Ledger) Close(id string, price, fee decimal.Decimal, ts time.Time) (*types.Trade, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[id]
	if !ok {
		return nil, fmt.Errorf("ledger: close of unknown position %s", id)
	}
	if price.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("ledger: close %s requires positive price", pos.Symbol)
	}

	proceeds := pos.Quantity.Mul(price).Sub(fee)
	l.cash = l.cash.Add(proceeds)
	pnl := proceeds.Sub(pos.CostBasis)
	l.realized = l.realized.Add(pnl)

	returnPct := 0.0
	if !pos.CostBasis.IsZero() {
		returnPct, _ = pnl.Div(pos.CostBasis).Float64()
	}

	trade := &types.Trade{
		ID:         pos.ID,
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Quantity:   pos.Quantity,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  price,
		OpenedAt:   pos.OpenedAt,
		ClosedAt:   ts,
		PnL:        pnl,
		ReturnPct:  returnPct,
	}
	l.trades = append(l.trades, trade)
	delete(l.positions, id)

	return trade, nil
}

// Mark updates the mark price for every open position on the symbol.
func (l *Ledger) Mark(symbol string, price decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, pos := range l.positions {
		if pos.Symbol == symbol {
			pos.CurrentPrice = price
		}
	}

	equity := l.equityLocked()
	if equity.GreaterThan(l.peakEquity) {
		l.peakEquity = equity
	}
}

// Equity returns cash plus the marked value of all open positions.
func (l *Ledger) Equity() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.equityLocked()
}

// Cash returns uncommitted capital.
func (l *Ledger) Cash() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cash
}

// RealizedPnL returns the cumulative realized profit and loss.
func (l *Ledger) RealizedPnL() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.realized
}

// Exposure returns the marked value of all open positions.
func (l *Ledger) Exposure() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.exposureLocked()
}

// OpenPositions returns the number of open positions.
func (l *Ledger) OpenPositions() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.positions)
}

// PositionsOn returns the number of open positions on a symbol.
func (l *Ledger) PositionsOn(symbol string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	count := 0
	for _, pos := range l.positions {
		if pos.Symbol == symbol {
			count++
		}
	}
	return count
}

// PositionIDs returns the IDs of open positions on a symbol, or all open
// positions when symbol is empty.
func (l *Ledger) PositionIDs(symbol string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var ids []string
	for id, pos := range l.positions {
		if symbol == "" || pos.Symbol == symbol {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// OpenPositionsOn returns copies of the open positions on a symbol,
// ordered by ID.
func (l *Ledger) OpenPositionsOn(symbol string) []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Position
	for _, pos := range l.positions {
		if pos.Symbol == symbol {
			out = append(out, *pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OpenSymbols returns the distinct symbols with at least one open
// position.
func (l *Ledger) OpenSymbols() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for _, pos := range l.positions {
		if _, ok := seen[pos.Symbol]; !ok {
			seen[pos.Symbol] = struct{}{}
			out = append(out, pos.Symbol)
		}
	}
	return out
}

// Snapshot captures the ledger state at the given time.
func (l *Ledger) Snapshot(ts time.Time) Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	equity := l.equityLocked()
	drawdown := decimal.Zero
	if !l.peakEquity.IsZero() {
		drawdown = l.peakEquity.Sub(equity).Div(l.peakEquity)
	}

	return Snapshot{
		Timestamp:     ts,
		Cash:          l.cash,
		Equity:        equity,
		RealizedPnL:   l.realized,
		UnrealizedPnL: equity.Sub(l.initialCash).Sub(l.realized),
		Exposure:      l.exposureLocked(),
		OpenPositions: len(l.positions),
		Drawdown:      drawdown,
	}
}

// Trades returns all completed trades in close order.
func (l *Ledger) Trades() []*types.Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*types.Trade, len(l.trades))
	copy(out, l.trades)
	return out
}

func (l *Ledger) equityLocked() decimal.Decimal {
	equity := l.cash
	for _, pos := range l.positions {
		equity = equity.Add(pos.Quantity.Mul(pos.CurrentPrice))
	}
	return equity
}

func (l *Ledger) exposureLocked() decimal.Decimal {
	exposure := decimal.Zero
	for _, pos := range l.positions {
		exposure = exposure.Add(pos.Quantity.Mul(pos.CurrentPrice))
	}
	return exposure
}
