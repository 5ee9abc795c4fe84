// Package portfolio provides the shared primitives for coordinated
// multi-asset simulation: the global clock, the ledger, the risk governor,
// correlation analytics, and the orchestrator that drives them.
package portfolio

import (
	"sort"
	"time"

	"github.com/atlas-desktop/backtest-lab/pkg/types"
)

// Tick is one bar delivered by the global clock.
type Tick struct {
	Symbol string
	Bar    *types.OHLCV
}

// Clock merges per-symbol bar streams of possibly different resolutions
// into one strictly chronological tick stream. Ties on the same timestamp
// are broken by symbol name so iteration order is deterministic.
type Clock struct {
	symbols []string
	streams map[string][]*types.OHLCV
	cursors map[string]int
	now     time.Time
}

// NewClock creates a clock over the given streams. Each stream must be
// sorted by timestamp ascending.
func NewClock(streams map[string][]*types.OHLCV) *Clock {
	symbols := make([]string, 0, len(streams))
	for s := range streams {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	return &Clock{
		symbols: symbols,
		streams: streams,
		cursors: make(map[string]int, len(streams)),
	}
}

// Next returns the earliest unconsumed bar across all streams. The second
// return is false once every stream is exhausted.
func (c *Clock) Next() (Tick, bool) {
	bestSymbol := ""
	var bestBar *types.OHLCV

	for _, symbol := range c.symbols {
		cursor := c.cursors[symbol]
		stream := c.streams[symbol]
		if cursor >= len(stream) {
			continue
		}
		bar := stream[cursor]
		if bestBar == nil || bar.Timestamp.Before(bestBar.Timestamp) {
			bestSymbol = symbol
			bestBar = bar
		}
	}

	if bestBar == nil {
		return Tick{}, false
	}

	c.cursors[bestSymbol]++
	c.now = bestBar.Timestamp
	return Tick{Symbol: bestSymbol, Bar: bestBar}, true
}

// Now returns the timestamp of the most recently delivered tick.
func (c *Clock) Now() time.Time { return c.now }

// Remaining returns how many bars have not been delivered yet.
func (c *Clock) Remaining() int {
	total := 0
	for _, symbol := range c.symbols {
		total += len(c.streams[symbol]) - c.cursors[symbol]
	}
	return total
}

// TotalBars returns the number of bars across all streams.
func (c *Clock) TotalBars() int {
	total := 0
	for _, stream := range c.streams {
		total += len(stream)
	}
	return total
}
