// Package strategy provides the built-in moving-average crossover strategy.
package strategy

import (
	"fmt"

	"github.com/atlas-desktop/backtest-lab/pkg/types"
)

// SMACross enters long when the fast moving average crosses above the slow
// one and exits on the opposite cross. Both averages are computed from
// closes up to and including the current bar only.
type SMACross struct {
	fastPeriod int
	slowPeriod int

	closes   []float64
	inMarket bool
	prevDiff float64
	havePrev bool
}

// NewSMACross creates the strategy with default periods.
func NewSMACross() *SMACross {
	return &SMACross{fastPeriod: 10, slowPeriod: 30}
}

// Name implements Strategy.
func (s *SMACross) Name() string { return "sma_cross" }

// SetParams implements Strategy. Recognized parameters: fast_period,
// slow_period. Unknown parameters are ignored so a shared grid can span
// several strategies.
func (s *SMACross) SetParams(params map[string]float64) error {
	if v, ok := params["fast_period"]; ok {
		s.fastPeriod = int(v)
	}
	if v, ok := params["slow_period"]; ok {
		s.slowPeriod = int(v)
	}
	if s.fastPeriod < 1 || s.slowPeriod < 2 {
		return fmt.Errorf("sma_cross: periods must be positive, got fast=%d slow=%d", s.fastPeriod, s.slowPeriod)
	}
	if s.fastPeriod >= s.slowPeriod {
		return fmt.Errorf("sma_cross: fast period %d must be below slow period %d", s.fastPeriod, s.slowPeriod)
	}
	return nil
}

// OnBar implements Strategy.
func (s *SMACross) OnBar(bar *types.OHLCV) Signal {
	close, _ := bar.Close.Float64()
	s.closes = append(s.closes, close)

	if len(s.closes) < s.slowPeriod {
		return Hold
	}

	fast := s.tailMean(s.fastPeriod)
	slow := s.tailMean(s.slowPeriod)
	diff := fast - slow

	defer func() {
		s.prevDiff = diff
		s.havePrev = true
	}()

	// At the first computable bar there is no prior diff to cross from, so
	// a series that was already trending up would otherwise never enter.
	// Treat a positive spread at warm-up completion as an entry.
	if !s.havePrev {
		if diff > 0 {
			s.inMarket = true
			return Signal{Action: ActionEnter, Side: types.PositionSideLong, Reason: "fast sma above slow at warm-up"}
		}
		return Hold
	}

	if !s.inMarket && s.prevDiff <= 0 && diff > 0 {
		s.inMarket = true
		return Signal{Action: ActionEnter, Side: types.PositionSideLong, Reason: "fast sma crossed above slow"}
	}
	if s.inMarket && s.prevDiff >= 0 && diff < 0 {
		s.inMarket = false
		return Signal{Action: ActionExit, Side: types.PositionSideLong, Reason: "fast sma crossed below slow"}
	}

	return Hold
}

// Reset implements Strategy.
func (s *SMACross) Reset() {
	s.closes = nil
	s.inMarket = false
	s.prevDiff = 0
	s.havePrev = false
}

// tailMean averages the last n closes.
func (s *SMACross) tailMean(n int) float64 {
	var sum float64
	for _, v := range s.closes[len(s.closes)-n:] {
		sum += v
	}
	return sum / float64(n)
}
