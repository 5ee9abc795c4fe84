// Package strategy provides the built-in RSI mean-reversion strategy.
package strategy

import (
	"fmt"

	"github.com/atlas-desktop/backtest-lab/pkg/types"
)

// RSIReversion enters long when the Wilder RSI drops below the oversold
// level and exits once it recovers past the overbought level. All RSI
// inputs are closes up to and including the current bar.
type RSIReversion struct {
	period     int
	oversold   float64
	overbought float64

	prevClose float64
	haveClose bool
	avgGain   float64
	avgLoss   float64
	samples   int
	inMarket  bool
}

// NewRSIReversion creates the strategy with default thresholds.
func NewRSIReversion() *RSIReversion {
	return &RSIReversion{period: 14, oversold: 30, overbought: 70}
}

// Name implements Strategy.
func (s *RSIReversion) Name() string { return "rsi_reversion" }

// SetParams implements Strategy. Recognized parameters: rsi_period,
// oversold, overbought.
func (s *RSIReversion) SetParams(params map[string]float64) error {
	if v, ok := params["rsi_period"]; ok {
		s.period = int(v)
	}
	if v, ok := params["oversold"]; ok {
		s.oversold = v
	}
	if v, ok := params["overbought"]; ok {
		s.overbought = v
	}
	if s.period < 2 {
		return fmt.Errorf("rsi_reversion: period must be at least 2, got %d", s.period)
	}
	if s.oversold >= s.overbought {
		return fmt.Errorf("rsi_reversion: oversold %v must be below overbought %v", s.oversold, s.overbought)
	}
	return nil
}

// OnBar implements Strategy.
func (s *RSIReversion) OnBar(bar *types.OHLCV) Signal {
	close, _ := bar.Close.Float64()

	if !s.haveClose {
		s.prevClose = close
		s.haveClose = true
		return Hold
	}

	change := close - s.prevClose
	s.prevClose = close

	gain, loss := 0.0, 0.0
	if change > 0 {
		gain = change
	} else {
		loss = -change
	}

	// Wilder smoothing
	if s.samples < s.period {
		s.avgGain += gain
		s.avgLoss += loss
		s.samples++
		if s.samples == s.period {
			s.avgGain /= float64(s.period)
			s.avgLoss /= float64(s.period)
		}
		return Hold
	}
	s.avgGain = (s.avgGain*float64(s.period-1) + gain) / float64(s.period)
	s.avgLoss = (s.avgLoss*float64(s.period-1) + loss) / float64(s.period)

	rsi := 100.0
	if s.avgLoss > 0 {
		rs := s.avgGain / s.avgLoss
		rsi = 100 - 100/(1+rs)
	}

	if !s.inMarket && rsi < s.oversold {
		s.inMarket = true
		return Signal{Action: ActionEnter, Side: types.PositionSideLong, Reason: "rsi oversold"}
	}
	if s.inMarket && rsi > s.overbought {
		s.inMarket = false
		return Signal{Action: ActionExit, Side: types.PositionSideLong, Reason: "rsi overbought"}
	}

	return Hold
}

// Reset implements Strategy.
func (s *RSIReversion) Reset() {
	s.prevClose = 0
	s.haveClose = false
	s.avgGain = 0
	s.avgLoss = 0
	s.samples = 0
	s.inMarket = false
}
