package portfolio

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/backtest-lab/pkg/types"
)

// Reason codes returned by the governor.
const (
	ReasonAccepted         = "accepted"
	ReasonMaxOpenPositions = "max_open_positions"
	ReasonMaxSymbolOpen    = "max_symbol_positions"
	ReasonDailyDrawdown    = "daily_drawdown"
	ReasonMaxExposure      = "max_exposure"
	ReasonCorrelationVeto  = "correlation_veto"
)

// Candidate is a proposed entry submitted for approval.
type Candidate struct {
	Symbol    string
	Side      types.PositionSide
	Notional  decimal.Decimal
	Timestamp time.Time
}

// Decision is the governor's verdict on a candidate.
type Decision struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason"`
	Detail   string `json:"detail,omitempty"`
}

// Rejection is a recorded refusal. Rejections are kept, not dropped, so a
// finished run can explain which trades the risk budget suppressed.
type Rejection struct {
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol"`
	Reason    string    `json:"reason"`
	Detail    string    `json:"detail,omitempty"`
}

// Governor validates every candidate entry against the configured limits.
// It never mutates the ledger; it only reads it.
type Governor struct {
	logger *zap.Logger
	limits types.RiskLimits

	dayStart       time.Time
	dayStartEquity decimal.Decimal
	rejections     []Rejection
}

// NewGovernor creates a governor with the given limits.
func NewGovernor(limits types.RiskLimits, logger *zap.Logger) *Governor {
	return &Governor{logger: logger, limits: limits}
}

// StartDay resets the daily drawdown baseline. The orchestrator calls it
// whenever the simulated calendar date changes.
func (g *Governor) StartDay(ts time.Time, equity decimal.Decimal) {
	g.dayStart = ts
	g.dayStartEquity = equity
}

// Approve checks a candidate entry against every limit in order and
// returns the first violation, or acceptance. Every rejection is recorded.
func (g *Governor) Approve(c Candidate, ledger *Ledger, corr *CorrelationAnalyzer) Decision {
	if d := g.check(c, ledger, corr); !d.Accepted {
		g.rejections = append(g.rejections, Rejection{
			Timestamp: c.Timestamp,
			Symbol:    c.Symbol,
			Reason:    d.Reason,
			Detail:    d.Detail,
		})
		g.logger.Debug("candidate rejected",
			zap.String("symbol", c.Symbol),
			zap.String("reason", d.Reason),
		)
		return d
	}
	return Decision{Accepted: true, Reason: ReasonAccepted}
}

func (g *Governor) check(c Candidate, ledger *Ledger, corr *CorrelationAnalyzer) Decision {
	if ledger.OpenPositions() >= g.limits.MaxOpenPositions {
		return Decision{Reason: ReasonMaxOpenPositions}
	}
	if ledger.PositionsOn(c.Symbol) >= g.limits.MaxPerSymbolPositions {
		return Decision{Reason: ReasonMaxSymbolOpen}
	}

	if !g.dayStartEquity.IsZero() {
		equity := ledger.Equity()
		dd := g.dayStartEquity.Sub(equity).Div(g.dayStartEquity)
		if dd.GreaterThanOrEqual(g.limits.MaxDailyDrawdown) {
			return Decision{Reason: ReasonDailyDrawdown, Detail: dd.StringFixed(4)}
		}
	}

	equity := ledger.Equity()
	if !equity.IsZero() {
		projected := ledger.Exposure().Add(c.Notional).Div(equity)
		if projected.GreaterThan(g.limits.MaxExposure) {
			return Decision{Reason: ReasonMaxExposure, Detail: projected.StringFixed(4)}
		}
	}

	if corr != nil {
		for _, open := range ledger.OpenSymbols() {
			if open == c.Symbol {
				continue
			}
			if rho, ok := corr.Correlation(c.Symbol, open); ok && math.Abs(rho) >= g.limits.CorrelationVeto {
				return Decision{Reason: ReasonCorrelationVeto, Detail: open}
			}
		}
	}

	return Decision{Accepted: true, Reason: ReasonAccepted}
}

// Rejections returns every recorded rejection.
func (g *Governor) Rejections() []Rejection {
	out := make([]Rejection, len(g.rejections))
	copy(out, g.rejections)
	return out
}
