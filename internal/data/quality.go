package data

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/backtest-lab/pkg/types"
)

// Issue severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Issue types.
const (
	IssueGap           = "gap"
	IssueDuplicate     = "duplicate"
	IssueOutOfOrder    = "out_of_order"
	IssueInconsistent  = "inconsistent_ohlc"
	IssueNonPositive   = "non_positive_price"
	IssueExtremeReturn = "extreme_return"
)

// Issue is one detected defect in a bar series.
type Issue struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail"`
}

// QualityReport summarizes the health of a bar series before it feeds a
// simulation.
type QualityReport struct {
	Symbol   string  `json:"symbol"`
	Bars     int     `json:"bars"`
	Issues   []Issue `json:"issues"`
	Usable   bool    `json:"usable"`
	Warnings int     `json:"warnings"`
	Critical int     `json:"critical"`
}

// QualityValidator checks bar series for defects that would corrupt
// simulation results. Critical issues make a series unusable; warnings
// are surfaced but do not block a run.
type QualityValidator struct {
	logger *zap.Logger

	// maxReturn flags single-bar moves beyond this fraction as suspect.
	maxReturn float64
}

// NewQualityValidator creates a validator with a 50% single-bar move
// threshold.
func NewQualityValidator(logger *zap.Logger) *QualityValidator {
	return &QualityValidator{logger: logger, maxReturn: 0.5}
}

// Validate inspects the series and returns a report. The input is not
// modified.
func (v *QualityValidator) Validate(symbol string, timeframe types.Timeframe, bars []*types.OHLCV) *QualityReport {
	report := &QualityReport{Symbol: symbol, Bars: len(bars)}
	interval := timeframe.Duration()

	var prev *types.OHLCV
	for _, bar := range bars {
		v.checkBar(report, bar)

		if prev != nil {
			switch {
			case bar.Timestamp.Before(prev.Timestamp):
				report.add(Issue{
					Type: IssueOutOfOrder, Severity: SeverityCritical, Timestamp: bar.Timestamp,
					Detail: fmt.Sprintf("bar at %s follows %s", bar.Timestamp, prev.Timestamp),
				})
			case bar.Timestamp.Equal(prev.Timestamp):
				report.add(Issue{
					Type: IssueDuplicate, Severity: SeverityCritical, Timestamp: bar.Timestamp,
					Detail: "duplicate timestamp",
				})
			case interval > 0 && bar.Timestamp.Sub(prev.Timestamp) > 2*interval:
				report.add(Issue{
					Type: IssueGap, Severity: SeverityWarning, Timestamp: bar.Timestamp,
					Detail: fmt.Sprintf("gap of %s", bar.Timestamp.Sub(prev.Timestamp)),
				})
			}

			if !prev.Close.IsZero() {
				ret, _ := bar.Close.Sub(prev.Close).Div(prev.Close).Float64()
				if ret > v.maxReturn || ret < -v.maxReturn {
					report.add(Issue{
						Type: IssueExtremeReturn, Severity: SeverityWarning, Timestamp: bar.Timestamp,
						Detail: fmt.Sprintf("single-bar return %.1f%%", ret*100),
					})
				}
			}
		}
		prev = bar
	}

	report.Usable = report.Critical == 0 && len(bars) > 0
	if !report.Usable {
		v.logger.Warn("bar series failed quality checks",
			zap.String("symbol", symbol),
			zap.Int("critical", report.Critical),
		)
	}
	return report
}

func (v *QualityValidator) checkBar(report *QualityReport, bar *types.OHLCV) {
	if bar.Open.LessThanOrEqual(decimal.Zero) || bar.High.LessThanOrEqual(decimal.Zero) ||
		bar.Low.LessThanOrEqual(decimal.Zero) || bar.Close.LessThanOrEqual(decimal.Zero) {
		report.add(Issue{
			Type: IssueNonPositive, Severity: SeverityCritical, Timestamp: bar.Timestamp,
			Detail: "non-positive price field",
		})
		return
	}

	if bar.High.LessThan(bar.Low) ||
		bar.High.LessThan(bar.Open) || bar.High.LessThan(bar.Close) ||
		bar.Low.GreaterThan(bar.Open) || bar.Low.GreaterThan(bar.Close) {
		report.add(Issue{
			Type: IssueInconsistent, Severity: SeverityWarning, Timestamp: bar.Timestamp,
			Detail: "high/low do not bound open/close",
		})
	}
}

func (r *QualityReport) add(issue Issue) {
	r.Issues = append(r.Issues, issue)
	switch issue.Severity {
	case SeverityCritical:
		r.Critical++
	default:
		r.Warnings++
	}
}
