package data

import (
	"time"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Issue is a data quality problem found in a series
type Issue struct {
	Type     string `json:"type"`
	Severity string `json:"severity"` // "high", "medium", "low"
	OpenTime int64  `json:"openTime"`
	Message  string `json:"message"`
}

// QualityReport summarises a quality inspection
type QualityReport struct {
	Key          types.MarketKey `json:"key"`
	TotalBars    int             `json:"totalBars"`
	MissingBars  int             `json:"missingBars"`
	Issues       []Issue         `json:"issues"`
	QualityScore int             `json:"qualityScore"` // 0-100
}

// Inspector flags gaps and suspicious moves. It never alters the data:
// the replay uses the series exactly as stored.
type Inspector struct {
	logger *zap.Logger

	MaxGapMove decimal.Decimal // max open-to-previous-close move, as a fraction
}

// NewInspector creates an inspector with crypto defaults
func NewInspector(logger *zap.Logger) *Inspector {
	return &Inspector{
		logger:     logger,
		MaxGapMove: decimal.NewFromFloat(0.20),
	}
}

// Inspect checks s against its timeframe
func (in *Inspector) Inspect(s *Series) *QualityReport {
	report := &QualityReport{Key: s.Key(), TotalBars: s.Len(), QualityScore: 100}
	if s.Len() < 2 {
		return report
	}

	interval, err := s.Key().Timeframe.Duration()
	if err != nil {
		return report
	}
	step := int64(interval / time.Second)

	for i := 1; i < s.Len(); i++ {
		prev, cur := s.At(i-1), s.At(i)

		if gap := cur.OpenTime - prev.OpenTime; gap > step {
			missing := int(gap/step) - 1
			report.MissingBars += missing
			severity := "medium"
			if missing > 10 {
				severity = "high"
			}
			report.Issues = append(report.Issues, Issue{
				Type:     "GAP_DETECTED",
				Severity: severity,
				OpenTime: prev.OpenTime,
				Message:  time.Duration(gap*int64(time.Second)).String() + " between bars",
			})
		}

		move := cur.Open.Sub(prev.Close).Div(prev.Close).Abs()
		if move.GreaterThan(in.MaxGapMove) {
			report.Issues = append(report.Issues, Issue{
				Type:     "GAP_MOVE",
				Severity: "low",
				OpenTime: cur.OpenTime,
				Message:  "open moved " + move.Mul(hundredPct).StringFixed(2) + "% from previous close",
			})
		}
	}

	report.QualityScore = score(s.Len(), report)
	if len(report.Issues) > 0 {
		in.logger.Warn("Candle series has quality issues",
			zap.String("series", s.Key().String()),
			zap.Int("issues", len(report.Issues)),
			zap.Int("missingBars", report.MissingBars),
			zap.Int("score", report.QualityScore))
	}
	return report
}

var hundredPct = decimal.NewFromInt(100)

func score(total int, r *QualityReport) int {
	penalty := 0
	for _, is := range r.Issues {
		switch is.Severity {
		case "high":
			penalty += 10
		case "medium":
			penalty += 3
		default:
			penalty++
		}
	}
	// Missing bars weigh relative to series length.
	penalty += r.MissingBars * 100 / (total + r.MissingBars)
	if penalty > 100 {
		return 0
	}
	return 100 - penalty
}
