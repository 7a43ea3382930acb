package backtester

import (
	"math"
	"time"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var hundred = decimal.NewFromInt(100)

// MetricsInput is everything the aggregator needs from a finished run
type MetricsInput struct {
	Initial    types.Money
	Balance    types.Money
	Equity     types.Money
	Fees       types.Money
	Positions  []*types.Position
	Samples    []types.BalanceSample
	Timeframe  types.Timeframe
	Liquidated bool
}

// MetricsCalculator calculates performance metrics
type MetricsCalculator struct {
	logger *zap.Logger
}

// NewMetricsCalculator creates a new metrics calculator
func NewMetricsCalculator(logger *zap.Logger) *MetricsCalculator {
	return &MetricsCalculator{logger: logger}
}

// Calculate calculates all performance metrics
func (mc *MetricsCalculator) Calculate(in MetricsInput) (types.FinancialStats, types.TradeStats, types.RiskStats) {
	return mc.financial(in), mc.trades(in), mc.risk(in)
}

func (mc *MetricsCalculator) financial(in MetricsInput) types.FinancialStats {
	pnl := in.Balance.Sub(in.Initial)
	stats := types.FinancialStats{
		InitialBalance: in.Initial,
		FinalBalance:   in.Balance,
		FinalEquity:    in.Equity,
		PnL:            pnl,
		PnLPercent:     in.Balance.PercentDiff(in.Initial).Round(4),
		Liquidated:     in.Liquidated,
		TotalFees:      in.Fees,
	}
	stats.MaxDrawdown, stats.MaxDrawdownPercent = mc.maxDrawdown(in.Initial, in.Samples)
	return stats
}

// maxDrawdown returns the largest peak-to-trough decline of the equity trace,
// both absolute and relative to its peak. The initial balance is the first peak.
func (mc *MetricsCalculator) maxDrawdown(initial types.Money, samples []types.BalanceSample) (types.Money, decimal.Decimal) {
	peak := initial
	maxDD := types.ZeroMoney(initial.Unit)
	maxPct := decimal.Zero

	for _, s := range samples {
		if s.Equity.GreaterThan(peak) {
			peak = s.Equity
		}
		dd := peak.Sub(s.Equity)
		if dd.GreaterThan(maxDD) {
			maxDD = dd
		}
		if peak.IsPositive() {
			pct := dd.Amount.Div(peak.Amount).Mul(hundred)
			if pct.GreaterThan(maxPct) {
				maxPct = pct
			}
		}
	}
	return maxDD.Round(), maxPct.Round(4)
}

func (mc *MetricsCalculator) trades(in MetricsInput) types.TradeStats {
	unit := in.Initial.Unit
	stats := types.TradeStats{
		LargestWin:  types.ZeroMoney(unit),
		LargestLoss: types.ZeroMoney(unit),
	}

	grossWin := decimal.Zero
	grossLoss := decimal.Zero
	var total time.Duration
	durations := 0

	for _, p := range in.Positions {
		switch p.Status {
		case types.StatusPending:
			stats.Pending++
			continue
		case types.StatusOpen:
			stats.Open++
			continue
		case types.StatusCanceled:
			stats.Canceled++
			continue
		case types.StatusError:
			stats.Errored++
			continue
		}

		stats.Finished++
		pnl := p.RealizedPnL
		switch {
		case pnl.IsPositive():
			stats.Wins++
			grossWin = grossWin.Add(pnl.Amount)
			stats.LargestWin = types.MaxMoney(stats.LargestWin, pnl)
		case pnl.IsNegative():
			stats.Losses++
			grossLoss = grossLoss.Add(pnl.Amount.Abs())
			stats.LargestLoss = types.MinMoney(stats.LargestLoss, pnl)
		default:
			stats.Breakeven++
		}

		d := p.Duration()
		if durations == 0 || d < stats.ShortestDuration {
			stats.ShortestDuration = d
		}
		if d > stats.LongestDuration {
			stats.LongestDuration = d
		}
		total += d
		durations++
	}

	if stats.Finished > 0 {
		stats.WinRate = decimal.NewFromInt(int64(stats.Wins)).
			Div(decimal.NewFromInt(int64(stats.Finished))).
			Mul(hundred).Round(4)
	}
	if durations > 0 {
		stats.AverageDuration = total / time.Duration(durations)
	}
	if grossLoss.IsPositive() {
		pf, _ := grossWin.Div(grossLoss).Float64()
		stats.ProfitFactor = &pf
	}

	// idle time: candles that ended without an open position
	if step, err := in.Timeframe.Duration(); err == nil {
		for _, s := range in.Samples {
			if s.OpenPositions == 0 {
				stats.IdleDuration += step
			}
		}
	}
	return stats
}

// risk computes per-candle return statistics over the equity samples.
func (mc *MetricsCalculator) risk(in MetricsInput) types.RiskStats {
	returns := mc.calculateReturns(in.Samples)
	stats := types.RiskStats{Samples: len(returns)}
	if len(returns) < 2 {
		return stats
	}

	avg := mc.mean(returns)
	std := mc.stdDev(returns)
	stats.AvgReturn = &avg
	stats.StdDeviation = &std

	annualize := math.Sqrt(in.Timeframe.SamplesPerYear())
	if std > 0 {
		sharpe := avg / std * annualize
		stats.Sharpe = &sharpe
	}
	if down := mc.downsideDeviation(returns); down > 0 {
		sortino := avg / down * annualize
		stats.Sortino = &sortino
	}
	return stats
}

// calculateReturns calculates returns between consecutive equity samples
func (mc *MetricsCalculator) calculateReturns(samples []types.BalanceSample) []float64 {
	if len(samples) < 2 {
		return nil
	}

	returns := make([]float64, 0, len(samples)-1)
	for i := 1; i < len(samples); i++ {
		prev := samples[i-1].Equity
		if prev.IsZero() {
			continue
		}
		ret, _ := samples[i].Equity.Amount.Sub(prev.Amount).Div(prev.Amount).Float64()
		returns = append(returns, ret)
	}
	return returns
}

// mean calculates arithmetic mean
func (mc *MetricsCalculator) mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stdDev calculates the sample standard deviation
func (mc *MetricsCalculator) stdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}

	avg := mc.mean(values)
	var sumSquares float64
	for _, v := range values {
		diff := v - avg
		sumSquares += diff * diff
	}
	return math.Sqrt(sumSquares / float64(len(values)-1))
}

// downsideDeviation is the standard deviation of the returns with every
// positive return replaced by zero
func (mc *MetricsCalculator) downsideDeviation(values []float64) float64 {
	downside := make([]float64, len(values))
	for i, v := range values {
		downside[i] = math.Min(v, 0)
	}
	return mc.stdDev(downside)
}
