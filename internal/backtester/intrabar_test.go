package backtester

import (
	"testing"
	"time"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func usdt(v float64) types.Money { return types.NewMoney(dec(v), types.CurrencyUSDT) }

func candle(o, h, l, c float64) types.Candle {
	return types.Candle{Open: dec(o), High: dec(h), Low: dec(l), Close: dec(c)}
}

func TestPricePathBarMode(t *testing.T) {
	segs := pricePath(candle(100, 110, 90, 105), 1)
	if len(segs) != 1 {
		t.Fatalf("Expected one segment, got %d", len(segs))
	}
	s := segs[0]
	if !s.from.Equal(dec(100)) || !s.lo.Equal(dec(90)) || !s.hi.Equal(dec(110)) {
		t.Errorf("Unexpected segment %+v", s)
	}
}

func TestPricePathVisitsExtremesInOrder(t *testing.T) {
	tests := []struct {
		name      string
		c         types.Candle
		firstLeg  decimal.Decimal
		lastPrice decimal.Decimal
	}{
		{"bullish goes low first", candle(100, 110, 90, 105), dec(90), dec(105)},
		{"bearish goes high first", candle(100, 110, 90, 95), dec(110), dec(95)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			segs := pricePath(tt.c, 6)
			if len(segs) < 3 {
				t.Fatalf("Expected at least 3 segments, got %d", len(segs))
			}
			if !segs[0].from.Equal(tt.c.Open) {
				t.Errorf("Path must start at the open, got %s", segs[0].from)
			}

			// walk the path and find the first extreme reached
			var reached decimal.Decimal
			for _, s := range segs {
				if s.lo.Equal(tt.c.Low) {
					reached = tt.c.Low
					break
				}
				if s.hi.Equal(tt.c.High) {
					reached = tt.c.High
					break
				}
			}
			if !reached.Equal(tt.firstLeg) {
				t.Errorf("Expected the path to reach %s first, got %s", tt.firstLeg, reached)
			}

			last := segs[len(segs)-1]
			end := last.hi
			if last.from.Equal(last.hi) {
				end = last.lo
			}
			if !end.Equal(tt.lastPrice) {
				t.Errorf("Expected the path to end at the close %s, got %s", tt.lastPrice, end)
			}

			for i, s := range segs {
				if s.lo.LessThan(tt.c.Low) || s.hi.GreaterThan(tt.c.High) {
					t.Errorf("Segment %d leaves the bar range: %+v", i, s)
				}
			}
		})
	}
}

func TestPricePathDoji(t *testing.T) {
	segs := pricePath(candle(100, 100, 100, 100), 4)
	if len(segs) != 1 || !segs[0].lo.Equal(dec(100)) {
		t.Errorf("Expected a single flat segment, got %+v", segs)
	}
}

func TestExitFor(t *testing.T) {
	tp, sl := usdt(110), usdt(90)
	long := &types.Position{Direction: types.Long, TakeProfitPrice: &tp, StopLossPrice: &sl}
	shortTP, shortSL := usdt(90), usdt(110)
	short := &types.Position{Direction: types.Short, TakeProfitPrice: &shortTP, StopLossPrice: &shortSL}

	tests := []struct {
		name   string
		p      *types.Position
		seg    segment
		price  float64
		reason types.FinishReason
		hit    bool
	}{
		{"long inside range", long, segment{dec(100), dec(95), dec(105)}, 0, "", false},
		{"long take profit", long, segment{dec(100), dec(99), dec(112)}, 110, types.FinishTakeProfit, true},
		{"long stop before target", long, segment{dec(100), dec(85), dec(115)}, 90, types.FinishStopLoss, true},
		{"long gap through stop", long, segment{dec(80), dec(78), dec(82)}, 80, types.FinishStopLoss, true},
		{"long gap through target", long, segment{dec(120), dec(118), dec(121)}, 120, types.FinishTakeProfit, true},
		{"short take profit", short, segment{dec(100), dec(88), dec(101)}, 90, types.FinishTakeProfit, true},
		{"short gap through stop", short, segment{dec(115), dec(114), dec(116)}, 115, types.FinishStopLoss, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			price, reason, hit := exitFor(tt.p, tt.seg)
			if hit != tt.hit || reason != tt.reason {
				t.Fatalf("Expected hit=%v reason=%q, got hit=%v reason=%q", tt.hit, tt.reason, hit, reason)
			}
			if hit && !price.Equal(dec(tt.price)) {
				t.Errorf("Expected exit at %v, got %s", tt.price, price)
			}
		})
	}
}

func TestCrossesLimit(t *testing.T) {
	long := &types.Position{Direction: types.Long, AverageEntryPrice: usdt(95)}
	short := &types.Position{Direction: types.Short, AverageEntryPrice: usdt(105)}
	seg := segment{from: dec(100), lo: dec(96), hi: dec(104)}

	if crossesLimit(long, seg) || crossesLimit(short, seg) {
		t.Error("Limits outside the segment must not fill")
	}
	seg.lo, seg.hi = dec(95), dec(105)
	if !crossesLimit(long, seg) || !crossesLimit(short, seg) {
		t.Error("Limits touched by the segment must fill")
	}
}

func finished(pnl float64, created, done time.Time) *types.Position {
	return &types.Position{
		Status:      types.StatusFinished,
		RealizedPnL: usdt(pnl),
		CreatedAt:   created,
		FinishedAt:  &done,
	}
}

func TestMetricsCalculate(t *testing.T) {
	t0 := time.Unix(0, 0).UTC()
	samples := []types.BalanceSample{
		{Time: 0, Balance: usdt(1000), Equity: usdt(1000), OpenPositions: 1},
		{Time: 3600, Balance: usdt(1000), Equity: usdt(1100), OpenPositions: 1},
		{Time: 7200, Balance: usdt(1100), Equity: usdt(1100), OpenPositions: 0},
		{Time: 10800, Balance: usdt(1100), Equity: usdt(880), OpenPositions: 1},
		{Time: 14400, Balance: usdt(1050), Equity: usdt(1050), OpenPositions: 0},
	}
	in := MetricsInput{
		Initial: usdt(1000),
		Balance: usdt(1050),
		Equity:  usdt(1050),
		Fees:    usdt(0),
		Positions: []*types.Position{
			finished(100, t0, t0.Add(2*time.Hour)),
			finished(-50, t0.Add(2*time.Hour), t0.Add(4*time.Hour)),
			finished(0, t0, t0.Add(time.Hour)),
			{Status: types.StatusCanceled},
			{Status: types.StatusOpen},
		},
		Samples:   samples,
		Timeframe: types.Timeframe1h,
	}

	fin, trades, risk := NewMetricsCalculator(zap.NewNop()).Calculate(in)

	if !fin.PnL.Equal(usdt(50)) || !fin.PnLPercent.Equal(dec(5)) {
		t.Errorf("Unexpected pnl %s (%s%%)", fin.PnL, fin.PnLPercent)
	}
	if !fin.MaxDrawdown.Equal(usdt(220)) || !fin.MaxDrawdownPercent.Equal(dec(20)) {
		t.Errorf("Expected drawdown 220 (20%%), got %s (%s%%)", fin.MaxDrawdown, fin.MaxDrawdownPercent)
	}

	if trades.Finished != 3 || trades.Wins != 1 || trades.Losses != 1 || trades.Breakeven != 1 {
		t.Errorf("Unexpected counts %+v", trades)
	}
	if trades.Canceled != 1 || trades.Open != 1 {
		t.Errorf("Unexpected status counts %+v", trades)
	}
	if !trades.WinRate.Equal(dec(33.3333)) {
		t.Errorf("Expected win rate 33.3333, got %s", trades.WinRate)
	}
	if trades.ProfitFactor == nil || *trades.ProfitFactor != 2 {
		t.Errorf("Expected profit factor 2, got %v", trades.ProfitFactor)
	}
	if !trades.LargestWin.Equal(usdt(100)) || !trades.LargestLoss.Equal(usdt(-50)) {
		t.Errorf("Unexpected extremes %s / %s", trades.LargestWin, trades.LargestLoss)
	}
	if trades.ShortestDuration != time.Hour || trades.LongestDuration != 2*time.Hour {
		t.Errorf("Unexpected durations %s / %s", trades.ShortestDuration, trades.LongestDuration)
	}
	if trades.IdleDuration != 2*time.Hour {
		t.Errorf("Expected 2h idle, got %s", trades.IdleDuration)
	}

	if risk.Samples != 4 || risk.Sharpe == nil || risk.Sortino == nil {
		t.Fatalf("Expected risk ratios over 4 returns, got %+v", risk)
	}
	if *risk.Sortino <= *risk.Sharpe {
		t.Errorf("Sortino %v should exceed Sharpe %v when most volatility is upside", *risk.Sortino, *risk.Sharpe)
	}
}

func TestMetricsWithoutSamples(t *testing.T) {
	fin, trades, risk := NewMetricsCalculator(zap.NewNop()).Calculate(MetricsInput{
		Initial:   usdt(1000),
		Balance:   usdt(1000),
		Equity:    usdt(1000),
		Fees:      usdt(0),
		Timeframe: types.Timeframe1h,
	})
	if !fin.MaxDrawdown.IsZero() || !trades.WinRate.IsZero() {
		t.Errorf("Expected zero stats, got %+v %+v", fin, trades)
	}
	if risk.Sharpe != nil || risk.AvgReturn != nil {
		t.Errorf("Expected no risk ratios, got %+v", risk)
	}
}
