package strategy

import (
	"context"
	"fmt"

	"github.com/atlas-desktop/backtest-engine/internal/params"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var hundred = decimal.NewFromInt(100)

func parseTargets(p map[string]any) (tp, sl *decimal.Decimal, err error) {
	if tp, err = params.OptionalDecimal(p, "take_profit_percent"); err != nil {
		return nil, nil, err
	}
	if sl, err = params.OptionalDecimal(p, "stop_loss_percent"); err != nil {
		return nil, nil, err
	}
	return tp, sl, nil
}

func parseVolume(p map[string]any) (decimal.Decimal, error) {
	v, err := params.Decimal(p, "volume", decimal.NewFromInt(1))
	if err != nil {
		return decimal.Zero, err
	}
	if !v.IsPositive() {
		return decimal.Zero, fmt.Errorf("param volume: must be positive, got %s", v)
	}
	return v, nil
}

// AlwaysLong opens a long on the first candle it sees and holds it until a
// target is hit. With once=false it reopens after every exit.
type AlwaysLong struct {
	BaseStrategy
	volume     decimal.Decimal
	takeProfit *decimal.Decimal
	stopLoss   *decimal.Decimal
	once       bool
}

var alwaysLongDescriptor = Descriptor{
	Name:        "always_long",
	Description: "Opens a long position immediately and holds it until take profit or stop loss",
	Parameters: []StrategyParameter{
		{Name: "volume", Description: "Order volume in base units", Type: "float", Default: 1},
		{Name: "take_profit_percent", Description: "Take profit distance from entry", Type: "float"},
		{Name: "stop_loss_percent", Description: "Stop loss distance from entry", Type: "float"},
		{Name: "once", Description: "Trade only once per run", Type: "bool", Default: true},
	},
}

// NewAlwaysLong creates an always_long strategy
func NewAlwaysLong(logger *zap.Logger, p map[string]any) (Strategy, error) {
	volume, err := parseVolume(p)
	if err != nil {
		return nil, err
	}
	tp, sl, err := parseTargets(p)
	if err != nil {
		return nil, err
	}
	once, err := params.Bool(p, "once", true)
	if err != nil {
		return nil, err
	}
	return &AlwaysLong{
		BaseStrategy: BaseStrategy{logger: logger, name: "always_long"},
		volume:       volume,
		takeProfit:   tp,
		stopLoss:     sl,
		once:         once,
	}, nil
}

func (s *AlwaysLong) ShouldLong(ctx context.Context, m Market) bool {
	if !s.once {
		return !hasActive(ctx, m)
	}
	all, err := m.Positions(ctx)
	return err == nil && len(all) == 0
}

func (s *AlwaysLong) HandleLong(ctx context.Context, m Market) (*types.Position, error) {
	return m.OpenLong(ctx, s.volume, OrderOptions{TakeProfitPercent: s.takeProfit, StopLossPercent: s.stopLoss})
}

// SMACross trades crossovers of a fast and a slow simple moving average.
type SMACross struct {
	BaseStrategy
	fast, slow  int
	volume      decimal.Decimal
	takeProfit  *decimal.Decimal
	stopLoss    *decimal.Decimal
	twoWay      bool
	exitOnCross bool
}

var smaCrossDescriptor = Descriptor{
	Name:        "sma_cross",
	Description: "Goes long when the fast SMA crosses above the slow SMA, short on the opposite cross",
	Parameters: []StrategyParameter{
		{Name: "fast", Description: "Fast SMA period", Type: "int", Default: 10, Min: 1},
		{Name: "slow", Description: "Slow SMA period", Type: "int", Default: 30, Min: 2},
		{Name: "volume", Description: "Order volume in base units", Type: "float", Default: 1},
		{Name: "take_profit_percent", Description: "Take profit distance from entry", Type: "float"},
		{Name: "stop_loss_percent", Description: "Stop loss distance from entry", Type: "float"},
		{Name: "two_way", Description: "Allow shorts alongside longs", Type: "bool", Default: false},
		{Name: "exit_on_cross", Description: "Close positions when the trend reverses", Type: "bool", Default: true},
	},
}

// NewSMACross creates an sma_cross strategy
func NewSMACross(logger *zap.Logger, p map[string]any) (Strategy, error) {
	fast, err := params.PositiveInt(p, "fast", 10)
	if err != nil {
		return nil, err
	}
	slow, err := params.PositiveInt(p, "slow", 30)
	if err != nil {
		return nil, err
	}
	if fast >= slow {
		return nil, fmt.Errorf("fast period %d must be below slow period %d", fast, slow)
	}
	volume, err := parseVolume(p)
	if err != nil {
		return nil, err
	}
	tp, sl, err := parseTargets(p)
	if err != nil {
		return nil, err
	}
	twoWay, err := params.Bool(p, "two_way", false)
	if err != nil {
		return nil, err
	}
	exit, err := params.Bool(p, "exit_on_cross", true)
	if err != nil {
		return nil, err
	}
	return &SMACross{
		BaseStrategy: BaseStrategy{logger: logger, name: "sma_cross"},
		fast:         fast,
		slow:         slow,
		volume:       volume,
		takeProfit:   tp,
		stopLoss:     sl,
		twoWay:       twoWay,
		exitOnCross:  exit,
	}, nil
}

func (s *SMACross) WarmUp() int    { return s.slow + 1 }
func (s *SMACross) IsTwoWay() bool { return s.twoWay }

func (s *SMACross) UsesIndicators() []IndicatorSpec {
	return []IndicatorSpec{
		{Name: "fast", Type: "sma", Params: map[string]any{"period": s.fast}},
		{Name: "slow", Type: "sma", Params: map[string]any{"period": s.slow}},
	}
}

// cross returns +1 when fast crossed above slow on the last candle, -1 when
// it crossed below and 0 otherwise
func (s *SMACross) cross(m Market) int {
	fast, ok1 := m.Indicator("fast")
	slow, ok2 := m.Indicator("slow")
	if !ok1 || !ok2 {
		return 0
	}
	f0, okf0 := fast.Last()
	f1, okf1 := fast.Ago(1)
	s0, oks0 := slow.Last()
	s1, oks1 := slow.Ago(1)
	if !okf0 || !okf1 || !oks0 || !oks1 {
		return 0
	}
	switch {
	case f1 <= s1 && f0 > s0:
		return 1
	case f1 >= s1 && f0 < s0:
		return -1
	}
	return 0
}

func (s *SMACross) ShouldLong(ctx context.Context, m Market) bool { return s.cross(m) > 0 }

func (s *SMACross) ShouldShort(ctx context.Context, m Market) bool {
	return s.twoWay && s.cross(m) < 0
}

func (s *SMACross) HandleLong(ctx context.Context, m Market) (*types.Position, error) {
	return m.OpenLong(ctx, s.volume, OrderOptions{TakeProfitPercent: s.takeProfit, StopLossPercent: s.stopLoss})
}

func (s *SMACross) HandleShort(ctx context.Context, m Market) (*types.Position, error) {
	return m.OpenShort(ctx, s.volume, OrderOptions{TakeProfitPercent: s.takeProfit, StopLossPercent: s.stopLoss})
}

func (s *SMACross) UpdatePosition(ctx context.Context, m Market, p *types.Position) error {
	if !s.exitOnCross || p.Status != types.StatusOpen {
		return nil
	}
	c := s.cross(m)
	if (p.Direction == types.Long && c < 0) || (p.Direction == types.Short && c > 0) {
		_, err := m.ClosePosition(ctx, p.ID)
		return err
	}
	return nil
}

// RSIDCA buys RSI oversold dips, averages down with growing safety orders
// and, once enough safety orders filled, locks in a breakeven exit for the
// remaining volume.
type RSIDCA struct {
	BaseStrategy
	period          int
	oversold        float64
	volume          decimal.Decimal
	takeProfit      *decimal.Decimal
	stopLoss        *decimal.Decimal
	stepPercent     decimal.Decimal
	volumeScale     decimal.Decimal
	maxSafety       int
	breakevenAfter  int
	breakevenReduce decimal.Decimal

	state map[string]*dcaState
}

type dcaState struct {
	safetyOrders int
	locked       bool
}

var rsiDCADescriptor = Descriptor{
	Name:        "rsi_dca",
	Description: "Buys RSI oversold dips and averages down with safety orders",
	Parameters: []StrategyParameter{
		{Name: "rsi_period", Description: "RSI period", Type: "int", Default: 14, Min: 2},
		{Name: "oversold", Description: "RSI level that triggers an entry", Type: "float", Default: 30, Min: 0, Max: 100},
		{Name: "volume", Description: "Base order volume", Type: "float", Default: 1},
		{Name: "take_profit_percent", Description: "Take profit from the average entry", Type: "float", Default: 1.5},
		{Name: "stop_loss_percent", Description: "Stop loss from the average entry", Type: "float"},
		{Name: "safety_step_percent", Description: "Drop from the first entry between safety orders", Type: "float", Default: 2},
		{Name: "safety_volume_scale", Description: "Volume multiplier per safety order", Type: "float", Default: 1.5},
		{Name: "max_safety_orders", Description: "Maximum number of safety orders", Type: "int", Default: 3},
		{Name: "breakeven_after", Description: "Safety orders before the breakeven lock arms (0 disables)", Type: "int", Default: 2},
		{Name: "breakeven_reduce_percent", Description: "Share of volume sold at breakeven", Type: "float", Default: 50, Min: 0, Max: 100},
	},
}

// NewRSIDCA creates an rsi_dca strategy
func NewRSIDCA(logger *zap.Logger, p map[string]any) (Strategy, error) {
	period, err := params.PositiveInt(p, "rsi_period", 14)
	if err != nil {
		return nil, err
	}
	oversold, err := params.Float(p, "oversold", 30)
	if err != nil {
		return nil, err
	}
	volume, err := parseVolume(p)
	if err != nil {
		return nil, err
	}
	tp, err := params.Decimal(p, "take_profit_percent", decimal.NewFromFloat(1.5))
	if err != nil {
		return nil, err
	}
	sl, err := params.OptionalDecimal(p, "stop_loss_percent")
	if err != nil {
		return nil, err
	}
	step, err := params.Decimal(p, "safety_step_percent", decimal.NewFromInt(2))
	if err != nil {
		return nil, err
	}
	scale, err := params.Decimal(p, "safety_volume_scale", decimal.NewFromFloat(1.5))
	if err != nil {
		return nil, err
	}
	maxSafety, err := params.Int(p, "max_safety_orders", 3)
	if err != nil {
		return nil, err
	}
	after, err := params.Int(p, "breakeven_after", 2)
	if err != nil {
		return nil, err
	}
	reduce, err := params.Decimal(p, "breakeven_reduce_percent", decimal.NewFromInt(50))
	if err != nil {
		return nil, err
	}
	if !step.IsPositive() || !scale.IsPositive() {
		return nil, fmt.Errorf("safety_step_percent and safety_volume_scale must be positive")
	}
	if maxSafety < 0 || after < 0 {
		return nil, fmt.Errorf("max_safety_orders and breakeven_after must not be negative")
	}
	if reduce.IsNegative() || reduce.GreaterThanOrEqual(hundred) {
		return nil, fmt.Errorf("breakeven_reduce_percent must be in [0, 100)")
	}

	return &RSIDCA{
		BaseStrategy:    BaseStrategy{logger: logger, name: "rsi_dca"},
		period:          period,
		oversold:        oversold,
		volume:          volume,
		takeProfit:      &tp,
		stopLoss:        sl,
		stepPercent:     step,
		volumeScale:     scale,
		maxSafety:       maxSafety,
		breakevenAfter:  after,
		breakevenReduce: reduce,
		state:           make(map[string]*dcaState),
	}, nil
}

func (s *RSIDCA) WarmUp() int { return s.period + 1 }

func (s *RSIDCA) UsesIndicators() []IndicatorSpec {
	return []IndicatorSpec{
		{Name: "rsi", Type: "rsi", Params: map[string]any{"period": s.period, "oversold": s.oversold}},
	}
}

func (s *RSIDCA) ShouldLong(ctx context.Context, m Market) bool {
	rsi, ok := m.Indicator("rsi")
	if !ok {
		return false
	}
	v, ok := rsi.Last()
	return ok && v <= s.oversold && !hasActive(ctx, m)
}

func (s *RSIDCA) HandleLong(ctx context.Context, m Market) (*types.Position, error) {
	p, err := m.OpenLong(ctx, s.volume, OrderOptions{TakeProfitPercent: s.takeProfit, StopLossPercent: s.stopLoss})
	if err != nil {
		return nil, err
	}
	s.state[p.ID] = &dcaState{}
	return p, nil
}

func (s *RSIDCA) UpdatePosition(ctx context.Context, m Market, p *types.Position) error {
	if p.Status != types.StatusOpen {
		return nil
	}
	st, ok := s.state[p.ID]
	if !ok {
		st = &dcaState{}
		s.state[p.ID] = st
	}
	price := m.Price()

	if st.safetyOrders < s.maxSafety && !st.locked {
		n := decimal.NewFromInt(int64(st.safetyOrders + 1))
		drop := s.stepPercent.Mul(n)
		trigger := p.InitialEntryPrice.Sub(p.InitialEntryPrice.PercentOf(drop))
		if price.LessThanOrEqual(trigger) {
			volume := s.volume.Mul(s.volumeScale.Pow(n))
			if _, err := m.TopUp(ctx, p.ID, volume); err != nil {
				return err
			}
			st.safetyOrders++
			s.logger.Debug("Safety order filled",
				zap.String("id", p.ID),
				zap.Int("safety_orders", st.safetyOrders),
				zap.String("price", price.Amount.String()))
			return nil
		}
	}

	if s.breakevenAfter == 0 || st.locked || st.safetyOrders < s.breakevenAfter {
		return nil
	}
	if price.LessThan(p.AverageEntryPrice) {
		return nil
	}

	if s.breakevenReduce.IsPositive() {
		sell := p.Volume.Mul(s.breakevenReduce).Div(hundred)
		if _, err := m.Reduce(ctx, p.ID, sell); err != nil {
			return err
		}
	}
	stop := p.AverageEntryPrice
	if _, err := m.SetTargets(ctx, p.ID, nil, &stop); err != nil {
		return err
	}
	st.locked = true
	s.logger.Debug("Breakeven locked", zap.String("id", p.ID), zap.String("stop", stop.Amount.String()))
	return nil
}

// LimitDip rests a limit buy below the close and cancels it when it has not
// filled within expiry_candles.
type LimitDip struct {
	BaseStrategy
	dipPercent decimal.Decimal
	volume     decimal.Decimal
	takeProfit *decimal.Decimal
	stopLoss   *decimal.Decimal
	expiry     int

	placed map[string]int
}

var limitDipDescriptor = Descriptor{
	Name:        "limit_dip",
	Description: "Places a limit buy below the market and cancels it if it does not fill in time",
	Parameters: []StrategyParameter{
		{Name: "dip_percent", Description: "Limit distance below the close", Type: "float", Default: 1},
		{Name: "volume", Description: "Order volume in base units", Type: "float", Default: 1},
		{Name: "take_profit_percent", Description: "Take profit distance from entry", Type: "float", Default: 2},
		{Name: "stop_loss_percent", Description: "Stop loss distance from entry", Type: "float"},
		{Name: "expiry_candles", Description: "Candles before an unfilled order is canceled", Type: "int", Default: 10, Min: 1},
	},
}

// NewLimitDip creates a limit_dip strategy
func NewLimitDip(logger *zap.Logger, p map[string]any) (Strategy, error) {
	dip, err := params.Decimal(p, "dip_percent", decimal.NewFromInt(1))
	if err != nil {
		return nil, err
	}
	if !dip.IsPositive() || dip.GreaterThanOrEqual(hundred) {
		return nil, fmt.Errorf("dip_percent must be in (0, 100)")
	}
	volume, err := parseVolume(p)
	if err != nil {
		return nil, err
	}
	tp, err := params.Decimal(p, "take_profit_percent", decimal.NewFromInt(2))
	if err != nil {
		return nil, err
	}
	sl, err := params.OptionalDecimal(p, "stop_loss_percent")
	if err != nil {
		return nil, err
	}
	expiry, err := params.PositiveInt(p, "expiry_candles", 10)
	if err != nil {
		return nil, err
	}
	return &LimitDip{
		BaseStrategy: BaseStrategy{logger: logger, name: "limit_dip"},
		dipPercent:   dip,
		volume:       volume,
		takeProfit:   &tp,
		stopLoss:     sl,
		expiry:       expiry,
		placed:       make(map[string]int),
	}, nil
}

func (s *LimitDip) ShouldLong(ctx context.Context, m Market) bool { return !hasActive(ctx, m) }

func (s *LimitDip) HandleLong(ctx context.Context, m Market) (*types.Position, error) {
	price := m.Price()
	limit := price.Sub(price.PercentOf(s.dipPercent)).Round()
	p, err := m.OpenLong(ctx, s.volume, OrderOptions{
		Price:             &limit,
		TakeProfitPercent: s.takeProfit,
		StopLossPercent:   s.stopLoss,
	})
	if err != nil {
		return nil, err
	}
	s.placed[p.ID] = m.Index()
	return p, nil
}

func (s *LimitDip) UpdatePosition(ctx context.Context, m Market, p *types.Position) error {
	if p.Status != types.StatusPending {
		delete(s.placed, p.ID)
		return nil
	}
	at, ok := s.placed[p.ID]
	if !ok || m.Index()-at < s.expiry {
		return nil
	}
	if _, err := m.CancelPosition(ctx, p.ID, "limit order expired"); err != nil {
		return err
	}
	delete(s.placed, p.ID)
	return nil
}
