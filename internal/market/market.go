// Package market binds one pair's candle series, virtual exchange, strategy
// and indicators into the context a strategy sees at each candle.
package market

import (
	"context"
	"fmt"
	"time"

	"github.com/atlas-desktop/backtest-engine/internal/data"
	"github.com/atlas-desktop/backtest-engine/internal/exchange"
	"github.com/atlas-desktop/backtest-engine/internal/indicator"
	"github.com/atlas-desktop/backtest-engine/internal/ledger"
	"github.com/atlas-desktop/backtest-engine/internal/strategy"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PositionObserver is told about every ledger change made by the strategy
type PositionObserver func(kind types.EventType, p *types.Position)

type boundIndicator struct {
	spec strategy.IndicatorSpec
	ind  indicator.Indicator
}

// Market is the simulation context of one run
type Market struct {
	logger     *zap.Logger
	pair       types.Pair
	key        types.MarketKey
	series     *data.Series
	ex         *exchange.Exchange
	strat      strategy.Strategy
	indicators []boundIndicator
	leverage   decimal.Decimal
	observer   PositionObserver

	index   int
	window  []types.Candle
	results map[string]indicator.Result
}

var _ strategy.Market = (*Market)(nil)

// New resolves the strategy's declared indicators against reg
func New(logger *zap.Logger, pair types.Pair, series *data.Series, ex *exchange.Exchange, strat strategy.Strategy, reg *indicator.Registry) (*Market, error) {
	m := &Market{
		logger:   logger,
		pair:     pair,
		key:      pair.Key(),
		series:   series,
		ex:       ex,
		strat:    strat,
		leverage: pair.EffectiveLeverage(),
		index:    -1,
		results:  make(map[string]indicator.Result),
	}
	for _, spec := range strat.UsesIndicators() {
		ind, err := reg.Create(spec.Type, spec.Params)
		if err != nil {
			return nil, fmt.Errorf("indicator %s: %w", spec.Name, err)
		}
		m.indicators = append(m.indicators, boundIndicator{spec: spec, ind: ind})
	}
	return m, nil
}

// OnPosition installs the observer for strategy-driven opens and closes
func (m *Market) OnPosition(fn PositionObserver) { m.observer = fn }

// WarmUp is the number of candles needed before the strategy may act
func (m *Market) WarmUp() int {
	n := m.strat.WarmUp()
	for _, b := range m.indicators {
		n = max(n, b.ind.MinCandles())
	}
	return max(n, 1)
}

// Advance exposes the window ending at candle i and drops the previous
// indicator results
func (m *Market) Advance(i int) {
	m.index = i
	m.window = m.series.Window(i)
	clear(m.results)
}

// ComputeIndicators evaluates every declared indicator over the current
// window. It stops at the first failure; results computed so far stay visible.
func (m *Market) ComputeIndicators() error {
	for _, b := range m.indicators {
		res, err := b.ind.Calculate(m.window)
		if err != nil {
			return fmt.Errorf("indicator %s: %w", b.spec.Name, err)
		}
		m.results[b.spec.Name] = res
	}
	return nil
}

func (m *Market) Pair() types.Pair               { return m.pair }
func (m *Market) Key() types.MarketKey           { return m.key }
func (m *Market) Index() int                     { return m.index }
func (m *Market) Exchange() *exchange.Exchange   { return m.ex }
func (m *Market) Strategy() strategy.Strategy    { return m.strat }
func (m *Market) Series() *data.Series           { return m.series }
func (m *Market) Now() time.Time                 { return m.ex.Now() }
func (m *Market) Available() types.Money         { return m.ex.Available() }
func (m *Market) LastCandle() types.Candle       { return m.window[len(m.window)-1] }

// Candles returns a copy of the visible window, so strategy writes never
// reach the shared series
func (m *Market) Candles() []types.Candle {
	return append([]types.Candle(nil), m.window...)
}

// Indicator returns the result of a declared indicator for the current window
func (m *Market) Indicator(name string) (indicator.Result, bool) {
	res, ok := m.results[name]
	return res, ok
}

// Price is the exchange's current price of the market, falling back to the
// close of the last visible candle
func (m *Market) Price() types.Money {
	if p, ok := m.ex.CurrentPrice(m.key); ok {
		return p
	}
	return types.NewMoney(m.LastCandle().Close, m.ex.Unit())
}

// Positions lists the entries on this market, optionally restricted to statuses
func (m *Market) Positions(ctx context.Context, statuses ...types.Status) ([]*types.Position, error) {
	key := m.key
	return m.ex.Positions(ctx, ledger.Filter{Key: &key, Statuses: statuses})
}

func (m *Market) OpenLong(ctx context.Context, volume decimal.Decimal, opts strategy.OrderOptions) (*types.Position, error) {
	return m.open(ctx, types.Long, volume, opts)
}

func (m *Market) OpenShort(ctx context.Context, volume decimal.Decimal, opts strategy.OrderOptions) (*types.Position, error) {
	return m.open(ctx, types.Short, volume, opts)
}

func (m *Market) open(ctx context.Context, dir types.Direction, volume decimal.Decimal, opts strategy.OrderOptions) (*types.Position, error) {
	p, err := m.ex.OpenPosition(ctx, exchange.OrderRequest{
		Key:               m.key,
		Direction:         dir,
		Volume:            volume,
		Price:             opts.Price,
		TakeProfitPercent: opts.TakeProfitPercent,
		StopLossPercent:   opts.StopLossPercent,
		Leverage:          m.leverage,
	})
	if err != nil {
		return nil, err
	}
	m.notify(types.EventOpen, p)
	return p, nil
}

func (m *Market) TopUp(ctx context.Context, id string, volume decimal.Decimal) (*types.Position, error) {
	return m.observed(types.EventTopUp)(m.ex.TopUp(ctx, id, volume))
}

func (m *Market) Reduce(ctx context.Context, id string, volume decimal.Decimal) (*types.Position, error) {
	return m.observed(types.EventReduce)(m.ex.Reduce(ctx, id, volume))
}

// ClosePosition closes an OPEN entry at the current price
func (m *Market) ClosePosition(ctx context.Context, id string) (*types.Position, error) {
	p, err := m.ex.Close(ctx, id, m.Price(), types.FinishManual)
	if err != nil {
		return nil, err
	}
	m.notify(types.EventClose, p)
	return p, nil
}

// CancelPosition withdraws a PENDING order. OPEN entries must be closed.
func (m *Market) CancelPosition(ctx context.Context, id, note string) (*types.Position, error) {
	return m.observed(types.EventCancel)(m.ex.CancelPending(ctx, id, note))
}

func (m *Market) SetTargets(ctx context.Context, id string, takeProfit, stopLoss *types.Money) (*types.Position, error) {
	return m.observed(types.EventTargets)(m.ex.SetTargets(ctx, id, takeProfit, stopLoss))
}

// observed reports a successful exchange call to the observer
func (m *Market) observed(kind types.EventType) func(*types.Position, error) (*types.Position, error) {
	return func(p *types.Position, err error) (*types.Position, error) {
		if err != nil {
			return nil, err
		}
		m.notify(kind, p)
		return p, nil
	}
}

func (m *Market) notify(kind types.EventType, p *types.Position) {
	if m.observer != nil {
		m.observer(kind, p)
	}
}
