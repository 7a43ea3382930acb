package exchange

import (
	"context"

	"github.com/atlas-desktop/backtest-engine/internal/ledger"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultMaintenanceRatio liquidates once half of the posted margin is lost
var DefaultMaintenanceRatio = decimal.NewFromFloat(0.5)

// Liquidation describes a maintenance margin breach
type Liquidation struct {
	Price     types.Money
	Equity    types.Money
	Threshold types.Money
}

// MarginGuard watches futures exposure against the maintenance threshold:
// the account is liquidated when equity falls to ratio * posted margin.
type MarginGuard struct {
	logger *zap.Logger
	ratio  decimal.Decimal
}

// NewMarginGuard creates a guard; a non-positive ratio selects the default
func NewMarginGuard(logger *zap.Logger, ratio decimal.Decimal) *MarginGuard {
	if !ratio.IsPositive() {
		ratio = DefaultMaintenanceRatio
	}
	return &MarginGuard{logger: logger, ratio: ratio}
}

func (g *MarginGuard) Ratio() decimal.Decimal { return g.ratio }

// Check reports whether the price path that starts at from and spans [lo, hi]
// breaches the maintenance threshold of the futures entries on key. The
// returned price is where equity first meets the threshold, or from itself
// when the account is already under water there.
func (g *MarginGuard) Check(ctx context.Context, ex *Exchange, key types.MarketKey, from, lo, hi types.Money) (*Liquidation, error) {
	if key.Kind != types.MarketFutures {
		return nil, nil
	}

	ex.mu.RLock()
	defer ex.mu.RUnlock()

	open, err := ex.ledger.List(ctx, ledger.Filter{Statuses: []types.Status{types.StatusOpen}})
	if err != nil {
		return nil, err
	}

	// equity(P) = a + b*P over the entries on key; other markets stay at their current price
	a := ex.balance.Amount
	b := decimal.Zero
	posted := decimal.Zero
	for _, p := range open {
		if p.Key != key {
			price, ok := ex.prices[p.Key]
			if !ok {
				price = p.CurrentPrice
			}
			a = a.Add(p.UnrealizedPnL(price).Amount)
			continue
		}
		signed := p.Volume.Mul(p.Direction.Sign())
		b = b.Add(signed)
		a = a.Sub(signed.Mul(p.AverageEntryPrice.Amount))
		posted = posted.Add(p.Margin.Amount)
	}
	if posted.IsZero() {
		return nil, nil
	}

	threshold := posted.Mul(g.ratio)
	equityAt := func(price decimal.Decimal) decimal.Decimal { return a.Add(b.Mul(price)) }

	worst := from.Amount
	switch b.Sign() {
	case 1:
		worst = lo.Amount
	case -1:
		worst = hi.Amount
	}
	if equityAt(worst).GreaterThan(threshold) {
		return nil, nil
	}

	price := from.Amount
	if equityAt(from.Amount).GreaterThan(threshold) {
		price = threshold.Sub(a).Div(b).Round(types.MoneyPrecision)
	}

	liq := &Liquidation{
		Price:     types.NewMoney(price, ex.unit),
		Equity:    types.NewMoney(equityAt(price), ex.unit).Round(),
		Threshold: types.NewMoney(threshold, ex.unit),
	}
	g.logger.Debug("Maintenance margin breached",
		zap.String("market", key.String()),
		zap.String("price", liq.Price.Amount.String()),
		zap.String("equity", liq.Equity.Amount.String()),
		zap.String("threshold", liq.Threshold.Amount.String()))
	return liq, nil
}
