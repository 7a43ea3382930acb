package types

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidPair is returned when a pair definition cannot be run
var ErrInvalidPair = errors.New("invalid pair")

// Pair is one backtest configuration: a market, a strategy and its parameters.
type Pair struct {
	Exchange       string          `json:"exchange" mapstructure:"exchange"`
	Ticker         string          `json:"ticker" mapstructure:"ticker"`
	Kind           MarketKind      `json:"kind" mapstructure:"kind"`
	Timeframe      Timeframe       `json:"timeframe" mapstructure:"timeframe"`
	Quote          Currency        `json:"quote" mapstructure:"quote"`
	Leverage       int             `json:"leverage,omitempty" mapstructure:"leverage"`
	Strategy       string          `json:"strategy" mapstructure:"strategy"`
	Params         map[string]any  `json:"params,omitempty" mapstructure:"params"`
	BacktestDays   int             `json:"backtestDays" mapstructure:"backtest_days"`
	InitialBalance decimal.Decimal `json:"initialBalance" mapstructure:"backtest_initial_balance"`
}

// Key returns the market key of the pair
func (p Pair) Key() MarketKey {
	return MarketKey{Exchange: p.Exchange, Ticker: p.Ticker, Kind: p.Kind, Timeframe: p.Timeframe}
}

// EffectiveLeverage is 1 on spot and the configured leverage (minimum 1) on futures
func (p Pair) EffectiveLeverage() decimal.Decimal {
	if p.Kind != MarketFutures || p.Leverage < 1 {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(int64(p.Leverage))
}

// Balance returns the initial balance as Money in the quote currency
func (p Pair) Balance() Money {
	return NewMoney(p.InitialBalance, p.Quote)
}

// Validate checks the configuration before any candle is loaded
func (p Pair) Validate() error {
	var problems []string
	if p.Exchange == "" {
		problems = append(problems, "exchange is required")
	}
	if p.Ticker == "" {
		problems = append(problems, "ticker is required")
	}
	if !p.Kind.Valid() {
		problems = append(problems, fmt.Sprintf("unknown market kind %q", p.Kind))
	}
	if _, err := p.Timeframe.Duration(); err != nil {
		problems = append(problems, err.Error())
	}
	if p.Quote == "" {
		problems = append(problems, "quote currency is required")
	}
	if p.Strategy == "" {
		problems = append(problems, "strategy is required")
	}
	if p.BacktestDays <= 0 {
		problems = append(problems, "backtest_days must be positive")
	}
	if !p.InitialBalance.IsPositive() {
		problems = append(problems, "backtest_initial_balance must be positive")
	}
	if p.Leverage < 0 {
		problems = append(problems, "leverage must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w %s: %s", ErrInvalidPair, p, strings.Join(problems, "; "))
	}
	return nil
}

// WithParams returns a copy of p whose parameter map is extended by overrides
func (p Pair) WithParams(overrides map[string]any) Pair {
	params := make(map[string]any, len(p.Params)+len(overrides))
	for k, v := range p.Params {
		params[k] = v
	}
	for k, v := range overrides {
		params[k] = v
	}
	p.Params = params
	return p
}

func (p Pair) String() string {
	return fmt.Sprintf("%s/%s/%s/%s[%s]", p.Exchange, p.Ticker, p.Kind, p.Timeframe, p.Strategy)
}
