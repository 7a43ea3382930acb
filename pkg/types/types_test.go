package types_test

import (
	"errors"
	"testing"
	"time"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
)

func TestMoneyArithmetic(t *testing.T) {
	a := types.MoneyFromInt(1000, types.CurrencyUSDT)
	b, err := types.MoneyFromString("0.12345678", types.CurrencyUSDT)
	if err != nil {
		t.Fatalf("Failed to parse money: %v", err)
	}

	if got := a.Add(b).String(); got != "1000.12345678 USDT" {
		t.Errorf("Add: got %s", got)
	}
	if got := a.Sub(b).Amount.String(); got != "999.87654322" {
		t.Errorf("Sub: got %s", got)
	}
	if got := a.PercentOf(decimal.NewFromInt(5)); !got.Equal(types.MoneyFromInt(50, types.CurrencyUSDT)) {
		t.Errorf("PercentOf: got %s", got)
	}
	if got := types.MoneyFromInt(1500, types.CurrencyUSDT).PercentDiff(a); !got.Equal(decimal.NewFromInt(50)) {
		t.Errorf("PercentDiff: got %s", got)
	}
	if got := a.PercentDiff(types.ZeroMoney(types.CurrencyUSDT)); !got.IsZero() {
		t.Errorf("PercentDiff against zero base: got %s", got)
	}
}

func TestMoneyUnitMismatch(t *testing.T) {
	usdt := types.MoneyFromInt(1, types.CurrencyUSDT)
	btc := types.MoneyFromInt(1, types.CurrencyBTC)

	if err := usdt.CheckUnit(btc); !errors.Is(err, types.ErrUnitMismatch) {
		t.Errorf("Expected ErrUnitMismatch, got %v", err)
	}

	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, types.ErrUnitMismatch) {
			t.Errorf("Expected unit mismatch panic, got %v", r)
		}
	}()
	_ = usdt.Add(btc)
}

func TestPositionTransitions(t *testing.T) {
	legal := []struct{ from, to types.Status }{
		{types.StatusPending, types.StatusOpen},
		{types.StatusPending, types.StatusCanceled},
		{types.StatusOpen, types.StatusFinished},
		{types.StatusOpen, types.StatusError},
		{types.StatusOpen, types.StatusCanceled},
	}
	for _, tc := range legal {
		if !types.CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be legal", tc.from, tc.to)
		}
	}

	all := []types.Status{types.StatusPending, types.StatusOpen, types.StatusFinished, types.StatusError, types.StatusCanceled}
	for _, from := range all {
		for _, to := range all {
			isLegal := false
			for _, tc := range legal {
				if tc.from == from && tc.to == to {
					isLegal = true
				}
			}
			if types.CanTransition(from, to) != isLegal {
				t.Errorf("%s -> %s: expected legal=%v", from, to, isLegal)
			}
		}
	}
}

func TestPositionTransitionRecordsHistory(t *testing.T) {
	p := &types.Position{ID: "p1", Status: types.StatusPending, CreatedAt: time.Unix(0, 0).UTC()}
	opened := time.Unix(3600, 0).UTC()
	closed := time.Unix(7200, 0).UTC()

	if err := p.Transition(types.StatusOpen, opened); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := p.Transition(types.StatusFinished, closed); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if err := p.Transition(types.StatusOpen, closed); !errors.Is(err, types.ErrIllegalTransition) {
		t.Errorf("Expected ErrIllegalTransition, got %v", err)
	}

	if len(p.History) != 2 {
		t.Errorf("Expected 2 history entries, got %d", len(p.History))
	}
	if p.Duration() != 2*time.Hour {
		t.Errorf("Expected 2h duration from creation, got %s", p.Duration())
	}
}

func TestPairValidate(t *testing.T) {
	p := types.Pair{
		Exchange:       "binance",
		Ticker:         "BTCUSDT",
		Kind:           types.MarketFutures,
		Timeframe:      types.Timeframe1h,
		Quote:          types.CurrencyUSDT,
		Leverage:       10,
		Strategy:       "always_long",
		BacktestDays:   30,
		InitialBalance: decimal.NewFromInt(1000),
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("Valid pair rejected: %v", err)
	}
	if !p.EffectiveLeverage().Equal(decimal.NewFromInt(10)) {
		t.Errorf("Expected leverage 10, got %s", p.EffectiveLeverage())
	}

	p.Kind = types.MarketSpot
	if !p.EffectiveLeverage().Equal(decimal.NewFromInt(1)) {
		t.Errorf("Spot leverage must be 1, got %s", p.EffectiveLeverage())
	}

	p.Timeframe = "7m"
	if err := p.Validate(); !errors.Is(err, types.ErrInvalidPair) {
		t.Errorf("Expected ErrInvalidPair, got %v", err)
	}
}

func TestTimeframeSamplesPerYear(t *testing.T) {
	if got := types.Timeframe1d.SamplesPerYear(); got != 365 {
		t.Errorf("Expected 365 daily samples, got %v", got)
	}
	if got := types.Timeframe1h.SamplesPerYear(); got != 8760 {
		t.Errorf("Expected 8760 hourly samples, got %v", got)
	}
}
