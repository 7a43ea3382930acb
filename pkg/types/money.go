package types

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Currency is the unit tag carried by every Money value
type Currency string

const (
	CurrencyUSDT Currency = "USDT"
	CurrencyUSDC Currency = "USDC"
	CurrencyUSD  Currency = "USD"
	CurrencyBTC  Currency = "BTC"
)

// MoneyPrecision is the number of fractional digits kept by Round.
const MoneyPrecision = 8

// ErrUnitMismatch is raised when two Money values with different units are combined.
var ErrUnitMismatch = errors.New("money: unit mismatch")

var hundred = decimal.NewFromInt(100)

// Money is a fixed-point amount tagged with its currency unit.
// Arithmetic between values of different units panics with ErrUnitMismatch,
// the same way decimal panics on division by zero: it is a programming error.
type Money struct {
	Amount decimal.Decimal `json:"amount"`
	Unit   Currency        `json:"unit"`
}

// NewMoney creates a Money value
func NewMoney(amount decimal.Decimal, unit Currency) Money {
	return Money{Amount: amount, Unit: unit}
}

// MoneyFromInt creates a Money value from an integer amount
func MoneyFromInt(amount int64, unit Currency) Money {
	return Money{Amount: decimal.NewFromInt(amount), Unit: unit}
}

// MoneyFromString parses a decimal string amount
func MoneyFromString(amount string, unit Currency) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("parse money %q: %w", amount, err)
	}
	return Money{Amount: d, Unit: unit}, nil
}

// ZeroMoney returns a zero amount in the given unit
func ZeroMoney(unit Currency) Money {
	return Money{Amount: decimal.Zero, Unit: unit}
}

// CheckUnit reports ErrUnitMismatch when o is expressed in a different unit.
func (m Money) CheckUnit(o Money) error {
	if m.Unit != o.Unit {
		return fmt.Errorf("%w: %s vs %s", ErrUnitMismatch, m.Unit, o.Unit)
	}
	return nil
}

func (m Money) mustMatch(o Money) {
	if err := m.CheckUnit(o); err != nil {
		panic(err)
	}
}

func (m Money) Add(o Money) Money {
	m.mustMatch(o)
	return Money{Amount: m.Amount.Add(o.Amount), Unit: m.Unit}
}

func (m Money) Sub(o Money) Money {
	m.mustMatch(o)
	return Money{Amount: m.Amount.Sub(o.Amount), Unit: m.Unit}
}

// Mul scales the amount by a dimensionless factor
func (m Money) Mul(f decimal.Decimal) Money {
	return Money{Amount: m.Amount.Mul(f), Unit: m.Unit}
}

// Div divides the amount by a dimensionless factor
func (m Money) Div(f decimal.Decimal) Money {
	return Money{Amount: m.Amount.Div(f), Unit: m.Unit}
}

func (m Money) Neg() Money {
	return Money{Amount: m.Amount.Neg(), Unit: m.Unit}
}

func (m Money) Abs() Money {
	return Money{Amount: m.Amount.Abs(), Unit: m.Unit}
}

// Cmp compares two amounts of the same unit
func (m Money) Cmp(o Money) int {
	m.mustMatch(o)
	return m.Amount.Cmp(o.Amount)
}

func (m Money) Equal(o Money) bool              { return m.Cmp(o) == 0 }
func (m Money) GreaterThan(o Money) bool        { return m.Cmp(o) > 0 }
func (m Money) GreaterThanOrEqual(o Money) bool { return m.Cmp(o) >= 0 }
func (m Money) LessThan(o Money) bool           { return m.Cmp(o) < 0 }
func (m Money) LessThanOrEqual(o Money) bool    { return m.Cmp(o) <= 0 }

func (m Money) IsZero() bool     { return m.Amount.IsZero() }
func (m Money) IsNegative() bool { return m.Amount.IsNegative() }
func (m Money) IsPositive() bool { return m.Amount.IsPositive() }

// PercentOf returns pct percent of m
func (m Money) PercentOf(pct decimal.Decimal) Money {
	return Money{Amount: m.Amount.Mul(pct).Div(hundred), Unit: m.Unit}
}

// PercentDiff returns (m - base) / base * 100. A zero base yields zero.
func (m Money) PercentDiff(base Money) decimal.Decimal {
	m.mustMatch(base)
	if base.Amount.IsZero() {
		return decimal.Zero
	}
	return m.Amount.Sub(base.Amount).Div(base.Amount).Mul(hundred)
}

// Round rounds the amount to MoneyPrecision fractional digits
func (m Money) Round() Money {
	return Money{Amount: m.Amount.Round(MoneyPrecision), Unit: m.Unit}
}

// Float64 returns the amount as a float, for reporting only
func (m Money) Float64() float64 {
	f, _ := m.Amount.Float64()
	return f
}

func (m Money) String() string {
	return m.Amount.StringFixed(MoneyPrecision) + " " + string(m.Unit)
}

// MinMoney returns the smaller of a and b
func MinMoney(a, b Money) Money {
	if a.LessThan(b) {
		return a
	}
	return b
}

// MaxMoney returns the larger of a and b
func MaxMoney(a, b Money) Money {
	if a.GreaterThan(b) {
		return a
	}
	return b
}
