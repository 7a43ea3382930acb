package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrIllegalTransition is returned when a ledger entry is moved along an edge
// that the lifecycle does not allow.
var ErrIllegalTransition = errors.New("illegal position transition")

var transitions = map[Status][]Status{
	StatusPending: {StatusOpen, StatusCanceled},
	StatusOpen:    {StatusFinished, StatusError, StatusCanceled},
}

// CanTransition reports whether from -> to is a legal lifecycle edge
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is one recorded status change
type Transition struct {
	From Status    `json:"from"`
	To   Status    `json:"to"`
	At   time.Time `json:"at"`
}

// Position is one entry of the virtual position ledger.
// Prices are quoted in the pair's quote currency, Volume is in base units.
type Position struct {
	ID                    string           `json:"id"`
	Namespace             string           `json:"namespace"`
	Key                   MarketKey        `json:"key"`
	Direction             Direction        `json:"direction"`
	Status                Status           `json:"status"`
	Leverage              decimal.Decimal  `json:"leverage"`
	InitialEntryPrice     Money            `json:"initialEntryPrice"`
	AverageEntryPrice     Money            `json:"averageEntryPrice"`
	CurrentPrice          Money            `json:"currentPrice"`
	ExitPrice             *Money           `json:"exitPrice,omitempty"`
	Volume                decimal.Decimal  `json:"volume"`
	Margin                Money            `json:"margin"`
	RealizedPnL           Money            `json:"realizedPnl"`
	Fees                  Money            `json:"fees"`
	TakeProfitPrice       *Money           `json:"takeProfitPrice,omitempty"`
	StopLossPrice         *Money           `json:"stopLossPrice,omitempty"`
	ExpectedProfitPercent *decimal.Decimal `json:"expectedProfitPercent,omitempty"`
	StopLossPercent       *decimal.Decimal `json:"stopLossPercent,omitempty"`
	FinishReason          FinishReason     `json:"finishReason,omitempty"`
	Note                  string           `json:"note,omitempty"`
	CreatedAt             time.Time        `json:"createdAt"`
	OpenedAt              *time.Time       `json:"openedAt,omitempty"`
	FinishedAt            *time.Time       `json:"finishedAt,omitempty"`
	ExchangeOrderIDs      []string         `json:"exchangeOrderIds"`
	History               []Transition     `json:"history"`
}

// Transition moves the entry to status to at simulation time at.
func (p *Position) Transition(to Status, at time.Time) error {
	if !CanTransition(p.Status, to) {
		return fmt.Errorf("%w: %s -> %s (position %s)", ErrIllegalTransition, p.Status, to, p.ID)
	}
	p.History = append(p.History, Transition{From: p.Status, To: to, At: at})
	p.Status = to
	switch to {
	case StatusOpen:
		t := at
		p.OpenedAt = &t
	case StatusFinished, StatusError, StatusCanceled:
		t := at
		p.FinishedAt = &t
	}
	return nil
}

// UnrealizedPnL is the profit of the remaining volume if closed at price
func (p *Position) UnrealizedPnL(price Money) Money {
	if p.Status != StatusOpen {
		return ZeroMoney(price.Unit)
	}
	return price.Sub(p.AverageEntryPrice).Mul(p.Volume).Mul(p.Direction.Sign())
}

// Notional returns volume * price
func (p *Position) Notional(price Money) Money {
	return price.Mul(p.Volume)
}

// Duration is the time between creation and finishing, or zero while not finished
func (p *Position) Duration() time.Duration {
	if p.FinishedAt == nil {
		return 0
	}
	return p.FinishedAt.Sub(p.CreatedAt)
}

// Clone returns a deep copy so snapshots cannot alias live ledger state
func (p *Position) Clone() *Position {
	c := *p
	c.ExchangeOrderIDs = append([]string(nil), p.ExchangeOrderIDs...)
	c.History = append([]Transition(nil), p.History...)
	if p.ExitPrice != nil {
		v := *p.ExitPrice
		c.ExitPrice = &v
	}
	if p.TakeProfitPrice != nil {
		v := *p.TakeProfitPrice
		c.TakeProfitPrice = &v
	}
	if p.StopLossPrice != nil {
		v := *p.StopLossPrice
		c.StopLossPrice = &v
	}
	if p.ExpectedProfitPercent != nil {
		v := *p.ExpectedProfitPercent
		c.ExpectedProfitPercent = &v
	}
	if p.StopLossPercent != nil {
		v := *p.StopLossPercent
		c.StopLossPercent = &v
	}
	if p.OpenedAt != nil {
		v := *p.OpenedAt
		c.OpenedAt = &v
	}
	if p.FinishedAt != nil {
		v := *p.FinishedAt
		c.FinishedAt = &v
	}
	return &c
}
