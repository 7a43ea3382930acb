package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// RunStatus is the terminal state of a backtest run
type RunStatus string

const (
	RunCompleted  RunStatus = "completed"
	RunLiquidated RunStatus = "liquidated"
	RunCanceled   RunStatus = "canceled"
	RunError      RunStatus = "error"
)

// BalanceSample is the account state recorded after one candle
type BalanceSample struct {
	Time          int64 `json:"time"`
	Balance       Money `json:"balance"`
	Equity        Money `json:"equity"`
	OpenPositions int   `json:"openPositions"`
}

// FinancialStats summarises the account outcome
type FinancialStats struct {
	InitialBalance     Money           `json:"initialBalance"`
	FinalBalance       Money           `json:"finalBalance"`
	FinalEquity        Money           `json:"finalEquity"`
	PnL                Money           `json:"pnl"`
	PnLPercent         decimal.Decimal `json:"pnlPercent"`
	MaxDrawdown        Money           `json:"maxDrawdown"`
	MaxDrawdownPercent decimal.Decimal `json:"maxDrawdownPercent"`
	Liquidated         bool            `json:"liquidated"`
	TotalFees          Money           `json:"totalFees"`
}

// TradeStats summarises the ledger
type TradeStats struct {
	Finished         int             `json:"finished"`
	Open             int             `json:"open"`
	Pending          int             `json:"pending"`
	Canceled         int             `json:"canceled"`
	Errored          int             `json:"errored"`
	Wins             int             `json:"wins"`
	Losses           int             `json:"losses"`
	Breakeven        int             `json:"breakeven"`
	WinRate          decimal.Decimal `json:"winRate"`
	ProfitFactor     *float64        `json:"profitFactor,omitempty"`
	LargestWin       Money           `json:"largestWin"`
	LargestLoss      Money           `json:"largestLoss"`
	ShortestDuration time.Duration   `json:"shortestDuration"`
	LongestDuration  time.Duration   `json:"longestDuration"`
	AverageDuration  time.Duration   `json:"averageDuration"`
	IdleDuration     time.Duration   `json:"idleDuration"`
}

// RiskStats holds per-candle return statistics. Nil fields mean
// there were not enough samples to compute them.
type RiskStats struct {
	Samples      int      `json:"samples"`
	AvgReturn    *float64 `json:"avgReturn"`
	StdDeviation *float64 `json:"stdDeviation"`
	Sharpe       *float64 `json:"sharpe"`
	Sortino      *float64 `json:"sortino"`
}

// Result is the outcome of one pair's backtest
type Result struct {
	RunID         string          `json:"runId"`
	Pair          Pair            `json:"pair"`
	Status        RunStatus       `json:"status"`
	SimStart      time.Time       `json:"simStart"`
	SimEnd        time.Time       `json:"simEnd"`
	Candles       int             `json:"candles"`
	Processed     int             `json:"processed"`
	Faults        int             `json:"faults"`
	Rejected      int             `json:"rejectedOrders"`
	Error         string          `json:"error,omitempty"`
	Financial     FinancialStats  `json:"financial"`
	Trades        TradeStats      `json:"trades"`
	Risk          RiskStats       `json:"risk"`
	OpenPositions []*Position     `json:"openPositions"`
	Positions     []*Position     `json:"positions"`
	Balance       []BalanceSample `json:"balance"`
}

// EventType identifies a progress event
type EventType string

const (
	EventCandle      EventType = "candle"
	EventOpen        EventType = "open"
	EventClose       EventType = "close"
	EventTopUp       EventType = "topup"
	EventReduce      EventType = "reduce"
	EventTargets     EventType = "targets"
	EventCancel      EventType = "cancel"
	EventLiquidation EventType = "liquidation"
	EventFault       EventType = "fault"
	EventDone        EventType = "done"
)

// Event is one entry of the progress stream of a run
type Event struct {
	Seq        uint64       `json:"seq"`
	RunID      string       `json:"runId"`
	Pair       string       `json:"pair"`
	Type       EventType    `json:"type"`
	Index      int          `json:"index"`
	Total      int          `json:"total"`
	Time       int64        `json:"time"`
	Balance    Money        `json:"balance"`
	Equity     Money        `json:"equity"`
	PositionID string       `json:"positionId,omitempty"`
	Reason     FinishReason `json:"reason,omitempty"`
	Status     RunStatus    `json:"status,omitempty"`
	Message    string       `json:"message,omitempty"`
}

// Progress returns the completed fraction in percent
func (e Event) Progress() float64 {
	if e.Total == 0 {
		return 0
	}
	return float64(e.Index+1) / float64(e.Total) * 100
}
