// Package types provides shared type definitions for the backtest engine.
package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MarketKind distinguishes spot from margin/futures markets
type MarketKind string

const (
	MarketSpot    MarketKind = "spot"
	MarketFutures MarketKind = "futures"
)

// Valid reports whether k is a known market kind
func (k MarketKind) Valid() bool {
	return k == MarketSpot || k == MarketFutures
}

// Timeframe represents a candle interval
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe30m Timeframe = "30m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
	Timeframe1w  Timeframe = "1w"
)

var timeframeDurations = map[Timeframe]time.Duration{
	Timeframe1m:  time.Minute,
	Timeframe5m:  5 * time.Minute,
	Timeframe15m: 15 * time.Minute,
	Timeframe30m: 30 * time.Minute,
	Timeframe1h:  time.Hour,
	Timeframe4h:  4 * time.Hour,
	Timeframe1d:  24 * time.Hour,
	Timeframe1w:  7 * 24 * time.Hour,
}

// ErrUnknownTimeframe is returned for timeframes outside the supported set
var ErrUnknownTimeframe = errors.New("unknown timeframe")

// Duration returns the interval length of the timeframe
func (tf Timeframe) Duration() (time.Duration, error) {
	d, ok := timeframeDurations[tf]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTimeframe, string(tf))
	}
	return d, nil
}

// SamplesPerYear returns how many candles of this timeframe fit in 365 days
func (tf Timeframe) SamplesPerYear() float64 {
	d, err := tf.Duration()
	if err != nil {
		return 0
	}
	return float64(365*24*time.Hour) / float64(d)
}

// Direction is the side of a position
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Sign returns +1 for longs and -1 for shorts
func (d Direction) Sign() decimal.Decimal {
	if d == Short {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Opposite returns the other direction
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// Status is the lifecycle state of a ledger entry
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusOpen     Status = "OPEN"
	StatusFinished Status = "FINISHED"
	StatusError    Status = "ERROR"
	StatusCanceled Status = "CANCELED"
)

// Terminal reports whether no further transitions are allowed from s
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusError || s == StatusCanceled
}

// Active reports whether the entry still participates in the simulation
func (s Status) Active() bool {
	return s == StatusPending || s == StatusOpen
}

// FinishReason records why a position was closed
type FinishReason string

const (
	FinishTakeProfit  FinishReason = "take-profit"
	FinishStopLoss    FinishReason = "stop-loss"
	FinishLiquidation FinishReason = "liquidation"
	FinishManual      FinishReason = "manual"
)

// MarketKey identifies one candle series and the price slot in the virtual exchange
type MarketKey struct {
	Exchange  string     `json:"exchange"`
	Ticker    string     `json:"ticker"`
	Kind      MarketKind `json:"kind"`
	Timeframe Timeframe  `json:"timeframe"`
}

func (k MarketKey) String() string {
	return fmt.Sprintf("%s:%s:%s:%s", k.Exchange, k.Ticker, k.Kind, k.Timeframe)
}

// Candle represents a single OHLCV bar. OpenTime is in unix seconds.
type Candle struct {
	OpenTime int64           `json:"openTime"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

// ErrInvalidCandle is returned for bars whose prices are inconsistent
var ErrInvalidCandle = errors.New("invalid candle")

// Time returns the candle open time in UTC
func (c Candle) Time() time.Time {
	return time.Unix(c.OpenTime, 0).UTC()
}

// Bullish reports whether the bar closed at or above its open
func (c Candle) Bullish() bool {
	return c.Close.GreaterThanOrEqual(c.Open)
}

// Validate checks the OHLC ordering
func (c Candle) Validate() error {
	if !c.Low.IsPositive() {
		return fmt.Errorf("%w: non-positive low at %d", ErrInvalidCandle, c.OpenTime)
	}
	if c.High.LessThan(decimal.Max(c.Open, c.Close)) || c.Low.GreaterThan(decimal.Min(c.Open, c.Close)) {
		return fmt.Errorf("%w: range does not contain open/close at %d", ErrInvalidCandle, c.OpenTime)
	}
	if c.Volume.IsNegative() {
		return fmt.Errorf("%w: negative volume at %d", ErrInvalidCandle, c.OpenTime)
	}
	return nil
}
