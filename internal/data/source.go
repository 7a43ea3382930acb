// Package data provides candle storage and the immutable series replayed by the runner.
package data

import (
	"context"
	"time"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
)

// CandleSource provides historical candles in ascending open-time order.
// Implementations must be safe for concurrent readers.
type CandleSource interface {
	GetCandles(ctx context.Context, key types.MarketKey, start, end time.Time) ([]types.Candle, error)
}

// CandleStore is a CandleSource that can also persist candles.
// SaveCandles is idempotent: bars already stored for (key, open_time) are skipped.
type CandleStore interface {
	CandleSource
	SaveCandles(ctx context.Context, key types.MarketKey, candles []types.Candle) (int, error)
}

func inRange(c types.Candle, start, end time.Time) bool {
	return c.OpenTime >= start.Unix() && c.OpenTime <= end.Unix()
}
