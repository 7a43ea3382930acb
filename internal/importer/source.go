// Package importer downloads historical candles from exchanges into a
// candle store.
package importer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrUnsupported is returned for markets a source cannot serve
var ErrUnsupported = errors.New("unsupported market")

// KlineSource fetches the candles of key with open time in [start, end]
type KlineSource interface {
	Klines(ctx context.Context, key types.MarketKey, start, end time.Time) ([]types.Candle, error)
}

// FetchConfig tunes request pacing
type FetchConfig struct {
	RequestsPerSecond float64
	Burst             int
	MaxRetries        int
	Backoff           time.Duration
	PageLimit         int
}

// DefaultFetchConfig returns conservative public-endpoint limits
func DefaultFetchConfig() FetchConfig {
	return FetchConfig{
		RequestsPerSecond: 10,
		Burst:             20,
		MaxRetries:        3,
		Backoff:           100 * time.Millisecond,
		PageLimit:         1000,
	}
}

// pageFunc fetches at most one page of candles in [start, end]
type pageFunc func(ctx context.Context, start, end time.Time) ([]types.Candle, error)

// fetcher pages through a time range with rate limiting and retries
type fetcher struct {
	logger  *zap.Logger
	limiter *rate.Limiter
	cfg     FetchConfig
}

func newFetcher(logger *zap.Logger, cfg FetchConfig) *fetcher {
	def := DefaultFetchConfig()
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = def.PageLimit
	}
	return &fetcher{
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		cfg:     cfg,
	}
}

// collect splits [start, end] into windows of PageLimit candles, fetches each
// and returns the candles sorted and de-duplicated by open time
func (f *fetcher) collect(ctx context.Context, key types.MarketKey, start, end time.Time, page pageFunc) ([]types.Candle, error) {
	step, err := key.Timeframe.Duration()
	if err != nil {
		return nil, err
	}
	window := step * time.Duration(f.cfg.PageLimit)

	seen := make(map[int64]struct{})
	var out []types.Candle
	for from := start; !from.After(end); from = from.Add(window) {
		to := from.Add(window - step)
		if to.After(end) {
			to = end
		}

		candles, err := f.withRetry(ctx, func(ctx context.Context) ([]types.Candle, error) {
			return page(ctx, from, to)
		})
		if err != nil {
			return nil, fmt.Errorf("fetch %s [%s, %s]: %w", key, from.Format(time.RFC3339), to.Format(time.RFC3339), err)
		}
		for _, c := range candles {
			if _, dup := seen[c.OpenTime]; dup {
				continue
			}
			seen[c.OpenTime] = struct{}{}
			out = append(out, c)
		}
		f.logger.Debug("Fetched page",
			zap.String("market", key.String()),
			zap.Time("from", from),
			zap.Int("candles", len(candles)))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime < out[j].OpenTime })
	return out, nil
}

// withRetry waits for the limiter and retries failed calls with exponential backoff
func (f *fetcher) withRetry(ctx context.Context, call func(ctx context.Context) ([]types.Candle, error)) ([]types.Candle, error) {
	var lastErr error
	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		candles, err := call(ctx)
		if err == nil {
			return candles, nil
		}
		lastErr = err
		if attempt == f.cfg.MaxRetries {
			break
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * f.cfg.Backoff
		f.logger.Warn("Kline request failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, lastErr
}

// parseCandle builds a candle from exchange string fields
func parseCandle(openTimeMs int64, open, high, low, close, volume string) (types.Candle, error) {
	fields := [5]decimal.Decimal{}
	for i, raw := range []string{open, high, low, close, volume} {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return types.Candle{}, fmt.Errorf("invalid kline value %q: %w", raw, err)
		}
		fields[i] = d
	}
	return types.Candle{
		OpenTime: openTimeMs / 1000,
		Open:     fields[0],
		High:     fields[1],
		Low:      fields[2],
		Close:    fields[3],
		Volume:   fields[4],
	}, nil
}
