package importer

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"go.uber.org/zap"
)

// BinanceSource reads spot klines from the spot API and futures klines from
// the USD-M futures API
type BinanceSource struct {
	spot    *binance.Client
	futures *futures.Client
	fetch   *fetcher
}

// NewBinanceSource creates a source; public klines need no API key
func NewBinanceSource(logger *zap.Logger, apiKey, secretKey string, cfg FetchConfig) *BinanceSource {
	httpClient := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	spot := binance.NewClient(apiKey, secretKey)
	spot.HTTPClient = httpClient
	fut := futures.NewClient(apiKey, secretKey)
	fut.HTTPClient = httpClient

	return &BinanceSource{
		spot:    spot,
		futures: fut,
		fetch:   newFetcher(logger.With(zap.String("source", "binance")), cfg),
	}
}

func (s *BinanceSource) Klines(ctx context.Context, key types.MarketKey, start, end time.Time) ([]types.Candle, error) {
	interval := string(key.Timeframe)
	switch key.Kind {
	case types.MarketSpot:
		return s.fetch.collect(ctx, key, start, end, func(ctx context.Context, from, to time.Time) ([]types.Candle, error) {
			klines, err := s.spot.NewKlinesService().
				Symbol(key.Ticker).
				Interval(interval).
				StartTime(from.UnixMilli()).
				EndTime(to.UnixMilli()).
				Limit(s.fetch.cfg.PageLimit).
				Do(ctx)
			if err != nil {
				return nil, err
			}
			out := make([]types.Candle, 0, len(klines))
			for _, k := range klines {
				c, err := parseCandle(k.OpenTime, k.Open, k.High, k.Low, k.Close, k.Volume)
				if err != nil {
					return nil, err
				}
				out = append(out, c)
			}
			return out, nil
		})

	case types.MarketFutures:
		return s.fetch.collect(ctx, key, start, end, func(ctx context.Context, from, to time.Time) ([]types.Candle, error) {
			klines, err := s.futures.NewKlinesService().
				Symbol(key.Ticker).
				Interval(interval).
				StartTime(from.UnixMilli()).
				EndTime(to.UnixMilli()).
				Limit(s.fetch.cfg.PageLimit).
				Do(ctx)
			if err != nil {
				return nil, err
			}
			out := make([]types.Candle, 0, len(klines))
			for _, k := range klines {
				c, err := parseCandle(k.OpenTime, k.Open, k.High, k.Low, k.Close, k.Volume)
				if err != nil {
					return nil, err
				}
				out = append(out, c)
			}
			return out, nil
		})
	}
	return nil, fmt.Errorf("%w: binance %s", ErrUnsupported, key.Kind)
}
