package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
	bybit_api "github.com/bybit-exchange/bybit.go.api"
	"go.uber.org/zap"
)

var bybitIntervals = map[types.Timeframe]string{
	types.Timeframe1m:  "1",
	types.Timeframe5m:  "5",
	types.Timeframe15m: "15",
	types.Timeframe30m: "30",
	types.Timeframe1h:  "60",
	types.Timeframe4h:  "240",
	types.Timeframe1d:  "D",
	types.Timeframe1w:  "W",
}

// BybitSource reads klines from the Bybit v5 market endpoint. Futures map to
// the linear (USDT-margined) category.
type BybitSource struct {
	client *bybit_api.Client
	fetch  *fetcher
}

// NewBybitSource creates a source against mainnet or testnet
func NewBybitSource(logger *zap.Logger, apiKey, secretKey string, testnet bool, cfg FetchConfig) *BybitSource {
	baseURL := bybit_api.MAINNET
	if testnet {
		baseURL = bybit_api.TESTNET
	}
	return &BybitSource{
		client: bybit_api.NewBybitHttpClient(apiKey, secretKey, bybit_api.WithBaseURL(baseURL)),
		fetch:  newFetcher(logger.With(zap.String("source", "bybit")), cfg),
	}
}

func (s *BybitSource) Klines(ctx context.Context, key types.MarketKey, start, end time.Time) ([]types.Candle, error) {
	interval, ok := bybitIntervals[key.Timeframe]
	if !ok {
		return nil, fmt.Errorf("%w: bybit timeframe %s", ErrUnsupported, key.Timeframe)
	}
	category := "spot"
	switch key.Kind {
	case types.MarketSpot:
	case types.MarketFutures:
		category = "linear"
	default:
		return nil, fmt.Errorf("%w: bybit %s", ErrUnsupported, key.Kind)
	}

	return s.fetch.collect(ctx, key, start, end, func(ctx context.Context, from, to time.Time) ([]types.Candle, error) {
		params := map[string]interface{}{
			"category": category,
			"symbol":   key.Ticker,
			"interval": interval,
			"start":    from.UnixMilli(),
			"end":      to.UnixMilli(),
			"limit":    s.fetch.cfg.PageLimit,
		}
		resp, err := s.client.NewUtaBybitServiceWithParams(params).GetMarketKline(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get klines: %w", err)
		}
		return decodeBybitKlines(resp)
	})
}

// decodeBybitKlines parses a kline response. Rows are
// [startTime, open, high, low, close, volume, turnover], newest first.
func decodeBybitKlines(response interface{}) ([]types.Candle, error) {
	serverResp, ok := response.(*bybit_api.ServerResponse)
	if !ok {
		return nil, fmt.Errorf("invalid response type %T", response)
	}
	if serverResp.RetCode != 0 {
		return nil, fmt.Errorf("API error: %s (code: %d)", serverResp.RetMsg, serverResp.RetCode)
	}

	raw, err := json.Marshal(serverResp.Result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	var result struct {
		List [][]string `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal kline result: %w", err)
	}

	out := make([]types.Candle, 0, len(result.List))
	for _, item := range result.List {
		if len(item) < 6 {
			continue
		}
		openTime, err := strconv.ParseInt(item[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid kline time %q: %w", item[0], err)
		}
		c, err := parseCandle(openTime, item[1], item[2], item[3], item[4], item[5])
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
