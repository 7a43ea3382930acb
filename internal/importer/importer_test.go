package importer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atlas-desktop/backtest-engine/internal/data"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	bybit_api "github.com/bybit-exchange/bybit.go.api"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var testKey = types.MarketKey{
	Exchange:  "binance",
	Ticker:    "BTCUSDT",
	Kind:      types.MarketSpot,
	Timeframe: types.Timeframe1h,
}

func hourlyBetween(from, to time.Time) []types.Candle {
	var out []types.Candle
	for t := from; !t.After(to); t = t.Add(time.Hour) {
		out = append(out, types.Candle{
			OpenTime: t.Unix(),
			Open:     decimal.NewFromInt(100),
			High:     decimal.NewFromInt(110),
			Low:      decimal.NewFromInt(90),
			Close:    decimal.NewFromInt(105),
			Volume:   decimal.NewFromInt(1),
		})
	}
	return out
}

func fastConfig() FetchConfig {
	return FetchConfig{
		RequestsPerSecond: 10000,
		Burst:             100,
		MaxRetries:        2,
		Backoff:           time.Millisecond,
		PageLimit:         1000,
	}
}

func TestCollectPagesAndSorts(t *testing.T) {
	f := newFetcher(zap.NewNop(), fastConfig())
	start := time.Unix(0, 0).UTC()
	end := start.Add(2499 * time.Hour)

	var windows [][2]time.Time
	page := func(ctx context.Context, from, to time.Time) ([]types.Candle, error) {
		windows = append(windows, [2]time.Time{from, to})
		candles := hourlyBetween(from, to)
		// newest first, plus an overlapping bar from the previous page
		for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
			candles[i], candles[j] = candles[j], candles[i]
		}
		if from.After(start) {
			candles = append(candles, hourlyBetween(from.Add(-time.Hour), from.Add(-time.Hour))...)
		}
		return candles, nil
	}

	out, err := f.collect(context.Background(), testKey, start, end, page)
	if err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	if len(windows) != 3 {
		t.Fatalf("Expected 3 pages, got %d", len(windows))
	}
	if !windows[2][1].Equal(end) {
		t.Errorf("Last page must stop at the range end, got %s", windows[2][1])
	}
	if len(out) != 2500 {
		t.Fatalf("Expected 2500 candles, got %d", len(out))
	}
	for i := 1; i < len(out); i++ {
		if out[i].OpenTime-out[i-1].OpenTime != 3600 {
			t.Fatalf("Candles out of order at %d: %d after %d", i, out[i].OpenTime, out[i-1].OpenTime)
		}
	}
}

func TestWithRetryRecovers(t *testing.T) {
	f := newFetcher(zap.NewNop(), fastConfig())

	calls := 0
	out, err := f.withRetry(context.Background(), func(ctx context.Context) ([]types.Candle, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("temporary")
		}
		return hourlyBetween(time.Unix(0, 0), time.Unix(0, 0)), nil
	})
	if err != nil {
		t.Fatalf("Expected recovery, got %v", err)
	}
	if calls != 3 || len(out) != 1 {
		t.Errorf("Expected 3 calls and 1 candle, got %d calls and %d candles", calls, len(out))
	}
}

func TestWithRetryGivesUp(t *testing.T) {
	f := newFetcher(zap.NewNop(), fastConfig())
	boom := errors.New("boom")

	calls := 0
	_, err := f.withRetry(context.Background(), func(ctx context.Context) ([]types.Candle, error) {
		calls++
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 1 call plus 2 retries, got %d", calls)
	}
}

func TestWithRetryHonoursContext(t *testing.T) {
	cfg := fastConfig()
	cfg.Backoff = time.Hour
	f := newFetcher(zap.NewNop(), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := f.withRetry(ctx, func(ctx context.Context) ([]types.Candle, error) {
		cancel()
		return nil, errors.New("temporary")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestParseCandle(t *testing.T) {
	c, err := parseCandle(1700000000123, "100.5", "101", "99.25", "100", "12.5")
	if err != nil {
		t.Fatalf("parseCandle failed: %v", err)
	}
	if c.OpenTime != 1700000000 {
		t.Errorf("Expected open time in seconds, got %d", c.OpenTime)
	}
	if !c.Low.Equal(decimal.RequireFromString("99.25")) {
		t.Errorf("Unexpected low %s", c.Low)
	}

	if _, err := parseCandle(0, "x", "1", "1", "1", "1"); err == nil {
		t.Error("Expected error for malformed price")
	}
}

func TestDecodeBybitKlines(t *testing.T) {
	resp := &bybit_api.ServerResponse{
		RetCode: 0,
		Result: map[string]interface{}{
			"category": "spot",
			"list": []interface{}{
				[]interface{}{"7200000", "2", "3", "1", "2.5", "10", "25"},
				[]interface{}{"3600000", "1", "2", "0.5", "2", "8", "16"},
			},
		},
	}
	out, err := decodeBybitKlines(resp)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(out) != 2 || out[0].OpenTime != 7200 || out[1].OpenTime != 3600 {
		t.Fatalf("Unexpected candles %+v", out)
	}

	if _, err := decodeBybitKlines(&bybit_api.ServerResponse{RetCode: 10001, RetMsg: "params error"}); err == nil {
		t.Error("Expected API error for non-zero retCode")
	}
	if _, err := decodeBybitKlines("nope"); err == nil {
		t.Error("Expected error for unexpected response type")
	}
}

type fakeSource struct {
	calls      int
	start, end time.Time
}

func (f *fakeSource) Klines(ctx context.Context, key types.MarketKey, start, end time.Time) ([]types.Candle, error) {
	f.calls++
	f.start, f.end = start, end
	return hourlyBetween(start, end), nil
}

func TestImportIsIdempotent(t *testing.T) {
	src := &fakeSource{}
	store := data.NewMemoryStore()
	now := time.Date(2024, 1, 6, 0, 30, 0, 0, time.UTC)
	im := New(zap.NewNop(), store, map[string]KlineSource{"binance": src}).
		WithClock(func() time.Time { return now })

	n, err := im.Import(context.Background(), testKey, 1)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if n != 24 {
		t.Errorf("Expected 24 candles, got %d", n)
	}
	if want := time.Date(2024, 1, 5, 23, 0, 0, 0, time.UTC); !src.end.Equal(want) {
		t.Errorf("Expected the last closed candle %s, got %s", want, src.end)
	}
	if want := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC); !src.start.Equal(want) {
		t.Errorf("Expected start %s, got %s", want, src.start)
	}

	n, err = im.Import(context.Background(), testKey, 1)
	if err != nil {
		t.Fatalf("Second import failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected no new candles on re-import, got %d", n)
	}

	stored, _ := store.GetCandles(context.Background(), testKey, src.start, src.end)
	if len(stored) != 24 {
		t.Errorf("Expected 24 stored candles, got %d", len(stored))
	}
}

func TestImportRejectsUnknownExchange(t *testing.T) {
	im := New(zap.NewNop(), data.NewMemoryStore(), map[string]KlineSource{})
	key := testKey
	key.Exchange = "kraken"
	if _, err := im.Import(context.Background(), key, 1); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Expected ErrUnsupported, got %v", err)
	}
	if _, err := im.Import(context.Background(), testKey, 0); err == nil {
		t.Error("Expected error for non-positive days")
	}
}
