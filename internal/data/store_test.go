// Package data_test provides tests for candle storage and series.
package data_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atlas-desktop/backtest-engine/internal/data"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var testKey = types.MarketKey{
	Exchange:  "binance",
	Ticker:    "BTCUSDT",
	Kind:      types.MarketSpot,
	Timeframe: types.Timeframe1h,
}

func bar(openTime int64, o, h, l, c int64) types.Candle {
	return types.Candle{
		OpenTime: openTime,
		Open:     decimal.NewFromInt(o),
		High:     decimal.NewFromInt(h),
		Low:      decimal.NewFromInt(l),
		Close:    decimal.NewFromInt(c),
		Volume:   decimal.NewFromInt(10),
	}
}

func hourly(n int) []types.Candle {
	out := make([]types.Candle, n)
	for i := range out {
		out[i] = bar(int64(i)*3600, 100, 110, 90, 105)
	}
	return out
}

func TestSeriesSortsAndRejectsDuplicates(t *testing.T) {
	candles := []types.Candle{bar(7200, 100, 110, 90, 100), bar(0, 100, 110, 90, 100), bar(3600, 100, 110, 90, 100)}
	s, err := data.NewSeries(testKey, candles)
	if err != nil {
		t.Fatalf("Failed to create series: %v", err)
	}
	for i := 0; i < s.Len(); i++ {
		if s.At(i).OpenTime != int64(i)*3600 {
			t.Errorf("Candle %d has open time %d", i, s.At(i).OpenTime)
		}
	}

	candles = append(candles, bar(3600, 100, 110, 90, 100))
	if _, err := data.NewSeries(testKey, candles); !errors.Is(err, data.ErrDuplicateCandle) {
		t.Errorf("Expected ErrDuplicateCandle, got %v", err)
	}
}

func TestSeriesRejectsInvalidCandle(t *testing.T) {
	_, err := data.NewSeries(testKey, []types.Candle{bar(0, 100, 95, 90, 100)})
	if !errors.Is(err, types.ErrInvalidCandle) {
		t.Errorf("Expected ErrInvalidCandle, got %v", err)
	}
}

func TestSeriesWindowIsStrictPrefix(t *testing.T) {
	s, err := data.NewSeries(testKey, hourly(10))
	if err != nil {
		t.Fatalf("Failed to create series: %v", err)
	}

	w := s.Window(3)
	if len(w) != 4 {
		t.Fatalf("Expected 4 candles, got %d", len(w))
	}
	if cap(w) != 4 {
		t.Errorf("Window capacity leaks future candles: cap=%d", cap(w))
	}

	// appending must not overwrite candle 4 of the series
	_ = append(w, bar(999999, 1, 1, 1, 1))
	if s.At(4).OpenTime != 4*3600 {
		t.Error("Append to window mutated the series")
	}
}

func TestFileStoreSaveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, err := data.NewFileStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	n, err := store.SaveCandles(ctx, testKey, hourly(24))
	if err != nil {
		t.Fatalf("Failed to save candles: %v", err)
	}
	if n != 24 {
		t.Errorf("Expected 24 inserted, got %d", n)
	}

	n, err = store.SaveCandles(ctx, testKey, hourly(30))
	if err != nil {
		t.Fatalf("Failed to save candles: %v", err)
	}
	if n != 6 {
		t.Errorf("Expected 6 inserted on overlap, got %d", n)
	}

	got, err := store.GetCandles(ctx, testKey, time.Unix(0, 0), time.Unix(100*3600, 0))
	if err != nil {
		t.Fatalf("Failed to load candles: %v", err)
	}
	if len(got) != 30 {
		t.Errorf("Expected 30 candles, got %d", len(got))
	}
}

func TestFileStorePersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first, err := data.NewFileStore(zap.NewNop(), dir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if _, err := first.SaveCandles(ctx, testKey, hourly(5)); err != nil {
		t.Fatalf("Failed to save: %v", err)
	}

	second, err := data.NewFileStore(zap.NewNop(), dir)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	got, err := second.GetCandles(ctx, testKey, time.Unix(3600, 0), time.Unix(3*3600, 0))
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("Expected 3 candles in range, got %d", len(got))
	}

	meta := second.Series()
	if len(meta) != 1 || meta[0].BarCount != 5 {
		t.Errorf("Unexpected metadata: %+v", meta)
	}
}

func TestMemoryStoreSkipsExisting(t *testing.T) {
	ctx := context.Background()
	store := data.NewMemoryStore()

	if n, _ := store.SaveCandles(ctx, testKey, hourly(3)); n != 3 {
		t.Errorf("Expected 3 inserted, got %d", n)
	}
	if n, _ := store.SaveCandles(ctx, testKey, hourly(3)); n != 0 {
		t.Errorf("Expected 0 inserted on reload, got %d", n)
	}
}

func TestInspectorReportsGaps(t *testing.T) {
	candles := []types.Candle{bar(0, 100, 110, 90, 100), bar(3600, 100, 110, 90, 100), bar(5*3600, 100, 110, 90, 100)}
	s, err := data.NewSeries(testKey, candles)
	if err != nil {
		t.Fatalf("Failed to create series: %v", err)
	}

	report := data.NewInspector(zap.NewNop()).Inspect(s)
	if report.MissingBars != 3 {
		t.Errorf("Expected 3 missing bars, got %d", report.MissingBars)
	}
	if report.QualityScore >= 100 {
		t.Errorf("Expected reduced quality score, got %d", report.QualityScore)
	}
}
