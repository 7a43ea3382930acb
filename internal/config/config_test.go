package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/atlas-desktop/backtest-engine/internal/config"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
)

const sampleYAML = `
log:
  level: debug
backtest:
  days: 10
  initial_balance: 2500
  fee_rate: "0.001"
  ticks_per_candle: 4
  require_margin: true
  stop_poll: 1s
pairs:
  - exchange: binance
    ticker: BTCUSDT
    kind: spot
    timeframe: 1h
    strategy: sma_cross
    params:
      fast: 5
    sweep:
      slow: [20, 30]
  - exchange: bybit
    ticker: ETHUSDT
    kind: futures
    timeframe: 4h
    leverage: 5
    strategy: always_long
    backtest_days: 3
    backtest_initial_balance: "100.5"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Data.Source != "file" || cfg.Backtest.Parallelism != 4 || cfg.Backtest.RequireMargin {
		t.Errorf("Unexpected defaults: %+v", cfg.Backtest)
	}
	if !cfg.Backtest.MaintenanceRatio.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("Expected maintenance ratio 0.5, got %s", cfg.Backtest.MaintenanceRatio)
	}
	if cfg.Server.Addr() != "localhost:8080" {
		t.Errorf("Unexpected server address %s", cfg.Server.Addr())
	}
	if cfg.Importer.Backoff != 100*time.Millisecond {
		t.Errorf("Expected 100ms backoff, got %s", cfg.Importer.Backoff)
	}
}

func TestLoadFileAndExpandPairs(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Log.Level != "debug" || cfg.Backtest.StopPoll != time.Second {
		t.Errorf("File values not applied: %+v %+v", cfg.Log, cfg.Backtest)
	}
	opts := cfg.EngineOptions()
	if opts.TicksPerCandle != 4 || !opts.RequireMargin || !opts.FeeRate.Equal(decimal.RequireFromString("0.001")) {
		t.Errorf("Unexpected engine options %+v", opts)
	}

	pairs, err := cfg.ExpandPairs()
	if err != nil {
		t.Fatalf("ExpandPairs failed: %v", err)
	}
	if len(pairs) != 3 {
		t.Fatalf("Expected 2 swept pairs plus 1, got %d", len(pairs))
	}
	first := pairs[0]
	if first.BacktestDays != 10 || !first.InitialBalance.Equal(decimal.NewFromInt(2500)) || first.Quote != types.CurrencyUSDT {
		t.Errorf("Defaults not applied to %+v", first)
	}
	if first.Params["fast"] == nil || first.Params["slow"] == nil {
		t.Errorf("Expected fast and slow params, got %v", first.Params)
	}
	last := pairs[2]
	if last.BacktestDays != 3 || !last.InitialBalance.Equal(decimal.RequireFromString("100.5")) || last.Leverage != 5 {
		t.Errorf("Pair overrides lost: %+v", last)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("BTE_BACKTEST_FEE_RATE", "0.002")
	t.Setenv("BTE_SERVER_PORT", "9999")

	cfg, err := config.Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.Backtest.FeeRate.Equal(decimal.RequireFromString("0.002")) {
		t.Errorf("Expected env fee rate, got %s", cfg.Backtest.FeeRate)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Expected env port, got %d", cfg.Server.Port)
	}
}

func TestValidation(t *testing.T) {
	body := `
log:
  level: loud
data:
  source: sql
results:
  sql: true
backtest:
  parallelism: 0
`
	_, err := config.Load(writeConfig(t, body))
	if err == nil {
		t.Fatal("Expected validation error")
	}
	for _, want := range []string{"log level", "parallelism", "data.source sql", "results.sql"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected %q in %v", want, err)
		}
	}
}

func TestExpandPairsRejectsInvalid(t *testing.T) {
	body := `
pairs:
  - exchange: binance
    ticker: BTCUSDT
    kind: options
    timeframe: 1h
    strategy: sma_cross
`
	cfg, err := config.Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := cfg.ExpandPairs(); err == nil {
		t.Error("Expected invalid market kind to be rejected")
	}
}
