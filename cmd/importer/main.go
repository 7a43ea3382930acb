// Package main downloads candle history for the configured pairs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/atlas-desktop/backtest-engine/internal/app"
	"github.com/atlas-desktop/backtest-engine/internal/config"
	"github.com/atlas-desktop/backtest-engine/internal/logging"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	days := flag.Int("days", 0, "Days to import per market (defaults to each pair's backtest days)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Encoding)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync()

	pairs, err := cfg.ExpandPairs()
	if err != nil {
		logger.Fatal("Invalid pairs", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(logger, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer a.Close()

	// one import per market, covering the longest pair on it
	want := make(map[types.MarketKey]int)
	var order []types.MarketKey
	for _, p := range pairs {
		n := p.BacktestDays
		if *days > 0 {
			n = *days
		}
		key := p.Key()
		if _, seen := want[key]; !seen {
			order = append(order, key)
		}
		if n > want[key] {
			want[key] = n
		}
	}

	im := a.Importer()
	failed := 0
	for _, key := range order {
		n, err := im.Import(ctx, key, want[key])
		if err != nil {
			failed++
			logger.Error("Import failed", zap.String("market", key.String()), zap.Error(err))
			continue
		}
		logger.Info("Imported", zap.String("market", key.String()), zap.Int("candles", n))
	}
	if failed > 0 {
		os.Exit(1)
	}
}
