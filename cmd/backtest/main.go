// Package main runs the configured pairs as a batch and prints a summary.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-desktop/backtest-engine/internal/app"
	"github.com/atlas-desktop/backtest-engine/internal/backtester"
	"github.com/atlas-desktop/backtest-engine/internal/config"
	"github.com/atlas-desktop/backtest-engine/internal/logging"
	"github.com/atlas-desktop/backtest-engine/internal/results"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	nowFlag := flag.String("now", "", "Simulation end time (RFC3339), defaults to the current time")
	flag.Parse()

	os.Exit(run(*configPath, *nowFlag))
}

func run(configPath, nowFlag string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Encoding)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	defer logger.Sync()

	now := time.Now().UTC()
	if nowFlag != "" {
		if now, err = time.Parse(time.RFC3339, nowFlag); err != nil {
			logger.Error("Invalid -now", zap.Error(err))
			return 2
		}
	}

	pairs, err := cfg.ExpandPairs()
	if err != nil {
		logger.Error("Invalid pairs", zap.Error(err))
		return 2
	}
	if len(pairs) == 0 {
		logger.Error("No pairs configured")
		return 2
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(logger, cfg)
	if err != nil {
		logger.Error("Failed to initialize", zap.Error(err))
		return 1
	}
	defer a.Close()

	sinks, err := a.Sinks(ctx)
	if err != nil {
		logger.Error("Failed to initialize result sinks", zap.Error(err))
		return 1
	}

	batch := backtester.NewBatch(logger, a.Runner(nil), cfg.Backtest.Parallelism)
	logger.Info("Starting batch",
		zap.Int("pairs", len(pairs)),
		zap.Int("parallelism", cfg.Backtest.Parallelism),
		zap.Time("now", now))

	outcomes, err := batch.Run(ctx, pairs, now)
	if err != nil {
		logger.Error("Batch rejected", zap.Error(err))
		return 2
	}

	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
		if o.Result == nil {
			continue
		}
		if err := sinks.Save(context.WithoutCancel(ctx), o.Result); err != nil {
			logger.Error("Failed to save result", zap.String("run", o.RunID), zap.Error(err))
		}
	}

	results.ConsoleSummary(os.Stdout, outcomes)
	if failed > 0 {
		return 1
	}
	return 0
}
