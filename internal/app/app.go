// Package app wires configuration into the stores, sinks and engine shared
// by the binaries.
package app

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/atlas-desktop/backtest-engine/internal/backtester"
	"github.com/atlas-desktop/backtest-engine/internal/config"
	"github.com/atlas-desktop/backtest-engine/internal/data"
	"github.com/atlas-desktop/backtest-engine/internal/importer"
	"github.com/atlas-desktop/backtest-engine/internal/indicator"
	"github.com/atlas-desktop/backtest-engine/internal/ledger"
	"github.com/atlas-desktop/backtest-engine/internal/results"
	"github.com/atlas-desktop/backtest-engine/internal/strategy"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App holds the components built from one configuration
type App struct {
	Logger     *zap.Logger
	Config     *config.Config
	DB         *gorm.DB
	Store      data.CandleStore
	Strategies *strategy.StrategyRegistry
	Indicators *indicator.Registry
}

// New connects the database when a DSN is configured and opens the candle store
func New(logger *zap.Logger, cfg *config.Config) (*App, error) {
	a := &App{
		Logger:     logger,
		Config:     cfg,
		Strategies: strategy.NewStrategyRegistry(logger),
		Indicators: indicator.NewRegistry(),
	}

	if cfg.Database.DSN != "" {
		db, err := data.OpenPostgres(cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		a.DB = db
	}

	switch cfg.Data.Source {
	case "sql":
		store, err := data.NewSQLStore(logger, a.DB)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Store = store
	default:
		store, err := data.NewFileStore(logger, cfg.Data.Dir)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Store = store
	}
	return a, nil
}

// Close releases the database connection
func (a *App) Close() {
	if a.DB == nil {
		return
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		sqlDB.Close()
	}
}

// Runner builds a backtest runner; emitter may be nil
func (a *App) Runner(emitter backtester.Emitter) *backtester.Runner {
	opts := a.Config.EngineOptions()
	opts.Emitter = emitter
	if a.Config.Database.LiveLedger && a.DB != nil {
		db := a.DB
		opts.Repositories = func(ctx context.Context, namespace string) (ledger.Repository, error) {
			return ledger.CreateGormRepository(ctx, db, namespace)
		}
	}
	return backtester.NewRunner(a.Logger, a.Store, a.Strategies, a.Indicators, opts)
}

// Sinks returns the configured result sinks
func (a *App) Sinks(ctx context.Context) (results.MultiSink, error) {
	var sinks results.MultiSink
	rc := a.Config.Results

	if rc.JSON {
		s, err := results.NewJSONSink(a.Logger, filepath.Join(rc.Dir, "json"))
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if rc.Excel {
		s, err := results.NewExcelSink(a.Logger, filepath.Join(rc.Dir, "excel"))
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if rc.SQL {
		if a.DB == nil {
			return nil, fmt.Errorf("results.sql needs a database connection")
		}
		s, err := results.NewSQLSink(ctx, a.Logger, a.DB)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

// Importer builds the candle importer with Binance and Bybit sources
func (a *App) Importer() *importer.Importer {
	ic := a.Config.Importer
	fetch := ic.FetchConfig()
	return importer.New(a.Logger, a.Store, map[string]importer.KlineSource{
		"binance": importer.NewBinanceSource(a.Logger, ic.Binance.APIKey, ic.Binance.SecretKey, fetch),
		"bybit":   importer.NewBybitSource(a.Logger, ic.Bybit.APIKey, ic.Bybit.SecretKey, ic.Bybit.Testnet, fetch),
	})
}
