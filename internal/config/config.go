// Package config loads application configuration from a config file, an
// optional .env file and BTE_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/atlas-desktop/backtest-engine/internal/backtester"
	"github.com/atlas-desktop/backtest-engine/internal/importer"
	"github.com/atlas-desktop/backtest-engine/internal/logging"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. BTE_DATABASE_DSN
const EnvPrefix = "BTE"

// Config is the root configuration
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Backtest BacktestConfig `mapstructure:"backtest"`
	Pairs    []PairConfig   `mapstructure:"pairs"`
	Database DatabaseConfig `mapstructure:"database"`
	Data     DataConfig     `mapstructure:"data"`
	Results  ResultsConfig  `mapstructure:"results"`
	Server   ServerConfig   `mapstructure:"server"`
	Importer ImporterConfig `mapstructure:"importer"`
}

type LogConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"`
}

// BacktestConfig holds engine options and the defaults applied to pairs
type BacktestConfig struct {
	Days             int             `mapstructure:"days"`
	InitialBalance   decimal.Decimal `mapstructure:"initial_balance"`
	Quote            types.Currency  `mapstructure:"quote"`
	TicksPerCandle   int             `mapstructure:"ticks_per_candle"`
	FaultThreshold   int             `mapstructure:"fault_threshold"`
	FeeRate          decimal.Decimal `mapstructure:"fee_rate"`
	MaintenanceRatio decimal.Decimal `mapstructure:"maintenance_ratio"`
	RequireMargin    bool            `mapstructure:"require_margin"`
	Parallelism      int             `mapstructure:"parallelism"`
	StopFile         string          `mapstructure:"stop_file"`
	StopPoll         time.Duration   `mapstructure:"stop_poll"`
	ProgressEvery    int             `mapstructure:"progress_every"`
}

// PairConfig is a pair plus an optional parameter sweep
type PairConfig struct {
	types.Pair `mapstructure:",squash"`
	Sweep      map[string][]any `mapstructure:"sweep"`
}

// DatabaseConfig points at postgres. LiveLedger keeps run ledgers in
// per-run tables instead of memory.
type DatabaseConfig struct {
	DSN        string `mapstructure:"dsn"`
	LiveLedger bool   `mapstructure:"live_ledger"`
}

// DataConfig selects the candle store: "file" or "sql"
type DataConfig struct {
	Dir    string `mapstructure:"dir"`
	Source string `mapstructure:"source"`
}

type ResultsConfig struct {
	Dir   string `mapstructure:"dir"`
	JSON  bool   `mapstructure:"json"`
	Excel bool   `mapstructure:"excel"`
	SQL   bool   `mapstructure:"sql"`
}

type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type ExchangeCredentials struct {
	APIKey    string `mapstructure:"api_key"`
	SecretKey string `mapstructure:"secret_key"`
	Testnet   bool   `mapstructure:"testnet"`
}

type ImporterConfig struct {
	RequestsPerSecond float64             `mapstructure:"requests_per_second"`
	Burst             int                 `mapstructure:"burst"`
	MaxRetries        int                 `mapstructure:"max_retries"`
	Backoff           time.Duration       `mapstructure:"backoff"`
	PageLimit         int                 `mapstructure:"page_limit"`
	Binance           ExchangeCredentials `mapstructure:"binance"`
	Bybit             ExchangeCredentials `mapstructure:"bybit"`
}

// FetchConfig returns the importer pacing settings
func (c ImporterConfig) FetchConfig() importer.FetchConfig {
	return importer.FetchConfig{
		RequestsPerSecond: c.RequestsPerSecond,
		Burst:             c.Burst,
		MaxRetries:        c.MaxRetries,
		Backoff:           c.Backoff,
		PageLimit:         c.PageLimit,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")

	v.SetDefault("backtest.days", 30)
	v.SetDefault("backtest.initial_balance", "1000")
	v.SetDefault("backtest.quote", string(types.CurrencyUSDT))
	v.SetDefault("backtest.ticks_per_candle", 0)
	v.SetDefault("backtest.fault_threshold", 10)
	v.SetDefault("backtest.fee_rate", "0")
	v.SetDefault("backtest.maintenance_ratio", "0.5")
	v.SetDefault("backtest.require_margin", false)
	v.SetDefault("backtest.parallelism", 4)
	v.SetDefault("backtest.stop_file", "")
	v.SetDefault("backtest.stop_poll", "250ms")
	v.SetDefault("backtest.progress_every", 1)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.live_ledger", false)

	v.SetDefault("data.dir", "./data")
	v.SetDefault("data.source", "file")

	v.SetDefault("results.dir", "./results")
	v.SetDefault("results.json", true)
	v.SetDefault("results.excel", false)
	v.SetDefault("results.sql", false)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("importer.requests_per_second", 10)
	v.SetDefault("importer.burst", 20)
	v.SetDefault("importer.max_retries", 3)
	v.SetDefault("importer.backoff", "100ms")
	v.SetDefault("importer.page_limit", 1000)
	v.SetDefault("importer.binance.api_key", "")
	v.SetDefault("importer.binance.secret_key", "")
	v.SetDefault("importer.bybit.api_key", "")
	v.SetDefault("importer.bybit.secret_key", "")
	v.SetDefault("importer.bybit.testnet", false)
}

// Load reads the config file at path (optional), applies environment
// overrides and validates the result
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		decimalHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// decimalHook decodes numbers and numeric strings into decimal.Decimal
func decimalHook() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(decimal.Decimal{})
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != target || from == target {
			return data, nil
		}
		s, err := cast.ToStringE(data)
		if err != nil {
			return nil, err
		}
		if s == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(s)
	}
}

// Validate checks settings that must hold before anything runs
func (c *Config) Validate() error {
	var errs []error
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Backtest.Parallelism < 1 {
		errs = append(errs, errors.New("backtest.parallelism must be at least 1"))
	}
	if c.Backtest.FeeRate.IsNegative() {
		errs = append(errs, errors.New("backtest.fee_rate must not be negative"))
	}
	if !c.Backtest.MaintenanceRatio.IsPositive() || c.Backtest.MaintenanceRatio.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, errors.New("backtest.maintenance_ratio must be in (0, 1]"))
	}
	switch c.Data.Source {
	case "file":
	case "sql":
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("data.source sql requires database.dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown data.source %q", c.Data.Source))
	}
	if c.Results.SQL && c.Database.DSN == "" {
		errs = append(errs, errors.New("results.sql requires database.dsn"))
	}
	if c.Database.LiveLedger && c.Database.DSN == "" {
		errs = append(errs, errors.New("database.live_ledger requires database.dsn"))
	}
	return errors.Join(errs...)
}

// EngineOptions converts the backtest section into runner options
func (c *Config) EngineOptions() backtester.Options {
	opts := backtester.DefaultOptions()
	opts.TicksPerCandle = c.Backtest.TicksPerCandle
	opts.FaultThreshold = c.Backtest.FaultThreshold
	opts.FeeRate = c.Backtest.FeeRate
	opts.MaintenanceRatio = c.Backtest.MaintenanceRatio
	opts.RequireMargin = c.Backtest.RequireMargin
	opts.StopFile = c.Backtest.StopFile
	opts.StopPoll = c.Backtest.StopPoll
	opts.ProgressEvery = c.Backtest.ProgressEvery
	return opts
}

// ApplyDefaults fills the fields a pair left empty from the backtest section
func (c *Config) ApplyDefaults(p types.Pair) types.Pair {
	if p.Quote == "" {
		p.Quote = c.Backtest.Quote
	}
	if p.BacktestDays == 0 {
		p.BacktestDays = c.Backtest.Days
	}
	if p.InitialBalance.IsZero() {
		p.InitialBalance = c.Backtest.InitialBalance
	}
	return p
}

// ExpandPairs applies defaults, expands sweeps and validates every pair
func (c *Config) ExpandPairs() ([]types.Pair, error) {
	var (
		out  []types.Pair
		errs []error
	)
	for _, pc := range c.Pairs {
		for _, p := range backtester.ExpandSweep(c.ApplyDefaults(pc.Pair), pc.Sweep) {
			if err := p.Validate(); err != nil {
				errs = append(errs, err)
				continue
			}
			out = append(out, p)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}
