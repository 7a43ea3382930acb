package data

import (
	"context"
	"fmt"
	"time"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// CandleRow is the relational form of a candle. The composite unique index
// guarantees one row per (series, open_time).
type CandleRow struct {
	ID        uint            `gorm:"primaryKey"`
	Exchange  string          `gorm:"type:varchar(32);not null;uniqueIndex:idx_candle_key,priority:1"`
	Ticker    string          `gorm:"type:varchar(32);not null;uniqueIndex:idx_candle_key,priority:2"`
	Kind      string          `gorm:"type:varchar(16);not null;uniqueIndex:idx_candle_key,priority:3"`
	Timeframe string          `gorm:"type:varchar(8);not null;uniqueIndex:idx_candle_key,priority:4"`
	OpenTime  int64           `gorm:"not null;uniqueIndex:idx_candle_key,priority:5"`
	Open      decimal.Decimal `gorm:"type:decimal(30,12);not null"`
	High      decimal.Decimal `gorm:"type:decimal(30,12);not null"`
	Low       decimal.Decimal `gorm:"type:decimal(30,12);not null"`
	Close     decimal.Decimal `gorm:"type:decimal(30,12);not null"`
	Volume    decimal.Decimal `gorm:"type:decimal(30,12);not null"`
	CreatedAt time.Time
}

func (CandleRow) TableName() string { return "candles" }

func (r CandleRow) candle() types.Candle {
	return types.Candle{
		OpenTime: r.OpenTime,
		Open:     r.Open,
		High:     r.High,
		Low:      r.Low,
		Close:    r.Close,
		Volume:   r.Volume,
	}
}

func newCandleRow(key types.MarketKey, c types.Candle) CandleRow {
	return CandleRow{
		Exchange:  key.Exchange,
		Ticker:    key.Ticker,
		Kind:      string(key.Kind),
		Timeframe: string(key.Timeframe),
		OpenTime:  c.OpenTime,
		Open:      c.Open,
		High:      c.High,
		Low:       c.Low,
		Close:     c.Close,
		Volume:    c.Volume,
	}
}

// OpenPostgres connects to postgres with gorm, logging only errors
func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Error),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// SQLStore is a CandleStore backed by a relational database
type SQLStore struct {
	db        *gorm.DB
	logger    *zap.Logger
	batchSize int
}

// NewSQLStore creates the store and migrates the candles table
func NewSQLStore(logger *zap.Logger, db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&CandleRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate candles table: %w", err)
	}
	return &SQLStore{db: db, logger: logger, batchSize: 500}, nil
}

// GetCandles reads the candles of key with open time in [start, end]
func (s *SQLStore) GetCandles(ctx context.Context, key types.MarketKey, start, end time.Time) ([]types.Candle, error) {
	var rows []CandleRow
	err := s.db.WithContext(ctx).
		Where("exchange = ? AND ticker = ? AND kind = ? AND timeframe = ? AND open_time BETWEEN ? AND ?",
			key.Exchange, key.Ticker, string(key.Kind), string(key.Timeframe), start.Unix(), end.Unix()).
		Order("open_time ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load candles for %s: %w", key, err)
	}

	candles := make([]types.Candle, len(rows))
	for i, r := range rows {
		candles[i] = r.candle()
	}

	s.logger.Debug("Loaded candles",
		zap.String("series", key.String()),
		zap.Int("count", len(candles)))
	return candles, nil
}

// SaveCandles inserts candles, leaving rows already present untouched
func (s *SQLStore) SaveCandles(ctx context.Context, key types.MarketKey, candles []types.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	rows := make([]CandleRow, 0, len(candles))
	for _, c := range candles {
		if err := c.Validate(); err != nil {
			return 0, err
		}
		rows = append(rows, newCandleRow(key, c))
	}

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(rows, s.batchSize)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to save candles for %s: %w", key, res.Error)
	}
	return int(res.RowsAffected), nil
}
