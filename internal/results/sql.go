package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/atlas-desktop/backtest-engine/internal/ledger"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PositionsNamespace is the durable ledger table finished runs are archived into
const PositionsNamespace = "backtest_positions"

// ResultRow is the relational summary of one run. The full result is kept
// as a JSON payload.
type ResultRow struct {
	RunID        string          `gorm:"primaryKey;type:varchar(64)"`
	Exchange     string          `gorm:"type:varchar(32);index:idx_result_market"`
	Ticker       string          `gorm:"type:varchar(32);index:idx_result_market"`
	Kind         string          `gorm:"type:varchar(16)"`
	Timeframe    string          `gorm:"type:varchar(8)"`
	Strategy     string          `gorm:"type:varchar(64);index"`
	Status       string          `gorm:"type:varchar(16)"`
	SimStart     time.Time
	SimEnd       time.Time
	Initial      decimal.Decimal `gorm:"type:decimal(30,12)"`
	Final        decimal.Decimal `gorm:"type:decimal(30,12)"`
	PnLPercent   decimal.Decimal `gorm:"column:pnl_percent;type:decimal(20,8)"`
	MaxDrawdown  decimal.Decimal `gorm:"type:decimal(20,8)"`
	Trades       int
	WinRate      decimal.Decimal `gorm:"type:decimal(12,4)"`
	Liquidated   bool
	Payload      []byte `gorm:"type:jsonb"`
	CreatedAt    time.Time
}

func (ResultRow) TableName() string { return "backtest_results" }

func newResultRow(res *types.Result) (ResultRow, error) {
	payload, err := json.Marshal(res)
	if err != nil {
		return ResultRow{}, err
	}
	return ResultRow{
		RunID:       res.RunID,
		Exchange:    res.Pair.Exchange,
		Ticker:      res.Pair.Ticker,
		Kind:        string(res.Pair.Kind),
		Timeframe:   string(res.Pair.Timeframe),
		Strategy:    res.Pair.Strategy,
		Status:      string(res.Status),
		SimStart:    res.SimStart,
		SimEnd:      res.SimEnd,
		Initial:     res.Financial.InitialBalance.Amount,
		Final:       res.Financial.FinalBalance.Amount,
		PnLPercent:  res.Financial.PnLPercent,
		MaxDrawdown: res.Financial.MaxDrawdownPercent,
		Trades:      res.Trades.Finished,
		WinRate:     res.Trades.WinRate,
		Liquidated:  res.Financial.Liquidated,
		Payload:     payload,
	}, nil
}

// SQLSink stores result summaries and archives the final ledger of each run
type SQLSink struct {
	logger    *zap.Logger
	db        *gorm.DB
	positions ledger.Repository
}

// NewSQLSink migrates the results table and opens the positions archive
func NewSQLSink(ctx context.Context, logger *zap.Logger, db *gorm.DB) (*SQLSink, error) {
	if err := db.WithContext(ctx).AutoMigrate(&ResultRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate results table: %w", err)
	}
	positions, err := ledger.NewGormRepository(ctx, db, PositionsNamespace)
	if err != nil {
		return nil, err
	}
	return &SQLSink{logger: logger, db: db, positions: positions}, nil
}

func (s *SQLSink) Save(ctx context.Context, res *types.Result) error {
	row, err := newResultRow(res)
	if err != nil {
		return fmt.Errorf("failed to encode result %s: %w", res.RunID, err)
	}

	var existing int64
	if err := s.db.WithContext(ctx).Model(&ResultRow{}).Where("run_id = ?", res.RunID).Count(&existing).Error; err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "run_id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to store result %s: %w", res.RunID, err)
	}

	if existing > 0 {
		// ids are derived from the run id, so a replay archived the same entries before
		s.logger.Debug("Ledger already archived", zap.String("run", res.RunID))
		return nil
	}
	n, err := s.archive(ctx, res)
	if err != nil && !errors.Is(err, ledger.ErrDuplicate) {
		return err
	}
	s.logger.Info("Result stored",
		zap.String("run", res.RunID),
		zap.Int("positions", n))
	return nil
}

func (s *SQLSink) archive(ctx context.Context, res *types.Result) (int, error) {
	src := ledger.NewMemoryRepository(ledger.NamespaceFor(res.RunID))
	for _, p := range res.Positions {
		if err := src.Insert(ctx, p); err != nil {
			return 0, err
		}
	}
	return ledger.Archive(ctx, src, s.positions)
}
