package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// positionRow is the relational form of a ledger entry. All prices share the
// row's quote unit.
type positionRow struct {
	ID                    string              `gorm:"primaryKey;type:varchar(64)"`
	Seq                   int64               `gorm:"autoIncrement:false;index"`
	Exchange              string              `gorm:"type:varchar(32);index:idx_pos_market"`
	Ticker                string              `gorm:"type:varchar(32);index:idx_pos_market"`
	Kind                  string              `gorm:"type:varchar(16);index:idx_pos_market"`
	Timeframe             string              `gorm:"type:varchar(8);index:idx_pos_market"`
	Direction             string              `gorm:"type:varchar(8)"`
	Status                string              `gorm:"type:varchar(16);index"`
	Unit                  string              `gorm:"type:varchar(16)"`
	Leverage              decimal.Decimal     `gorm:"type:decimal(10,2)"`
	InitialEntryPrice     decimal.Decimal     `gorm:"type:decimal(30,12)"`
	AverageEntryPrice     decimal.Decimal     `gorm:"type:decimal(30,12)"`
	CurrentPrice          decimal.Decimal     `gorm:"type:decimal(30,12)"`
	ExitPrice             decimal.NullDecimal `gorm:"type:decimal(30,12)"`
	Volume                decimal.Decimal     `gorm:"type:decimal(30,12)"`
	Margin                decimal.Decimal     `gorm:"type:decimal(30,12)"`
	RealizedPnL           decimal.Decimal     `gorm:"column:realized_pnl;type:decimal(30,12)"`
	Fees                  decimal.Decimal     `gorm:"type:decimal(30,12)"`
	TakeProfitPrice       decimal.NullDecimal `gorm:"type:decimal(30,12)"`
	StopLossPrice         decimal.NullDecimal `gorm:"type:decimal(30,12)"`
	ExpectedProfitPercent decimal.NullDecimal `gorm:"type:decimal(12,6)"`
	StopLossPercent       decimal.NullDecimal `gorm:"type:decimal(12,6)"`
	FinishReason          string              `gorm:"type:varchar(16)"`
	Note                  string
	CreatedAt             time.Time
	OpenedAt              *time.Time
	FinishedAt            *time.Time
	ExchangeOrderIDs      []string           `gorm:"serializer:json"`
	History               []types.Transition `gorm:"serializer:json"`
}

func nullMoney(m *types.Money) decimal.NullDecimal {
	if m == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: m.Amount, Valid: true}
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func moneyPtr(d decimal.NullDecimal, unit types.Currency) *types.Money {
	if !d.Valid {
		return nil
	}
	m := types.NewMoney(d.Decimal, unit)
	return &m
}

func decimalPtr(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func toRow(p *types.Position, seq int64) positionRow {
	return positionRow{
		ID:                    p.ID,
		Seq:                   seq,
		Exchange:              p.Key.Exchange,
		Ticker:                p.Key.Ticker,
		Kind:                  string(p.Key.Kind),
		Timeframe:             string(p.Key.Timeframe),
		Direction:             string(p.Direction),
		Status:                string(p.Status),
		Unit:                  string(p.AverageEntryPrice.Unit),
		Leverage:              p.Leverage,
		InitialEntryPrice:     p.InitialEntryPrice.Amount,
		AverageEntryPrice:     p.AverageEntryPrice.Amount,
		CurrentPrice:          p.CurrentPrice.Amount,
		ExitPrice:             nullMoney(p.ExitPrice),
		Volume:                p.Volume,
		Margin:                p.Margin.Amount,
		RealizedPnL:           p.RealizedPnL.Amount,
		Fees:                  p.Fees.Amount,
		TakeProfitPrice:       nullMoney(p.TakeProfitPrice),
		StopLossPrice:         nullMoney(p.StopLossPrice),
		ExpectedProfitPercent: nullDecimal(p.ExpectedProfitPercent),
		StopLossPercent:       nullDecimal(p.StopLossPercent),
		FinishReason:          string(p.FinishReason),
		Note:                  p.Note,
		CreatedAt:             p.CreatedAt,
		OpenedAt:              p.OpenedAt,
		FinishedAt:            p.FinishedAt,
		ExchangeOrderIDs:      p.ExchangeOrderIDs,
		History:               p.History,
	}
}

func (r positionRow) position(ns string) *types.Position {
	unit := types.Currency(r.Unit)
	return &types.Position{
		ID:        r.ID,
		Namespace: ns,
		Key: types.MarketKey{
			Exchange:  r.Exchange,
			Ticker:    r.Ticker,
			Kind:      types.MarketKind(r.Kind),
			Timeframe: types.Timeframe(r.Timeframe),
		},
		Direction:             types.Direction(r.Direction),
		Status:                types.Status(r.Status),
		Leverage:              r.Leverage,
		InitialEntryPrice:     types.NewMoney(r.InitialEntryPrice, unit),
		AverageEntryPrice:     types.NewMoney(r.AverageEntryPrice, unit),
		CurrentPrice:          types.NewMoney(r.CurrentPrice, unit),
		ExitPrice:             moneyPtr(r.ExitPrice, unit),
		Volume:                r.Volume,
		Margin:                types.NewMoney(r.Margin, unit),
		RealizedPnL:           types.NewMoney(r.RealizedPnL, unit),
		Fees:                  types.NewMoney(r.Fees, unit),
		TakeProfitPrice:       moneyPtr(r.TakeProfitPrice, unit),
		StopLossPrice:         moneyPtr(r.StopLossPrice, unit),
		ExpectedProfitPercent: decimalPtr(r.ExpectedProfitPercent),
		StopLossPercent:       decimalPtr(r.StopLossPercent),
		FinishReason:          types.FinishReason(r.FinishReason),
		Note:                  r.Note,
		CreatedAt:             r.CreatedAt,
		OpenedAt:              r.OpenedAt,
		FinishedAt:            r.FinishedAt,
		ExchangeOrderIDs:      r.ExchangeOrderIDs,
		History:               r.History,
	}
}

// GormRepository keeps one namespace per table
type GormRepository struct {
	db        *gorm.DB
	namespace string
}

// CreateGormRepository creates the table of a fresh run namespace. Runs never
// share a table, so an existing one fails with ErrNamespaceTaken.
func CreateGormRepository(ctx context.Context, db *gorm.DB, namespace string) (*GormRepository, error) {
	migrator := db.WithContext(ctx).Table(namespace).Migrator()
	if migrator.HasTable(namespace) {
		return nil, fmt.Errorf("%w: %s", ErrNamespaceTaken, namespace)
	}
	if err := migrator.CreateTable(&positionRow{}); err != nil {
		return nil, fmt.Errorf("failed to create ledger %s: %w", namespace, err)
	}
	return &GormRepository{db: db, namespace: namespace}, nil
}

// NewGormRepository opens (and creates if needed) the table of a shared
// namespace such as the positions archive
func NewGormRepository(ctx context.Context, db *gorm.DB, namespace string) (*GormRepository, error) {
	if err := db.WithContext(ctx).Table(namespace).AutoMigrate(&positionRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate ledger %s: %w", namespace, err)
	}
	return &GormRepository{db: db, namespace: namespace}, nil
}

func (r *GormRepository) Namespace() string { return r.namespace }

func (r *GormRepository) table(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Table(r.namespace)
}

func (r *GormRepository) Insert(ctx context.Context, p *types.Position) error {
	if p == nil {
		return errors.New("position cannot be nil")
	}
	var count int64
	if err := r.table(ctx).Where("id = ?", p.ID).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicate, p.ID)
	}
	var seq int64
	if err := r.table(ctx).Select("COALESCE(MAX(seq), 0)").Scan(&seq).Error; err != nil {
		return err
	}
	row := toRow(p, seq+1)
	return r.table(ctx).Create(&row).Error
}

func (r *GormRepository) Update(ctx context.Context, p *types.Position) error {
	if p == nil {
		return errors.New("position cannot be nil")
	}
	existing, err := r.getRow(ctx, p.ID)
	if err != nil {
		return err
	}
	row := toRow(p, existing.Seq)
	return r.table(ctx).Save(&row).Error
}

func (r *GormRepository) getRow(ctx context.Context, id string) (*positionRow, error) {
	var row positionRow
	err := r.table(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *GormRepository) Get(ctx context.Context, id string) (*types.Position, error) {
	row, err := r.getRow(ctx, id)
	if err != nil {
		return nil, err
	}
	return row.position(r.namespace), nil
}

func (r *GormRepository) List(ctx context.Context, f Filter) ([]*types.Position, error) {
	q := r.table(ctx)
	if f.Key != nil {
		q = q.Where("exchange = ? AND ticker = ? AND kind = ? AND timeframe = ?",
			f.Key.Exchange, f.Key.Ticker, string(f.Key.Kind), string(f.Key.Timeframe))
	}
	if f.Direction != "" {
		q = q.Where("direction = ?", string(f.Direction))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		q = q.Where("status IN ?", statuses)
	}

	var rows []positionRow
	if err := q.Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*types.Position, len(rows))
	for i := range rows {
		out[i] = rows[i].position(r.namespace)
	}
	return out, nil
}

// Drop removes the namespace table
func (r *GormRepository) Drop(ctx context.Context) error {
	return r.db.WithContext(ctx).Migrator().DropTable(r.namespace)
}

// Archive copies every entry of src into dst, preserving order
func Archive(ctx context.Context, src, dst Repository) (int, error) {
	entries, err := src.List(ctx, Filter{})
	if err != nil {
		return 0, err
	}
	for i, p := range entries {
		if err := dst.Insert(ctx, p); err != nil {
			return i, fmt.Errorf("archive %s into %s: %w", p.ID, dst.Namespace(), err)
		}
	}
	return len(entries), nil
}
