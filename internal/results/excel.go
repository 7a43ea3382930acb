package results

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

const (
	summarySheet   = "Summary"
	positionsSheet = "Positions"
	balanceSheet   = "Balance"
)

// ExcelSink writes one workbook per run with summary, positions and balance sheets
type ExcelSink struct {
	logger *zap.Logger
	dir    string
}

// NewExcelSink creates the sink and its directory
func NewExcelSink(logger *zap.Logger, dir string) (*ExcelSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return &ExcelSink{logger: logger, dir: dir}, nil
}

// Path returns the workbook a run is written to
func (s *ExcelSink) Path(runID string) string {
	return filepath.Join(s.dir, runID+".xlsx")
}

type excelStyles struct {
	header int
	number int
	pct    int
}

func (s *ExcelSink) Save(ctx context.Context, res *types.Result) error {
	fx := excelize.NewFile()
	defer fx.Close()

	fx.SetSheetName(fx.GetSheetName(0), summarySheet)
	if _, err := fx.NewSheet(positionsSheet); err != nil {
		return err
	}
	if _, err := fx.NewSheet(balanceSheet); err != nil {
		return err
	}

	styles, err := createStyles(fx)
	if err != nil {
		return err
	}
	if err := writeSummary(fx, res, styles); err != nil {
		return err
	}
	if err := writePositions(fx, res, styles); err != nil {
		return err
	}
	if err := writeBalance(fx, res, styles); err != nil {
		return err
	}

	path := s.Path(res.RunID)
	if err := fx.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save workbook %s: %w", path, err)
	}
	s.logger.Info("Workbook saved", zap.String("run", res.RunID), zap.String("path", path))
	return nil
}

func createStyles(fx *excelize.File) (excelStyles, error) {
	var styles excelStyles
	var err error

	// Header style - dark background with white text
	styles.header, err = fx.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Size: 11, Color: "FFFFFF", Family: "Calibri"},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"2F4F4F"}, Pattern: 1},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})
	if err != nil {
		return styles, err
	}

	numFmt := "#,##0.00######"
	styles.number, err = fx.NewStyle(&excelize.Style{
		CustomNumFmt: &numFmt,
		Alignment:    &excelize.Alignment{Horizontal: "right"},
	})
	if err != nil {
		return styles, err
	}

	pctFmt := "0.00##\"%\""
	styles.pct, err = fx.NewStyle(&excelize.Style{
		CustomNumFmt: &pctFmt,
		Alignment:    &excelize.Alignment{Horizontal: "right"},
	})
	return styles, err
}

func writeHeader(fx *excelize.File, sheet string, headers []string, style int) error {
	for i, h := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := fx.SetCellValue(sheet, cell, h); err != nil {
			return err
		}
		if err := fx.SetCellStyle(sheet, cell, cell, style); err != nil {
			return err
		}
	}
	return nil
}

func writeRow(fx *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return fx.SetSheetRow(sheet, cell, &values)
}

func writeSummary(fx *excelize.File, res *types.Result, styles excelStyles) error {
	fx.SetColWidth(summarySheet, "A", "A", 22)
	fx.SetColWidth(summarySheet, "B", "B", 40)
	if err := writeHeader(fx, summarySheet, []string{"Metric", "Value"}, styles.header); err != nil {
		return err
	}

	fin, trades := res.Financial, res.Trades
	rows := [][]any{
		{"Run", res.RunID},
		{"Pair", res.Pair.String()},
		{"Status", string(res.Status)},
		{"Simulation start", res.SimStart.Format(time.RFC3339)},
		{"Simulation end", res.SimEnd.Format(time.RFC3339)},
		{"Candles processed", res.Processed},
		{"Faults", res.Faults},
		{"Initial balance", fin.InitialBalance.Float64()},
		{"Final balance", fin.FinalBalance.Float64()},
		{"Final equity", fin.FinalEquity.Float64()},
		{"PnL", fin.PnL.Float64()},
		{"PnL %", fin.PnLPercent.InexactFloat64()},
		{"Max drawdown", fin.MaxDrawdown.Float64()},
		{"Max drawdown %", fin.MaxDrawdownPercent.InexactFloat64()},
		{"Total fees", fin.TotalFees.Float64()},
		{"Liquidated", fin.Liquidated},
		{"Finished trades", trades.Finished},
		{"Wins", trades.Wins},
		{"Losses", trades.Losses},
		{"Win rate %", trades.WinRate.InexactFloat64()},
		{"Largest win", trades.LargestWin.Float64()},
		{"Largest loss", trades.LargestLoss.Float64()},
		{"Average duration", trades.AverageDuration.String()},
		{"Idle duration", trades.IdleDuration.String()},
	}
	if trades.ProfitFactor != nil {
		rows = append(rows, []any{"Profit factor", *trades.ProfitFactor})
	}
	if res.Risk.Sharpe != nil {
		rows = append(rows, []any{"Sharpe", *res.Risk.Sharpe})
	}
	if res.Risk.Sortino != nil {
		rows = append(rows, []any{"Sortino", *res.Risk.Sortino})
	}

	for i, r := range rows {
		if err := writeRow(fx, summarySheet, i+2, r); err != nil {
			return err
		}
		if _, ok := r[1].(float64); !ok {
			continue
		}
		style := styles.number
		if strings.HasSuffix(r[0].(string), "%") {
			style = styles.pct
		}
		cell, _ := excelize.CoordinatesToCellName(2, i+2)
		fx.SetCellStyle(summarySheet, cell, cell, style)
	}
	return nil
}

func writePositions(fx *excelize.File, res *types.Result, styles excelStyles) error {
	headers := []string{
		"ID", "Direction", "Status", "Reason", "Created", "Finished",
		"Entry", "Exit", "Volume", "Leverage", "Realized PnL", "Fees",
	}
	fx.SetColWidth(positionsSheet, "A", "A", 38)
	fx.SetColWidth(positionsSheet, "B", "L", 14)
	if err := writeHeader(fx, positionsSheet, headers, styles.header); err != nil {
		return err
	}

	for i, p := range res.Positions {
		var finished, exit any
		if p.FinishedAt != nil {
			finished = p.FinishedAt.UTC().Format(time.RFC3339)
		}
		if p.ExitPrice != nil {
			exit = p.ExitPrice.Float64()
		}
		row := []any{
			p.ID,
			string(p.Direction),
			string(p.Status),
			string(p.FinishReason),
			p.CreatedAt.UTC().Format(time.RFC3339),
			finished,
			p.AverageEntryPrice.Float64(),
			exit,
			p.Volume.InexactFloat64(),
			p.Leverage.InexactFloat64(),
			p.RealizedPnL.Float64(),
			p.Fees.Float64(),
		}
		if err := writeRow(fx, positionsSheet, i+2, row); err != nil {
			return err
		}
	}
	if n := len(res.Positions); n > 0 {
		end, _ := excelize.CoordinatesToCellName(12, n+1)
		fx.SetCellStyle(positionsSheet, "G2", end, styles.number)
	}
	return nil
}

func writeBalance(fx *excelize.File, res *types.Result, styles excelStyles) error {
	fx.SetColWidth(balanceSheet, "A", "A", 22)
	fx.SetColWidth(balanceSheet, "B", "D", 16)
	if err := writeHeader(fx, balanceSheet, []string{"Time", "Balance", "Equity", "Open"}, styles.header); err != nil {
		return err
	}

	for i, s := range res.Balance {
		row := []any{
			time.Unix(s.Time, 0).UTC().Format(time.RFC3339),
			s.Balance.Float64(),
			s.Equity.Float64(),
			s.OpenPositions,
		}
		if err := writeRow(fx, balanceSheet, i+2, row); err != nil {
			return err
		}
	}
	if n := len(res.Balance); n > 0 {
		end, _ := excelize.CoordinatesToCellName(3, n+1)
		fx.SetCellStyle(balanceSheet, "B2", end, styles.number)
	}
	return nil
}
