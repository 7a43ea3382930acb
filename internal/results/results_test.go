package results_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/atlas-desktop/backtest-engine/internal/backtester"
	"github.com/atlas-desktop/backtest-engine/internal/results"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

func usdt(v int64) types.Money { return types.MoneyFromInt(v, types.CurrencyUSDT) }

func sampleResult() *types.Result {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	finished := created.Add(3 * time.Hour)
	exit := usdt(110)
	sharpe := 1.25

	return &types.Result{
		RunID: "run-1",
		Pair: types.Pair{
			Exchange:       "binance",
			Ticker:         "BTCUSDT",
			Kind:           types.MarketSpot,
			Timeframe:      types.Timeframe1h,
			Quote:          types.CurrencyUSDT,
			Strategy:       "always_long",
			BacktestDays:   1,
			InitialBalance: decimal.NewFromInt(1000),
		},
		Status:    types.RunCompleted,
		SimStart:  created,
		SimEnd:    created.Add(23 * time.Hour),
		Candles:   24,
		Processed: 24,
		Financial: types.FinancialStats{
			InitialBalance: usdt(1000),
			FinalBalance:   usdt(1050),
			FinalEquity:    usdt(1050),
			PnL:            usdt(50),
			PnLPercent:     decimal.NewFromInt(5),
			TotalFees:      usdt(0),
			MaxDrawdown:    usdt(0),
		},
		Trades: types.TradeStats{Finished: 1, Wins: 1, WinRate: decimal.NewFromInt(100), LargestWin: usdt(50), LargestLoss: usdt(0)},
		Risk:   types.RiskStats{Samples: 23, Sharpe: &sharpe},
		Positions: []*types.Position{{
			ID:                "pos-1",
			Direction:         types.Long,
			Status:            types.StatusFinished,
			AverageEntryPrice: usdt(100),
			ExitPrice:         &exit,
			Volume:            decimal.NewFromInt(5),
			Leverage:          decimal.NewFromInt(1),
			RealizedPnL:       usdt(50),
			Fees:              usdt(0),
			FinishReason:      types.FinishTakeProfit,
			CreatedAt:         created,
			FinishedAt:        &finished,
		}},
		Balance: []types.BalanceSample{
			{Time: created.Unix(), Balance: usdt(1000), Equity: usdt(1000), OpenPositions: 1},
			{Time: finished.Unix(), Balance: usdt(1050), Equity: usdt(1050)},
		},
	}
}

func TestJSONSinkRoundTrip(t *testing.T) {
	sink, err := results.NewJSONSink(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("NewJSONSink failed: %v", err)
	}
	res := sampleResult()
	if err := sink.Save(context.Background(), res); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := sink.Load(res.RunID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !loaded.Financial.FinalBalance.Equal(res.Financial.FinalBalance) {
		t.Errorf("Expected final balance %s, got %s", res.Financial.FinalBalance, loaded.Financial.FinalBalance)
	}
	if len(loaded.Balance) != 2 || len(loaded.Positions) != 1 {
		t.Errorf("Expected the balance trace and ledger to be stored, got %d samples and %d positions",
			len(loaded.Balance), len(loaded.Positions))
	}
}

func TestExcelSinkWritesSheets(t *testing.T) {
	sink, err := results.NewExcelSink(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("NewExcelSink failed: %v", err)
	}
	res := sampleResult()
	if err := sink.Save(context.Background(), res); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	fx, err := excelize.OpenFile(sink.Path(res.RunID))
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	defer fx.Close()

	sheets := fx.GetSheetList()
	if strings.Join(sheets, ",") != "Summary,Positions,Balance" {
		t.Fatalf("Unexpected sheets %v", sheets)
	}
	if v, _ := fx.GetCellValue("Summary", "B2"); v != "run-1" {
		t.Errorf("Expected run id in B2, got %q", v)
	}
	if v, _ := fx.GetCellValue("Positions", "A2"); v != "pos-1" {
		t.Errorf("Expected position id in A2, got %q", v)
	}
	rows, err := fx.GetRows("Balance")
	if err != nil {
		t.Fatalf("GetRows failed: %v", err)
	}
	if len(rows) != 3 {
		t.Errorf("Expected header plus 2 samples, got %d rows", len(rows))
	}
}

type failingSink struct{ err error }

func (f failingSink) Save(context.Context, *types.Result) error { return f.err }

func TestMultiSinkJoinsErrors(t *testing.T) {
	sink, err := results.NewJSONSink(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("NewJSONSink failed: %v", err)
	}
	boom := errors.New("boom")
	multi := results.MultiSink{failingSink{boom}, sink}

	res := sampleResult()
	if err := multi.Save(context.Background(), res); !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}
	if _, err := sink.Load(res.RunID); err != nil {
		t.Errorf("Later sinks must still run: %v", err)
	}
}

func TestConsoleSummary(t *testing.T) {
	res := sampleResult()
	failed := res.Pair
	failed.Ticker = "ETHUSDT"

	var buf bytes.Buffer
	results.ConsoleSummary(&buf, []backtester.PairOutcome{
		{Pair: res.Pair, RunID: res.RunID, Result: res},
		{Pair: failed, Err: errors.New("no candles")},
	})

	// go-pretty upper-cases headers and footers
	out := strings.ToLower(buf.String())
	for _, want := range []string{"btcusdt", "completed", "50.00", "ethusdt", "no candles", "1 failed"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in summary:\n%s", want, out)
		}
	}
}
