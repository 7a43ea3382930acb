package results

import (
	"fmt"
	"io"

	"github.com/atlas-desktop/backtest-engine/internal/backtester"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// ConsoleSummary renders one row per pair of a batch
func ConsoleSummary(w io.Writer, outcomes []backtester.PairOutcome) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("BACKTEST RESULTS")
	t.SetStyle(table.StyleRounded)

	t.AppendHeader(table.Row{"Pair", "Status", "Candles", "Trades", "Win %", "PnL", "PnL %", "Max DD %", "Fees", "Sharpe"})

	var failed int
	for _, o := range outcomes {
		if o.Err != nil && o.Result == nil {
			failed++
			t.AppendRow(table.Row{o.Pair.String(), "failed", "-", "-", "-", "-", "-", "-", "-", o.Err.Error()})
			continue
		}
		res := o.Result
		sharpe := "-"
		if res.Risk.Sharpe != nil {
			sharpe = fmt.Sprintf("%.2f", *res.Risk.Sharpe)
		}
		t.AppendRow(table.Row{
			o.Pair.String(),
			string(res.Status),
			res.Processed,
			res.Trades.Finished,
			res.Trades.WinRate.StringFixed(2),
			res.Financial.PnL.Amount.StringFixed(2),
			res.Financial.PnLPercent.StringFixed(2),
			res.Financial.MaxDrawdownPercent.StringFixed(2),
			res.Financial.TotalFees.Amount.StringFixed(2),
			sharpe,
		})
	}

	t.AppendFooter(table.Row{fmt.Sprintf("%d pairs", len(outcomes)), fmt.Sprintf("%d failed", failed)})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft},
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
		{Number: 7, Align: text.AlignRight},
		{Number: 8, Align: text.AlignRight},
		{Number: 9, Align: text.AlignRight},
		{Number: 10, Align: text.AlignRight, WidthMax: 40},
	})
	t.Render()
}
