package backtester

import (
	"sort"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// segment is a stretch of the simulated price path that starts at from and
// covers [lo, hi]. In tick mode segments are monotone.
type segment struct {
	from, lo, hi decimal.Decimal
}

// pricePath returns the segments the price travels through inside c. With
// fewer than two ticks the whole bar is one segment starting at the open.
// Otherwise the path runs open, low, high, close for bullish bars and open,
// high, low, close for bearish ones, sampled at ticks evenly spaced points
// plus the turning points themselves.
func pricePath(c types.Candle, ticks int) []segment {
	if ticks < 2 {
		return []segment{{from: c.Open, lo: c.Low, hi: c.High}}
	}

	vertices := []decimal.Decimal{c.Open, c.High, c.Low, c.Close}
	if c.Bullish() {
		vertices = []decimal.Decimal{c.Open, c.Low, c.High, c.Close}
	}

	// cumulative distance travelled at each vertex
	cum := make([]decimal.Decimal, len(vertices))
	for j := 1; j < len(vertices); j++ {
		cum[j] = cum[j-1].Add(vertices[j].Sub(vertices[j-1]).Abs())
	}
	total := cum[len(cum)-1]
	if total.IsZero() {
		return []segment{{from: c.Open, lo: c.Open, hi: c.Open}}
	}

	dists := append([]decimal.Decimal(nil), cum...)
	step := total.Div(decimal.NewFromInt(int64(ticks - 1)))
	for k := 1; k < ticks-1; k++ {
		dists = append(dists, step.Mul(decimal.NewFromInt(int64(k))))
	}
	sort.Slice(dists, func(a, b int) bool { return dists[a].LessThan(dists[b]) })

	prices := make([]decimal.Decimal, 0, len(dists))
	var last decimal.Decimal
	for n, d := range dists {
		if n > 0 && d.Equal(last) {
			continue
		}
		last = d
		prices = append(prices, priceAt(vertices, cum, d))
	}

	segs := make([]segment, 0, len(prices)-1)
	for k := 0; k+1 < len(prices); k++ {
		a, b := prices[k], prices[k+1]
		segs = append(segs, segment{from: a, lo: decimal.Min(a, b), hi: decimal.Max(a, b)})
	}
	return segs
}

func priceAt(vertices, cum []decimal.Decimal, d decimal.Decimal) decimal.Decimal {
	for j := 0; j+1 < len(vertices); j++ {
		if d.GreaterThan(cum[j+1]) {
			continue
		}
		offset := d.Sub(cum[j])
		if vertices[j+1].LessThan(vertices[j]) {
			offset = offset.Neg()
		}
		return vertices[j].Add(offset).Round(types.MoneyPrecision)
	}
	return vertices[len(vertices)-1]
}

// exitFor reports whether seg triggers one of p's targets. The stop-loss is
// checked first. The exit fills at the target, or at the segment start when
// the price already gapped through it.
func exitFor(p *types.Position, seg segment) (decimal.Decimal, types.FinishReason, bool) {
	long := p.Direction == types.Long

	if p.StopLossPrice != nil {
		sl := p.StopLossPrice.Amount
		if long && seg.lo.LessThanOrEqual(sl) {
			return decimal.Min(seg.from, sl), types.FinishStopLoss, true
		}
		if !long && seg.hi.GreaterThanOrEqual(sl) {
			return decimal.Max(seg.from, sl), types.FinishStopLoss, true
		}
	}
	if p.TakeProfitPrice != nil {
		tp := p.TakeProfitPrice.Amount
		if long && seg.hi.GreaterThanOrEqual(tp) {
			return decimal.Max(seg.from, tp), types.FinishTakeProfit, true
		}
		if !long && seg.lo.LessThanOrEqual(tp) {
			return decimal.Min(seg.from, tp), types.FinishTakeProfit, true
		}
	}
	return decimal.Zero, "", false
}

// crossesLimit reports whether a resting order is reached within seg
func crossesLimit(p *types.Position, seg segment) bool {
	limit := p.AverageEntryPrice.Amount
	if p.Direction == types.Long {
		return seg.lo.LessThanOrEqual(limit)
	}
	return seg.hi.GreaterThanOrEqual(limit)
}
