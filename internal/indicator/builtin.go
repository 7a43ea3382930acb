package indicator

import (
	"fmt"
	"math"

	"github.com/atlas-desktop/backtest-engine/internal/params"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
)

func closeOf(c types.Candle) float64 {
	f, _ := c.Close.Float64()
	return f
}

// NewSMA builds a simple moving average of closes. Params: period (default 20).
func NewSMA(p map[string]any) (Indicator, error) {
	period, err := params.PositiveInt(p, "period", 20)
	if err != nil {
		return nil, err
	}
	return &memo{name: fmt.Sprintf("sma(%d)", period), min: period, st: &smaStep{period: period}}, nil
}

// smaStep sums its window afresh on every candle, so the value depends only
// on the last period closes and not on the history before them
type smaStep struct {
	period int
	buf    []float64
}

func (s *smaStep) reset() { s.buf = nil }

func (s *smaStep) next(c types.Candle) (float64, bool) {
	s.buf = append(s.buf, closeOf(c))
	if len(s.buf) > s.period {
		s.buf = s.buf[1:]
	}
	if len(s.buf) < s.period {
		return 0, false
	}
	var sum float64
	for _, v := range s.buf {
		sum += v
	}
	return sum / float64(s.period), true
}

// NewEMA builds an exponential moving average of closes seeded with the SMA
// of the first period candles. Params: period (default 20).
func NewEMA(p map[string]any) (Indicator, error) {
	period, err := params.PositiveInt(p, "period", 20)
	if err != nil {
		return nil, err
	}
	return &memo{name: fmt.Sprintf("ema(%d)", period), min: period, st: &emaStep{period: period}}, nil
}

type emaStep struct {
	period int
	n      int
	sum    float64
	value  float64
}

func (s *emaStep) reset() { s.n, s.sum, s.value = 0, 0, 0 }

func (s *emaStep) next(c types.Candle) (float64, bool) {
	v := closeOf(c)
	s.n++
	if s.n < s.period {
		s.sum += v
		return 0, false
	}
	if s.n == s.period {
		s.sum += v
		s.value = s.sum / float64(s.period)
		return s.value, true
	}
	k := 2 / float64(s.period+1)
	s.value = v*k + s.value*(1-k)
	return s.value, true
}

// NewRSI builds Wilder's relative strength index.
// Params: period (default 14), overbought (70), oversold (30).
func NewRSI(p map[string]any) (Indicator, error) {
	period, err := params.PositiveInt(p, "period", 14)
	if err != nil {
		return nil, err
	}
	overbought, err := params.Float(p, "overbought", 70)
	if err != nil {
		return nil, err
	}
	oversold, err := params.Float(p, "oversold", 30)
	if err != nil {
		return nil, err
	}
	return &memo{
		name: fmt.Sprintf("rsi(%d)", period),
		min:  period + 1,
		st:   &rsiStep{period: period},
		signals: func(values []float64) map[string]any {
			last := values[len(values)-1]
			return map[string]any{
				"overbought": last >= overbought,
				"oversold":   last <= oversold,
			}
		},
	}, nil
}

type rsiStep struct {
	period  int
	n       int
	prev    float64
	avgGain float64
	avgLoss float64
}

func (s *rsiStep) reset() { *s = rsiStep{period: s.period} }

func (s *rsiStep) next(c types.Candle) (float64, bool) {
	v := closeOf(c)
	s.n++
	if s.n == 1 {
		s.prev = v
		return 0, false
	}
	change := v - s.prev
	s.prev = v
	gain, loss := math.Max(change, 0), math.Max(-change, 0)

	p := float64(s.period)
	switch {
	case s.n <= s.period:
		s.avgGain += gain / p
		s.avgLoss += loss / p
		return 0, false
	case s.n == s.period+1:
		s.avgGain += gain / p
		s.avgLoss += loss / p
	default:
		s.avgGain = (s.avgGain*(p-1) + gain) / p
		s.avgLoss = (s.avgLoss*(p-1) + loss) / p
	}

	if s.avgLoss == 0 {
		if s.avgGain == 0 {
			return 50, true
		}
		return 100, true
	}
	rs := s.avgGain / s.avgLoss
	return 100 - 100/(1+rs), true
}

// NewATR builds Wilder's average true range. Params: period (default 14).
func NewATR(p map[string]any) (Indicator, error) {
	period, err := params.PositiveInt(p, "period", 14)
	if err != nil {
		return nil, err
	}
	return &memo{name: fmt.Sprintf("atr(%d)", period), min: period + 1, st: &atrStep{period: period}}, nil
}

type atrStep struct {
	period    int
	n         int
	prevClose float64
	value     float64
}

func (s *atrStep) reset() { *s = atrStep{period: s.period} }

func (s *atrStep) next(c types.Candle) (float64, bool) {
	high, _ := c.High.Float64()
	low, _ := c.Low.Float64()
	s.n++
	if s.n == 1 {
		s.prevClose = closeOf(c)
		return 0, false
	}
	tr := math.Max(high-low, math.Max(math.Abs(high-s.prevClose), math.Abs(low-s.prevClose)))
	s.prevClose = closeOf(c)

	p := float64(s.period)
	switch {
	case s.n <= s.period:
		s.value += tr / p
		return 0, false
	case s.n == s.period+1:
		s.value += tr / p
	default:
		s.value = (s.value*(p-1) + tr) / p
	}
	return s.value, true
}
