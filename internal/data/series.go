package data

import (
	"errors"
	"fmt"
	"sort"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
)

// ErrDuplicateCandle is returned when two bars share an open time
var ErrDuplicateCandle = errors.New("duplicate candle")

// Series is an immutable, strictly ascending sequence of candles for one market.
type Series struct {
	key     types.MarketKey
	candles []types.Candle
}

// NewSeries validates, sorts and copies candles into a Series
func NewSeries(key types.MarketKey, candles []types.Candle) (*Series, error) {
	cs := make([]types.Candle, len(candles))
	copy(cs, candles)
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].OpenTime < cs[j].OpenTime })

	for i := range cs {
		if err := cs[i].Validate(); err != nil {
			return nil, fmt.Errorf("series %s: %w", key, err)
		}
		if i > 0 && cs[i].OpenTime == cs[i-1].OpenTime {
			return nil, fmt.Errorf("series %s: %w at %d", key, ErrDuplicateCandle, cs[i].OpenTime)
		}
	}
	return &Series{key: key, candles: cs}, nil
}

func (s *Series) Key() types.MarketKey { return s.key }

func (s *Series) Len() int { return len(s.candles) }

// At returns the i-th candle
func (s *Series) At(i int) types.Candle { return s.candles[i] }

// Window returns candles[0..=i]. The slice capacity is clipped to its length,
// so appending to it can never expose candle i+1. It shares the series'
// backing array and must be treated as read-only; code outside the engine
// gets a copy through Market.Candles.
func (s *Series) Window(i int) []types.Candle {
	if i < 0 {
		return nil
	}
	if i >= len(s.candles) {
		i = len(s.candles) - 1
	}
	return s.candles[: i+1 : i+1]
}

// First returns the earliest candle. The series must not be empty.
func (s *Series) First() types.Candle { return s.candles[0] }

// Last returns the latest candle. The series must not be empty.
func (s *Series) Last() types.Candle { return s.candles[len(s.candles)-1] }
