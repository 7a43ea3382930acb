package data

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
)

// MemoryStore is an in-process CandleStore
type MemoryStore struct {
	mu     sync.RWMutex
	series map[types.MarketKey][]types.Candle
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{series: make(map[types.MarketKey][]types.Candle)}
}

func (m *MemoryStore) GetCandles(ctx context.Context, key types.MarketKey, start, end time.Time) ([]types.Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.Candle
	for _, c := range m.series[key] {
		if inRange(c, start, end) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveCandles(ctx context.Context, key types.MarketKey, candles []types.Candle) (int, error) {
	for _, c := range candles {
		if err := c.Validate(); err != nil {
			return 0, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing := append([]types.Candle(nil), m.series[key]...)
	seen := make(map[int64]struct{}, len(existing))
	for _, c := range existing {
		seen[c.OpenTime] = struct{}{}
	}

	inserted := 0
	for _, c := range candles {
		if _, dup := seen[c.OpenTime]; dup {
			continue
		}
		seen[c.OpenTime] = struct{}{}
		existing = append(existing, c)
		inserted++
	}
	sort.Slice(existing, func(i, j int) bool { return existing[i].OpenTime < existing[j].OpenTime })
	m.series[key] = existing
	return inserted, nil
}
