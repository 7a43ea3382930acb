package backtester

import (
	"sort"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
)

// ExpandSweep returns one pair per combination of the sweep values, each
// overriding the matching entries of pair's parameters. Keys are expanded in
// sorted order so the result is stable. An empty sweep yields pair itself.
func ExpandSweep(pair types.Pair, sweep map[string][]any) []types.Pair {
	keys := make([]string, 0, len(sweep))
	for k, values := range sweep {
		if len(values) > 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	combos := []map[string]any{{}}
	for _, k := range keys {
		next := make([]map[string]any, 0, len(combos)*len(sweep[k]))
		for _, base := range combos {
			for _, v := range sweep[k] {
				c := make(map[string]any, len(base)+1)
				for bk, bv := range base {
					c[bk] = bv
				}
				c[k] = v
				next = append(next, c)
			}
		}
		combos = next
	}

	pairs := make([]types.Pair, 0, len(combos))
	for _, c := range combos {
		pairs = append(pairs, pair.WithParams(c))
	}
	return pairs
}
