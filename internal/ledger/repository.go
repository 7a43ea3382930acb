// Package ledger stores position ledger entries behind a namespaced storage port.
//
// Every backtest run writes to its own namespace, so runs never observe each
// other's positions. The in-memory repository is the ephemeral per-run
// implementation; the gorm repository is the durable one used to archive or to
// share a ledger with live components.
package ledger

import (
	"context"
	"errors"
	"strings"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
)

var (
	ErrNotFound  = errors.New("position not found")
	ErrDuplicate = errors.New("position already exists")

	// ErrNamespaceTaken is returned when a run ledger would reuse an existing table
	ErrNamespaceTaken = errors.New("ledger namespace already exists")
)

// Filter selects ledger entries. Zero fields match everything.
type Filter struct {
	Key       *types.MarketKey
	Direction types.Direction
	Statuses  []types.Status
}

func (f Filter) matches(p *types.Position) bool {
	if f.Key != nil && p.Key != *f.Key {
		return false
	}
	if f.Direction != "" && p.Direction != f.Direction {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if p.Status == s {
			return true
		}
	}
	return false
}

// Active selects PENDING and OPEN entries of key
func Active(key types.MarketKey) Filter {
	return Filter{Key: &key, Statuses: []types.Status{types.StatusPending, types.StatusOpen}}
}

// Repository is the storage port of the position ledger. Entries are never
// deleted individually; Drop discards the whole namespace.
type Repository interface {
	Namespace() string
	Insert(ctx context.Context, p *types.Position) error
	Update(ctx context.Context, p *types.Position) error
	Get(ctx context.Context, id string) (*types.Position, error)
	List(ctx context.Context, f Filter) ([]*types.Position, error)
	Drop(ctx context.Context) error
}

// NamespaceFor derives a table-safe namespace from a run id
func NamespaceFor(runID string) string {
	return "backtest_" + strings.ReplaceAll(strings.ToLower(runID), "-", "")
}
