package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
)

// MemoryRepository is the ephemeral ledger of one run. It keeps insertion
// order so listing is deterministic, and hands out copies so callers cannot
// change stored entries without going through Update.
type MemoryRepository struct {
	mu        sync.RWMutex
	namespace string
	order     []string
	entries   map[string]*types.Position
}

func NewMemoryRepository(namespace string) *MemoryRepository {
	return &MemoryRepository{
		namespace: namespace,
		entries:   make(map[string]*types.Position),
	}
}

func (r *MemoryRepository) Namespace() string { return r.namespace }

func (r *MemoryRepository) Insert(ctx context.Context, p *types.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[p.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, p.ID)
	}
	c := p.Clone()
	c.Namespace = r.namespace
	r.entries[p.ID] = c
	r.order = append(r.order, p.ID)
	return nil
}

func (r *MemoryRepository) Update(ctx context.Context, p *types.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[p.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, p.ID)
	}
	c := p.Clone()
	c.Namespace = r.namespace
	r.entries[p.ID] = c
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (*types.Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p.Clone(), nil
}

func (r *MemoryRepository) List(ctx context.Context, f Filter) ([]*types.Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*types.Position
	for _, id := range r.order {
		if p := r.entries[id]; f.matches(p) {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (r *MemoryRepository) Drop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.order = nil
	r.entries = make(map[string]*types.Position)
	return nil
}
