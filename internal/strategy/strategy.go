// Package strategy provides trading strategy implementations.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/backtest-engine/internal/indicator"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrUnknownStrategy is returned by the registry for unregistered names
var ErrUnknownStrategy = errors.New("unknown strategy")

// OrderOptions carries the optional parts of a new order. A non-nil Price
// places a resting limit order instead of filling at the current price.
type OrderOptions struct {
	Price             *types.Money
	TakeProfitPercent *decimal.Decimal
	StopLossPercent   *decimal.Decimal
}

// Market is the view of the simulation a strategy sees at one candle. It only
// exposes candles up to and including the current one.
type Market interface {
	Pair() types.Pair
	Key() types.MarketKey
	Index() int
	Candles() []types.Candle
	LastCandle() types.Candle
	Price() types.Money
	Now() time.Time
	Indicator(name string) (indicator.Result, bool)
	Available() types.Money
	Positions(ctx context.Context, statuses ...types.Status) ([]*types.Position, error)

	OpenLong(ctx context.Context, volume decimal.Decimal, opts OrderOptions) (*types.Position, error)
	OpenShort(ctx context.Context, volume decimal.Decimal, opts OrderOptions) (*types.Position, error)
	TopUp(ctx context.Context, id string, volume decimal.Decimal) (*types.Position, error)
	Reduce(ctx context.Context, id string, volume decimal.Decimal) (*types.Position, error)
	ClosePosition(ctx context.Context, id string) (*types.Position, error)
	CancelPosition(ctx context.Context, id, note string) (*types.Position, error)
	SetTargets(ctx context.Context, id string, takeProfit, stopLoss *types.Money) (*types.Position, error)
}

// IndicatorSpec declares an indicator the strategy reads by Name
type IndicatorSpec struct {
	Name   string         `json:"name"`
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// Strategy is the interface all strategies must implement.
//
// ShouldLong/ShouldShort are asked once per candle after the exchange price
// moved to the close; the matching Handle method is only called when the
// answer is true and no conflicting position is open (unless IsTwoWay).
// UpdatePosition is called for every OPEN or PENDING entry afterwards.
type Strategy interface {
	Name() string
	WarmUp() int
	UsesIndicators() []IndicatorSpec
	IsTwoWay() bool
	ShouldLong(ctx context.Context, m Market) bool
	ShouldShort(ctx context.Context, m Market) bool
	HandleLong(ctx context.Context, m Market) (*types.Position, error)
	HandleShort(ctx context.Context, m Market) (*types.Position, error)
	UpdatePosition(ctx context.Context, m Market, p *types.Position) error
}

// StrategyParameter defines a strategy parameter.
type StrategyParameter struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Type        string      `json:"type"` // "int", "float", "bool"
	Default     interface{} `json:"default"`
	Min         interface{} `json:"min,omitempty"`
	Max         interface{} `json:"max,omitempty"`
}

// Factory builds a fresh strategy instance from pair parameters
type Factory func(logger *zap.Logger, params map[string]any) (Strategy, error)

// Descriptor documents a registered strategy
type Descriptor struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Parameters  []StrategyParameter `json:"parameters"`
}

type entry struct {
	desc    Descriptor
	factory Factory
}

// StrategyRegistry manages available strategies.
type StrategyRegistry struct {
	logger     *zap.Logger
	strategies map[string]entry
	mu         sync.RWMutex
}

// NewStrategyRegistry creates a registry with the built-in strategies.
func NewStrategyRegistry(logger *zap.Logger) *StrategyRegistry {
	r := &StrategyRegistry{
		logger:     logger,
		strategies: make(map[string]entry),
	}

	r.Register(alwaysLongDescriptor, NewAlwaysLong)
	r.Register(smaCrossDescriptor, NewSMACross)
	r.Register(rsiDCADescriptor, NewRSIDCA)
	r.Register(limitDipDescriptor, NewLimitDip)

	return r
}

// Register registers a new strategy factory.
func (r *StrategyRegistry) Register(desc Descriptor, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[desc.Name] = entry{desc: desc, factory: factory}
}

// Create creates a new strategy instance by name. Every run gets its own
// instance so strategies may keep per-run state.
func (r *StrategyRegistry) Create(name string, params map[string]any) (Strategy, error) {
	r.mu.RLock()
	e, ok := r.strategies[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}

	s, err := e.factory(r.logger.With(zap.String("strategy", name)), params)
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", name, err)
	}
	return s, nil
}

// Has reports whether name is registered
func (r *StrategyRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.strategies[name]
	return ok
}

// List returns all available strategy names.
func (r *StrategyRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns the descriptors of all strategies, sorted by name
func (r *StrategyRegistry) Describe() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.strategies))
	for _, e := range r.strategies {
		out = append(out, e.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// BaseStrategy provides common functionality: a one-way strategy that never
// shorts, needs one candle and leaves positions alone.
type BaseStrategy struct {
	logger *zap.Logger
	name   string
}

func (s *BaseStrategy) Name() string                    { return s.name }
func (s *BaseStrategy) WarmUp() int                     { return 1 }
func (s *BaseStrategy) UsesIndicators() []IndicatorSpec { return nil }
func (s *BaseStrategy) IsTwoWay() bool                  { return false }

func (s *BaseStrategy) ShouldShort(ctx context.Context, m Market) bool { return false }

func (s *BaseStrategy) HandleShort(ctx context.Context, m Market) (*types.Position, error) {
	return nil, nil
}

func (s *BaseStrategy) UpdatePosition(ctx context.Context, m Market, p *types.Position) error {
	return nil
}

// hasActive reports whether any PENDING or OPEN entry exists on the market
func hasActive(ctx context.Context, m Market) bool {
	active, err := m.Positions(ctx, types.StatusPending, types.StatusOpen)
	return err != nil || len(active) > 0
}
