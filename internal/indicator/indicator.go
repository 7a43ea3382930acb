// Package indicator provides technical indicators computed over a visible candle window.
package indicator

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
)

// ErrUnknownIndicator is returned by the registry for unregistered names
var ErrUnknownIndicator = errors.New("unknown indicator")

// Result is the output of an indicator: one value per timestamp, oldest first,
// plus optional named signals for the latest candle.
type Result struct {
	Values     []float64      `json:"values"`
	Timestamps []int64        `json:"timestamps"`
	Signals    map[string]any `json:"signals,omitempty"`
}

// Last returns the most recent value
func (r Result) Last() (float64, bool) {
	return r.Ago(0)
}

// Ago returns the value n candles before the most recent one
func (r Result) Ago(n int) (float64, bool) {
	i := len(r.Values) - 1 - n
	if i < 0 || n < 0 {
		return 0, false
	}
	return r.Values[i], true
}

// Indicator computes a series over the visible window. Implementations may
// memoize between calls but the result must depend only on the window.
type Indicator interface {
	Name() string
	MinCandles() int
	Calculate(window []types.Candle) (Result, error)
}

// Factory builds an indicator from its parameters
type Factory func(params map[string]any) (Indicator, error)

// Registry maps indicator names to factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a registry with the built-in indicators
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("sma", NewSMA)
	r.Register("ema", NewEMA)
	r.Register("rsi", NewRSI)
	r.Register("atr", NewATR)
	return r
}

// Register adds or replaces a factory
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Create builds a new indicator instance
func (r *Registry) Create(name string, params map[string]any) (Indicator, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIndicator, name)
	}
	return f(params)
}

// List returns the registered names, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// stepper is an incremental indicator: it consumes one candle at a time and
// reports a value once warmed up.
type stepper interface {
	reset()
	next(c types.Candle) (float64, bool)
}

// memo turns a stepper into an Indicator that only processes candles it has
// not seen yet when the window grows by appending.
type memo struct {
	name    string
	min     int
	st      stepper
	signals func(values []float64) map[string]any

	seen   []int64
	values []float64
	times  []int64
}

func (m *memo) Name() string    { return m.name }
func (m *memo) MinCandles() int { return m.min }

func (m *memo) Calculate(window []types.Candle) (Result, error) {
	if !m.extends(window) {
		m.st.reset()
		m.seen, m.values, m.times = nil, nil, nil
	}
	for i := len(m.seen); i < len(window); i++ {
		c := window[i]
		m.seen = append(m.seen, c.OpenTime)
		if v, ok := m.st.next(c); ok {
			m.values = append(m.values, v)
			m.times = append(m.times, c.OpenTime)
		}
	}

	res := Result{
		Values:     m.values[:len(m.values):len(m.values)],
		Timestamps: m.times[:len(m.times):len(m.times)],
	}
	if m.signals != nil && len(m.values) > 0 {
		res.Signals = m.signals(res.Values)
	}
	return res, nil
}

// extends reports whether window starts with every candle already processed
func (m *memo) extends(window []types.Candle) bool {
	n := len(m.seen)
	if n == 0 {
		return true
	}
	if len(window) < n {
		return false
	}
	return window[0].OpenTime == m.seen[0] && window[n-1].OpenTime == m.seen[n-1]
}
