package backtester

import (
	"sync"
	"sync/atomic"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
)

// Emitter receives the progress stream of a run. Implementations must not
// block the replay loop.
type Emitter interface {
	Emit(ev types.Event)
}

// EmitterFunc adapts a function to Emitter
type EmitterFunc func(ev types.Event)

func (f EmitterFunc) Emit(ev types.Event) { f(ev) }

// MultiEmitter fans an event out to several emitters
type MultiEmitter []Emitter

func (m MultiEmitter) Emit(ev types.Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(ev)
		}
	}
}

// ChannelEmitter buffers events on a channel and drops them when the
// consumer falls behind.
type ChannelEmitter struct {
	ch      chan types.Event
	dropped atomic.Uint64
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
}

// NewChannelEmitter creates an emitter with the given buffer size
func NewChannelEmitter(buffer int) *ChannelEmitter {
	return &ChannelEmitter{ch: make(chan types.Event, buffer)}
}

func (c *ChannelEmitter) Emit(ev types.Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.ch <- ev:
	default:
		// Channel full, skip update
		c.dropped.Add(1)
	}
}

// Events returns the receive side of the buffer
func (c *ChannelEmitter) Events() <-chan types.Event { return c.ch }

// Dropped returns how many events were discarded
func (c *ChannelEmitter) Dropped() uint64 { return c.dropped.Load() }

// Close closes the channel; later events are discarded
func (c *ChannelEmitter) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.ch)
		c.mu.Unlock()
	})
}

// Recorder keeps every event in memory. Used by the API to replay a
// run's history to late subscribers and by tests.
type Recorder struct {
	mu     sync.Mutex
	events []types.Event
}

func (r *Recorder) Emit(ev types.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Event(nil), r.events...)
}
