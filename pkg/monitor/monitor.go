// Package monitor keeps the latest decoded value of every catalogued signal
// seen on a channel.
package monitor

import (
	"sort"
	"sync/atomic"

	"github.com/canlink/canlink"
	"github.com/canlink/canlink/pkg/catalog"
	"github.com/canlink/canlink/pkg/signal"
	"github.com/canlink/canlink/pkg/syncutil"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Subscriber is satisfied by *canlink.Registry.
type Subscriber interface {
	Subscribe(key canlink.ChannelKey, fn canlink.FrameHandler) func()
}

type Monitor struct {
	cat      *catalog.Catalog
	log      zerolog.Logger
	onUpdate func(canlink.ChannelKey, []signal.Value)

	mu     syncutil.RWMutex
	values map[string]signal.Value
	// signals that failed to decode, logged once
	failed map[string]bool

	frames atomic.Uint64
}

type Option func(*Monitor)

// OnUpdate is called after each batch with the values it changed.
func OnUpdate(fn func(canlink.ChannelKey, []signal.Value)) Option {
	return func(m *Monitor) {
		m.onUpdate = fn
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Monitor) {
		m.log = l
	}
}

func New(cat *catalog.Catalog, opts ...Option) *Monitor {
	m := &Monitor{
		cat:    cat,
		log:    log.With().Str("component", "monitor").Logger(),
		values: make(map[string]signal.Value),
		failed: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Attach subscribes the monitor to key and returns the detach func.
func (m *Monitor) Attach(sub Subscriber, key canlink.ChannelKey) func() {
	return sub.Subscribe(key, m.Handle)
}

// Handle decodes one delivered batch. Later frames in the batch win.
func (m *Monitor) Handle(key canlink.ChannelKey, frames []canlink.CANFrame) {
	m.frames.Add(uint64(len(frames)))

	updated := make(map[string]signal.Value)
	for _, f := range frames {
		for _, d := range m.cat.ForID(f.Identifier()) {
			v, err := signal.Decode(f, d)
			if err != nil {
				m.decodeFailed(d.Name, err)
				continue
			}
			updated[d.Name] = v
		}
	}
	if len(updated) == 0 {
		return
	}

	changed := make([]signal.Value, 0, len(updated))
	m.mu.Lock()
	for name, v := range updated {
		m.values[name] = v
		changed = append(changed, v)
	}
	m.mu.Unlock()

	if m.onUpdate != nil {
		sortValues(changed)
		m.onUpdate(key, changed)
	}
}

func (m *Monitor) decodeFailed(name string, err error) {
	m.mu.Lock()
	seen := m.failed[name]
	m.failed[name] = true
	m.mu.Unlock()
	if !seen {
		m.log.Warn().Err(err).Str("signal", name).Msg("decode failed")
	}
}

func (m *Monitor) Value(name string) (signal.Value, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[name]
	return v, ok
}

// Snapshot returns every known value sorted by name.
func (m *Monitor) Snapshot() []signal.Value {
	m.mu.RLock()
	out := make([]signal.Value, 0, len(m.values))
	for _, v := range m.values {
		out = append(out, v)
	}
	m.mu.RUnlock()
	sortValues(out)
	return out
}

// Frames is the number of frames handled so far.
func (m *Monitor) Frames() uint64 {
	return m.frames.Load()
}

func sortValues(v []signal.Value) {
	sort.Slice(v, func(i, j int) bool { return v[i].Name < v[j].Name })
}
