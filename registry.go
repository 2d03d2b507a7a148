package canlink

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canlink/canlink/pkg/syncutil"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Registry owns every registered CAN channel. It is constructed once by the
// application and handed to the components that need it.
//
// Two locks are involved: mu serialises registration, unregistration and all
// device open/close I/O across the whole registry, tableMu guards the channel
// table for the readers (dispatcher, matchers, queries) so they are never
// stuck behind a slow driver call.
type Registry struct {
	tr    Transport
	opts  options
	log   zerolog.Logger
	clock clockwork.Clock

	mu      syncutil.Mutex
	known   map[ChannelKey]Equipment
	devices map[int]*sharedDevice
	closed  bool

	tableMu  syncutil.RWMutex
	channels map[ChannelKey]*channel
	subs     map[ChannelKey]*subscribers

	// Close stops the dispatcher before closing events, the flag covers
	// anything that slips in after.
	events     chan Event
	eventsDone atomic.Bool
	closeOnce  sync.Once

	// dispatcher lifecycle, guarded by mu
	dispatchCancel context.CancelFunc
	dispatchDone   chan struct{}
}

func NewRegistry(tr Transport, opts ...Option) *Registry {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Registry{
		tr:       tr,
		opts:     o,
		log:      o.logger,
		clock:    o.clock,
		known:    make(map[ChannelKey]Equipment),
		devices:  make(map[int]*sharedDevice),
		channels: make(map[ChannelKey]*channel),
		subs:     make(map[ChannelKey]*subscribers),
		events:   make(chan Event, o.eventBuffer),
	}
}

// Clock returns the clock used for activity timestamps.
func (r *Registry) Clock() clockwork.Clock {
	return r.clock
}

// Events delivers connection changes. The channel is closed by Close.
func (r *Registry) Events() <-chan Event {
	return r.events
}

// Register opens and starts the channel described by eq. A key that is
// already registered is left alone unless reconnect is set, in which case its
// device is closed and opened again. On failure nothing is kept for the key
// except the equipment record the supervisor retries from.
func (r *Registry) Register(ctx context.Context, eq Equipment, reconnect bool) error {
	key := eq.Key()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.known[key] = eq

	if ch, ok := r.lookupChannel(key); ok {
		if !reconnect {
			return nil
		}
		r.log.Debug().Stringer("channel", key).Msg("reconnecting")
		if err := r.releaseLocked(key, ch, "reconnect"); err != nil {
			r.log.Warn().Err(err).Stringer("channel", key).Msg("close before reconnect")
		}
	}

	ch, err := r.open(ctx, eq)
	if err != nil {
		r.log.Warn().Err(err).Stringer("channel", key).Msg("register failed")
		return err
	}

	r.tableMu.Lock()
	r.channels[key] = ch
	r.tableMu.Unlock()

	r.log.Info().Stringer("equipment", eq).Msg("channel registered")
	r.emit(connectionEvent(key, true, eq.String()))
	r.startDispatcherLocked()
	return nil
}

// sharedDevice is one opened device and the number of channels using it.
// Controllers on the same device index share the handle.
type sharedDevice struct {
	handle DeviceHandle
	refs   int
}

// acquireDevice returns the handle for index, opening the device when no
// channel holds it yet. fresh reports whether this call opened it.
// r.mu must be held.
func (r *Registry) acquireDevice(index int) (dev DeviceHandle, fresh bool, err error) {
	if d, ok := r.devices[index]; ok {
		d.refs++
		return d.handle, false, nil
	}
	h, err := r.tr.OpenDevice(r.opts.kind, index)
	if err != nil {
		return 0, false, err
	}
	r.devices[index] = &sharedDevice{handle: h, refs: 1}
	return h, true, nil
}

// releaseDevice drops one reference and closes the device with the last.
// r.mu must be held.
func (r *Registry) releaseDevice(index int) error {
	d, ok := r.devices[index]
	if !ok {
		return nil
	}
	d.refs--
	if d.refs > 0 {
		return nil
	}
	delete(r.devices, index)
	return r.tr.CloseDevice(d.handle)
}

func (r *Registry) open(ctx context.Context, eq Equipment) (*channel, error) {
	key := eq.Key()
	dev, fresh, err := r.acquireDevice(eq.DeviceIndex)
	if err != nil {
		return nil, &DriverError{Op: "open device", Key: key, Err: err}
	}

	fail := func(op string, err error) (*channel, error) {
		if cerr := r.releaseDevice(eq.DeviceIndex); cerr != nil {
			r.log.Warn().Err(cerr).Stringer("channel", key).Msg("close after failed " + op)
		}
		return nil, &DriverError{Op: op, Key: key, Err: err}
	}

	if fresh && eq.IP != "" {
		params := []struct{ path, value string }{
			{ParamWorkMode, WorkModeTCPClient},
			{ParamIP, eq.IP},
			{ParamWorkPort, strconv.Itoa(eq.Port)},
		}
		for _, p := range params {
			if err := r.tr.SetParameter(dev, p.path, p.value); err != nil {
				return fail("set "+p.path, err)
			}
		}
	}

	handle, err := r.tr.InitChannel(dev, eq.ControllerIndex, DefaultChannelConfig())
	if err != nil {
		return fail("init channel", err)
	}

	if err := r.startChannel(ctx, handle); err != nil {
		return fail("start channel", err)
	}

	return newChannel(eq, dev, handle, r.opts.queueLimit, r.clock.Now()), nil
}

// startChannel runs StartChannel in its own goroutine so a hanging driver
// can be abandoned. The caller releases the device on error, and closing it
// is what eventually frees a stuck call.
func (r *Registry) startChannel(ctx context.Context, h ChannelHandle) error {
	done := make(chan error, 1)
	go func() {
		done <- r.tr.StartChannel(h)
	}()

	timer := r.clock.NewTimer(r.opts.startTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.Chan():
		return ErrStartTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unregister closes the channel and forgets the key. Unknown keys are a no-op.
func (r *Registry) Unregister(key ChannelKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.known, key)
	ch, ok := r.lookupChannel(key)
	if !ok {
		return nil
	}
	return r.releaseLocked(key, ch, "unregistered")
}

// releaseLocked removes the channel from the table and releases its device,
// which is closed once no other controller uses it. r.mu must be held.
func (r *Registry) releaseLocked(key ChannelKey, ch *channel, reason string) error {
	r.tableMu.Lock()
	if r.channels[key] == ch {
		delete(r.channels, key)
	}
	r.tableMu.Unlock()

	var err error
	if cerr := r.releaseDevice(ch.eq.DeviceIndex); cerr != nil {
		err = &DriverError{Op: "close device", Key: key, Err: cerr}
	}
	if ch.connected.Swap(false) {
		r.emit(connectionEvent(key, false, reason))
	}
	return err
}

// Reset stops the dispatcher and closes every device. Known equipment is
// kept so a supervisor can bring channels back.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
}

func (r *Registry) resetLocked() {
	r.stopDispatcherLocked()
	r.tableMu.RLock()
	chans := make(map[ChannelKey]*channel, len(r.channels))
	for k, ch := range r.channels {
		chans[k] = ch
	}
	r.tableMu.RUnlock()
	for key, ch := range chans {
		if err := r.releaseLocked(key, ch, "reset"); err != nil {
			r.log.Warn().Err(err).Msg("reset")
		}
	}
}

// Close resets the registry and refuses further registrations.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	r.resetLocked()
	r.mu.Unlock()
	r.closeOnce.Do(func() {
		r.eventsDone.Store(true)
		close(r.events)
	})
	return nil
}

func (r *Registry) emit(evt Event) {
	if r.eventsDone.Load() {
		return
	}
	select {
	case r.events <- evt:
	default:
		r.log.Warn().Stringer("event", evt).Msg("event channel full")
	}
	r.log.Debug().Stringer("event", evt).Msg("connection changed")
}

func (r *Registry) lookupChannel(key ChannelKey) (*channel, bool) {
	r.tableMu.RLock()
	defer r.tableMu.RUnlock()
	ch, ok := r.channels[key]
	return ch, ok
}

func (r *Registry) lookup(key ChannelKey) (*channel, error) {
	ch, ok := r.lookupChannel(key)
	if !ok {
		return nil, ErrNotRegistered
	}
	return ch, nil
}

func (r *Registry) snapshot() []*channel {
	r.tableMu.RLock()
	defer r.tableMu.RUnlock()
	out := make([]*channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	return out
}

// markDown flips a channel to disconnected after a driver error seen by the
// dispatcher. The supervisor notices the stale activity and reconnects it.
func (r *Registry) markDown(ch *channel, err error) {
	if ch.connected.Swap(false) {
		r.log.Warn().Err(err).Stringer("channel", ch.eq.Key()).Msg("channel lost")
		r.emit(connectionEvent(ch.eq.Key(), false, err.Error()))
	}
}

func (r *Registry) markUp(ch *channel) {
	if cur, ok := r.lookupChannel(ch.eq.Key()); !ok || cur != ch {
		return
	}
	if !ch.connected.Swap(true) {
		r.emit(connectionEvent(ch.eq.Key(), true, "traffic resumed"))
	}
}

func (r *Registry) IsRegistered(key ChannelKey) bool {
	_, ok := r.lookupChannel(key)
	return ok
}

func (r *Registry) IsConnected(key ChannelKey) bool {
	ch, ok := r.lookupChannel(key)
	return ok && ch.connected.Load()
}

// LastActivity is the time frames were last received on key, or the
// registration time when nothing arrived yet.
func (r *Registry) LastActivity(key ChannelKey) (time.Time, bool) {
	ch, ok := r.lookupChannel(key)
	if !ok {
		return time.Time{}, false
	}
	return ch.lastSeen(), true
}

// QueueLen returns the number of frames waiting in the channel queue.
func (r *Registry) QueueLen(key ChannelKey) int {
	ch, ok := r.lookupChannel(key)
	if !ok {
		return 0
	}
	return ch.queue.len()
}

// Keys lists the registered channels in order.
func (r *Registry) Keys() []ChannelKey {
	r.tableMu.RLock()
	out := make([]ChannelKey, 0, len(r.channels))
	for k := range r.channels {
		out = append(out, k)
	}
	r.tableMu.RUnlock()
	sortKeys(out)
	return out
}

// Known lists every equipment Register was ever called with and not
// unregistered since, registered or not.
func (r *Registry) Known() []Equipment {
	r.mu.Lock()
	out := make([]Equipment, 0, len(r.known))
	for _, eq := range r.known {
		out = append(out, eq)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return keyLess(out[i].Key(), out[j].Key()) })
	return out
}

func sortKeys(keys []ChannelKey) {
	sort.Slice(keys, func(i, j int) bool { return keyLess(keys[i], keys[j]) })
}

func keyLess(a, b ChannelKey) bool {
	if a.Device != b.Device {
		return a.Device < b.Device
	}
	return a.Controller < b.Controller
}
