// Package virtual is an in-memory CAN transport. It behaves like the vendor
// driver from the registry's point of view and lets tests script failures,
// inject traffic and answer transmitted frames.
package virtual

import (
	"errors"
	"fmt"

	"github.com/canlink/canlink"
	"github.com/canlink/canlink/pkg/syncutil"
)

// Step names one transport call for failure injection and call counting.
type Step int

const (
	StepOpen Step = iota
	StepSetParameter
	StepInit
	StepStart
	StepPending
	StepReceive
	StepTransmit
	StepClose
)

func (s Step) String() string {
	switch s {
	case StepOpen:
		return "open"
	case StepSetParameter:
		return "set parameter"
	case StepInit:
		return "init"
	case StepStart:
		return "start"
	case StepPending:
		return "pending"
	case StepReceive:
		return "receive"
	case StepTransmit:
		return "transmit"
	case StepClose:
		return "close"
	default:
		return "unknown"
	}
}

var (
	ErrUnknownDevice  = errors.New("unknown device handle")
	ErrUnknownChannel = errors.New("unknown channel handle")
	ErrNotStarted     = errors.New("channel not started")
)

// Responder is called for every transmitted frame. The frames it returns are
// queued for receive on the same channel.
type Responder func(key canlink.ChannelKey, frame canlink.CANFrame) []canlink.CANFrame

type device struct {
	index    int
	params   map[string]string
	channels []canlink.ChannelHandle
	// closed when the device is closed, releases a hanging start
	closed chan struct{}
}

type vchannel struct {
	dev     canlink.DeviceHandle
	key     canlink.ChannelKey
	started bool
	rx      []canlink.CANFrame
}

// Transport implements canlink.Transport in memory.
type Transport struct {
	mu        syncutil.Mutex
	next      uintptr
	devices   map[canlink.DeviceHandle]*device
	channels  map[canlink.ChannelHandle]*vchannel
	failures  map[Step]error
	calls     map[Step]int
	hangStart bool
	responder Responder
	sent      []canlink.CANFrame
}

var _ canlink.Transport = (*Transport)(nil)

func New() *Transport {
	return &Transport{
		devices:  make(map[canlink.DeviceHandle]*device),
		channels: make(map[canlink.ChannelHandle]*vchannel),
		failures: make(map[Step]error),
		calls:    make(map[Step]int),
	}
}

func (t *Transport) Name() string {
	return "virtual"
}

// Fail makes every following call of step return err until cleared with a
// nil err.
func (t *Transport) Fail(step Step, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		delete(t.failures, step)
		return
	}
	t.failures[step] = err
}

// HangStart makes StartChannel block until its device is closed.
func (t *Transport) HangStart(hang bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hangStart = hang
}

func (t *Transport) SetResponder(fn Responder) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.responder = fn
}

// Calls returns how many times step was invoked, failed calls included.
func (t *Transport) Calls(step Step) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[step]
}

// OpenDevices returns the number of devices not yet closed.
func (t *Transport) OpenDevices() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.devices)
}

// Param returns a parameter set on the open device with the given index.
func (t *Transport) Param(deviceIndex int, path string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, d := range t.devices {
		if d.index == deviceIndex {
			v, ok := d.params[path]
			return v, ok
		}
	}
	return "", false
}

// Sent returns a copy of every frame accepted by Transmit.
func (t *Transport) Sent() []canlink.CANFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]canlink.CANFrame, len(t.sent))
	copy(out, t.sent)
	return out
}

// Inject queues frames for receive on the started channel identified by key.
func (t *Transport) Inject(key canlink.ChannelKey, frames ...canlink.CANFrame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := t.channelByKey(key)
	if ch == nil {
		return fmt.Errorf("inject on %s: %w", key, ErrNotStarted)
	}
	ch.rx = append(ch.rx, frames...)
	return nil
}

func (t *Transport) channelByKey(key canlink.ChannelKey) *vchannel {
	for _, ch := range t.channels {
		if ch.key == key && ch.started {
			return ch
		}
	}
	return nil
}

// call counts step and returns the injected failure, t.mu must be held.
func (t *Transport) call(step Step) error {
	t.calls[step]++
	return t.failures[step]
}

func (t *Transport) handle() uintptr {
	t.next++
	return t.next
}

func (t *Transport) OpenDevice(_ canlink.DeviceKind, index int) (canlink.DeviceHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.call(StepOpen); err != nil {
		return 0, err
	}
	h := canlink.DeviceHandle(t.handle())
	t.devices[h] = &device{
		index:  index,
		params: make(map[string]string),
		closed: make(chan struct{}),
	}
	return h, nil
}

func (t *Transport) SetParameter(dev canlink.DeviceHandle, path, value string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.call(StepSetParameter); err != nil {
		return err
	}
	d, ok := t.devices[dev]
	if !ok {
		return ErrUnknownDevice
	}
	d.params[path] = value
	return nil
}

func (t *Transport) InitChannel(dev canlink.DeviceHandle, index int, _ canlink.ChannelConfig) (canlink.ChannelHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.call(StepInit); err != nil {
		return 0, err
	}
	d, ok := t.devices[dev]
	if !ok {
		return 0, ErrUnknownDevice
	}
	key := canlink.ChannelKey{Device: d.index, Controller: index}
	// init on a controller already in use replaces it
	kept := d.channels[:0]
	for _, old := range d.channels {
		if t.channels[old].key == key {
			delete(t.channels, old)
			continue
		}
		kept = append(kept, old)
	}
	h := canlink.ChannelHandle(t.handle())
	t.channels[h] = &vchannel{dev: dev, key: key}
	d.channels = append(kept, h)
	return h, nil
}

func (t *Transport) StartChannel(h canlink.ChannelHandle) error {
	t.mu.Lock()
	if err := t.call(StepStart); err != nil {
		t.mu.Unlock()
		return err
	}
	ch, ok := t.channels[h]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownChannel
	}
	if t.hangStart {
		released := t.devices[ch.dev].closed
		t.mu.Unlock()
		<-released
		return errors.New("device closed during start")
	}
	ch.started = true
	t.mu.Unlock()
	return nil
}

func (t *Transport) PendingCount(h canlink.ChannelHandle) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.call(StepPending); err != nil {
		return 0, err
	}
	ch, ok := t.channels[h]
	if !ok {
		return 0, ErrUnknownChannel
	}
	return len(ch.rx), nil
}

func (t *Transport) Receive(h canlink.ChannelHandle, buf []canlink.CANFrame) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.call(StepReceive); err != nil {
		return 0, err
	}
	ch, ok := t.channels[h]
	if !ok {
		return 0, ErrUnknownChannel
	}
	n := copy(buf, ch.rx)
	ch.rx = append(ch.rx[:0], ch.rx[n:]...)
	return n, nil
}

func (t *Transport) Transmit(h canlink.ChannelHandle, frames ...canlink.CANFrame) (int, error) {
	t.mu.Lock()
	if err := t.call(StepTransmit); err != nil {
		t.mu.Unlock()
		return 0, err
	}
	ch, ok := t.channels[h]
	if !ok {
		t.mu.Unlock()
		return 0, ErrUnknownChannel
	}
	if !ch.started {
		t.mu.Unlock()
		return 0, ErrNotStarted
	}
	t.sent = append(t.sent, frames...)
	responder, key := t.responder, ch.key
	t.mu.Unlock()

	if responder == nil {
		return len(frames), nil
	}
	var replies []canlink.CANFrame
	for _, f := range frames {
		replies = append(replies, responder(key, f)...)
	}
	if len(replies) > 0 {
		t.mu.Lock()
		if ch, ok := t.channels[h]; ok {
			ch.rx = append(ch.rx, replies...)
		}
		t.mu.Unlock()
	}
	return len(frames), nil
}

func (t *Transport) CloseDevice(dev canlink.DeviceHandle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.devices[dev]
	if !ok {
		t.calls[StepClose]++
		return ErrUnknownDevice
	}
	for _, h := range d.channels {
		delete(t.channels, h)
	}
	delete(t.devices, dev)
	close(d.closed)
	return t.call(StepClose)
}
