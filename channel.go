package canlink

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// ChannelKey identifies one physical CAN channel.
type ChannelKey struct {
	Device     int
	Controller int
}

func (k ChannelKey) String() string {
	return fmt.Sprintf("%d-%d", k.Device, k.Controller)
}

// Equipment is the read-only description of a CAN adapter endpoint as
// supplied by configuration.
type Equipment struct {
	DeviceIndex     int    `toml:"device_index" validate:"gte=0"`
	ControllerIndex int    `toml:"controller_index" validate:"gte=0"`
	IP              string `toml:"ip" validate:"omitempty,ip"`
	Port            int    `toml:"port" validate:"gte=0,lte=65535"`
	ACCount         int    `toml:"ac_count"`
	DCCount         int    `toml:"dc_count"`
}

func (e Equipment) Key() ChannelKey {
	return ChannelKey{Device: e.DeviceIndex, Controller: e.ControllerIndex}
}

func (e Equipment) String() string {
	if e.IP == "" {
		return e.Key().String()
	}
	return fmt.Sprintf("%s (%s:%d)", e.Key(), e.IP, e.Port)
}

// channel is the registry-owned state of one registered key.
type channel struct {
	eq     Equipment
	device DeviceHandle
	handle ChannelHandle
	queue  *frameQueue

	connected atomic.Bool
	// unix nanoseconds, written by the dispatcher without the registry lock
	lastActivity atomic.Int64
	// exchanges counts SendAndAwait/ReceiveMultiple calls in flight
	exchanges atomic.Int32
}

func newChannel(eq Equipment, dev DeviceHandle, ch ChannelHandle, queueLimit int, now time.Time) *channel {
	c := &channel{
		eq:     eq,
		device: dev,
		handle: ch,
		queue:  newFrameQueue(queueLimit),
	}
	c.connected.Store(true)
	c.touch(now)
	return c
}

func (c *channel) touch(now time.Time) {
	c.lastActivity.Store(now.UnixNano())
}

func (c *channel) lastSeen() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// ParseChannelKey parses the "device-controller" form produced by String.
func ParseChannelKey(s string) (ChannelKey, error) {
	dev, ctrl, ok := strings.Cut(s, "-")
	if !ok {
		return ChannelKey{}, fmt.Errorf("invalid channel %q, want device-controller", s)
	}
	d, err := strconv.Atoi(dev)
	if err != nil || d < 0 {
		return ChannelKey{}, fmt.Errorf("invalid device index in %q", s)
	}
	c, err := strconv.Atoi(ctrl)
	if err != nil || c < 0 {
		return ChannelKey{}, fmt.Errorf("invalid controller index in %q", s)
	}
	return ChannelKey{Device: d, Controller: c}, nil
}
