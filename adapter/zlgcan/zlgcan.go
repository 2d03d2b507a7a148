// Package zlgcan adapts the ZLG driver binding to canlink.Transport.
package zlgcan

import (
	"fmt"

	"github.com/canlink/canlink"
	zcan "github.com/canlink/canlink/pkg/zlgcan"
)

// driver is the subset of the zlgcan binding the transport calls.
type driver interface {
	Init() error
	OpenDevice(deviceType, index uint32) (uintptr, error)
	CloseDevice(dev uintptr) error
	SetValue(dev uintptr, path, value string) error
	InitCAN(dev uintptr, index uint32, cfg *zcan.InitConfig) (uintptr, error)
	StartCAN(ch uintptr) error
	GetReceiveNum(ch uintptr, typ byte) (uint32, error)
	Receive(ch uintptr, buf []zcan.ReceiveData) (uint32, error)
	Transmit(ch uintptr, frames []zcan.TransmitData) (uint32, error)
}

type dll struct{}

func (dll) Init() error { return zcan.Init() }
func (dll) OpenDevice(t, i uint32) (uintptr, error) {
	return zcan.OpenDevice(t, i)
}
func (dll) CloseDevice(dev uintptr) error { return zcan.CloseDevice(dev) }
func (dll) SetValue(dev uintptr, path, value string) error {
	return zcan.SetValue(dev, path, value)
}
func (dll) InitCAN(dev uintptr, index uint32, cfg *zcan.InitConfig) (uintptr, error) {
	return zcan.InitCAN(dev, index, cfg)
}
func (dll) StartCAN(ch uintptr) error { return zcan.StartCAN(ch) }
func (dll) GetReceiveNum(ch uintptr, typ byte) (uint32, error) {
	return zcan.GetReceiveNum(ch, typ)
}
func (dll) Receive(ch uintptr, buf []zcan.ReceiveData) (uint32, error) {
	return zcan.Receive(ch, buf)
}
func (dll) Transmit(ch uintptr, frames []zcan.TransmitData) (uint32, error) {
	return zcan.Transmit(ch, frames)
}

// Transport talks to ZLG adapters through zlgcan.dll.
type Transport struct {
	drv driver
}

// New loads the driver. It fails on platforms without zlgcan.dll.
func New() (*Transport, error) {
	return newTransport(dll{})
}

func newTransport(drv driver) (*Transport, error) {
	if err := drv.Init(); err != nil {
		return nil, fmt.Errorf("zlgcan: %w", err)
	}
	return &Transport{drv: drv}, nil
}

func (t *Transport) Name() string {
	return "ZLG"
}

func (t *Transport) OpenDevice(kind canlink.DeviceKind, index int) (canlink.DeviceHandle, error) {
	h, err := t.drv.OpenDevice(uint32(kind), uint32(index))
	return canlink.DeviceHandle(h), err
}

func (t *Transport) SetParameter(dev canlink.DeviceHandle, path, value string) error {
	return t.drv.SetValue(uintptr(dev), path, value)
}

func (t *Transport) InitChannel(dev canlink.DeviceHandle, index int, cfg canlink.ChannelConfig) (canlink.ChannelHandle, error) {
	ic := InitConfig(cfg)
	h, err := t.drv.InitCAN(uintptr(dev), uint32(index), &ic)
	return canlink.ChannelHandle(h), err
}

func (t *Transport) StartChannel(ch canlink.ChannelHandle) error {
	return t.drv.StartCAN(uintptr(ch))
}

func (t *Transport) PendingCount(ch canlink.ChannelHandle) (int, error) {
	n, err := t.drv.GetReceiveNum(uintptr(ch), zcan.TypeCAN)
	return int(n), err
}

func (t *Transport) Receive(ch canlink.ChannelHandle, buf []canlink.CANFrame) (int, error) {
	raw := make([]zcan.ReceiveData, len(buf))
	n, err := t.drv.Receive(uintptr(ch), raw)
	if err != nil {
		return 0, err
	}
	if int(n) > len(buf) {
		n = uint32(len(buf))
	}
	for i := range raw[:n] {
		buf[i] = FromReceive(raw[i])
	}
	return int(n), nil
}

func (t *Transport) Transmit(ch canlink.ChannelHandle, frames ...canlink.CANFrame) (int, error) {
	raw := make([]zcan.TransmitData, len(frames))
	for i, f := range frames {
		raw[i] = ToTransmit(f)
	}
	n, err := t.drv.Transmit(uintptr(ch), raw)
	return int(n), err
}

func (t *Transport) CloseDevice(dev canlink.DeviceHandle) error {
	return t.drv.CloseDevice(uintptr(dev))
}

// InitConfig maps a channel config onto the driver struct. Timing is left
// zero, network adapters take their bitrate from the device settings.
func InitConfig(cfg canlink.ChannelConfig) zcan.InitConfig {
	return zcan.InitConfig{
		CANType: uint32(cfg.CANType),
		AccCode: cfg.AccCode,
		AccMask: cfg.AccMask,
		Filter:  byte(cfg.FilterMode),
		Mode:    cfg.Mode,
	}
}

// The driver uses the SocketCAN id layout so flag bits pass straight through.

func ToTransmit(f canlink.CANFrame) zcan.TransmitData {
	return zcan.TransmitData{Frame: zcan.NewFrame(f.ID, f.Payload())}
}

func FromReceive(r zcan.ReceiveData) canlink.CANFrame {
	f := canlink.NewFrame(r.Frame.ID, r.Frame.Payload())
	f.Timestamp = r.Timestamp
	return f
}
