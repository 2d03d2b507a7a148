package zlgcan

import (
	"errors"
	"testing"

	"github.com/canlink/canlink"
	zcan "github.com/canlink/canlink/pkg/zlgcan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	initErr error
	rx      []zcan.ReceiveData
	tx      []zcan.TransmitData
	cfg     zcan.InitConfig
	params  map[string]string
}

func (d *fakeDriver) Init() error { return d.initErr }
func (d *fakeDriver) OpenDevice(t, i uint32) (uintptr, error) {
	return uintptr(t<<8 | i), nil
}
func (d *fakeDriver) CloseDevice(uintptr) error { return nil }
func (d *fakeDriver) SetValue(_ uintptr, path, value string) error {
	if d.params == nil {
		d.params = map[string]string{}
	}
	d.params[path] = value
	return nil
}
func (d *fakeDriver) InitCAN(_ uintptr, index uint32, cfg *zcan.InitConfig) (uintptr, error) {
	d.cfg = *cfg
	return uintptr(100 + index), nil
}
func (d *fakeDriver) StartCAN(uintptr) error { return nil }
func (d *fakeDriver) GetReceiveNum(uintptr, byte) (uint32, error) {
	return uint32(len(d.rx)), nil
}
func (d *fakeDriver) Receive(_ uintptr, buf []zcan.ReceiveData) (uint32, error) {
	n := copy(buf, d.rx)
	d.rx = d.rx[n:]
	return uint32(n), nil
}
func (d *fakeDriver) Transmit(_ uintptr, frames []zcan.TransmitData) (uint32, error) {
	d.tx = append(d.tx, frames...)
	return uint32(len(frames)), nil
}

func TestNewInitError(t *testing.T) {
	_, err := newTransport(&fakeDriver{initErr: zcan.ErrUnsupportedPlatform})
	require.Error(t, err)
	assert.True(t, errors.Is(err, zcan.ErrUnsupportedPlatform))
}

func TestTransportCalls(t *testing.T) {
	drv := &fakeDriver{}
	tr, err := newTransport(drv)
	require.NoError(t, err)

	dev, err := tr.OpenDevice(zcan.DeviceCANETTCP, 1)
	require.NoError(t, err)
	assert.Equal(t, canlink.DeviceHandle(17<<8|1), dev)

	require.NoError(t, tr.SetParameter(dev, canlink.ParamIP, "192.168.0.178"))
	assert.Equal(t, "192.168.0.178", drv.params["0/ip"])

	ch, err := tr.InitChannel(dev, 0, canlink.DefaultChannelConfig())
	require.NoError(t, err)
	assert.Equal(t, canlink.ChannelHandle(100), ch)
	assert.Equal(t, uint32(0xFFFFFFFF), drv.cfg.AccMask)
	assert.Equal(t, byte(canlink.FilterNone), drv.cfg.Filter)

	n, err := tr.Transmit(ch, canlink.NewFrame(0x7F0, []byte{0x05}), canlink.NewExtendedFrame(0x18FF50FE, []byte{1, 2}))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, uint32(0x7F0), drv.tx[0].Frame.ID)
	assert.Equal(t, uint8(1), drv.tx[0].Frame.DLC)
	assert.Equal(t, 0x18FF50FE|canlink.FlagExtended, drv.tx[1].Frame.ID)
}

func TestReceiveConversion(t *testing.T) {
	drv := &fakeDriver{}
	for i := 0; i < 3; i++ {
		drv.rx = append(drv.rx, zcan.ReceiveData{
			Frame:     zcan.NewFrame(uint32(0x7F8+i), []byte{byte(i), 0xAA}),
			Timestamp: uint64(1000 * i),
		})
	}
	tr, err := newTransport(drv)
	require.NoError(t, err)

	pending, err := tr.PendingCount(1)
	require.NoError(t, err)
	assert.Equal(t, 3, pending)

	buf := make([]canlink.CANFrame, 2)
	n, err := tr.Receive(1, buf)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	assert.Equal(t, uint32(0x7F9), buf[1].Identifier())
	assert.Equal(t, []byte{1, 0xAA}, buf[1].Payload())
	assert.Equal(t, uint64(1000), buf[1].Timestamp)

	pending, _ = tr.PendingCount(1)
	assert.Equal(t, 1, pending)
}

func TestFrameFlagsPassThrough(t *testing.T) {
	f := canlink.NewExtendedFrame(0x1ABCDEF0, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	got := FromReceive(zcan.ReceiveData{Frame: ToTransmit(f).Frame})
	assert.True(t, got.IsExtended())
	assert.Equal(t, f.Identifier(), got.Identifier())
	assert.Equal(t, f.Payload(), got.Payload())
}
