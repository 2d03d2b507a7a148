package virtual

import (
	"errors"
	"testing"

	"github.com/canlink/canlink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T, tr *Transport) (canlink.DeviceHandle, canlink.ChannelHandle) {
	t.Helper()
	dev, err := tr.OpenDevice(0, 1)
	require.NoError(t, err)
	ch, err := tr.InitChannel(dev, 0, canlink.DefaultChannelConfig())
	require.NoError(t, err)
	require.NoError(t, tr.StartChannel(ch))
	return dev, ch
}

func TestInjectAndReceive(t *testing.T) {
	tr := New()
	_, ch := open(t, tr)

	require.NoError(t, tr.Inject(canlink.ChannelKey{Device: 1}, canlink.NewFrame(1, nil), canlink.NewFrame(2, nil), canlink.NewFrame(3, nil)))
	n, err := tr.PendingCount(ch)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	buf := make([]canlink.CANFrame, 2)
	n, err = tr.Receive(ch, buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, uint32(1), buf[0].Identifier())

	n, _ = tr.PendingCount(ch)
	assert.Equal(t, 1, n)
}

func TestInjectUnknownChannel(t *testing.T) {
	tr := New()
	assert.ErrorIs(t, tr.Inject(canlink.ChannelKey{Device: 4}), ErrNotStarted)
}

func TestResponder(t *testing.T) {
	tr := New()
	_, ch := open(t, tr)
	tr.SetResponder(func(key canlink.ChannelKey, f canlink.CANFrame) []canlink.CANFrame {
		assert.Equal(t, canlink.ChannelKey{Device: 1}, key)
		return []canlink.CANFrame{canlink.NewFrame(f.Identifier()+8, f.Payload())}
	})

	n, err := tr.Transmit(ch, canlink.NewFrame(0x7E0, []byte{0x3E}))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	buf := make([]canlink.CANFrame, 4)
	n, err = tr.Receive(ch, buf)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, uint32(0x7E8), buf[0].Identifier())
	assert.Len(t, tr.Sent(), 1)
}

func TestFailAndClose(t *testing.T) {
	tr := New()
	dev, ch := open(t, tr)

	boom := errors.New("boom")
	tr.Fail(StepTransmit, boom)
	_, err := tr.Transmit(ch, canlink.NewFrame(1, nil))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, tr.Calls(StepTransmit))

	require.NoError(t, tr.CloseDevice(dev))
	assert.Zero(t, tr.OpenDevices())
	_, err = tr.PendingCount(ch)
	assert.ErrorIs(t, err, ErrUnknownChannel)
	assert.ErrorIs(t, tr.CloseDevice(dev), ErrUnknownDevice)
}

func TestHangingStartReleasedByClose(t *testing.T) {
	tr := New()
	tr.HangStart(true)
	dev, err := tr.OpenDevice(0, 0)
	require.NoError(t, err)
	ch, err := tr.InitChannel(dev, 0, canlink.DefaultChannelConfig())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- tr.StartChannel(ch)
	}()
	require.NoError(t, tr.CloseDevice(dev))
	assert.Error(t, <-done)
}

func TestReinitReplacesController(t *testing.T) {
	tr := New()
	dev, first := open(t, tr)

	second, err := tr.InitChannel(dev, 0, canlink.DefaultChannelConfig())
	require.NoError(t, err)
	require.NoError(t, tr.StartChannel(second))

	_, err = tr.PendingCount(first)
	assert.ErrorIs(t, err, ErrUnknownChannel)

	require.NoError(t, tr.Inject(canlink.ChannelKey{Device: 1}, canlink.NewFrame(5, nil)))
	n, err := tr.PendingCount(second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
