package firmware

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/canlink/canlink"
	"github.com/canlink/canlink/adapter/virtual"
	"github.com/canlink/canlink/pkg/crc16"
	"github.com/canlink/canlink/pkg/hexfile"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var key = canlink.ChannelKey{Device: 0, Controller: 0}

// bootloader answers command frames the way the device does.
type bootloader struct {
	mu             sync.Mutex
	silentEnter    bool
	addressStatus  byte
	verifyFailures int
	commands       [][]byte
	data           [][]byte

	// lateVerify acks are held back and sent ahead of the next ack
	lateVerify int
	held       []canlink.CANFrame
}

func (b *bootloader) respond(_ canlink.ChannelKey, f canlink.CANFrame) []canlink.CANFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := append([]byte(nil), f.Payload()...)
	switch f.Identifier() {
	case DefaultDataID:
		b.data = append(b.data, p)
		return nil
	case DefaultCommandID:
		b.commands = append(b.commands, p)
	default:
		return nil
	}

	var status byte
	switch p[0] {
	case OpEnterBootloader:
		if b.silentEnter {
			return nil
		}
	case OpBlockAddress:
		status = b.addressStatus
	case OpVerifyBlock:
		if b.lateVerify > 0 {
			b.lateVerify--
			b.held = append(b.held, canlink.NewFrame(DefaultResponseID, []byte{p[0], 0}))
			return nil
		}
		if b.verifyFailures > 0 {
			b.verifyFailures--
			status = 0x07
		}
	}
	out := append(b.held, canlink.NewFrame(DefaultResponseID, []byte{p[0], status}))
	b.held = nil
	return out
}

func (b *bootloader) opcodes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.commands))
	for i, c := range b.commands {
		out[i] = c[0]
	}
	return out
}

func (b *bootloader) count(op byte) int {
	n := 0
	for _, o := range b.opcodes() {
		if o == op {
			n++
		}
	}
	return n
}

func setup(t *testing.T, bl *bootloader, opts ...Option) *Engine {
	t.Helper()
	tr := virtual.New()
	tr.SetResponder(bl.respond)
	reg := canlink.NewRegistry(tr, canlink.WithLogger(zerolog.Nop()))
	t.Cleanup(func() {
		_ = reg.Close()
	})
	require.NoError(t, reg.Register(context.Background(), canlink.Equipment{}, false))

	opts = append([]Option{
		WithLogger(zerolog.Nop()),
		WithAckTimeout(50 * time.Millisecond),
		WithRetryDelay(0),
		WithPacketDelay(0),
	}, opts...)
	return New(reg, key, opts...)
}

func image(t *testing.T, size int) []hexfile.Block {
	t.Helper()
	var lines []string
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	addr := 0
	for len(data) > 0 {
		n := min(16, len(data))
		raw := append([]byte{byte(n), byte(addr >> 8), byte(addr), 0}, data[:n]...)
		var sum byte
		for _, b := range raw {
			sum += b
		}
		lines = append(lines, fmt.Sprintf(":%X", append(raw, -sum)))
		data = data[n:]
		addr += n
	}
	img, err := hexfile.Parse(strings.NewReader(strings.Join(append(lines, ":00000001FF"), "\n")))
	require.NoError(t, err)
	return img.Blocks(hexfile.DefaultBlockSize)
}

func TestUpgrade(t *testing.T) {
	bl := &bootloader{}
	var (
		progress []float64
		states   []State
	)
	e := setup(t, bl,
		WithProgress(func(p Progress) {
			progress = append(progress, p.Percent)
			assert.NotEmpty(t, p.Session)
		}),
		WithStateHook(func(s State) {
			states = append(states, s)
		}),
	)

	blocks := image(t, 260)
	require.Len(t, blocks, 2)
	require.NoError(t, e.Upgrade(context.Background(), blocks))

	assert.Equal(t, StateDone, e.State())
	assert.Equal(t, []float64{50, 100}, progress)
	assert.Equal(t, []State{
		StateValidatingFile,
		StateEnteringSequence,
		StateTransferringBlocks,
		StateVerifying,
		StateTransferringBlocks,
		StateVerifying,
		StateDone,
	}, states)

	assert.Equal(t, []byte{
		OpEnterBootloader, OpRequestUpgrade, OpStartUpgrade,
		OpBlockAddress, OpVerifyBlock,
		OpBlockAddress, OpVerifyBlock,
	}, bl.opcodes())

	start := bl.commands[2]
	assert.Equal(t, append([]byte{OpStartUpgrade}, 0xA1, 0xB2, 0xC3, 0xD4), start)

	second := bl.commands[5]
	assert.Equal(t, uint32(0x100), binary.LittleEndian.Uint32(second[1:5]))
	assert.Equal(t, uint16(8), binary.LittleEndian.Uint16(second[5:7]))

	// 32 packets for the full block, one for the padded tail
	require.Len(t, bl.data, 33)
	assert.Equal(t, []byte{1, 0, 3, 2, 5, 4, 7, 6}, bl.data[0])
	assert.Equal(t, []byte{1, 0, 3, 2, 0, 0, 0, 0}, bl.data[32])

	verify := bl.commands[4]
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(verify[1:3]))
	assert.Equal(t, crc16.Modbus(blocks[0].Payload), binary.LittleEndian.Uint16(verify[3:5]))
	assert.Equal(t, uint16(2), binary.LittleEndian.Uint16(verify[5:7]))
}

func TestUpgradeWithoutByteSwap(t *testing.T) {
	bl := &bootloader{}
	e := setup(t, bl, WithByteSwap(false))
	require.NoError(t, e.Upgrade(context.Background(), image(t, 8)))
	assert.Equal(t, []byte{0, 1, 2, 3, 4, 5, 6, 7}, bl.data[0])
}

func TestUpgradeToleratesSilentEnter(t *testing.T) {
	bl := &bootloader{silentEnter: true}
	e := setup(t, bl)
	require.NoError(t, e.Upgrade(context.Background(), image(t, 64)))
	assert.Equal(t, 1, bl.count(OpEnterBootloader))
	assert.Equal(t, StateDone, e.State())
}

func TestUpgradeRetriesBlock(t *testing.T) {
	bl := &bootloader{verifyFailures: 2}
	var progress []Progress
	e := setup(t, bl, WithProgress(func(p Progress) {
		progress = append(progress, p)
	}))

	require.NoError(t, e.Upgrade(context.Background(), image(t, 16)))
	assert.Equal(t, 3, bl.count(OpBlockAddress))
	assert.Equal(t, 3, bl.count(OpVerifyBlock))
	require.Len(t, progress, 1)
	assert.Equal(t, 100.0, progress[0].Percent)
}

func TestUpgradeRecoversFromLateAck(t *testing.T) {
	bl := &bootloader{lateVerify: 1}
	e := setup(t, bl)

	require.NoError(t, e.Upgrade(context.Background(), image(t, 16)))
	assert.Equal(t, []byte{
		OpEnterBootloader, OpRequestUpgrade, OpStartUpgrade,
		OpBlockAddress, OpVerifyBlock,
		OpBlockAddress, OpVerifyBlock,
	}, bl.opcodes())
	assert.Equal(t, StateDone, e.State())
}

func TestUpgradeRetryExhaustion(t *testing.T) {
	bl := &bootloader{verifyFailures: 100}
	e := setup(t, bl)

	err := e.Upgrade(context.Background(), image(t, 16))
	var pse *canlink.ProtocolStatusError
	require.ErrorAs(t, err, &pse)
	assert.Equal(t, OpVerifyBlock, pse.Opcode)
	assert.Equal(t, byte(0x07), pse.Status)
	assert.Contains(t, err.Error(), "block 1")
	assert.Equal(t, DefaultRetries, bl.count(OpVerifyBlock))
	assert.Equal(t, StateFailed, e.State())
}

func TestUpgradeFatalStatusNotRetried(t *testing.T) {
	bl := &bootloader{addressStatus: 0x08}
	e := setup(t, bl)

	err := e.Upgrade(context.Background(), image(t, 16))
	var pse *canlink.ProtocolStatusError
	require.ErrorAs(t, err, &pse)
	assert.Equal(t, "address out of range", pse.Reason())
	assert.Equal(t, 1, bl.count(OpBlockAddress))
	assert.Zero(t, bl.count(OpVerifyBlock))
}

func TestUpgradeNoBootloader(t *testing.T) {
	tr := virtual.New()
	reg := canlink.NewRegistry(tr, canlink.WithLogger(zerolog.Nop()))
	defer reg.Close()
	require.NoError(t, reg.Register(context.Background(), canlink.Equipment{}, false))

	e := New(reg, key, WithLogger(zerolog.Nop()), WithAckTimeout(10*time.Millisecond), WithRetries(2), WithRetryDelay(0))
	err := e.Upgrade(context.Background(), image(t, 8))
	require.ErrorIs(t, err, canlink.ErrNoResponse)
	assert.Contains(t, err.Error(), "command 0x01")
}

func TestUpgradeCancelled(t *testing.T) {
	bl := &bootloader{}
	e := setup(t, bl)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := e.Upgrade(ctx, image(t, 16))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, e.State())
}

func TestValidate(t *testing.T) {
	assert.ErrorIs(t, Validate(nil), ErrNoBlocks)
	assert.ErrorIs(t, Validate([]hexfile.Block{{Index: 1, Payload: make([]byte, 7)}}), ErrBlockPayload)
	assert.ErrorIs(t, Validate([]hexfile.Block{{Index: 1, Payload: make([]byte, 264)}}), ErrBlockPayload)
	assert.NoError(t, Validate([]hexfile.Block{{Index: 1, Payload: make([]byte, 256)}}))

	bl := &bootloader{}
	e := setup(t, bl)
	err := e.Upgrade(context.Background(), []hexfile.Block{{Index: 1, Payload: make([]byte, 3)}})
	assert.True(t, errors.Is(err, ErrBlockPayload))
	assert.Empty(t, bl.opcodes())
}

func TestSwapPairs(t *testing.T) {
	assert.Equal(t, []byte{2, 1, 4, 3}, SwapPairs([]byte{1, 2, 3, 4}))
	assert.Equal(t, []byte{2, 1, 3}, SwapPairs([]byte{1, 2, 3}))
	assert.Empty(t, SwapPairs(nil))
}
