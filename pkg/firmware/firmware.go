// Package firmware flashes Intel HEX images into a device bootloader over a
// registered CAN channel.
//
// The exchange is block oriented. After the entry handshake every block is
// announced with its address and length, streamed as 8-byte packets and then
// verified by CRC16/MODBUS. A block that fails is repeated as a whole.
package firmware

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/canlink/canlink"
	"github.com/canlink/canlink/pkg/hexfile"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Bootloader opcodes, first byte of every command frame and its ack.
const (
	OpRequestUpgrade  byte = 0x01
	OpStartUpgrade    byte = 0x03
	OpEnterBootloader byte = 0x05
	OpBlockAddress    byte = 0x06
	OpVerifyBlock     byte = 0x07
)

// UpgradeMagic is the payload of the start-upgrade command.
var UpgradeMagic = []byte{0xA1, 0xB2, 0xC3, 0xD4}

const packetSize = 8

var (
	ErrNoBlocks     = errors.New("no blocks to flash")
	ErrBlockPayload = errors.New("invalid block payload")
	ErrBusy         = errors.New("upgrade already running")
)

// Exchanger is the part of the channel registry the engine talks through.
type Exchanger interface {
	Send(ctx context.Context, key canlink.ChannelKey, id uint32, data []byte) error
	SendAndAwaitFunc(ctx context.Context, key canlink.ChannelKey, sendID uint32, data []byte, expectedID uint32, accept func(canlink.CANFrame) bool, timeout time.Duration) (canlink.CANFrame, error)
	Discard(key canlink.ChannelKey, id uint32) (int, error)
}

type Engine struct {
	ex  Exchanger
	key canlink.ChannelKey

	commandID  uint32
	dataID     uint32
	responseID uint32

	ackTimeout  time.Duration
	retries     uint
	retryDelay  time.Duration
	packetDelay time.Duration
	byteSwap    bool

	progress  ProgressFunc
	stateHook func(State)
	log       zerolog.Logger

	state   atomic.Int32
	running atomic.Bool
}

func New(ex Exchanger, key canlink.ChannelKey, opts ...Option) *Engine {
	e := &Engine{
		ex:          ex,
		key:         key,
		commandID:   DefaultCommandID,
		dataID:      DefaultDataID,
		responseID:  DefaultResponseID,
		ackTimeout:  DefaultAckTimeout,
		retries:     DefaultRetries,
		retryDelay:  DefaultRetryDelay,
		packetDelay: DefaultPacketDelay,
		byteSwap:    true,
		log:         log.With().Str("component", "firmware").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	if State(e.state.Swap(int32(s))) == s {
		return
	}
	if e.stateHook != nil {
		e.stateHook(s)
	}
}

// Validate checks that blocks can be sent as they are.
func Validate(blocks []hexfile.Block) error {
	if len(blocks) == 0 {
		return ErrNoBlocks
	}
	if len(blocks) > 0xFFFF {
		return fmt.Errorf("%d blocks: %w", len(blocks), ErrBlockPayload)
	}
	for _, b := range blocks {
		n := len(b.Payload)
		if n == 0 || n%packetSize != 0 || n > hexfile.DefaultBlockSize {
			return fmt.Errorf("block %d: %d bytes: %w", b.Index, n, ErrBlockPayload)
		}
	}
	return nil
}

// UpgradeImage cuts img into blocks of blockSize bytes and flashes them.
func (e *Engine) UpgradeImage(ctx context.Context, img *hexfile.Image, blockSize int) error {
	return e.Upgrade(ctx, img.Blocks(blockSize))
}

// Upgrade runs the entry handshake and transfers blocks in order. ctx is
// checked between packets and between blocks. The returned error names the
// block together with the opcode, status or timeout that ended the upgrade.
func (e *Engine) Upgrade(ctx context.Context, blocks []hexfile.Block) (err error) {
	if !e.running.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer e.running.Store(false)

	session := uuid.NewString()
	l := e.log.With().Str("session", session).Stringer("channel", e.key).Logger()
	start := time.Now()
	defer func() {
		if err != nil {
			e.setState(StateFailed)
			l.Error().Err(err).Msg("upgrade failed")
		}
	}()

	e.setState(StateValidatingFile)
	if err := Validate(blocks); err != nil {
		return err
	}

	e.setState(StateEnteringSequence)
	if err := e.enter(ctx, l); err != nil {
		return fmt.Errorf("enter bootloader: %w", err)
	}

	limit := rate.Inf
	if e.packetDelay > 0 {
		limit = rate.Every(e.packetDelay)
	}
	limiter := rate.NewLimiter(limit, 1)

	total := len(blocks)
	l.Info().Int("blocks", total).Msg("transferring")
	for i, b := range blocks {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.setState(StateTransferringBlocks)
		if err := e.flashBlock(ctx, l, limiter, b, total); err != nil {
			return fmt.Errorf("%s: %w", b, err)
		}
		e.report(session, i+1, total)
	}

	e.setState(StateDone)
	l.Info().Dur("took", time.Since(start)).Msg("upgrade done")
	return nil
}

func (e *Engine) report(session string, done, total int) {
	if e.progress == nil {
		return
	}
	e.progress(Progress{
		Session:   session,
		Completed: done,
		Total:     total,
		Percent:   float64(done) / float64(total) * 100,
	})
}

func (e *Engine) enter(ctx context.Context, l zerolog.Logger) error {
	if err := e.exchange(ctx, []byte{OpEnterBootloader}); err != nil {
		if !errors.Is(err, canlink.ErrNoResponse) {
			return err
		}
		l.Info().Msg("enter bootloader not acknowledged, assuming bootloader is running")
	}

	steps := [][]byte{
		{OpRequestUpgrade},
		append([]byte{OpStartUpgrade}, UpgradeMagic...),
	}
	for _, cmd := range steps {
		err := retry.Do(
			func() error {
				return e.exchange(ctx, cmd)
			},
			e.retryOptions(ctx, func(n uint, err error) {
				l.Warn().Err(err).Uint("attempt", n+1).Msgf("command 0x%02X failed", cmd[0])
			})...,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) retryOptions(ctx context.Context, onRetry retry.OnRetryFunc) []retry.Option {
	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(e.retries),
		retry.Delay(e.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(canlink.IsRecoverable),
		retry.OnRetry(onRetry),
	}
}

func (e *Engine) flashBlock(ctx context.Context, l zerolog.Logger, limiter *rate.Limiter, b hexfile.Block, total int) error {
	return retry.Do(
		func() error {
			return e.transferBlock(ctx, limiter, b, total)
		},
		e.retryOptions(ctx, func(n uint, err error) {
			e.setState(StateTransferringBlocks)
			l.Warn().Err(err).Int("block", b.Index).Uint("attempt", n+1).Msg("block failed, retrying")
		})...,
	)
}

func (e *Engine) transferBlock(ctx context.Context, limiter *rate.Limiter, b hexfile.Block, total int) error {
	addr := make([]byte, 7)
	addr[0] = OpBlockAddress
	binary.LittleEndian.PutUint32(addr[1:], b.StartAddress)
	binary.LittleEndian.PutUint16(addr[5:], uint16(len(b.Payload)))
	if err := e.exchange(ctx, addr); err != nil {
		return err
	}

	for off := 0; off < len(b.Payload); off += packetSize {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		pkt := b.Payload[off : off+packetSize]
		if e.byteSwap {
			pkt = SwapPairs(pkt)
		}
		if err := e.ex.Send(ctx, e.key, e.dataID, pkt); err != nil {
			return err
		}
	}

	e.setState(StateVerifying)
	verify := make([]byte, 7)
	verify[0] = OpVerifyBlock
	binary.LittleEndian.PutUint16(verify[1:], uint16(b.Index))
	binary.LittleEndian.PutUint16(verify[3:], b.CRC())
	binary.LittleEndian.PutUint16(verify[5:], uint16(total))
	return e.exchange(ctx, verify)
}

// exchange sends one command and checks its acknowledgement: byte 0 echoes
// the opcode, byte 1 is the status. Acks left over from earlier timed out
// commands are dropped first, acks echoing another opcode are skipped while
// waiting.
func (e *Engine) exchange(ctx context.Context, cmd []byte) error {
	op := cmd[0]
	if n, err := e.ex.Discard(e.key, e.responseID); err != nil {
		return fmt.Errorf("command 0x%02X: %w", op, err)
	} else if n > 0 {
		e.log.Debug().Int("frames", n).Msgf("dropped stale acks before 0x%02X", op)
	}
	echoes := func(f canlink.CANFrame) bool {
		p := f.Payload()
		return len(p) > 0 && p[0] == op
	}
	resp, err := e.ex.SendAndAwaitFunc(ctx, e.key, e.commandID, cmd, e.responseID, echoes, e.ackTimeout)
	if err != nil {
		return fmt.Errorf("command 0x%02X: %w", op, err)
	}
	p := resp.Payload()
	if len(p) < 2 {
		return fmt.Errorf("command 0x%02X: short ack % X", op, p)
	}
	if p[1] != 0 {
		err := &canlink.ProtocolStatusError{Opcode: op, Status: p[1]}
		if fatalStatus(p[1]) {
			return canlink.Unrecoverable(err)
		}
		return err
	}
	return nil
}

// fatalStatus reports statuses a retry cannot fix.
func fatalStatus(status byte) bool {
	switch status {
	case 0x01, 0x02, 0x04, 0x08:
		return true
	}
	return false
}

// SwapPairs returns a copy of p with every adjacent byte pair exchanged, an
// odd trailing byte stays in place.
func SwapPairs(p []byte) []byte {
	out := make([]byte, len(p))
	copy(out, p)
	for i := 0; i+1 < len(out); i += 2 {
		out[i], out[i+1] = out[i+1], out[i]
	}
	return out
}
