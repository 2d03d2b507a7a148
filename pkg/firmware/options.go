package firmware

import (
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultCommandID   = 0x7F0
	DefaultDataID      = 0x7F1
	DefaultResponseID  = 0x7F8
	DefaultAckTimeout  = 500 * time.Millisecond
	DefaultRetries     = 5
	DefaultRetryDelay  = 200 * time.Millisecond
	DefaultPacketDelay = 2 * time.Millisecond
)

// Progress is reported after every completed block.
type Progress struct {
	Session   string
	Completed int
	Total     int
	Percent   float64
}

type ProgressFunc func(Progress)

type Option func(*Engine)

// WithIDs sets the CAN ids used for commands, block data and acknowledgements.
func WithIDs(command, data, response uint32) Option {
	return func(e *Engine) {
		e.commandID = command
		e.dataID = data
		e.responseID = response
	}
}

func WithAckTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.ackTimeout = d
		}
	}
}

// WithRetries sets how often a command or block is attempted before the
// upgrade fails.
func WithRetries(n uint) Option {
	return func(e *Engine) {
		if n > 0 {
			e.retries = n
		}
	}
}

// WithRetryDelay sets the delay before the first retry, later retries back
// off from it.
func WithRetryDelay(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.retryDelay = d
		}
	}
}

// WithPacketDelay throttles data packets to one per d. Zero disables the
// throttle.
func WithPacketDelay(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.packetDelay = d
		}
	}
}

// WithByteSwap toggles swapping adjacent payload bytes in data packets. The
// stock bootloader expects them swapped.
func WithByteSwap(swap bool) Option {
	return func(e *Engine) {
		e.byteSwap = swap
	}
}

func WithProgress(fn ProgressFunc) Option {
	return func(e *Engine) {
		e.progress = fn
	}
}

// WithStateHook is called on every state change.
func WithStateHook(fn func(State)) Option {
	return func(e *Engine) {
		e.stateHook = fn
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) {
		e.log = l
	}
}
