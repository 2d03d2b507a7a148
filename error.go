package canlink

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type unrecoverableError struct {
	error
}

func (e unrecoverableError) Error() string {
	if e.error == nil {
		return "unrecoverable error"
	}
	return e.error.Error()
}

func (e unrecoverableError) Unwrap() error {
	return e.error
}

// Unrecoverable wraps an error in `unrecoverableError` struct, retry loops
// stop as soon as they see one.
func Unrecoverable(err error) error {
	return unrecoverableError{err}
}

// IsRecoverable checks if error is an instance of `unrecoverableError`
func IsRecoverable(err error) bool {
	var ue unrecoverableError
	return !errors.As(err, &ue)
}

var (
	ErrNotRegistered = errors.New("channel not registered")
	ErrNoResponse    = errors.New("no response")
	ErrClosed        = errors.New("registry closed")
	ErrStartTimeout  = errors.New("start channel timed out")
)

// DriverError reports a failed transport call.
type DriverError struct {
	Op  string
	Key ChannelKey
	Err error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Key, e.Op, e.Err)
}

func (e *DriverError) Unwrap() error {
	return e.Err
}

// TimeoutError is returned when no matching frame arrived before the
// deadline. It unwraps to ErrNoResponse.
type TimeoutError struct {
	Timeout time.Duration
	Frames  []uint32
	Type    string
}

func (e *TimeoutError) Error() string {
	ids := make([]string, len(e.Frames))
	for i, id := range e.Frames {
		ids[i] = fmt.Sprintf("0x%03X", id)
	}
	return fmt.Sprintf("%s timeout (%dms) for frame %s", e.Type, e.Timeout.Milliseconds(), strings.Join(ids, ", "))
}

func (e *TimeoutError) Unwrap() error {
	return ErrNoResponse
}

// ChecksumError reports an Intel HEX line or block CRC mismatch.
type ChecksumError struct {
	Kind string // "hex" or "crc16"
	Line int    // 1-based, hex only
	Want uint16
	Got  uint16
}

func (e *ChecksumError) Error() string {
	if e.Kind == "hex" {
		return fmt.Sprintf("hex line %d: checksum mismatch, want %02X got %02X", e.Line, e.Want, e.Got)
	}
	return fmt.Sprintf("%s mismatch: want %04X got %04X", e.Kind, e.Want, e.Got)
}

// ProtocolStatusError carries a non-zero status byte reported by the device.
type ProtocolStatusError struct {
	Opcode byte
	Status byte
}

func (e *ProtocolStatusError) Error() string {
	return fmt.Sprintf("command 0x%02X rejected: status 0x%02X (%s)", e.Opcode, e.Status, e.Reason())
}

var statusReasons = map[byte]string{
	0x01: "model mismatch",
	0x02: "version mismatch",
	0x03: "length error",
	0x04: "key error",
	0x05: "flash erase failed",
	0x06: "flash write failed",
	0x07: "crc mismatch",
	0x08: "address out of range",
}

// Reason returns the bootloader's meaning of Status.
func (e *ProtocolStatusError) Reason() string {
	if r, ok := statusReasons[e.Status]; ok {
		return r
	}
	return "unknown status"
}

// RangeError is returned for a signal bit-field that does not fit the frame.
type RangeError struct {
	StartBit uint16
	Length   uint16
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("signal bits %d+%d outside 64-bit frame", e.StartBit, e.Length)
}
