package slcan

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/canlink/canlink"
)

var ErrFrame = errors.New("slcan: malformed frame")

// Encode renders f as an SLCAN command including the trailing CR.
func Encode(f canlink.CANFrame) []byte {
	var sb strings.Builder
	ext := f.IsExtended() || f.Identifier() > 0x7FF
	switch {
	case ext && f.IsRemote():
		fmt.Fprintf(&sb, "R%08X", f.Identifier())
	case ext:
		fmt.Fprintf(&sb, "T%08X", f.Identifier())
	case f.IsRemote():
		fmt.Fprintf(&sb, "r%03X", f.Identifier())
	default:
		fmt.Fprintf(&sb, "t%03X", f.Identifier())
	}
	payload := f.Payload()
	sb.WriteByte(byte('0' + len(payload)))
	if !f.IsRemote() {
		sb.WriteString(strings.ToUpper(hex.EncodeToString(payload)))
	}
	sb.WriteByte('\r')
	return []byte(sb.String())
}

// Decode parses one SLCAN frame line without the CR. A timestamp suffix is
// ignored.
func Decode(line []byte) (canlink.CANFrame, error) {
	if len(line) == 0 {
		return canlink.CANFrame{}, ErrFrame
	}
	idLen := 3
	var flags uint32
	switch line[0] {
	case 't':
	case 'r':
		flags = canlink.FlagRemote
	case 'T':
		idLen, flags = 8, canlink.FlagExtended
	case 'R':
		idLen, flags = 8, canlink.FlagExtended|canlink.FlagRemote
	default:
		return canlink.CANFrame{}, fmt.Errorf("%w: type %q", ErrFrame, line[0])
	}
	if len(line) < 2+idLen {
		return canlink.CANFrame{}, fmt.Errorf("%w: short line %q", ErrFrame, line)
	}
	id, err := strconv.ParseUint(string(line[1:1+idLen]), 16, 32)
	if err != nil {
		return canlink.CANFrame{}, fmt.Errorf("%w: identifier: %v", ErrFrame, err)
	}
	dlc := int(line[1+idLen] - '0')
	if dlc < 0 || dlc > canlink.MaxDataLength {
		return canlink.CANFrame{}, fmt.Errorf("%w: dlc %q", ErrFrame, line[1+idLen])
	}

	f := canlink.CANFrame{ID: uint32(id)&canlink.IDMask | flags, Length: uint8(dlc)}
	if flags&canlink.FlagRemote != 0 {
		return f, nil
	}
	body := line[2+idLen:]
	if len(body) < dlc*2 {
		return canlink.CANFrame{}, fmt.Errorf("%w: want %d data bytes in %q", ErrFrame, dlc, line)
	}
	if _, err := hex.Decode(f.Data[:dlc], body[:dlc*2]); err != nil {
		return canlink.CANFrame{}, fmt.Errorf("%w: body: %v", ErrFrame, err)
	}
	return f, nil
}

var statusBits = []string{
	"rx fifo full",
	"tx fifo full",
	"error warning",
	"data overrun",
	"",
	"error passive",
	"arbitration lost",
	"bus error",
}

// DecodeStatus turns an "Fxx" status reply into an error, nil when no flag
// is set.
func DecodeStatus(line []byte) error {
	if len(line) != 3 || line[0] != 'F' {
		return fmt.Errorf("invalid status %q", line)
	}
	v, err := strconv.ParseUint(string(line[1:]), 16, 8)
	if err != nil {
		return fmt.Errorf("invalid status %q: %w", line, err)
	}
	var errs []error
	for i, name := range statusBits {
		if name != "" && v&(1<<i) != 0 {
			errs = append(errs, errors.New(name))
		}
	}
	return errors.Join(errs...)
}
