package canlink

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"go.einride.tech/can"
)

// Identifier flag bits carried in the top three bits of CANFrame.ID.
const (
	FlagExtended uint32 = 1 << 31
	FlagRemote   uint32 = 1 << 30
	FlagError    uint32 = 1 << 29

	// IDMask keeps the 29-bit arbitration identifier.
	IDMask uint32 = 0x1FFFFFFF
	// MaxDataLength is the classic CAN payload limit.
	MaxDataLength = 8
)

// CANFrame is a single classic CAN frame as delivered by a Transport.
type CANFrame struct {
	// ID is the raw identifier including the EFF/RTR/ERR flag bits.
	ID        uint32
	Length    uint8
	Data      can.Data
	Timestamp uint64 // microseconds, driver clock
}

// NewFrame builds an outgoing frame, payloads longer than 8 bytes are cut.
func NewFrame(id uint32, payload []byte) CANFrame {
	f := CANFrame{ID: id}
	n := copy(f.Data[:], payload)
	f.Length = uint8(n)
	return f
}

// NewExtendedFrame is NewFrame with the extended flag set.
func NewExtendedFrame(id uint32, payload []byte) CANFrame {
	return NewFrame((id&IDMask)|FlagExtended, payload)
}

// Identifier returns the 29-bit id with the flag bits masked away.
func (f CANFrame) Identifier() uint32 {
	return f.ID & IDMask
}

func (f CANFrame) IsExtended() bool {
	return f.ID&FlagExtended != 0
}

func (f CANFrame) IsRemote() bool {
	return f.ID&FlagRemote != 0
}

func (f CANFrame) IsError() bool {
	return f.ID&FlagError != 0
}

// Payload returns the valid data bytes.
func (f CANFrame) Payload() []byte {
	n := int(f.Length)
	if n > MaxDataLength {
		n = MaxDataLength
	}
	return f.Data[:n]
}

var (
	idColor   = color.New(color.FgGreen).SprintfFunc()
	binColor  = color.New(color.FgRed).SprintfFunc()
	textColor = color.New(color.FgHiBlue).SprintfFunc()
)

func (f CANFrame) String() string {
	return f.format(fmt.Sprintf, fmt.Sprintf, fmt.Sprintf)
}

// ColorString renders the frame like String with terminal colors.
func (f CANFrame) ColorString() string {
	return f.format(idColor, binColor, textColor)
}

func (f CANFrame) format(id, bin, text func(string, ...interface{}) string) string {
	var out strings.Builder
	if f.IsExtended() {
		out.WriteString(id("0x%08X", f.Identifier()))
	} else {
		out.WriteString(id("0x%03X", f.Identifier()))
	}
	out.WriteString(" || ")
	out.WriteString(strconv.Itoa(int(f.Length)) + " || ")

	data := f.Payload()
	hexView := make([]string, len(data))
	binView := make([]string, len(data))
	for i, b := range data {
		hexView[i] = fmt.Sprintf("%02X", b)
		binView[i] = fmt.Sprintf("%08b", b)
	}
	out.WriteString(fmt.Sprintf("%-23s", strings.Join(hexView, " ")))
	out.WriteString(" || ")
	out.WriteString(bin("%-71s", strings.Join(binView, " ")))
	out.WriteString(" || ")
	out.WriteString(text("%s", onlyPrintable(data)))
	return out.String()
}

func onlyPrintable(data []byte) string {
	var out strings.Builder
	for _, b := range data {
		if b < 32 || b > 126 {
			out.WriteString("·")
		} else {
			out.WriteByte(b)
		}
	}
	return out.String()
}
