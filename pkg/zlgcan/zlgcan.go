// Package zlgcan binds the ZLG zlgcan.dll driver. Struct layouts mirror
// zlgcan.h and are shared by every platform so they can be tested anywhere,
// the calls themselves only exist on Windows.
package zlgcan

import (
	"errors"
	"fmt"
)

const DLLName = "zlgcan.dll"

// Device types accepted by OpenDevice, a subset of zlgcan.h.
const (
	DeviceUSBCAN1      = 3
	DeviceUSBCAN2      = 4
	DeviceCANETUDP     = 12
	DeviceCANETTCP     = 17
	DeviceUSBCANFD200U = 41
)

// statusOK is returned by calls that report a status.
const statusOK = 1

// Receive types for GetReceiveNum.
const (
	TypeCAN   byte = 0
	TypeCANFD byte = 1
)

// MaxDLen is CAN_MAX_DLEN.
const MaxDLen = 8

var (
	ErrUnsupportedPlatform = errors.New("zlgcan: driver only available on windows")
	ErrInvalidHandle       = errors.New("zlgcan: invalid handle")
)

// Error is a failed driver call.
type Error struct {
	Call   string
	Status uintptr
}

func (e *Error) Error() string {
	return fmt.Sprintf("zlgcan: %s failed (status %d)", e.Call, e.Status)
}

func checkStatus(call string, r uintptr) error {
	if r == statusOK {
		return nil
	}
	return &Error{Call: call, Status: r}
}

// InitConfig is ZCAN_CHANNEL_INIT_CONFIG with the classic CAN arm of the
// union, padded to the 28 bytes of the CAN FD arm.
type InitConfig struct {
	CANType  uint32
	AccCode  uint32
	AccMask  uint32
	Reserved uint32
	Filter   byte
	Timing0  byte
	Timing1  byte
	Mode     byte
	_        [12]byte
}

// Frame is can_frame.
type Frame struct {
	ID   uint32
	DLC  uint8
	_    uint8
	_    uint8
	_    uint8
	Data [MaxDLen]byte
}

// NewFrame copies at most 8 bytes of data.
func NewFrame(id uint32, data []byte) Frame {
	f := Frame{ID: id}
	f.DLC = uint8(copy(f.Data[:], data))
	return f
}

// Payload returns the valid data bytes.
func (f *Frame) Payload() []byte {
	n := int(f.DLC)
	if n > MaxDLen {
		n = MaxDLen
	}
	return f.Data[:n]
}

// TransmitData is ZCAN_Transmit_Data. TransmitType 0 retries on bus errors.
type TransmitData struct {
	Frame        Frame
	TransmitType uint32
}

// ReceiveData is ZCAN_Receive_Data, Timestamp in microseconds.
type ReceiveData struct {
	Frame     Frame
	Timestamp uint64
}
