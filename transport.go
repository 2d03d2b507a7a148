package canlink

// DeviceKind selects the adapter family passed to OpenDevice.
type DeviceKind uint32

// DeviceHandle and ChannelHandle are opaque driver handles. Zero is never a
// valid handle.
type (
	DeviceHandle  uintptr
	ChannelHandle uintptr
)

// CANType selects classic CAN or CAN FD when a channel is initialised.
type CANType uint32

const (
	TypeCAN CANType = iota
	TypeCANFD
)

// FilterMode selects how AccCode/AccMask are applied.
type FilterMode uint8

const (
	FilterDual FilterMode = iota
	FilterSingle
	FilterNone
)

// ChannelConfig is handed to Transport.InitChannel.
type ChannelConfig struct {
	CANType    CANType
	AccCode    uint32
	AccMask    uint32
	FilterMode FilterMode
	Mode       uint8 // 0 normal, 1 listen only
}

// DefaultChannelConfig is classic CAN with acceptance filtering disabled.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		CANType:    TypeCAN,
		AccCode:    0,
		AccMask:    0xFFFFFFFF,
		FilterMode: FilterNone,
	}
}

// Parameter paths understood by network adapters before channel init.
const (
	ParamWorkMode = "0/work_mode"
	ParamIP       = "0/ip"
	ParamWorkPort = "0/work_port"

	// WorkModeTCPClient makes the adapter dial out to ip:port.
	WorkModeTCPClient = "0"
)

// Transport is the narrow boundary around a CAN driver. Every call is
// synchronous and may block briefly inside the driver. Implementations must be
// safe for concurrent use on distinct channel handles.
type Transport interface {
	Name() string
	OpenDevice(kind DeviceKind, index int) (DeviceHandle, error)
	SetParameter(dev DeviceHandle, path, value string) error
	InitChannel(dev DeviceHandle, index int, cfg ChannelConfig) (ChannelHandle, error)
	StartChannel(ch ChannelHandle) error
	// PendingCount returns the number of frames waiting in the driver.
	PendingCount(ch ChannelHandle) (int, error)
	// Receive fills buf with up to len(buf) frames and returns how many.
	Receive(ch ChannelHandle, buf []CANFrame) (int, error)
	// Transmit queues frames on the bus and returns how many were accepted.
	Transmit(ch ChannelHandle, frames ...CANFrame) (int, error)
	CloseDevice(dev DeviceHandle) error
}
