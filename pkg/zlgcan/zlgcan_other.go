//go:build !windows

package zlgcan

func Init() error {
	return ErrUnsupportedPlatform
}

func OpenDevice(deviceType, index uint32) (uintptr, error) {
	return 0, ErrUnsupportedPlatform
}

func CloseDevice(dev uintptr) error {
	return ErrUnsupportedPlatform
}

func SetValue(dev uintptr, path, value string) error {
	return ErrUnsupportedPlatform
}

func InitCAN(dev uintptr, index uint32, cfg *InitConfig) (uintptr, error) {
	return 0, ErrUnsupportedPlatform
}

func StartCAN(ch uintptr) error {
	return ErrUnsupportedPlatform
}

func GetReceiveNum(ch uintptr, typ byte) (uint32, error) {
	return 0, ErrUnsupportedPlatform
}

func Receive(ch uintptr, buf []ReceiveData) (uint32, error) {
	return 0, ErrUnsupportedPlatform
}

func Transmit(ch uintptr, frames []TransmitData) (uint32, error) {
	return 0, ErrUnsupportedPlatform
}
