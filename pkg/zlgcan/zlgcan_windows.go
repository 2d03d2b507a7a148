//go:build windows

package zlgcan

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	dll = windows.NewLazyDLL(DLLName)

	procOpenDevice    = dll.NewProc("ZCAN_OpenDevice")
	procCloseDevice   = dll.NewProc("ZCAN_CloseDevice")
	procSetValue      = dll.NewProc("ZCAN_SetValue")
	procInitCAN       = dll.NewProc("ZCAN_InitCAN")
	procStartCAN      = dll.NewProc("ZCAN_StartCAN")
	procGetReceiveNum = dll.NewProc("ZCAN_GetReceiveNum")
	procReceive       = dll.NewProc("ZCAN_Receive")
	procTransmit      = dll.NewProc("ZCAN_Transmit")

	procs = []*windows.LazyProc{
		procOpenDevice, procCloseDevice, procSetValue, procInitCAN,
		procStartCAN, procGetReceiveNum, procReceive, procTransmit,
	}

	initErr  error
	initOnce sync.Once
)

// Init loads the DLL and resolves every procedure once.
func Init() error {
	initOnce.Do(func() {
		if err := dll.Load(); err != nil {
			initErr = err
			return
		}
		for _, p := range procs {
			if err := p.Find(); err != nil {
				initErr = fmt.Errorf("failed to find procedure %s: %w", p.Name, err)
				return
			}
		}
	})
	return initErr
}

func OpenDevice(deviceType, index uint32) (uintptr, error) {
	h, _, _ := procOpenDevice.Call(uintptr(deviceType), uintptr(index), 0)
	if h == 0 {
		return 0, fmt.Errorf("ZCAN_OpenDevice(%d, %d): %w", deviceType, index, ErrInvalidHandle)
	}
	return h, nil
}

func CloseDevice(dev uintptr) error {
	r, _, _ := procCloseDevice.Call(dev)
	return checkStatus("ZCAN_CloseDevice", r)
}

// SetValue writes a "channel/key" parameter, values are always passed as
// NUL terminated strings.
func SetValue(dev uintptr, path, value string) error {
	p, err := windows.BytePtrFromString(path)
	if err != nil {
		return err
	}
	v, err := windows.BytePtrFromString(value)
	if err != nil {
		return err
	}
	r, _, _ := procSetValue.Call(dev, uintptr(unsafe.Pointer(p)), uintptr(unsafe.Pointer(v)))
	return checkStatus("ZCAN_SetValue "+path, r)
}

func InitCAN(dev uintptr, index uint32, cfg *InitConfig) (uintptr, error) {
	h, _, _ := procInitCAN.Call(dev, uintptr(index), uintptr(unsafe.Pointer(cfg)))
	if h == 0 {
		return 0, fmt.Errorf("ZCAN_InitCAN(%d): %w", index, ErrInvalidHandle)
	}
	return h, nil
}

func StartCAN(ch uintptr) error {
	r, _, _ := procStartCAN.Call(ch)
	return checkStatus("ZCAN_StartCAN", r)
}

func GetReceiveNum(ch uintptr, typ byte) (uint32, error) {
	r, _, _ := procGetReceiveNum.Call(ch, uintptr(typ))
	return uint32(r), nil
}

// Receive fills buf without waiting and returns the number of frames read.
func Receive(ch uintptr, buf []ReceiveData) (uint32, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	r, _, _ := procReceive.Call(ch, uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)), 0)
	return uint32(r), nil
}

func Transmit(ch uintptr, frames []TransmitData) (uint32, error) {
	if len(frames) == 0 {
		return 0, nil
	}
	r, _, _ := procTransmit.Call(ch, uintptr(unsafe.Pointer(&frames[0])), uintptr(len(frames)))
	return uint32(r), nil
}
