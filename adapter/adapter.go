// Package adapter resolves a configured driver name to a canlink.Transport.
package adapter

import (
	"fmt"
	"strings"

	"github.com/canlink/canlink"
	"github.com/canlink/canlink/adapter/slcan"
	"github.com/canlink/canlink/adapter/virtual"
	"github.com/canlink/canlink/adapter/zlgcan"
	"github.com/canlink/canlink/pkg/config"
)

const (
	ZLG AdapterID = iota
	SLCan
	Virtual
)

type AdapterID int

type NewAdapterFunc func(config.Driver) (canlink.Transport, error)

type AdapterItem struct {
	ID          AdapterID
	New         NewAdapterFunc
	Name        string
	Description string
	Alias       []string
	// RequiresSerialPort adapters need driver.serial_ports set.
	RequiresSerialPort bool
}

var adapterList = []AdapterItem{
	{
		ID:          ZLG,
		New:         newZLG,
		Name:        "ZLGCAN",
		Description: "ZLG CANET/USBCAN through zlgcan.dll (windows)",
		Alias:       []string{"zlg", "canet"},
	},
	{
		ID:                 SLCan,
		New:                newSLCan,
		Name:               "SLCan",
		Description:        "Serial line CAN adapters (CANable, CANtact)",
		Alias:              []string{"lawicel", "canable"},
		RequiresSerialPort: true,
	},
	{
		ID:          Virtual,
		New:         newVirtual,
		Name:        "Virtual",
		Description: "In-memory bus for testing",
		Alias:       []string{"mock", "loopback"},
	},
}

func newZLG(config.Driver) (canlink.Transport, error) {
	return zlgcan.New()
}

func newSLCan(d config.Driver) (canlink.Transport, error) {
	if len(d.SerialPorts) == 0 {
		return nil, fmt.Errorf("adapter SLCan requires driver.serial_ports")
	}
	return slcan.New(slcan.Config{
		Ports:   d.SerialPorts,
		Bitrate: d.Bitrate,
	})
}

func newVirtual(config.Driver) (canlink.Transport, error) {
	return virtual.New(), nil
}

func ListAdapters() []AdapterItem {
	return adapterList
}

func ListAdapterStrings() []string {
	var out []string
	for _, a := range adapterList {
		out = append(out, a.Name)
	}
	return out
}

// Lookup finds an adapter by name or alias, case insensitive.
func Lookup(name string) (AdapterItem, bool) {
	normalized := strings.ToLower(name)
	for _, a := range adapterList {
		if strings.ToLower(a.Name) == normalized {
			return a, true
		}
		for _, alias := range a.Alias {
			if normalized == strings.ToLower(alias) {
				return a, true
			}
		}
	}
	return AdapterItem{}, false
}

// New builds the transport named by d.Name.
func New(d config.Driver) (canlink.Transport, error) {
	a, ok := Lookup(d.Name)
	if !ok {
		return nil, fmt.Errorf("unknown adapter %q", d.Name)
	}
	return a.New(d)
}
