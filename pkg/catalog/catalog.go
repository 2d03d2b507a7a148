// Package catalog indexes signal descriptors by CAN id and name.
package catalog

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/canlink/canlink"
	"github.com/canlink/canlink/pkg/signal"
	"github.com/canlink/canlink/pkg/syncutil"
	"github.com/spf13/afero"
	"go.einride.tech/can/pkg/dbc"
)

var ErrDuplicate = errors.New("duplicate signal name")

type Catalog struct {
	mu     syncutil.RWMutex
	byID   map[uint32][]signal.Descriptor
	byName map[string]signal.Descriptor
}

func New() *Catalog {
	return &Catalog{
		byID:   make(map[uint32][]signal.Descriptor),
		byName: make(map[string]signal.Descriptor),
	}
}

// Add validates and indexes descriptors. Nothing is added when one of them
// is invalid or already known by name.
func (c *Catalog) Add(descs ...signal.Descriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	batch := make(map[string]bool, len(descs))
	for _, d := range descs {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("signal %s: %w", d.Name, err)
		}
		if _, ok := c.byName[d.Name]; ok || batch[d.Name] {
			return fmt.Errorf("%s: %w", d.Name, ErrDuplicate)
		}
		batch[d.Name] = true
	}
	for _, d := range descs {
		d.CANID &= canlink.IDMask
		c.byName[d.Name] = d
		c.byID[d.CANID] = append(c.byID[d.CANID], d)
	}
	return nil
}

// ForID returns the signals carried by frames with the given id.
func (c *Catalog) ForID(id uint32) []signal.Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]signal.Descriptor(nil), c.byID[id&canlink.IDMask]...)
}

func (c *Catalog) Lookup(name string) (signal.Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.byName[name]
	return d, ok
}

// Names lists every signal name sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.byName))
	for n := range c.byName {
		out = append(out, n)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byName)
}

// LoadDBC adds every message signal of a DBC file. Signal names are prefixed
// with the message name ("BMS_Status.Voltage") so two messages may reuse a
// signal name.
func (c *Catalog) LoadDBC(fs afero.Fs, path string) (int, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return 0, fmt.Errorf("read dbc file: %w", err)
	}
	descs, err := ParseDBC(filepath.Base(path), data)
	if err != nil {
		return 0, err
	}
	if err := c.Add(descs...); err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	return len(descs), nil
}

// ParseDBC converts the message definitions of a DBC file to descriptors.
func ParseDBC(name string, data []byte) ([]signal.Descriptor, error) {
	parser := dbc.NewParser(name, data)
	if err := parser.Parse(); err != nil {
		return nil, fmt.Errorf("parse dbc: %w", err)
	}

	var out []signal.Descriptor
	for _, def := range parser.File().Defs {
		m, ok := def.(*dbc.MessageDef)
		if !ok {
			continue
		}
		// the extended flag lives in the top bit of the DBC id
		id := uint32(uint64(m.MessageID) & uint64(canlink.IDMask))
		for _, s := range m.Signals {
			order, start := signal.LittleEndian, uint16(s.StartBit)
			if s.IsBigEndian {
				// DBC names the MSB by its Intel bit number, the codec walks
				// Motorola fields from the MSB in byte-reversed numbering
				order = signal.BigEndian
				start = start/8*8 + 7 - start%8
			}
			out = append(out, signal.Descriptor{
				Name:      string(m.Name) + "." + string(s.Name),
				CANID:     id,
				StartBit:  start,
				Length:    uint16(s.Size),
				ByteOrder: order,
				Signed:    s.IsSigned,
				Factor:    s.Factor,
				Offset:    s.Offset,
				Unit:      s.Unit,
			})
		}
	}
	return out, nil
}
