// Package signal decodes and encodes scaled bit-field signals inside the 8
// data bytes of a classic CAN frame.
package signal

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/canlink/canlink"
	"go.einride.tech/can"
)

// ByteOrder selects how a signal's bits are laid out in the payload.
type ByteOrder uint8

const (
	// LittleEndian (Intel): raw bit i is payload bit StartBit+i, LSB first.
	LittleEndian ByteOrder = iota
	// BigEndian (Motorola): payload bits are walked from StartBit with the
	// bit order inside each byte reversed, the first bit read is the MSB.
	BigEndian
)

func (o ByteOrder) String() string {
	if o == BigEndian {
		return "big"
	}
	return "little"
}

func (o ByteOrder) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *ByteOrder) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "little", "intel", "le", "":
		*o = LittleEndian
	case "big", "motorola", "be":
		*o = BigEndian
	default:
		return fmt.Errorf("unknown byte order %q", text)
	}
	return nil
}

// Descriptor is the immutable description of one signal.
type Descriptor struct {
	Name      string    `toml:"name" validate:"required"`
	CANID     uint32    `toml:"can_id"`
	StartBit  uint16    `toml:"start_bit" validate:"lte=63"`
	Length    uint16    `toml:"length" validate:"gte=1,lte=64"`
	ByteOrder ByteOrder `toml:"byte_order"`
	Signed    bool      `toml:"signed"`
	// Factor of zero means unscaled, so an omitted factor reads as 1.
	Factor float64 `toml:"factor"`
	Offset float64 `toml:"offset"`
	Unit   string  `toml:"unit"`
}

// Validate checks that the bit-field fits the 64-bit payload.
func (d Descriptor) Validate() error {
	if d.Length == 0 || int(d.StartBit)+int(d.Length) > 64 {
		return &canlink.RangeError{StartBit: d.StartBit, Length: d.Length}
	}
	return nil
}

// factor is the effective scale, see Descriptor.Factor.
func (d Descriptor) factor() float64 {
	if d.Factor == 0 {
		return 1
	}
	return d.Factor
}

// bigEndianBit maps the i:th walked bit of a Motorola signal to the LSB-first
// bit numbering used by can.Data.
func bigEndianBit(start uint16, i uint16) uint8 {
	pos := start + i
	return uint8((pos/8)*8 + 7 - pos%8)
}

// ExtractRaw returns the unscaled field value.
func ExtractRaw(data *can.Data, d Descriptor) (uint64, error) {
	if err := d.Validate(); err != nil {
		return 0, err
	}
	if d.ByteOrder == LittleEndian {
		return data.UnsignedBitsLittleEndian(uint8(d.StartBit), uint8(d.Length)), nil
	}
	var raw uint64
	for i := uint16(0); i < d.Length; i++ {
		raw <<= 1
		if data.Bit(bigEndianBit(d.StartBit, i)) {
			raw |= 1
		}
	}
	return raw, nil
}

// PackRaw writes raw into the field described by d. raw is truncated to
// Length bits, every bit outside the field is left as it was.
func PackRaw(data *can.Data, d Descriptor, raw int64) error {
	if err := d.Validate(); err != nil {
		return err
	}
	u := uint64(raw)
	if d.Length < 64 {
		u &= 1<<d.Length - 1
	}
	if d.ByteOrder == LittleEndian {
		data.SetUnsignedBitsLittleEndian(uint8(d.StartBit), uint8(d.Length), u)
		return nil
	}
	for i := uint16(0); i < d.Length; i++ {
		bit := u>>(d.Length-1-i)&1 == 1
		data.SetBit(bigEndianBit(d.StartBit, i), bit)
	}
	return nil
}

// Signed sign-extends raw from Length bits when the signal is signed.
func Signed(raw uint64, d Descriptor) int64 {
	if !d.Signed || d.Length >= 64 || d.Length == 0 {
		return int64(raw)
	}
	shift := 64 - d.Length
	return int64(raw<<shift) >> shift
}

// ToPhysical scales a raw value: raw*Factor + Offset.
func ToPhysical(raw uint64, d Descriptor) float64 {
	if d.Signed {
		return float64(Signed(raw, d))*d.factor() + d.Offset
	}
	return float64(raw)*d.factor() + d.Offset
}

// ToRaw is the inverse of ToPhysical, rounded to the nearest integer.
func ToRaw(physical float64, d Descriptor) int64 {
	return int64(math.Round((physical - d.Offset) / d.factor()))
}

// DecimalPlaces counts the fractional digits of factor once trailing zeros
// are removed, 0.1 gives 1 and 0.125 gives 3.
func DecimalPlaces(factor float64) int {
	s := strconv.FormatFloat(math.Abs(factor), 'f', -1, 64)
	dot := strings.IndexByte(s, '.')
	if dot < 0 {
		return 0
	}
	return len(strings.TrimRight(s[dot+1:], "0"))
}

// Round rounds v to places fractional digits for display.
func Round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}

// Value is a decoded signal sample.
type Value struct {
	Name     string
	Raw      uint64
	Physical float64
	// Display is Physical rounded to the precision of the factor.
	Display float64
	Places  int
	Unit    string
}

func (v Value) String() string {
	s := strconv.FormatFloat(v.Display, 'f', v.Places, 64)
	if v.Unit == "" {
		return v.Name + "=" + s
	}
	return v.Name + "=" + s + " " + v.Unit
}

// Decode extracts and scales d from frame.
func Decode(frame canlink.CANFrame, d Descriptor) (Value, error) {
	raw, err := ExtractRaw(&frame.Data, d)
	if err != nil {
		return Value{}, fmt.Errorf("decode %s: %w", d.Name, err)
	}
	phys := ToPhysical(raw, d)
	places := DecimalPlaces(d.factor())
	return Value{
		Name:     d.Name,
		Raw:      raw,
		Physical: phys,
		Display:  Round(phys, places),
		Places:   places,
		Unit:     d.Unit,
	}, nil
}

// Encode packs a physical value into data.
func Encode(data *can.Data, d Descriptor, physical float64) error {
	return PackRaw(data, d, ToRaw(physical, d))
}
