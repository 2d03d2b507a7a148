// Package crc16 implements the CRC-16/MODBUS checksum used by the bootloader
// to verify flashed blocks: reflected polynomial 0xA001, initial value 0xFFFF,
// no final xor.
package crc16

const (
	Polynomial = 0xA001
	Initial    = 0xFFFF
)

var table = makeTable()

func makeTable() (t [256]uint16) {
	for i := range t {
		crc := uint16(i)
		for range 8 {
			if crc&1 != 0 {
				crc = crc>>1 ^ Polynomial
			} else {
				crc >>= 1
			}
		}
		t[i] = crc
	}
	return t
}

// CRC16 is a running checksum. Start from New() or CRC16(Initial).
type CRC16 uint16

func New() CRC16 {
	return Initial
}

// Single feeds one byte.
func (c *CRC16) Single(b byte) {
	*c = CRC16(uint16(*c)>>8 ^ table[byte(*c)^b])
}

// Block feeds data.
func (c *CRC16) Block(data []byte) {
	for _, b := range data {
		c.Single(b)
	}
}

// Modbus returns the checksum of data. Empty input yields 0xFFFF.
func Modbus(data []byte) uint16 {
	c := New()
	c.Block(data)
	return uint16(c)
}
