package hexfile

import (
	"fmt"

	"github.com/canlink/canlink/pkg/crc16"
)

// Block is one flash transfer unit. Payload length is a multiple of 8 and
// never exceeds the block size. Index starts at 1.
type Block struct {
	Index        int
	StartAddress uint32
	Payload      []byte
}

func (b Block) CRC() uint16 {
	return crc16.Modbus(b.Payload)
}

func (b Block) String() string {
	return fmt.Sprintf("block %d @0x%08X (%d bytes)", b.Index, b.StartAddress, len(b.Payload))
}

// Blocks cuts the image into blocks of at most size bytes, size is rounded
// down to a multiple of 8 and defaults to 256.
//
// Inside a block, an address gap before the next record is filled with zeros
// when the record still starts within the block, so payloads are dense from
// StartAddress on. A gap that reaches past the block closes it and the next
// block starts at the record. Every block is zero padded to a multiple of 8.
func (img *Image) Blocks(size int) []Block {
	size -= size % BlockAlignment
	if size <= 0 {
		size = DefaultBlockSize
	}

	var (
		blocks []Block
		cur    *Block
		cursor uint32
	)
	finish := func() {
		if cur == nil {
			return
		}
		cur.Payload = Pad(cur.Payload, BlockAlignment)
		cur.Index = len(blocks) + 1
		blocks = append(blocks, *cur)
		cur = nil
	}

	for _, rec := range img.Records {
		addr, data := rec.Address, rec.Data
		for len(data) > 0 {
			if cur != nil && addr != cursor {
				room := size - len(cur.Payload)
				if gap := addr - cursor; gap < uint32(room) {
					cur.Payload = append(cur.Payload, make([]byte, gap)...)
				} else {
					finish()
				}
			}
			if cur == nil {
				cur = &Block{StartAddress: addr, Payload: make([]byte, 0, size)}
			}
			n := min(size-len(cur.Payload), len(data))
			cur.Payload = append(cur.Payload, data[:n]...)
			data = data[n:]
			addr += uint32(n)
			cursor = addr
			if len(cur.Payload) == size {
				finish()
			}
		}
	}
	finish()
	return blocks
}

// Pad appends zeros to p until its length is a multiple of align.
func Pad(p []byte, align int) []byte {
	if rem := len(p) % align; rem != 0 {
		p = append(p, make([]byte, align-rem)...)
	}
	return p
}
