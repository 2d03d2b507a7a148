// Package hexfile reads Intel HEX firmware images and cuts them into the
// fixed size blocks the bootloader flashes.
package hexfile

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/canlink/canlink"
	"github.com/spf13/afero"
)

const (
	DefaultBlockSize = 256
	BlockAlignment   = 8
)

const (
	recData         = 0x00
	recEOF          = 0x01
	recExtSegment   = 0x02
	recStartSegment = 0x03
	recExtLinear    = 0x04
	recStartLinear  = 0x05

	minRecordBytes = 5 // length, address hi/lo, type, checksum
)

var (
	ErrMalformed = errors.New("malformed record")
	ErrEmpty     = errors.New("image holds no data")
	ErrOverlap   = errors.New("overlapping data records")
)

// Record is one data record at its absolute address.
type Record struct {
	Address uint32
	Data    []byte
}

func (r Record) end() uint32 {
	return r.Address + uint32(len(r.Data))
}

// Image is a parsed HEX file, records sorted by address.
type Image struct {
	Records []Record
	// MinAddress is the first and MaxAddress the last byte address with data.
	MinAddress uint32
	MaxAddress uint32
}

// Size is the number of data bytes, gaps excluded.
func (img *Image) Size() int {
	n := 0
	for _, r := range img.Records {
		n += len(r.Data)
	}
	return n
}

// ParseFile parses the HEX file at path on fs.
func ParseFile(fs afero.Fs, path string) (*Image, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// Parse reads records until the EOF record or the end of r. Any line with a
// bad checksum fails the whole parse with a *canlink.ChecksumError.
func Parse(r io.Reader) (*Image, error) {
	var (
		base    uint32
		records []Record
		line    int
	)
	sc := bufio.NewScanner(r)
scan:
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		raw, err := decodeLine(text)
		if err != nil {
			return nil, fmt.Errorf("hex line %d: %w", line, err)
		}
		if err := verifyChecksum(raw, line); err != nil {
			return nil, err
		}

		length := int(raw[0])
		offset := uint32(raw[1])<<8 | uint32(raw[2])
		typ := raw[3]
		data := raw[4 : 4+length]

		switch typ {
		case recData:
			if length == 0 {
				continue
			}
			records = append(records, Record{Address: base + offset, Data: append([]byte(nil), data...)})
		case recEOF:
			break scan
		case recExtSegment, recExtLinear:
			if length != 2 {
				return nil, fmt.Errorf("hex line %d: address record of %d bytes: %w", line, length, ErrMalformed)
			}
			v := uint32(data[0])<<8 | uint32(data[1])
			if typ == recExtSegment {
				base = v << 4
			} else {
				base = v << 16
			}
		case recStartSegment, recStartLinear:
			// entry point, not flashed
		default:
			return nil, fmt.Errorf("hex line %d: record type %02X: %w", line, typ, ErrMalformed)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return newImage(records)
}

func decodeLine(text string) ([]byte, error) {
	if text[0] != ':' {
		return nil, fmt.Errorf("missing start code: %w", ErrMalformed)
	}
	raw, err := hex.DecodeString(text[1:])
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrMalformed)
	}
	if len(raw) < minRecordBytes {
		return nil, fmt.Errorf("short record: %w", ErrMalformed)
	}
	if want := int(raw[0]) + minRecordBytes; len(raw) != want {
		return nil, fmt.Errorf("record length %d, line holds %d bytes: %w", raw[0], len(raw)-minRecordBytes, ErrMalformed)
	}
	return raw, nil
}

// verifyChecksum checks that the last byte is the two's complement of the
// sum of all others.
func verifyChecksum(raw []byte, line int) error {
	var sum byte
	for _, b := range raw[:len(raw)-1] {
		sum += b
	}
	want := -sum
	if got := raw[len(raw)-1]; got != want {
		return &canlink.ChecksumError{Kind: "hex", Line: line, Want: uint16(want), Got: uint16(got)}
	}
	return nil
}

func newImage(records []Record) (*Image, error) {
	if len(records) == 0 {
		return nil, ErrEmpty
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Address < records[j].Address
	})
	for i := 1; i < len(records); i++ {
		if records[i].Address < records[i-1].end() {
			return nil, fmt.Errorf("0x%08X: %w", records[i].Address, ErrOverlap)
		}
	}
	last := records[len(records)-1]
	return &Image{
		Records:    records,
		MinAddress: records[0].Address,
		MaxAddress: last.end() - 1,
	}, nil
}
