package signal

import (
	"math"
	"testing"

	"github.com/canlink/canlink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.einride.tech/can"
	"pgregory.net/rapid"
)

func TestDecodeLittleEndianScaled(t *testing.T) {
	frame := canlink.NewFrame(0x181, []byte{0x64, 0x00})
	d := Descriptor{Name: "voltage", StartBit: 0, Length: 16, Factor: 0.1, Unit: "V"}

	v, err := Decode(frame, d)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), v.Raw)
	assert.InDelta(t, 10.0, v.Physical, 1e-9)
	assert.Equal(t, 10.0, v.Display)
	assert.Equal(t, "voltage=10.0 V", v.String())
}

func TestExtractRaw(t *testing.T) {
	tests := []struct {
		name string
		data can.Data
		d    Descriptor
		want uint64
	}{
		{
			name: "byte aligned little endian",
			data: can.Data{0x00, 0x34, 0x12},
			d:    Descriptor{StartBit: 8, Length: 16},
			want: 0x1234,
		},
		{
			name: "nibble little endian",
			data: can.Data{0xA5},
			d:    Descriptor{StartBit: 4, Length: 4},
			want: 0xA,
		},
		{
			name: "big endian first byte",
			data: can.Data{0x80},
			d:    Descriptor{StartBit: 0, Length: 1, ByteOrder: BigEndian},
			want: 1,
		},
		{
			name: "big endian two bytes",
			data: can.Data{0x12, 0x34},
			d:    Descriptor{StartBit: 0, Length: 16, ByteOrder: BigEndian},
			want: 0x1234,
		},
		{
			name: "whole payload",
			data: can.Data{1, 2, 3, 4, 5, 6, 7, 8},
			d:    Descriptor{StartBit: 0, Length: 64},
			want: 0x0807060504030201,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractRaw(&tt.data, tt.d)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRangeError(t *testing.T) {
	var data can.Data
	_, err := ExtractRaw(&data, Descriptor{StartBit: 60, Length: 8})
	var re *canlink.RangeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, uint16(60), re.StartBit)

	assert.Error(t, PackRaw(&data, Descriptor{StartBit: 0, Length: 0}, 1))
	assert.Equal(t, can.Data{}, data)
}

func TestSignedToPhysical(t *testing.T) {
	d := Descriptor{Length: 8, Signed: true, Factor: 0.5, Offset: -1}
	assert.Equal(t, -2.0, ToPhysical(0xFE, d))
	assert.Equal(t, 62.5, ToPhysical(0x7F, d))

	d.Signed = false
	assert.Equal(t, 126.0, ToPhysical(0xFE, d))
}

func TestZeroFactorIsUnscaled(t *testing.T) {
	d := Descriptor{Name: "count", Length: 8, Offset: 2}
	require.NoError(t, d.Validate())

	assert.Equal(t, 7.0, ToPhysical(5, d))
	assert.Equal(t, int64(5), ToRaw(7, d))

	v, err := Decode(canlink.NewFrame(0x100, []byte{5}), d)
	require.NoError(t, err)
	assert.Equal(t, 7.0, v.Display)
	assert.Equal(t, 0, v.Places)
}

func TestDecimalPlaces(t *testing.T) {
	tests := []struct {
		factor float64
		want   int
	}{
		{1, 0},
		{10, 0},
		{0.1, 1},
		{0.5, 1},
		{0.01, 2},
		{0.125, 3},
		{0.0001, 4},
		{-0.25, 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DecimalPlaces(tt.factor), "factor %v", tt.factor)
	}
}

func TestByteOrderText(t *testing.T) {
	var o ByteOrder
	require.NoError(t, o.UnmarshalText([]byte("Motorola")))
	assert.Equal(t, BigEndian, o)
	require.NoError(t, o.UnmarshalText([]byte("intel")))
	assert.Equal(t, LittleEndian, o)
	assert.Error(t, o.UnmarshalText([]byte("middle")))
}

func descriptorGen() *rapid.Generator[Descriptor] {
	return rapid.Custom(func(t *rapid.T) Descriptor {
		length := rapid.Uint16Range(1, 64).Draw(t, "length")
		start := rapid.Uint16Range(0, 64-length).Draw(t, "start")
		order := ByteOrder(rapid.Uint8Range(0, 1).Draw(t, "order"))
		return Descriptor{
			StartBit:  start,
			Length:    length,
			ByteOrder: order,
			Signed:    rapid.Bool().Draw(t, "signed"),
		}
	})
}

func mask(length uint16) uint64 {
	if length >= 64 {
		return math.MaxUint64
	}
	return 1<<length - 1
}

func TestPackExtractRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		d := descriptorGen().Draw(t, "descriptor")
		raw := rapid.Int64().Draw(t, "raw")
		var data can.Data
		copy(data[:], rapid.SliceOfN(rapid.Byte(), 8, 8).Draw(t, "payload"))
		before := data

		if err := PackRaw(&data, d, raw); err != nil {
			t.Fatal(err)
		}
		got, err := ExtractRaw(&data, d)
		if err != nil {
			t.Fatal(err)
		}
		if want := uint64(raw) & mask(d.Length); got != want {
			t.Fatalf("extract = %#x, want %#x", got, want)
		}

		// bits outside the field are untouched
		field := can.Data{}
		if err := PackRaw(&field, d, -1); err != nil {
			t.Fatal(err)
		}
		for i := range data {
			if data[i]&^field[i] != before[i]&^field[i] {
				t.Fatalf("byte %d outside field changed: %#x -> %#x", i, before[i], data[i])
			}
		}
	})
}

func TestToPhysicalIsLinear(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		d := Descriptor{
			Length: rapid.Uint16Range(1, 32).Draw(t, "length"),
			Signed: rapid.Bool().Draw(t, "signed"),
			Factor: rapid.Float64Range(0.001, 100).Draw(t, "factor"),
			Offset: rapid.Float64Range(-1000, 1000).Draw(t, "offset"),
		}
		raw := rapid.Uint64Range(0, mask(d.Length)).Draw(t, "raw")

		got := ToPhysical(raw, d)
		want := float64(Signed(raw, d))*d.Factor + d.Offset
		if math.Abs(got-want) > 1e-9*math.Max(1, math.Abs(want)) {
			t.Fatalf("ToPhysical = %v, want %v", got, want)
		}
		if back := ToRaw(got, d); back != Signed(raw, d) {
			t.Fatalf("ToRaw(%v) = %d, want %d", got, back, Signed(raw, d))
		}
	})
}
