package catalog

import (
	"testing"

	"github.com/canlink/canlink"
	"github.com/canlink/canlink/pkg/signal"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bmsDBC = `VERSION ""

BU_: BMS

BO_ 385 BMS_Status: 8 BMS
 SG_ Voltage : 0|16@1+ (0.1,0) [0|6553.5] "V" Vector__XXX
 SG_ Current : 16|16@1- (0.1,0) [-3276.8|3276.7] "A" Vector__XXX
 SG_ Temp : 7|8@0+ (1,-40) [-40|215] "degC" Vector__XXX

BO_ 2566844926 Charger: 8 BMS
 SG_ Request : 0|8@1+ (1,0) [0|255] "" Vector__XXX
`

func TestLoadDBC(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/dbc/bms.dbc", []byte(bmsDBC), 0o644))

	c := New()
	n, err := c.LoadDBC(fs, "/dbc/bms.dbc")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []string{"BMS_Status.Current", "BMS_Status.Temp", "BMS_Status.Voltage", "Charger.Request"}, c.Names())

	v, ok := c.Lookup("BMS_Status.Voltage")
	require.True(t, ok)
	assert.Equal(t, uint32(0x181), v.CANID)
	assert.Equal(t, 0.1, v.Factor)
	assert.Equal(t, "V", v.Unit)

	cur, _ := c.Lookup("BMS_Status.Current")
	assert.True(t, cur.Signed)

	temp, _ := c.Lookup("BMS_Status.Temp")
	assert.Equal(t, signal.BigEndian, temp.ByteOrder)
	assert.Equal(t, uint16(0), temp.StartBit)

	// extended flag stripped from the DBC id
	assert.Len(t, c.ForID(0x18FF50FE), 1)
	assert.Len(t, c.ForID(0x181), 3)
}

func TestDBCDecodesFrame(t *testing.T) {
	descs, err := ParseDBC("bms.dbc", []byte(bmsDBC))
	require.NoError(t, err)
	c := New()
	require.NoError(t, c.Add(descs...))

	frame := canlink.NewFrame(0x181, []byte{0x64, 0x00, 0xF6, 0xFF, 0, 0, 0, 0})
	got := map[string]float64{}
	for _, d := range c.ForID(frame.Identifier()) {
		v, err := signal.Decode(frame, d)
		require.NoError(t, err)
		got[d.Name] = v.Display
	}
	assert.Equal(t, 10.0, got["BMS_Status.Voltage"])
	assert.Equal(t, -1.0, got["BMS_Status.Current"])
	assert.Equal(t, 60.0, got["BMS_Status.Temp"])
}

func TestAddRejects(t *testing.T) {
	c := New()
	require.NoError(t, c.Add(signal.Descriptor{Name: "rpm", CANID: 0x100, Length: 16}))

	assert.ErrorIs(t, c.Add(signal.Descriptor{Name: "rpm", Length: 8}), ErrDuplicate)
	assert.ErrorIs(t, c.Add(
		signal.Descriptor{Name: "a", Length: 8},
		signal.Descriptor{Name: "a", Length: 8},
	), ErrDuplicate)

	var re *canlink.RangeError
	assert.ErrorAs(t, c.Add(signal.Descriptor{Name: "wide", StartBit: 56, Length: 16}), &re)
	assert.Equal(t, 1, c.Len())
}

func TestParseDBCError(t *testing.T) {
	_, err := ParseDBC("bad.dbc", []byte("BO_ nonsense"))
	assert.Error(t, err)
}
