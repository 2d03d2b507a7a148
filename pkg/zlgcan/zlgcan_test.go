package zlgcan

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestStructLayout(t *testing.T) {
	assert.EqualValues(t, 32, unsafe.Sizeof(InitConfig{}))
	assert.EqualValues(t, 16, unsafe.Offsetof(InitConfig{}.Filter))
	assert.EqualValues(t, 16, unsafe.Sizeof(Frame{}))
	assert.EqualValues(t, 8, unsafe.Offsetof(Frame{}.Data))
	assert.EqualValues(t, 20, unsafe.Sizeof(TransmitData{}))
	assert.EqualValues(t, 16, unsafe.Offsetof(ReceiveData{}.Timestamp))
	assert.EqualValues(t, 24, unsafe.Sizeof(ReceiveData{}))
}

func TestNewFrame(t *testing.T) {
	f := NewFrame(0x123, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9})
	assert.Equal(t, uint8(8), f.DLC)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, f.Payload())

	f.DLC = 15
	assert.Len(t, f.Payload(), 8)
}

func TestCheckStatus(t *testing.T) {
	assert.NoError(t, checkStatus("ZCAN_StartCAN", 1))
	err := checkStatus("ZCAN_StartCAN", 0)
	assert.EqualError(t, err, "zlgcan: ZCAN_StartCAN failed (status 0)")
}
