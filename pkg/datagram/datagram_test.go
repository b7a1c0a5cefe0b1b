package datagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitNPRDAddressesAndSizes(t *testing.T) {
	d := New(NPRD)
	d.InitNPRD(0x1001, 0x0130, 4)
	assert.Equal(t, NPRD, d.Command)
	assert.Len(t, d.Data, 4)
	assert.Equal(t, Init, d.State)
}

func TestInitAPRDUsesNegativeRingPosition(t *testing.T) {
	d := New(APRD)
	d.InitAPRD(-3, 0x0000, 2)
	assert.Equal(t, APRD, d.Command)
	assert.Len(t, d.Data, 2)
}

func TestInitLRWUsesLogicalAddress(t *testing.T) {
	d := New(LRW)
	d.InitLRW(0x00010000, 8)
	assert.Equal(t, LRW, d.Command)
	assert.Len(t, d.Data, 8)
}

func TestPreallocReusesCapacityWithoutShrink(t *testing.T) {
	d := New(BRD)
	d.InitBRD(0, 16)
	big := d.Data
	require.Len(t, big, 16)
	require.NoError(t, d.Prealloc(4))
	assert.Len(t, d.Data, 4)
	assert.Equal(t, cap(big), cap(d.Data))
}

func TestMarshalUnmarshalHeaderRoundTrip(t *testing.T) {
	d := New(NPWR)
	d.InitNPWR(0x1234, 0x0010, 2)
	copy(d.Data, []byte{0xAA, 0xBB})

	var buf []byte
	buf = d.Marshal(buf, 7, true)

	h, ok := UnmarshalHeader(buf)
	require.True(t, ok)
	assert.Equal(t, NPWR, h.Command)
	assert.EqualValues(t, 7, h.Index)
	assert.Equal(t, 2, h.Len)
	assert.True(t, h.Next)
	assert.False(t, h.Circulating)
}

func TestWireLenIncludesHeaderAndWorkingCounter(t *testing.T) {
	d := New(BWR)
	d.InitBWR(0, 10)
	assert.Equal(t, headerLen+10+2, d.WireLen())
}

func TestStateStringNamesEveryState(t *testing.T) {
	for s := Init; s <= Error; s++ {
		assert.NotEqual(t, "Unknown", s.String())
	}
}
