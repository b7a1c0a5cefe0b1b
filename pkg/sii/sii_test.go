package sii

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosoem/master/internal/wire"
	"github.com/gosoem/master/pkg/datagram"
)

// fakeFrameManager answers every SimpleIO call by consulting a small
// per-offset memory model, simulating the slave side of the 0x0502
// handshake without a real bus.
type fakeFrameManager struct {
	words       map[uint16]uint32
	lastOffset  uint16
	pendingRead bool
}

func newFakeFrameManager(words map[uint16]uint32) *fakeFrameManager {
	return &fakeFrameManager{words: words}
}

func (f *fakeFrameManager) SimpleIO(d *datagram.Datagram, timeout time.Duration) error {
	switch d.Command {
	case datagram.NPWR:
		op := wire.ReadU8(d.Data, 1)
		f.lastOffset = uint16(wire.ReadU32(d.Data, 2))
		f.pendingRead = op == 0x01
		d.State = datagram.Received
	case datagram.NPRD:
		if len(d.Data) == 10 {
			// status+data poll: busy/error clear, data populated.
			wire.WriteU8(d.Data, 1, 0x00)
			wire.WriteU32(d.Data, 6, f.words[f.lastOffset])
		} else {
			wire.WriteU8(d.Data, 1, 0x00)
		}
		d.State = datagram.Received
	}
	return nil
}

func TestReadWordReturnsMockedValue(t *testing.T) {
	fm := newFakeFrameManager(map[uint16]uint32{0x0008: 0xCAFEBABE})
	v, err := ReadWord(fm, 0x1001, 0x0008)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xCAFEBABE), v)
}

func TestScanHeaderDecodesIdentityFields(t *testing.T) {
	fm := newFakeFrameManager(map[uint16]uint32{
		wordAlias:          0x0007,
		wordVendorID:       0x00000002,
		wordProductCode:    0x12345678,
		wordRevisionNumber: 0x00000001,
		wordSerialNumber:   0x00000042,
		wordRxMailboxOff:   0x00080100, // size=0x0008, offset=0x0100
		wordTxMailboxOff:   0x00080180,
		wordMailboxProtos:  uint32(0x0004), // CoE bit
	})
	h, err := ScanHeader(fm, 0x1001)
	require.NoError(t, err)
	assert.EqualValues(t, 0x0007, h.Alias)
	assert.EqualValues(t, 0x00000002, h.VendorID)
	assert.EqualValues(t, 0x0100, h.RxMailboxOffset)
	assert.EqualValues(t, 0x0008, h.RxMailboxSize)
	assert.True(t, h.MailboxProtocols.Has(1<<2))
}

func TestWalkCategoriesStopsAtTerminator(t *testing.T) {
	fm := newFakeFrameManager(map[uint16]uint32{
		categoryStart:     0x0002000A, // type=Strings, size_words=2
		categoryStart + 2: 0x00000003,
		categoryStart + 3: 0x00000000,
		categoryStart + 4: 0x0000FFFF, // terminator
	})
	cats, err := WalkCategories(fm, 0x1001)
	require.NoError(t, err)
	require.Len(t, cats, 1)
	assert.EqualValues(t, 0x000A, cats[0].Type)
}

func TestLookupReturnsPlaceholderForMissingIndex(t *testing.T) {
	table := []string{"", "first"}
	assert.Equal(t, "first", Lookup(table, 1))
	assert.Equal(t, UnresolvedString, Lookup(table, 5))
}
