package scan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ec "github.com/gosoem/master"
	"github.com/gosoem/master/internal/wire"
	"github.com/gosoem/master/pkg/datagram"
)

// fakeSlave answers SII register 0x0502 reads with a fixed EEPROM image and
// NPRD base-data / station-address writes, enough to drive Scan end to end.
// ReadWord issues a control write carrying the target offset followed by a
// status+data poll, so lastOffset records what the next poll should answer.
type fakeSlave struct {
	words      map[uint16]uint32 // SII word offset -> 32-bit value
	lastOffset uint16
}

func newFakeSlave() *fakeSlave {
	return &fakeSlave{words: map[uint16]uint32{
		0x0004: 0x00000000,                      // alias
		0x0008: 0x00000099,                      // vendor id
		0x000A: 0x00000042,                      // product code
		0x000C: 0x00000001,                      // revision
		0x000E: 0x0000ABCD,                      // serial
		0x0018: uint32(0x1000) | uint32(64)<<16, // rx mailbox off/size
		0x001A: uint32(0x1100) | uint32(64)<<16, // tx mailbox off/size
		0x001C: uint32(ec.MailboxCoE),
		0x0040: 0x0000FFFF, // category terminator immediately
	}}
}

func (f *fakeSlave) SimpleIO(d *datagram.Datagram, timeout time.Duration) error {
	memOffset := wire.ReadU16(d.Address[:], 2)
	switch d.Command {
	case datagram.APWR:
		d.State = datagram.Received
	case datagram.NPWR:
		if memOffset == ec.RegSIIControl {
			f.lastOffset = uint16(wire.ReadU32(d.Data, 2))
		}
		d.State = datagram.Received
	case datagram.NPRD:
		if memOffset == ec.RegSIIControl {
			wire.WriteU8(d.Data, 1, 0x00) // busy/error clear
			wire.WriteU32(d.Data, 6, f.words[f.lastOffset])
		} else {
			// base data read (register 0x0000): fmmu=2, sm=2.
			d.Data[4] = 2
			d.Data[5] = 2
		}
		d.State = datagram.Received
	}
	return nil
}

func TestScanPopulatesIdentityAndMailboxGeometry(t *testing.T) {
	f := newFakeSlave()
	s, err := Scan(f, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, s.StationAddress)
	assert.EqualValues(t, 0x99, s.VendorID)
	assert.EqualValues(t, 0x42, s.ProductCode)
	assert.EqualValues(t, 0xABCD, s.SerialNumber)
	assert.EqualValues(t, 0x1000, s.RxMailboxOffset)
	assert.EqualValues(t, 64, s.RxMailboxSize)
	assert.True(t, s.SupportsCoE())
}

func TestDecodeSyncManagersParsesFourWordRecords(t *testing.T) {
	words := []uint16{0x1000, 0x0004, 0x0026, 0x0001}
	sms := decodeSyncManagers(words)
	require.Len(t, sms, 1)
	assert.EqualValues(t, 0x1000, sms[0].PhysStart)
	assert.True(t, sms[0].Enable)
}

func TestDecodePDOCategoryParsesEntries(t *testing.T) {
	// one PDO (index 0x1600, 1 entry, sync 2), one entry (0x6040:00, 16 bit;
	// bit length in the high byte of the entry's third word)
	words := []uint16{0x1600, 0x0002<<8 | 0x01, 0x0000, 0x0000, 0x6040, 0x0000, 0x10 << 8, 0x0000}
	pdos := decodePDOCategory(0, words, nil)
	require.Len(t, pdos, 1)
	require.Len(t, pdos[0].Entries, 1)
	assert.EqualValues(t, 0x6040, pdos[0].Entries[0].Index)
	assert.EqualValues(t, 16, pdos[0].Entries[0].BitLength)
}
