package master

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ec "github.com/gosoem/master"
	"github.com/gosoem/master/internal/wire"
	"github.com/gosoem/master/pkg/datagram"
	"github.com/gosoem/master/pkg/device"
)

// emulatedSlave answers the wire-level traffic a single bare slave (CoE and
// DC both absent) produces during one scan + configuration pass: a BRD
// responder, an SII EEPROM with an immediate category terminator, zeroed
// FMMU/SM regions, and an AL status register that tracks the last AL
// control write.
type emulatedSlave struct {
	stationAddr uint16
	alStatus    uint8
	siiOffset   uint16
}

var siiWords = map[uint16]uint32{
	0x0004: 0, // alias
	0x0008: 0x00000055,
	0x000A: 0x00000066,
	0x000C: 0,
	0x000E: 0,
	0x0018: 0, // rx mailbox off/size both zero: no mailbox support
	0x001A: 0,
	0x001C: 0, // no mailbox protocols
	0x0040: 0x0000FFFF,
}

func (s *emulatedSlave) attach(t *testing.T, peer *device.Device) {
	t.Helper()
	peer.SetOnReceive(func(frame []byte) {
		reply := make([]byte, len(frame))
		copy(reply, frame)
		buf := reply[2:] // strip the 2-byte EtherCAT frame header
		for len(buf) > 0 {
			h, ok := datagram.UnmarshalHeader(buf)
			require.True(t, ok)
			payload := buf[10 : 10+h.Len]
			wc := s.answer(h, payload)
			wire.WriteU16(buf, 10+h.Len, wc)
			total := 10 + h.Len + 2
			if !h.Next {
				break
			}
			buf = buf[total:]
		}
		peer.Send(reply)
	})
}

// answer mutates payload in place to the slave's response and returns the
// working counter this datagram earns.
func (s *emulatedSlave) answer(h datagram.Header, payload []byte) uint16 {
	memOffset := wire.ReadU16(h.Address[:], 2)
	switch h.Command {
	case datagram.BRD:
		wire.WriteU16(payload, 0, uint16(s.alStatus))
		return 1
	case datagram.BWR:
		if memOffset == ec.RegStationAddress {
			s.stationAddr = 0
		}
		return 1
	case datagram.APWR:
		if memOffset == ec.RegStationAddress {
			s.stationAddr = wire.ReadU16(payload, 0)
		}
		return 1
	case datagram.NPRD:
		if s.stationAddr == 0 {
			return 0
		}
		switch {
		case memOffset == 0x0000:
			// base data: fmmu/sm counts, irrelevant to this test.
		case memOffset == ec.RegSIIControl:
			wire.WriteU8(payload, 1, 0x00)
			wire.WriteU32(payload, 6, siiWords[s.siiOffset])
		case memOffset == ec.RegALStatus:
			wire.WriteU16(payload, 0, uint16(s.alStatus))
		}
		return 1
	case datagram.NPWR:
		if s.stationAddr == 0 {
			return 0
		}
		switch {
		case memOffset == ec.RegSIIControl:
			s.siiOffset = uint16(wire.ReadU32(payload, 2))
		case memOffset == ec.RegALControl:
			s.alStatus = uint8(wire.ReadU16(payload, 0))
		}
		return 1
	}
	return 0
}

func newMasterWithEmulatedSlave(t *testing.T) (*Master, *emulatedSlave) {
	t.Helper()
	masterDev, peerDev := device.NewVirtualPair([6]byte{0, 1, 2, 3, 4, 5}, [6]byte{6, 7, 8, 9, 10, 11})
	masterDev.Open()
	peerDev.Open()

	s := &emulatedSlave{}
	s.attach(t, peerDev)

	fm := ec.NewFrameManager(masterDev)
	return New(fm), s
}

func runRounds(t *testing.T, m *Master, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, m.Round())
	}
}

func TestRoundDrivesSlaveThroughScanAndIntoOp(t *testing.T) {
	m, s := newMasterWithEmulatedSlave(t)
	s.alStatus = uint8(ec.StateInit)

	_, err := m.SlaveConfig(0, 0, 0x55, 0x66)
	require.NoError(t, err)

	// Start/Broadcast(topology change), ClearAddresses, ScanSlaves,
	// ReadStates, ProcessConfigure, ProcessSdoExternal, ProcessSdoConfig,
	// ProcessSii, SdoDict, End, Start/Broadcast(no change), ReadStates
	// (observes OP).
	runRounds(t, m, 12)

	require.Len(t, m.slaves, 1)
	assert.Equal(t, ec.StateOp, m.slaves[0].CurrentState)
	assert.True(t, m.slaves[0].SelfConfigured)
	assert.False(t, m.slaves[0].ErrorFlag)
}

func TestRequestMasterReservesExclusively(t *testing.T) {
	m, _ := newMasterWithEmulatedSlave(t)
	Register(1, m)

	got, err := RequestMaster(1)
	require.NoError(t, err)
	assert.Same(t, m, got)

	_, err = RequestMaster(1)
	assert.ErrorIs(t, err, ec.ErrBusy)

	got.ReleaseMaster()
	_, err = RequestMaster(1)
	assert.NoError(t, err)
}

func TestRequestMasterUnknownIndexFails(t *testing.T) {
	_, err := RequestMaster(999)
	assert.ErrorIs(t, err, ec.ErrNotFound)
}

func TestSlaveConfigDeduplicatesAndDetectsMismatch(t *testing.T) {
	m, _ := newMasterWithEmulatedSlave(t)
	c1, err := m.SlaveConfig(0, 1, 0x10, 0x20)
	require.NoError(t, err)
	c2, err := m.SlaveConfig(0, 1, 0x10, 0x20)
	require.NoError(t, err)
	assert.Same(t, c1, c2)

	_, err = m.SlaveConfig(0, 1, 0x10, 0x21)
	assert.ErrorIs(t, err, ec.ErrInvalidSlaveAddress)
}

func TestCreateDomainAssignsSequentialIndices(t *testing.T) {
	m, _ := newMasterWithEmulatedSlave(t)
	d0 := m.CreateDomain()
	d1 := m.CreateDomain()
	assert.Equal(t, 0, d0.Index)
	assert.Equal(t, 1, d1.Index)
}

func TestActivateTransitionsToOperationPhase(t *testing.T) {
	m, _ := newMasterWithEmulatedSlave(t)
	require.NoError(t, m.Activate())
	assert.Equal(t, PhaseOperation, m.Phase())
}
