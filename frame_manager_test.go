package ethercat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosoem/master/pkg/datagram"
	"github.com/gosoem/master/pkg/device"
)

// echoSlave answers every BRD/BWR/NPRD/NPWR datagram it sees with a fixed
// working counter, simulating the simplest possible slave response without
// needing a full ring model.
func echoSlave(t *testing.T, peer *device.Device, wc uint16) {
	t.Helper()
	peer.SetOnReceive(func(ecPayload []byte) {
		reply := make([]byte, len(ecPayload))
		copy(reply, ecPayload)
		// Skip the 2-byte EtherCAT frame header to reach the datagram header.
		h, ok := datagram.UnmarshalHeader(reply[2:])
		require.True(t, ok)
		// Stamp a non-zero working counter at the end of the single datagram
		// (the payload may carry Ethernet minimum-length padding after it).
		wcOff := 2 + 10 + int(h.Len)
		reply[wcOff] = byte(wc)
		reply[wcOff+1] = byte(wc >> 8)
		peer.Send(reply)
	})
}

func newLoopbackPair(t *testing.T) (*device.Device, *device.Device) {
	t.Helper()
	master, peer := device.NewVirtualPair([6]byte{0, 1, 2, 3, 4, 5}, [6]byte{6, 7, 8, 9, 10, 11})
	master.Open()
	peer.Open()
	return master, peer
}

func TestFrameManagerSimpleIOMatchesResponse(t *testing.T) {
	master, peer := newLoopbackPair(t)
	echoSlave(t, peer, 1)

	fm := NewFrameManager(master)
	d := datagram.New(datagram.BRD)
	d.InitBRD(RegALStatus, 2)

	err := fm.SimpleIO(d, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, datagram.Received, d.State)
	assert.EqualValues(t, 1, d.WorkingCounter)
}

func TestFrameManagerTimesOutWithNoResponder(t *testing.T) {
	master, _ := newLoopbackPair(t)
	fm := NewFrameManager(master)
	d := datagram.New(datagram.BRD)
	d.InitBRD(RegALStatus, 2)

	err := fm.SimpleIO(d, 5*time.Millisecond)
	assert.ErrorIs(t, err, ErrDatagramTimedOut)
	assert.Equal(t, datagram.TimedOut, d.State)
}

func TestFrameManagerQueueIgnoresAlreadyQueuedDatagram(t *testing.T) {
	master, _ := newLoopbackPair(t)
	fm := NewFrameManager(master)
	d := datagram.New(datagram.BRD)
	d.InitBRD(RegALStatus, 2)

	fm.Queue(d)
	fm.Queue(d)
	assert.Len(t, fm.pending, 1)
}

func TestFrameManagerCheckTimeoutsMovesStaleSentDatagram(t *testing.T) {
	master, _ := newLoopbackPair(t)
	fm := NewFrameManager(master)
	d := datagram.New(datagram.BRD)
	d.InitBRD(RegALStatus, 2)
	fm.Queue(d)
	require.NoError(t, fm.Send())
	require.Equal(t, datagram.Sent, d.State)

	fm.CheckTimeouts(time.Nanosecond)
	assert.Equal(t, datagram.TimedOut, d.State)
}
