package foe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosoem/master/internal/wire"
	"github.com/gosoem/master/pkg/datagram"
	"github.com/gosoem/master/pkg/mailbox"
)

// fakeFoeServer answers WRQ/RRQ with the simplest legal handshake: ACK
// packet 0, then echoes DATA/ACK for whatever the client sends or asks for.
type fakeFoeServer struct {
	written     bool
	lastReq     []byte
	fileContent []byte
	sentCount   int
}

func (s *fakeFoeServer) SimpleIO(d *datagram.Datagram, timeout time.Duration) error {
	switch d.Command {
	case datagram.NPWR:
		length := int(wire.ReadU16(d.Data, 0))
		s.lastReq = append([]byte(nil), d.Data[6:6+length]...)
		s.written = true
		d.State = datagram.Received
	case datagram.NPRD:
		if len(d.Data) == 8 {
			if s.written {
				wire.WriteU8(d.Data, 5, 0x08)
			}
			d.State = datagram.Received
			return nil
		}
		resp := s.buildResponse()
		wire.WriteU16(d.Data, 0, uint16(len(resp)))
		wire.WriteU8(d.Data, 5, mailbox.ProtocolFoE)
		copy(d.Data[6:], resp)
		s.written = false
		d.State = datagram.Received
	}
	return nil
}

func (s *fakeFoeServer) buildResponse() []byte {
	op := wire.ReadU8(s.lastReq, 0)
	switch op {
	case OpWRQ:
		return buildHeader(OpAck, 0)
	case OpData:
		packetNo := wire.ReadU32(s.lastReq, 2)
		return buildHeader(OpAck, packetNo)
	case OpRRQ:
		s.sentCount = 0
		return s.nextDataFragment()
	case OpAck:
		return s.nextDataFragment()
	}
	return buildHeader(OpErr, 0)
}

func (s *fakeFoeServer) nextDataFragment() []byte {
	fragSize := 4
	offset := s.sentCount * fragSize
	end := offset + fragSize
	if end > len(s.fileContent) {
		end = len(s.fileContent)
	}
	s.sentCount++
	resp := buildHeader(OpData, uint32(s.sentCount))
	resp = append(resp, s.fileContent[offset:end]...)
	return resp
}

func TestWriteCompletesHandshake(t *testing.T) {
	srv := &fakeFoeServer{}
	mb := mailbox.New(srv, 0x1001, 0x1000, 32, 0x1100, 32)

	err := Write(mb, 32, "test.bin", []byte{1, 2, 3})
	require.NoError(t, err)
}

func TestReadReassemblesFragments(t *testing.T) {
	// The fake server hands out 4-byte DATA fragments; size the RX mailbox
	// region so the client's own fragment-size expectation (rxSize-6-6)
	// matches, or the "short fragment means last" rule fires too early. The
	// short filename keeps the RRQ within the 16-byte region.
	srv := &fakeFoeServer{fileContent: []byte{1, 2, 3, 4, 5, 6, 7}}
	mb := mailbox.New(srv, 0x1001, 0x1000, 16, 0x1100, 16)

	data, err := Read(mb, 16, 1024, "fw")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7}, data)
}
