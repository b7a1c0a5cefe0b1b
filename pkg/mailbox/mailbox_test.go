package mailbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ec "github.com/gosoem/master"
	"github.com/gosoem/master/internal/wire"
	"github.com/gosoem/master/pkg/datagram"
)

// loopbackSender simulates a slave holding one pending TX mailbox message.
type loopbackSender struct {
	txType    uint8
	txPayload []byte
	written   bool
}

func (s *loopbackSender) SimpleIO(d *datagram.Datagram, timeout time.Duration) error {
	switch d.Command {
	case datagram.NPWR:
		d.State = datagram.Received
	case datagram.NPRD:
		if len(d.Data) == 8 {
			if s.written {
				wire.WriteU8(d.Data, 5, 0x08)
			}
		} else {
			wire.WriteU16(d.Data, 0, uint16(len(s.txPayload)))
			wire.WriteU8(d.Data, 5, s.txType)
			copy(d.Data[headerLen:], s.txPayload)
		}
		d.State = datagram.Received
	}
	return nil
}

func TestSendRejectsOversizedPayload(t *testing.T) {
	m := New(&loopbackSender{}, 0x1001, 0x1000, 8, 0x1100, 8)
	err := m.Send(ProtocolCoE, make([]byte, 10))
	assert.ErrorIs(t, err, ec.ErrMailboxTooSmall)
}

func TestCheckAndFetchReturnsPayloadOnceWritten(t *testing.T) {
	s := &loopbackSender{txType: ProtocolCoE, txPayload: []byte{0x01, 0x02, 0x03}, written: true}
	m := New(s, 0x1001, 0x1000, 32, 0x1100, 32)
	payload, err := m.CheckAndFetch(ProtocolCoE, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, payload)
}

func TestFetchRejectsWrongProtocol(t *testing.T) {
	s := &loopbackSender{txType: ProtocolFoE, txPayload: []byte{0xAA}, written: true}
	m := New(s, 0x1001, 0x1000, 32, 0x1100, 32)
	_, err := m.Fetch(ProtocolCoE)
	assert.ErrorIs(t, err, ec.ErrMailboxUnexpectedProtocol)
}

func TestCheckTimesOutWhenNeverWritten(t *testing.T) {
	s := &loopbackSender{}
	m := New(s, 0x1001, 0x1000, 32, 0x1100, 32)
	err := m.Check(5 * time.Millisecond)
	assert.ErrorIs(t, err, ec.ErrMailboxTimeout)
}
