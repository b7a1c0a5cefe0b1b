// Package mailbox implements the sync-manager-backed mailbox transport
// shared by every higher mailbox protocol (CoE, FoE): framing a message
// into the RX sync-manager region, polling the TX sync-manager's "written"
// bit, and fetching the TX region back out (§4.6).
//
// Grounded on ec_slave_mailbox_send/ec_slave_mailbox_receive (original
// master/slave.c): the 6-byte mailbox header layout, the SM1 status byte
// poll at offset 0x0808 (bit 3 = written), and the type-mismatch check on
// fetch all carry over unchanged.
package mailbox

import (
	"time"

	log "github.com/sirupsen/logrus"

	ec "github.com/gosoem/master"
	"github.com/gosoem/master/internal/wire"
	"github.com/gosoem/master/pkg/datagram"
)

type sender interface {
	SimpleIO(d *datagram.Datagram, timeout time.Duration) error
}

const sioTimeout = 100 * time.Millisecond

// headerLen is the 6-byte mailbox header: length, station address,
// channel+priority, type+reserved.
const headerLen = 6

// Sub-protocol type nibble (§4.6).
const (
	ProtocolAoE = 0x1
	ProtocolEoE = 0x2
	ProtocolCoE = 0x3
	ProtocolFoE = 0x4
	ProtocolSoE = 0x5
	ProtocolVoE = 0xF
)

// Mailbox is bound to one slave's RX/TX sync-manager regions.
type Mailbox struct {
	fm            sender
	stationAddr   uint16
	rxOffset      uint16
	rxSize        uint16
	txOffset      uint16
	txSize        uint16
}

// New binds a Mailbox to a slave's station address and SII-reported
// mailbox geometry.
func New(fm sender, stationAddr, rxOffset, rxSize, txOffset, txSize uint16) *Mailbox {
	return &Mailbox{fm: fm, stationAddr: stationAddr, rxOffset: rxOffset, rxSize: rxSize, txOffset: txOffset, txSize: txSize}
}

// Send writes protoData, framed with the given protocol type, into the RX
// mailbox region (§4.6 "Send").
func (m *Mailbox) Send(protoType uint8, protoData []byte) error {
	total := len(protoData) + headerLen
	if total > int(m.rxSize) {
		return ec.ErrMailboxTooSmall
	}
	buf := make([]byte, m.rxSize)
	wire.WriteU16(buf, 0, uint16(len(protoData)))
	wire.WriteU16(buf, 2, m.stationAddr)
	wire.WriteU8(buf, 4, 0x00) // channel & priority
	wire.WriteU8(buf, 5, protoType)
	copy(buf[headerLen:], protoData)

	d := datagram.New(datagram.NPWR)
	d.InitNPWR(m.stationAddr, m.rxOffset, len(buf))
	copy(d.Data, buf)
	return m.fm.SimpleIO(d, sioTimeout)
}

// Check polls the SM1 status register (0x0808) for the "mailbox written"
// bit, returning once it is set or the timeout elapses (§4.6 "Check").
func (m *Mailbox) Check(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = sioTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		d := datagram.New(datagram.NPRD)
		d.InitNPRD(m.stationAddr, ec.RegSMStatusBase, 8)
		if err := m.fm.SimpleIO(d, sioTimeout); err != nil {
			return err
		}
		if wire.ReadU8(d.Data, 5)&0x08 != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return ec.ErrMailboxTimeout
		}
		time.Sleep(100 * time.Microsecond)
	}
}

// Fetch reads the TX mailbox region, validates the protocol type, and
// returns the protocol payload (§4.6 "Fetch").
func (m *Mailbox) Fetch(expectType uint8) ([]byte, error) {
	d := datagram.New(datagram.NPRD)
	d.InitNPRD(m.stationAddr, m.txOffset, int(m.txSize))
	if err := m.fm.SimpleIO(d, sioTimeout); err != nil {
		return nil, err
	}
	gotType := wire.ReadU8(d.Data, 5) & 0x0F
	if gotType != expectType {
		log.WithFields(log.Fields{"got": gotType, "want": expectType}).Warn("[MAILBOX] unexpected protocol in response")
		return nil, ec.ErrMailboxUnexpectedProtocol
	}
	size := int(wire.ReadU16(d.Data, 0))
	if size > int(m.txSize)-headerLen {
		return nil, ec.ErrMailboxCorrupt
	}
	payload := make([]byte, size)
	copy(payload, d.Data[headerLen:headerLen+size])
	return payload, nil
}

// CheckAndFetch is the common receive path: poll until written, then fetch.
func (m *Mailbox) CheckAndFetch(expectType uint8, timeout time.Duration) ([]byte, error) {
	if err := m.Check(timeout); err != nil {
		return nil, err
	}
	return m.Fetch(expectType)
}
