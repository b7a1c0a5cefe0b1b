// Package datagram implements a single EtherCAT command on the wire (§4.2):
// its header fields, payload lifecycle, and the little-endian pack/unpack
// that the frame dispatcher uses to fit many datagrams into one frame.
//
// Shaped after the teacher's pkg/can.Frame plus pkg/sdo's request/response
// pair (pkg/sdo/common.go, pkg/sdo/responses.go): a small value-ish struct
// the transport layer copies by reference, with a State enum instead of a
// single "done" bool so the dispatcher and caller agree on lifecycle.
package datagram

import (
	"errors"

	"github.com/gosoem/master/internal/wire"
)

// ErrOutOfMemory is returned by Prealloc on allocation failure.
var ErrOutOfMemory = errors.New("datagram: buffer allocation failed")

// State is the Datagram lifecycle (§3).
type State uint8

const (
	Init State = iota
	Queued
	Sent
	Received
	TimedOut
	Error
)

func (s State) String() string {
	switch s {
	case Init:
		return "Init"
	case Queued:
		return "Queued"
	case Sent:
		return "Sent"
	case Received:
		return "Received"
	case TimedOut:
		return "TimedOut"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// headerLen is the on-wire datagram header size (cmd,idx,addr[4],len+flags,irq).
const headerLen = 10

// Datagram is one EtherCAT command (§3, §4.2).
type Datagram struct {
	Command Command
	Index   uint8
	Address [4]byte // interpretation depends on Command, see Init*
	Data    []byte
	WorkingCounter uint16
	State   State

	SentTicks     int64
	ReceivedTicks int64
	SkipCount     int
	Name          string

	// Circulating/Next mirror the wire header bits; the dispatcher sets Next
	// on every datagram but the last one in a frame.
	Circulating bool
	Next        bool
}

// Command is the one-byte EtherCAT datagram command field (§6). It is
// canonical here, not in the root package, so the root package's frame
// dispatcher can import this package without creating an import cycle; the
// root package re-exports these as ethercat.Cmd* for callers that never
// otherwise touch pkg/datagram.
type Command uint8

const (
	APRD Command = 1 // Auto-increment physical read
	APWR Command = 2 // Auto-increment physical write
	NPRD Command = 4 // Configured-address physical read
	NPWR Command = 5 // Configured-address physical write
	BRD  Command = 7 // Broadcast read
	BWR  Command = 8 // Broadcast write
	LRW  Command = 12 // Logical read/write
)

// New creates a Datagram of the given command with no payload. Use the
// Init* helpers to size and address it.
func New(cmd Command) *Datagram {
	return &Datagram{Command: cmd, State: Init}
}

// Prealloc grows the payload buffer to at least size bytes, zeroing it.
// Buffer shrink is never performed (§4.2).
func (d *Datagram) Prealloc(size int) error {
	if cap(d.Data) >= size {
		d.Data = d.Data[:size]
		for i := range d.Data {
			d.Data[i] = 0
		}
		return nil
	}
	buf := make([]byte, size)
	if buf == nil {
		return ErrOutOfMemory
	}
	d.Data = buf
	return nil
}

func (d *Datagram) initCommon(cmd Command, size int) {
	d.Command = cmd
	d.State = Init
	d.WorkingCounter = 0
	d.Index = 0
	_ = d.Prealloc(size)
}

// InitNPRD/InitNPWR address a slave by its configured station address.
func (d *Datagram) InitNPRD(stationAddr uint16, memOffset uint16, size int) {
	d.initCommon(NPRD, size)
	wire.WriteU16(d.Address[:], 0, stationAddr)
	wire.WriteU16(d.Address[:], 2, memOffset)
}

func (d *Datagram) InitNPWR(stationAddr uint16, memOffset uint16, size int) {
	d.initCommon(NPWR, size)
	wire.WriteU16(d.Address[:], 0, stationAddr)
	wire.WriteU16(d.Address[:], 2, memOffset)
}

// InitAPRD/InitAPWR address a slave by ring position, relative to whichever
// slave is currently "auto-increment position 0" (the frame's entry point).
func (d *Datagram) InitAPRD(ringPositionNeg int16, memOffset uint16, size int) {
	d.initCommon(APRD, size)
	wire.WriteS16(d.Address[:], 0, ringPositionNeg)
	wire.WriteU16(d.Address[:], 2, memOffset)
}

func (d *Datagram) InitAPWR(ringPositionNeg int16, memOffset uint16, size int) {
	d.initCommon(APWR, size)
	wire.WriteS16(d.Address[:], 0, ringPositionNeg)
	wire.WriteU16(d.Address[:], 2, memOffset)
}

// InitBRD/InitBWR broadcast to every slave.
func (d *Datagram) InitBRD(memOffset uint16, size int) {
	d.initCommon(BRD, size)
	wire.WriteU16(d.Address[:], 0, 0)
	wire.WriteU16(d.Address[:], 2, memOffset)
}

func (d *Datagram) InitBWR(memOffset uint16, size int) {
	d.initCommon(BWR, size)
	wire.WriteU16(d.Address[:], 0, 0)
	wire.WriteU16(d.Address[:], 2, memOffset)
}

// InitLRW addresses the logical process-data space shared by all domains.
func (d *Datagram) InitLRW(logicalAddr uint32, size int) {
	d.initCommon(LRW, size)
	wire.WriteU32(d.Address[:], 0, logicalAddr)
}

// WireLen is the total on-wire size of this datagram (header + payload + wc).
func (d *Datagram) WireLen() int { return headerLen + len(d.Data) + 2 }

// Marshal appends this datagram's wire encoding to buf and returns the
// result. idx is the dispatcher-assigned index; next tells the dispatcher
// whether another datagram follows in the same frame.
func (d *Datagram) Marshal(buf []byte, idx uint8, next bool) []byte {
	d.Index = idx
	d.Next = next
	start := len(buf)
	buf = append(buf, make([]byte, d.WireLen())...)
	wire.WriteU8(buf, start+0, uint8(d.Command))
	wire.WriteU8(buf, start+1, idx)
	copy(buf[start+2:start+6], d.Address[:])
	lenAndFlags := uint16(len(d.Data)) & 0x07FF
	if d.Circulating {
		lenAndFlags |= 1 << 11
	}
	if next {
		lenAndFlags |= 1 << 14
	}
	wire.WriteU16(buf, start+6, lenAndFlags)
	wire.WriteU16(buf, start+8, 0) // irq, unused
	copy(buf[start+10:start+10+len(d.Data)], d.Data)
	wire.WriteU16(buf, start+10+len(d.Data), 0) // working counter, filled on receive
	return buf
}

// Header describes a decoded datagram header, used when walking a received
// frame without yet knowing which Datagram it answers.
type Header struct {
	Command     Command
	Index       uint8
	Address     [4]byte
	Len         int
	Circulating bool
	Next        bool
}

// UnmarshalHeader decodes one datagram header starting at offset 0 of buf.
func UnmarshalHeader(buf []byte) (Header, bool) {
	if len(buf) < headerLen {
		return Header{}, false
	}
	lenAndFlags := wire.ReadU16(buf, 6)
	h := Header{
		Command:     Command(wire.ReadU8(buf, 0)),
		Index:       wire.ReadU8(buf, 1),
		Len:         int(lenAndFlags & 0x07FF),
		Circulating: lenAndFlags&(1<<11) != 0,
		Next:        lenAndFlags&(1<<14) != 0,
	}
	copy(h.Address[:], buf[2:6])
	return h, true
}
