// Package foe implements File-over-EtherCAT read and write transfers
// (§4.8): RRQ/WRQ handshakes, DATA/ACK packet-number chains, and BUSY/ERR
// handling, carried over the mailbox layer.
//
// Grounded on master/fsm_foe.c: the opcode values (RRQ=1 WRQ=2 DATA=3
// ACK=4 ERR=5 BUSY=6), the 6-byte FoE header, and the "retransmit current
// DATA on BUSY" / "capture code+text on ERR" behavior all carry over from
// ec_fsm_foe_write_nextstate / ec_fsm_foe_read_check.
package foe

import (
	"time"

	log "github.com/sirupsen/logrus"

	ec "github.com/gosoem/master"
	"github.com/gosoem/master/internal/fifo"
	"github.com/gosoem/master/internal/wire"
	"github.com/gosoem/master/pkg/mailbox"
)

const (
	OpRRQ  = 1
	OpWRQ  = 2
	OpData = 3
	OpAck  = 4
	OpErr  = 5
	OpBusy = 6
)

const headerLen = 6

// transferTimeout is the implementation-wide FoE response timeout (§4.8).
const transferTimeout = 3 * time.Second

// ErrError wraps the code+optional text of an ERR response.
type ErrError struct {
	Code uint32
	Text string
}

func (e *ErrError) Error() string { return "foe: " + e.Text }

// ErrBufferFull is returned by Read when the caller's buffer cannot accept
// the next full fragment (§4.8 "Read").
var ErrBufferFull = errBufferFull{}

type errBufferFull struct{}

func (errBufferFull) Error() string { return "foe: destination buffer full" }

func buildHeader(opcode uint8, packetOrPassword uint32) []byte {
	buf := make([]byte, headerLen)
	wire.WriteU8(buf, 0, opcode)
	wire.WriteU8(buf, 1, 0)
	wire.WriteU32(buf, 2, packetOrPassword)
	return buf
}

func decodeErr(resp []byte) *ErrError {
	code := wire.ReadU32(resp, 2)
	text := ""
	if len(resp) > headerLen {
		text = string(resp[headerLen:])
	}
	return &ErrError{Code: code, Text: text}
}

// maxFragment returns the largest DATA payload the mailbox's RX region can
// carry in one message: the region size minus the 6-byte FoE header and the
// 6-byte mailbox header.
func maxFragment(mb *mailbox.Mailbox, rxSize int) int {
	const mailboxHeaderLen = 6
	if rxSize <= headerLen+mailboxHeaderLen {
		return 0
	}
	return rxSize - headerLen - mailboxHeaderLen
}

// Write uploads data to the slave under filename (§4.8 "Write").
func Write(mb *mailbox.Mailbox, rxMailboxSize int, filename string, data []byte) error {
	req := buildHeader(OpWRQ, 0)
	req = append(req, []byte(filename)...)
	if err := mb.Send(mailbox.ProtocolFoE, req); err != nil {
		return err
	}
	if _, err := checkFetch(mb, OpAck); err != nil {
		return err
	}

	fragSize := maxFragment(mb, rxMailboxSize)
	if fragSize <= 0 {
		return ec.ErrMailboxTooSmall
	}

	packetNo := uint32(1)
	for offset := 0; ; {
		end := offset + fragSize
		last := end >= len(data)
		if last {
			end = len(data)
		}
		chunk := data[offset:end]

		for {
			dataMsg := buildHeader(OpData, packetNo)
			dataMsg = append(dataMsg, chunk...)
			if err := mb.Send(mailbox.ProtocolFoE, dataMsg); err != nil {
				return err
			}
			resp, err := checkFetch(mb, OpAck, OpBusy)
			if err != nil {
				return err
			}
			if wire.ReadU8(resp, 0) == OpBusy {
				log.Debug("[FOE] slave busy, retransmitting current DATA")
				continue
			}
			break
		}

		offset = end
		packetNo++
		if last {
			return nil
		}
	}
}

// Read downloads filename from the slave into a freshly allocated buffer
// (§4.8 "Read").
func Read(mb *mailbox.Mailbox, rxMailboxSize, maxSize int, filename string) ([]byte, error) {
	req := buildHeader(OpRRQ, 0)
	req = append(req, []byte(filename)...)
	if err := mb.Send(mailbox.ProtocolFoE, req); err != nil {
		return nil, err
	}

	fragSize := maxFragment(mb, rxMailboxSize)
	// Staged ahead of the consumer one DATA fragment at a time, the same
	// role this buffer plays for segmented mailbox payloads elsewhere.
	buf := fifo.NewFifo(maxSize + 1)
	expected := uint32(1)
	for {
		resp, err := checkFetch(mb, OpData)
		if err != nil {
			return drain(buf), err
		}
		packetNo := wire.ReadU32(resp, 2)
		if packetNo != expected {
			return drain(buf), ec.ErrMailboxCorrupt
		}
		payload := resp[headerLen:]
		if buf.Space() < len(payload) {
			return drain(buf), ErrBufferFull
		}
		buf.Write(payload)

		ack := buildHeader(OpAck, packetNo)
		if err := mb.Send(mailbox.ProtocolFoE, ack); err != nil {
			return drain(buf), err
		}
		if len(payload) < fragSize {
			return drain(buf), nil
		}
		expected++
	}
}

// drain empties buf into a freshly allocated slice holding everything
// staged so far, used both on success and to surface partial data
// alongside a terminal error.
func drain(buf *fifo.Fifo) []byte {
	out := make([]byte, buf.Occupied())
	buf.Read(out)
	return out
}

// checkFetch polls and fetches one FoE response, treating ERR as a
// terminal error and accepting any of the given acceptable opcodes.
func checkFetch(mb *mailbox.Mailbox, acceptable ...uint8) ([]byte, error) {
	resp, err := mb.CheckAndFetch(mailbox.ProtocolFoE, transferTimeout)
	if err != nil {
		return nil, err
	}
	if len(resp) < headerLen {
		return nil, ec.ErrMailboxCorrupt
	}
	op := wire.ReadU8(resp, 0)
	if op == OpErr {
		return nil, decodeErr(resp)
	}
	for _, want := range acceptable {
		if op == want {
			return resp, nil
		}
	}
	return nil, ec.ErrMailboxUnexpectedProtocol
}
