// Package coe implements the CANopen-over-EtherCAT sub-FSM: SDO upload,
// SDO download (expedited and segmented), and SDO-information dictionary
// discovery (§4.7), all carried over the mailbox layer.
//
// Grounded on ecrt_slave_sdo_read/ecrt_slave_sdo_write (original
// master/canopen.c): the CoE header's number/service nibble layout, the
// command-specifier byte, and the abort-code table are carried over
// unchanged; segmented transfer and Get-OD-List are this package's
// extension to the original's expedited-only implementation, built in the
// same header style.
package coe

import (
	"time"

	log "github.com/sirupsen/logrus"

	ec "github.com/gosoem/master"
	"github.com/gosoem/master/internal/wire"
	"github.com/gosoem/master/pkg/mailbox"
)

// CoE service codes, carried in the top nibble of the header's first byte.
const (
	serviceSDORequest     = 0x02
	serviceSDOResponse    = 0x03
	serviceSDOInformation = 0x08
)

// Command specifiers, carried in the command-specifier byte's top 3 bits.
const (
	ccsDownloadSegment  = 0x00
	ccsInitiateDownload = 0x01
	ccsInitiateUpload   = 0x02
	ccsUploadSegment    = 0x03
	ccsAbort            = 0x04
)

// Get-OD-List / object/entry description opcodes (SDO information, §4.7).
const (
	infoGetODList            = 0x01
	infoODListResponse       = 0x02
	infoGetObjectDescription = 0x03
	infoObjectDescResponse   = 0x04
	infoGetEntryDescription  = 0x05
	infoEntryDescResponse    = 0x06
	infoError                = 0x07
)

const mailboxTimeout = 1 * time.Second

// abortMessages mirrors sdo_abort_messages in the original master, used
// only to annotate log output.
var abortMessages = map[uint32]string{
	0x05030000: "Toggle bit not changed",
	0x05040000: "SDO protocol timeout",
	0x05040001: "Client/Server command specifier not valid or unknown",
	0x05040005: "Out of memory",
	0x06010000: "Unsupported access to an object",
	0x06010001: "Attempt to read a write-only object",
	0x06010002: "Attempt to write a read-only object",
	0x06020000: "Object does not exist in the object directory",
	0x06040041: "The object cannot be mapped into the PDO",
	0x06040042: "The number and length of the objects to be mapped would exceed the PDO length",
	0x06040043: "General parameter incompatibility reason",
	0x06040047: "General internal incompatibility in the device",
	0x06060000: "Access failure due to a hardware error",
	0x06070010: "Data type/length mismatch",
	0x06070012: "Data type mismatch, length too high",
	0x06070013: "Data type mismatch, length too low",
	0x06090011: "Subindex does not exist",
	0x06090030: "Value range of parameter exceeded",
	0x06090031: "Value of parameter written too high",
	0x06090032: "Value of parameter written too low",
	0x06090036: "Maximum value is less than minimum value",
	0x08000000: "General error",
}

// AbortError wraps an abort code received from a slave.
type AbortError struct {
	Code uint32
}

func (e *AbortError) Error() string {
	if msg, ok := abortMessages[e.Code]; ok {
		return msg
	}
	return "unknown SDO abort code"
}

func logAbort(index uint16, subindex uint8, code uint32) {
	log.WithFields(log.Fields{
		"index": index, "subindex": subindex, "code": code,
	}).Warnf("[COE] aborted: %s", (&AbortError{Code: code}).Error())
}

func header(number, service uint8) uint16 { return uint16(number)<<9 | uint16(service)<<12 }

// Upload performs an SDO upload (read), transparently handling expedited
// and segmented responses (§4.7).
func Upload(mb *mailbox.Mailbox, index uint16, subindex uint8) ([]byte, error) {
	req := make([]byte, 6)
	wire.WriteU16(req, 0, header(0, serviceSDORequest))
	wire.WriteU8(req, 2, ccsInitiateUpload<<5)
	wire.WriteU16(req, 3, index)
	wire.WriteU8(req, 5, subindex)
	if err := mb.Send(mailbox.ProtocolCoE, req); err != nil {
		return nil, err
	}

	resp, err := mb.CheckAndFetch(mailbox.ProtocolCoE, mailboxTimeout)
	if err != nil {
		return nil, err
	}
	if err := checkAbort(resp, index, subindex); err != nil {
		return nil, err
	}
	if err := validateResponse(resp, serviceSDOResponse, ccsInitiateUpload, index, subindex); err != nil {
		return nil, err
	}

	commandByte := wire.ReadU8(resp, 2)
	if commandByte&0x02 != 0 {
		// Expedited: size indicated by bits 2-3 as (4-n).
		n := (commandByte >> 2) & 0x03
		size := 4 - int(n)
		if commandByte&0x01 == 0 {
			size = 4
		}
		return resp[6 : 6+size], nil
	}

	// Segmented: resp[6:10] carries the total size, then a segment chain.
	total := int(wire.ReadU32(resp, 6))
	data := make([]byte, 0, total)
	toggle := uint8(0)
	for {
		segReq := make([]byte, 3)
		wire.WriteU16(segReq, 0, header(0, serviceSDORequest))
		wire.WriteU8(segReq, 2, ccsUploadSegment<<5|toggle<<4)
		if err := mb.Send(mailbox.ProtocolCoE, segReq); err != nil {
			return nil, err
		}
		seg, err := mb.CheckAndFetch(mailbox.ProtocolCoE, mailboxTimeout)
		if err != nil {
			return nil, err
		}
		if err := checkAbort(seg, index, subindex); err != nil {
			return nil, err
		}
		cb := wire.ReadU8(seg, 2)
		if (cb>>4)&0x01 != toggle {
			return nil, ec.ErrMailboxCorrupt
		}
		segLen := 7 - int((cb>>1)&0x07)
		data = append(data, seg[3:3+segLen]...)
		last := cb&0x01 != 0
		toggle ^= 1
		if last {
			break
		}
	}
	if len(data) > total {
		data = data[:total]
	}
	return data, nil
}

// Download performs an SDO download (write) of value, choosing expedited
// encoding for ≤4 bytes and segmented otherwise (§4.7).
func Download(mb *mailbox.Mailbox, index uint16, subindex uint8, value []byte) error {
	if len(value) <= 4 {
		return downloadExpedited(mb, index, subindex, value)
	}
	return downloadSegmented(mb, index, subindex, value)
}

func downloadExpedited(mb *mailbox.Mailbox, index uint16, subindex uint8, value []byte) error {
	req := make([]byte, 6+len(value))
	n := 4 - len(value)
	wire.WriteU16(req, 0, header(0, serviceSDORequest))
	wire.WriteU8(req, 2, 0x23|uint8(n<<2))
	wire.WriteU16(req, 3, index)
	wire.WriteU8(req, 5, subindex)
	copy(req[6:], value)
	if err := mb.Send(mailbox.ProtocolCoE, req); err != nil {
		return err
	}
	resp, err := mb.CheckAndFetch(mailbox.ProtocolCoE, mailboxTimeout)
	if err != nil {
		return err
	}
	if err := checkAbort(resp, index, subindex); err != nil {
		return err
	}
	return validateResponse(resp, serviceSDOResponse, ccsInitiateDownload, index, subindex)
}

func downloadSegmented(mb *mailbox.Mailbox, index uint16, subindex uint8, value []byte) error {
	req := make([]byte, 10)
	wire.WriteU16(req, 0, header(0, serviceSDORequest))
	wire.WriteU8(req, 2, 0x21) // size indicated, not expedited
	wire.WriteU16(req, 3, index)
	wire.WriteU8(req, 5, subindex)
	wire.WriteU32(req, 6, uint32(len(value)))
	if err := mb.Send(mailbox.ProtocolCoE, req); err != nil {
		return err
	}
	resp, err := mb.CheckAndFetch(mailbox.ProtocolCoE, mailboxTimeout)
	if err != nil {
		return err
	}
	if err := checkAbort(resp, index, subindex); err != nil {
		return err
	}
	if err := validateResponse(resp, serviceSDOResponse, ccsInitiateDownload, index, subindex); err != nil {
		return err
	}

	toggle := uint8(0)
	for offset := 0; offset < len(value); {
		chunk := value[offset:]
		last := len(chunk) <= 7
		if !last {
			chunk = chunk[:7]
		}
		segLen := len(chunk)
		cb := ccsDownloadSegment<<5 | toggle<<4 | uint8(7-segLen)<<1
		if last {
			cb |= 0x01
		}
		seg := make([]byte, 3+segLen)
		wire.WriteU16(seg, 0, header(0, serviceSDORequest))
		wire.WriteU8(seg, 2, cb)
		copy(seg[3:], chunk)
		if err := mb.Send(mailbox.ProtocolCoE, seg); err != nil {
			return err
		}
		segResp, err := mb.CheckAndFetch(mailbox.ProtocolCoE, mailboxTimeout)
		if err != nil {
			return err
		}
		if err := checkAbort(segResp, index, subindex); err != nil {
			return err
		}
		offset += segLen
		toggle ^= 1
	}
	return nil
}

func checkAbort(resp []byte, index uint16, subindex uint8) error {
	if len(resp) < 3 {
		return ec.ErrMailboxCorrupt
	}
	service := uint8(wire.ReadU16(resp, 0) >> 12)
	cs := wire.ReadU8(resp, 2) >> 5
	if service == serviceSDORequest && cs == ccsAbort {
		code := wire.ReadU32(resp, 6)
		logAbort(index, subindex, code)
		return &AbortError{Code: code}
	}
	return nil
}

func validateResponse(resp []byte, wantService, wantCS uint8, index uint16, subindex uint8) error {
	if len(resp) < 6 {
		return ec.ErrMailboxCorrupt
	}
	service := uint8(wire.ReadU16(resp, 0) >> 12)
	cs := wire.ReadU8(resp, 2) >> 5
	gotIndex := wire.ReadU16(resp, 3)
	gotSub := wire.ReadU8(resp, 5)
	if service != wantService || cs != wantCS || gotIndex != index || gotSub != subindex {
		return ec.ErrMailboxCorrupt
	}
	return nil
}

// ODEntry is one subindex discovered via dictionary fetch.
type ODEntry struct {
	Subindex  uint8
	BitLength uint16
	Name      string
}

// ODObject is one index discovered via dictionary fetch.
type ODObject struct {
	Index   uint16
	Name    string
	Entries []ODEntry
}

// GetODList fetches the list of available SDO indices (§4.7 "Dictionary
// fetch"), iterating fragments until the "more follows" bit clears.
func GetODList(mb *mailbox.Mailbox) ([]uint16, error) {
	req := make([]byte, 2)
	wire.WriteU16(req, 0, header(0, serviceSDOInformation))
	req[0] = infoGetODList
	if err := mb.Send(mailbox.ProtocolCoE, req); err != nil {
		return nil, err
	}

	var indices []uint16
	for {
		resp, err := mb.CheckAndFetch(mailbox.ProtocolCoE, mailboxTimeout)
		if err != nil {
			return indices, err
		}
		if len(resp) < 2 {
			return indices, ec.ErrMailboxCorrupt
		}
		opcode := resp[0] & 0x7F
		more := resp[0]&0x80 != 0
		if opcode == infoError {
			return indices, &AbortError{Code: wire.ReadU32(resp, 2)}
		}
		if opcode != infoODListResponse {
			return indices, ec.ErrMailboxCorrupt
		}
		for off := 4; off+1 < len(resp); off += 2 {
			indices = append(indices, wire.ReadU16(resp, off))
		}
		if !more {
			return indices, nil
		}
	}
}

// GetObjectDescription fetches one index's object description (name and
// subindex count) and then every subindex's entry description (§4.7
// "Dictionary fetch").
func GetObjectDescription(mb *mailbox.Mailbox, index uint16) (ODObject, error) {
	maxSubindex, name, err := getObjectDescription(mb, index)
	if err != nil {
		return ODObject{}, err
	}
	obj := ODObject{Index: index, Name: name}
	for sub := uint8(0); sub <= maxSubindex; sub++ {
		entry, err := getEntryDescription(mb, index, sub)
		if err != nil {
			if _, ok := err.(*AbortError); ok {
				continue
			}
			return obj, err
		}
		obj.Entries = append(obj.Entries, entry)
	}
	return obj, nil
}

// getObjectDescription issues the Get-Object-Description info-service
// request and returns the object's reported max subindex and name.
func getObjectDescription(mb *mailbox.Mailbox, index uint16) (uint8, string, error) {
	req := make([]byte, 4)
	req[0] = infoGetObjectDescription
	wire.WriteU16(req, 2, index)
	if err := mb.Send(mailbox.ProtocolCoE, req); err != nil {
		return 0, "", err
	}
	resp, err := mb.CheckAndFetch(mailbox.ProtocolCoE, mailboxTimeout)
	if err != nil {
		return 0, "", err
	}
	if len(resp) < 8 {
		return 0, "", ec.ErrMailboxCorrupt
	}
	opcode := resp[0] & 0x7F
	if opcode == infoError {
		return 0, "", &AbortError{Code: wire.ReadU32(resp, 2)}
	}
	if opcode != infoObjectDescResponse {
		return 0, "", ec.ErrMailboxCorrupt
	}
	return resp[7], string(resp[8:]), nil
}

func getEntryDescription(mb *mailbox.Mailbox, index uint16, subindex uint8) (ODEntry, error) {
	req := make([]byte, 4)
	req[0] = infoGetEntryDescription
	wire.WriteU16(req, 2, index)
	req = append(req, subindex)
	if err := mb.Send(mailbox.ProtocolCoE, req); err != nil {
		return ODEntry{}, err
	}
	resp, err := mb.CheckAndFetch(mailbox.ProtocolCoE, mailboxTimeout)
	if err != nil {
		return ODEntry{}, err
	}
	if len(resp) < 8 {
		return ODEntry{}, ec.ErrMailboxCorrupt
	}
	opcode := resp[0] & 0x7F
	if opcode == infoError {
		return ODEntry{}, &AbortError{Code: wire.ReadU32(resp, 2)}
	}
	if opcode != infoEntryDescResponse {
		return ODEntry{}, ec.ErrMailboxCorrupt
	}
	return ODEntry{
		Subindex:  subindex,
		BitLength: wire.ReadU16(resp, 6),
		Name:      string(resp[8:]),
	}, nil
}

// FetchDictionary walks the complete SDO-information dictionary: Get-OD-List
// for the index set, then an object/entry description walk per index (§4.7
// "Dictionary fetch", §4.13 "SdoDict"). An index that aborts its object
// description (e.g. a reserved gap) is skipped rather than failing the
// whole fetch.
func FetchDictionary(mb *mailbox.Mailbox) ([]ODObject, error) {
	indices, err := GetODList(mb)
	if err != nil {
		return nil, err
	}
	objects := make([]ODObject, 0, len(indices))
	for _, index := range indices {
		obj, err := GetObjectDescription(mb, index)
		if err != nil {
			if _, ok := err.(*AbortError); ok {
				log.WithField("index", index).Debug("[COE] object description aborted, skipping")
				continue
			}
			return objects, err
		}
		objects = append(objects, obj)
	}
	return objects, nil
}
