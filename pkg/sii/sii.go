// Package sii implements the Slave Information Interface (EEPROM) reader
// and writer (§4.5): the register 0x0502 handshake for a single word, and
// the category walk that turns the EEPROM's raw words into strings, general
// info, sync-manager descriptors and PDO descriptors.
//
// Grounded directly on the original master's ec_slave_sii_read16/read32/
// write16 and ec_slave_fetch_categories (master/slave.c): the control-byte
// layout at register 0x0502 (access byte, op byte, u32 offset, u16/u32
// data), the busy/error bit masks (0x81 on read, 0x82/0x40 on write), and
// the fixed SII word offsets for alias/vendor/product/revision/serial and
// mailbox geometry are carried over unchanged.
package sii

import (
	"time"

	log "github.com/sirupsen/logrus"

	ec "github.com/gosoem/master"
	"github.com/gosoem/master/internal/wire"
	"github.com/gosoem/master/pkg/datagram"
)

// sender is the subset of ethercat.FrameManager the reader needs; defined
// as an interface so tests can substitute a fake.
type sender interface {
	SimpleIO(d *datagram.Datagram, timeout time.Duration) error
}

const sioTimeout = 100 * time.Millisecond

// Fixed SII word offsets (ec_slave_read_sii in the original master).
const (
	wordAlias          = 0x0004
	wordVendorID       = 0x0008
	wordProductCode    = 0x000A
	wordRevisionNumber = 0x000C
	wordSerialNumber   = 0x000E
	wordRxMailboxOff   = 0x0018
	wordRxMailboxSize  = 0x0019
	wordTxMailboxOff   = 0x001A
	wordTxMailboxSize  = 0x001B
	wordMailboxProtos  = 0x001C
	categoryStart      = 0x0040
)

// Header is the fixed portion of a slave's SII content read by ScanHeader.
type Header struct {
	Alias            uint16
	VendorID         uint32
	ProductCode      uint32
	RevisionNumber   uint32
	SerialNumber     uint32
	RxMailboxOffset  uint16
	RxMailboxSize    uint16
	TxMailboxOffset  uint16
	TxMailboxSize    uint16
	MailboxProtocols ec.MailboxProtocol
}

// Category is one decoded EEPROM category record (§4.5 table).
type Category struct {
	Type  uint16
	Words []uint16
}

// ReadWord performs the register 0x0502 read handshake for one SII word
// address and returns the 32-bit value (two consecutive SII words), per
// ec_slave_sii_read32.
func ReadWord(fm sender, stationAddr uint16, offset uint16) (uint32, error) {
	req := make([]byte, 6)
	wire.WriteU8(req, 0, 0x00) // read-only access
	wire.WriteU8(req, 1, 0x01) // request read operation
	wire.WriteU32(req, 2, uint32(offset))

	write := datagram.New(datagram.NPWR)
	write.InitNPWR(stationAddr, ec.RegSIIControl, len(req))
	copy(write.Data, req)
	if err := fm.SimpleIO(write, sioTimeout); err != nil {
		return 0, err
	}

	deadline := time.Now().Add(sioTimeout)
	for {
		status := datagram.New(datagram.NPRD)
		status.InitNPRD(stationAddr, ec.RegSIIControl, 10)
		if err := fm.SimpleIO(status, sioTimeout); err != nil {
			return 0, err
		}
		if wire.ReadU8(status.Data, 1)&0x81 == 0 {
			return wire.ReadU32(status.Data, 6), nil
		}
		if time.Now().After(deadline) {
			return 0, ec.ErrSiiTimeout
		}
		time.Sleep(10 * time.Microsecond)
	}
}

// WriteWord performs the register 0x0502 write handshake for one SII word,
// per ec_slave_sii_write16.
func WriteWord(fm sender, stationAddr uint16, offset uint16, value uint16) error {
	log.WithFields(log.Fields{"offset": offset, "value": value}).Debug("[SII] write")
	req := make([]byte, 8)
	wire.WriteU8(req, 0, 0x01) // enable write access
	wire.WriteU8(req, 1, 0x02) // request write operation
	wire.WriteU32(req, 2, uint32(offset))
	wire.WriteU16(req, 6, value)

	write := datagram.New(datagram.NPWR)
	write.InitNPWR(stationAddr, ec.RegSIIControl, len(req))
	copy(write.Data, req)
	if err := fm.SimpleIO(write, sioTimeout); err != nil {
		return err
	}

	deadline := time.Now().Add(sioTimeout)
	for {
		status := datagram.New(datagram.NPRD)
		status.InitNPRD(stationAddr, ec.RegSIIControl, 2)
		if err := fm.SimpleIO(status, sioTimeout); err != nil {
			return err
		}
		b1 := wire.ReadU8(status.Data, 1)
		if b1&0x82 == 0 {
			if b1&0x40 != 0 {
				return ec.ErrSiiWriteRefused
			}
			return nil
		}
		if time.Now().After(deadline) {
			return ec.ErrSiiTimeout
		}
		time.Sleep(10 * time.Microsecond)
	}
}

// ScanHeader reads the fixed identity/mailbox fields of a slave's SII
// content (§4.10 step 3).
func ScanHeader(fm sender, stationAddr uint16) (Header, error) {
	var h Header
	aliasWord, err := ReadWord(fm, stationAddr, wordAlias)
	if err != nil {
		return h, err
	}
	h.Alias = uint16(aliasWord)

	if h.VendorID, err = ReadWord(fm, stationAddr, wordVendorID); err != nil {
		return h, err
	}
	if h.ProductCode, err = ReadWord(fm, stationAddr, wordProductCode); err != nil {
		return h, err
	}
	if h.RevisionNumber, err = ReadWord(fm, stationAddr, wordRevisionNumber); err != nil {
		return h, err
	}
	if h.SerialNumber, err = ReadWord(fm, stationAddr, wordSerialNumber); err != nil {
		return h, err
	}
	mbox, err := ReadWord(fm, stationAddr, wordRxMailboxOff)
	if err != nil {
		return h, err
	}
	h.RxMailboxOffset = uint16(mbox)
	h.RxMailboxSize = uint16(mbox >> 16)

	mbox, err = ReadWord(fm, stationAddr, wordTxMailboxOff)
	if err != nil {
		return h, err
	}
	h.TxMailboxOffset = uint16(mbox)
	h.TxMailboxSize = uint16(mbox >> 16)

	protos, err := ReadWord(fm, stationAddr, wordMailboxProtos)
	if err != nil {
		return h, err
	}
	h.MailboxProtocols = ec.MailboxProtocol(uint16(protos))
	return h, nil
}

// WalkCategories reads the EEPROM category chain starting at 0x0040 until a
// 0xFFFF terminator (§4.5). Unknown category types are kept (the caller
// decides what to do with them) but logged.
func WalkCategories(fm sender, stationAddr uint16) ([]Category, error) {
	var cats []Category
	offset := uint16(categoryStart)
	for {
		header, err := ReadWord(fm, stationAddr, offset)
		if err != nil {
			return cats, err
		}
		catType := uint16(header)
		sizeWords := uint16(header >> 16)
		if catType == 0xFFFF {
			return cats, nil
		}
		words := make([]uint16, 0, sizeWords)
		for i := uint16(0); i < sizeWords; i += 2 {
			v, err := ReadWord(fm, stationAddr, offset+2+i)
			if err != nil {
				return cats, err
			}
			words = append(words, uint16(v))
			if i+1 < sizeWords {
				words = append(words, uint16(v>>16))
			}
		}
		switch catType {
		case ec.SIICategoryStrings, ec.SIICategoryGeneral, ec.SIICategoryFMMU,
			ec.SIICategorySyncM, ec.SIICategoryTxPDO, ec.SIICategoryRxPDO:
		default:
			log.WithField("category", catType).Warn("[SII] skipping unrecognised category")
		}
		cats = append(cats, Category{Type: catType, Words: words})
		offset += 2 + sizeWords
	}
}

// Strings decodes a Strings category (0x000A) into its 1-based indexed
// table. Index 0 of the returned slice is unused so callers can index it
// directly with the 1-based SII string index.
func Strings(cat Category) []string {
	if cat.Type != ec.SIICategoryStrings || len(cat.Words) == 0 {
		return nil
	}
	raw := make([]byte, len(cat.Words)*2)
	for i, w := range cat.Words {
		wire.WriteU16(raw, i*2, w)
	}
	if len(raw) == 0 {
		return nil
	}
	count := int(raw[0])
	out := make([]string, count+1)
	pos := 1
	for i := 1; i <= count; i++ {
		if pos >= len(raw) {
			break
		}
		n := int(raw[pos])
		pos++
		if pos+n > len(raw) {
			n = len(raw) - pos
		}
		out[i] = string(raw[pos : pos+n])
		pos += n
	}
	return out
}

// UnresolvedString is returned by callers indexing Strings() out of range,
// per the "missing indices return a placeholder" invariant (§9).
const UnresolvedString = "<unresolved string>"

// Lookup safely indexes a decoded string table.
func Lookup(table []string, index int) string {
	if index <= 0 || index >= len(table) || table[index] == "" {
		return UnresolvedString
	}
	return table[index]
}
