// Package scan implements the slave scan sub-FSM (§4.10): after the
// broadcast address-clear, walk the ring, fetch base data, read SII, and
// materialise each slave's strings/syncs/PDOs.
//
// Grounded on ec_slave_fetch_categories + the identity-field reads in
// master/slave.c (base type/revision/build at register 0x0000, sync/FMMU
// counts) combined with pkg/sii for the category walk this package drives.
package scan

import (
	"time"

	log "github.com/sirupsen/logrus"

	ec "github.com/gosoem/master"
	"github.com/gosoem/master/internal/wire"
	"github.com/gosoem/master/pkg/coe"
	"github.com/gosoem/master/pkg/datagram"
	"github.com/gosoem/master/pkg/mailbox"
	"github.com/gosoem/master/pkg/sii"
	"github.com/gosoem/master/pkg/slave"
)

type sender interface {
	SimpleIO(d *datagram.Datagram, timeout time.Duration) error
}

const sioTimeout = 100 * time.Millisecond

// maxFMMU and maxSyncManagers clamp the base-data counts to this
// implementation's table sizes (§4.10 step 2 "clamped to implementation
// max").
const (
	maxFMMU         = ec.RegFMMUCount
	maxSyncManagers = ec.RegSMCount
)

// Scan runs the per-slave scan sub-FSM for one ring position (§4.10),
// returning a populated Slave. ringPosition is 0-based.
func Scan(fm sender, ringPosition int) (*slave.Slave, error) {
	s := &slave.Slave{RingPosition: ringPosition}

	// Step 1: write station address = ring_position + 1, addressed by
	// auto-increment position (negative ring offset from the frame's entry
	// slave).
	s.StationAddress = uint16(ringPosition + 1)
	addrDatagram := datagram.New(datagram.APWR)
	addrDatagram.InitAPWR(int16(-ringPosition), ec.RegStationAddress, 2)
	wire.WriteU16(addrDatagram.Data, 0, s.StationAddress)
	if err := fm.SimpleIO(addrDatagram, sioTimeout); err != nil {
		return nil, err
	}

	// Step 2: base data.
	base := datagram.New(datagram.NPRD)
	base.InitNPRD(s.StationAddress, 0x0000, 6)
	if err := fm.SimpleIO(base, sioTimeout); err != nil {
		return nil, err
	}
	fmmuCount := int(wire.ReadU8(base.Data, 4))
	if fmmuCount > maxFMMU {
		fmmuCount = maxFMMU
	}
	smCount := int(wire.ReadU8(base.Data, 5))
	if smCount > maxSyncManagers {
		smCount = maxSyncManagers
	}

	// Step 3: SII identity + mailbox geometry.
	header, err := sii.ScanHeader(fm, s.StationAddress)
	if err != nil {
		return nil, err
	}
	s.Alias = header.Alias
	s.VendorID = header.VendorID
	s.ProductCode = header.ProductCode
	s.RevisionNumber = header.RevisionNumber
	s.SerialNumber = header.SerialNumber
	s.RxMailboxOffset = header.RxMailboxOffset
	s.RxMailboxSize = header.RxMailboxSize
	s.TxMailboxOffset = header.TxMailboxOffset
	s.TxMailboxSize = header.TxMailboxSize
	s.MailboxProtocols = header.MailboxProtocols

	// Step 4: walk categories.
	cats, err := sii.WalkCategories(fm, s.StationAddress)
	if err != nil {
		return nil, err
	}
	var strings []string
	for _, cat := range cats {
		switch cat.Type {
		case ec.SIICategoryStrings:
			strings = sii.Strings(cat)
		case ec.SIICategorySyncM:
			s.SyncManagers = decodeSyncManagers(cat.Words)
		case ec.SIICategoryTxPDO:
			s.TxPDOs = append(s.TxPDOs, decodePDOCategory(slave.Input, cat.Words, strings)...)
		case ec.SIICategoryRxPDO:
			s.RxPDOs = append(s.RxPDOs, decodePDOCategory(slave.Output, cat.Words, strings)...)
		}
	}
	s.StringTable = strings

	// Step 5: best-effort CoE dictionary fetch (SDO information service).
	// The PDO assignment objects are not read over CoE; the PDO lists above
	// come from the SII categories only.
	if s.SupportsCoE() {
		mb := mailbox.New(fm, s.StationAddress, s.RxMailboxOffset, s.RxMailboxSize, s.TxMailboxOffset, s.TxMailboxSize)
		if err := prefetchCoEPdos(mb, s); err != nil {
			log.WithField("station", s.StationAddress).Warnf("[SCAN] CoE PDO prefetch failed (non-fatal): %v", err)
		}
	}

	return s, nil
}

func decodeSyncManagers(words []uint16) []slave.SyncManager {
	// Each SII Sync-Manager descriptor is 4 words: phys_start, length,
	// control, enable-flags-in-low-byte (per the original master's SII
	// layout convention).
	var out []slave.SyncManager
	for i := 0; i+3 < len(words); i += 4 {
		out = append(out, slave.SyncManager{
			PhysStart: words[i],
			Length:    words[i+1],
			Control:   uint8(words[i+2]),
			Enable:    words[i+3]&0x01 != 0,
		})
	}
	return out
}

// decodePDOCategory decodes a TxPDO/RxPDO category into zero or more PDOs.
// Each PDO record is {index:u16, entry_count:u8, sync_index:u8, name_idx:u8,
// flags:u8, reserved:u16} followed by entry_count entries of
// {index:u16, subindex:u8, name_idx:u8, data_type:u8, bit_length:u8,
// reserved:u16}, per the original master's SII PDO category parser.
func decodePDOCategory(dir slave.PDODirection, words []uint16, strings []string) []slave.PDO {
	var pdos []slave.PDO
	pos := 0
	for pos+3 < len(words) {
		index := words[pos]
		entryCount := uint8(words[pos+1])
		syncIndex := uint8(words[pos+1] >> 8)
		nameIdx := uint8(words[pos+2])
		pos += 4
		pdo := slave.PDO{Dir: dir, Index: index, SyncIndex: syncIndex, Name: sii.Lookup(strings, int(nameIdx))}
		for e := uint8(0); e < entryCount && pos+3 < len(words); e++ {
			entryIndex := words[pos]
			entrySub := uint8(words[pos+1])
			entryNameIdx := uint8(words[pos+1] >> 8)
			bitLen := words[pos+2] >> 8
			pos += 4
			pdo.Entries = append(pdo.Entries, slave.PDOEntry{
				Index:     entryIndex,
				Subindex:  entrySub,
				BitLength: bitLen,
				Name:      sii.Lookup(strings, int(entryNameIdx)),
			})
		}
		pdos = append(pdos, pdo)
	}
	return pdos
}

func prefetchCoEPdos(mb *mailbox.Mailbox, s *slave.Slave) error {
	objects, err := coe.FetchDictionary(mb)
	if err != nil {
		return err
	}
	s.SdoDictionary = objects
	s.DictFetched = true
	log.WithField("count", len(objects)).Debug("[SCAN] CoE dictionary discovered")
	return nil
}
