package slave

import (
	ec "github.com/gosoem/master"
	"github.com/gosoem/master/pkg/coe"
)

// PDODirection distinguishes an input (slave→master) PDO from an output
// (master→slave) one (§3).
type PDODirection uint8

const (
	Input PDODirection = iota
	Output
)

// PDOEntry is one field of a PDO (§3).
type PDOEntry struct {
	Index     uint16
	Subindex  uint8
	BitLength uint16
	Name      string
}

// PDO is one process-data object descriptor, resolved from SII or CoE
// during slave scan (§3, §4.10).
type PDO struct {
	Dir       PDODirection
	Index     uint16
	SyncIndex uint8
	Name      string
	Entries   []PDOEntry
}

// SyncManagerDirection mirrors the sync-manager control register's
// direction bit.
type SyncManagerDirection uint8

const (
	SMOutput SyncManagerDirection = iota
	SMInput
)

// SyncManager is one sync-manager descriptor, read from the SII
// Sync-Manager category (§4.5) or programmed during configuration (§4.11).
type SyncManager struct {
	PhysStart uint16
	Length    uint16
	Control   uint8
	Enable    bool
	Dir       SyncManagerDirection
}

// FMMUEntry programs one FMMU channel (§4.11 step 7).
type FMMUEntry struct {
	SyncIndex    uint8
	LogicalStart uint32
	Length       uint16
	LogStartBit  uint8
	LogEndBit    uint8
	PhysStart    uint16
	PhysStartBit uint8
	Dir          SyncManagerDirection
	Enable       bool
}

// Slave is a discovered, physically present EtherCAT slave (§3,
// supplemented in SPEC_FULL.md's "Slave" data model entry).
type Slave struct {
	RingPosition   int
	StationAddress uint16
	Alias          uint16
	VendorID       uint32
	ProductCode    uint32
	RevisionNumber uint32
	SerialNumber   uint32

	RxMailboxOffset  uint16
	RxMailboxSize    uint16
	TxMailboxOffset  uint16
	TxMailboxSize    uint16
	MailboxProtocols ec.MailboxProtocol

	StringTable  []string
	SyncManagers []SyncManager
	TxPDOs       []PDO
	RxPDOs       []PDO
	FMMUs        []FMMUEntry

	CurrentState   ec.ALState
	ErrorFlag      bool
	SelfConfigured bool

	JiffiesPreop int64

	// SdoDictionary is the discovered CoE object dictionary (§3
	// "sdo_dictionary"), populated by a GetODList/GetObjectDescription walk
	// (§4.7 "Dictionary fetch", §4.10 step 5, §4.13 "SdoDict").
	SdoDictionary []coe.ODObject
	// DictFetched marks that the one-shot dictionary fetch has already been
	// attempted for this slave's lifetime (§4.13 "SdoDict": "once per slave
	// lifetime").
	DictFetched bool
}

// SupportsCoE reports whether the slave's SII mailbox protocol bitset
// advertises CoE.
func (s *Slave) SupportsCoE() bool { return s.MailboxProtocols.Has(ec.MailboxCoE) }

// SupportsFoE reports whether the slave's SII mailbox protocol bitset
// advertises FoE.
func (s *Slave) SupportsFoE() bool { return s.MailboxProtocols.Has(ec.MailboxFoE) }

// ResolvePDO finds the entry matching (index, subindex) across every
// attached PDO (both directions), for reg_pdo_entry (§4.12).
func (s *Slave) ResolvePDO(index uint16, subindex uint8) (PDO, PDOEntry, bool) {
	for _, set := range [][]PDO{s.TxPDOs, s.RxPDOs} {
		for _, pdo := range set {
			for _, entry := range pdo.Entries {
				if entry.Index == index && entry.Subindex == subindex {
					return pdo, entry, true
				}
			}
		}
	}
	return PDO{}, PDOEntry{}, false
}
