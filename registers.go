package ethercat

import "github.com/gosoem/master/pkg/datagram"

// Command is the one-byte EtherCAT datagram command field (§6), canonical
// in pkg/datagram so the frame dispatcher below can depend on it without an
// import cycle; re-exported here for callers that only need the root
// package.
type Command = datagram.Command

const (
	CmdAPRD = datagram.APRD
	CmdAPWR = datagram.APWR
	CmdNPRD = datagram.NPRD
	CmdNPWR = datagram.NPWR
	CmdBRD  = datagram.BRD
	CmdBWR  = datagram.BWR
	CmdLRW  = datagram.LRW
)

// EtherType for EtherCAT frames carried directly over Ethernet.
const EtherType = 0x88A4

// Slave registers used by the master (§6, subset).
const (
	RegStationAddress = 0x0010
	RegALControl      = 0x0120
	RegALStatus       = 0x0130
	RegCRCCounters    = 0x0300
	RegSIIControl     = 0x0502
	RegFMMUBase       = 0x0600
	RegFMMUSize       = 16
	RegFMMUCount      = 16
	RegSMBase         = 0x0800
	RegSMSize         = 8
	RegSMCount        = 8
	RegSMStatusBase   = 0x0808 // SM1 (mailbox TX) status register, per the original master
	RegDCAssignActivate = 0x0981
	RegDCSyncBase       = 0x09A0
)

// AL status register bit layout (§4.9 / supplemented in SPEC_FULL.md).
const (
	ALStatusMask  = 0x0F
	ALStatusError = 0x10
	ALStatusAck   = 0x10 // written back into AL control to acknowledge an error
)

// AL (application layer) states, ordered so that < comparisons match the
// monotonicity invariant in §3 (Init < PreOp < SafeOp < Op).
type ALState uint8

const (
	StateUnknown ALState = 0x00
	StateInit    ALState = 0x01
	StatePreOp   ALState = 0x02
	StateBoot    ALState = 0x03
	StateSafeOp  ALState = 0x04
	StateOp      ALState = 0x08
)

func (s ALState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StatePreOp:
		return "PREOP"
	case StateBoot:
		return "BOOT"
	case StateSafeOp:
		return "SAFEOP"
	case StateOp:
		return "OP"
	default:
		return "UNKNOWN"
	}
}

// MailboxProtocol is the mailbox sub-protocol bitset carried in SII (§6).
type MailboxProtocol uint16

const (
	MailboxAoE MailboxProtocol = 1 << 0
	MailboxEoE MailboxProtocol = 1 << 1
	MailboxCoE MailboxProtocol = 1 << 2
	MailboxFoE MailboxProtocol = 1 << 3
	MailboxSoE MailboxProtocol = 1 << 4
	MailboxVoE MailboxProtocol = 1 << 15
)

func (p MailboxProtocol) Has(bit MailboxProtocol) bool { return p&bit != 0 }

// SII category types (§4.5).
const (
	SIICategoryStrings = 0x000A
	SIICategoryGeneral = 0x001E
	SIICategoryFMMU    = 0x0028
	SIICategorySyncM   = 0x0029
	SIICategoryTxPDO   = 0x0032
	SIICategoryRxPDO   = 0x0033
	SIICategoryEnd     = 0xFFFF
)
